package target

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/useful-bytes/netsleuth/internal/config"
	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

func gatewayConfig() config.Config {
	return config.Config{
		RemoteInspection: true,
		SilenceTimeout:   5 * time.Second,
		AckTimeout:       2 * time.Second,
		ReaperInterval:   time.Hour,
		MaxBodyBuffer:    1 << 20,
		MaxWSMessage:     1 << 20,
		RetentionWindow:  time.Minute,
	}
}

func newClientFor(gatewayURL, hostname, origin string) *ClientTarget {
	cfg := ClientConfig{
		GatewayURL: gatewayURL,
		Hostname:   hostname,
		Engine: EngineConfig{
			MaxBodyBuffer: 1 << 20,
			Log:           zerolog.Nop(),
		},
		ReconnectDelay: 50 * time.Millisecond,
		PingInterval:   time.Second,
		Log:            zerolog.Nop(),
	}
	if origin != "" {
		u, err := url.Parse(origin)
		if err != nil {
			panic(err)
		}
		cfg.Engine.Origin = u
	}
	return NewClient(cfg)
}

func TestClientClaimConflictIsTerminal(t *testing.T) {
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer gw.Close()

	c := newClientFor(gw.URL, "taken.example.test", "")
	err := c.Init(context.Background())
	require.ErrorIs(t, err, ErrHostRejected)
	require.Equal(t, StateError, c.State())
}

func TestClientClaimFollowsOneRedirect(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer final.Close()
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/host", http.StatusTemporaryRedirect)
	}))
	defer first.Close()

	c := newClientFor(first.URL, "roaming.example.test", "")
	require.NoError(t, c.Init(context.Background()))
	require.Equal(t, final.URL, c.gateway())
}

func TestClientClaimRedirectLoop(t *testing.T) {
	var loop *httptest.Server
	loop = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, loop.URL+"/host", http.StatusFound)
	}))
	defer loop.Close()

	c := newClientFor(loop.URL, "dizzy.example.test", "")
	err := c.claimHost(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "redirect loop")
}

func TestClientEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "served by origin")
	}))
	defer upstream.Close()

	gw := gateway.New(gatewayConfig(), zerolog.Nop(), nil, nil, nil)
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()
	defer gw.Stop()

	c := newClientFor(ts.URL, "client.example.test", upstream.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	require.Equal(t, StateOpen, c.State())

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/page", nil)
	require.NoError(t, err)
	req.Host = "client.example.test"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "served by origin", string(body))
}

// fakeGateway upgrades binds and drives a scripted exchange with the client.
func fakeGateway(t *testing.T, dials *atomic.Int32, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/host" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path != gateway.WellKnownBindPath {
			http.NotFound(w, r)
			return
		}
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		data, _ := wire.Marshal(wire.Message{M: wire.VerbReady})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		script(conn)
	}))
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	gw := fakeGateway(t, &dials, func(conn *websocket.Conn) {
		if dials.Load() == 1 {
			_ = conn.Close()
			return
		}
		// Stay up on the second bind.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer gw.Close()

	c := newClientFor(gw.URL, "bouncy.example.test", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	waitForState(t, func() bool { return dials.Load() >= 2 })
}

func TestClientEjectedIsTerminal(t *testing.T) {
	var dials atomic.Int32
	gw := fakeGateway(t, &dials, func(conn *websocket.Conn) {
		data, _ := wire.Marshal(wire.Message{M: wire.VerbEjected, Msg: "logged in elsewhere"})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer gw.Close()

	c := newClientFor(gw.URL, "evicted.example.test", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Connect(ctx))

	waitForState(t, func() bool { return c.State() == StateError })
	// Terminal states refuse reconnection.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), dials.Load())
}

func waitForState(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
