package target

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

func TestInternalTargetServesThroughGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "internal-ok")
	}))
	defer upstream.Close()
	originURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	gw := gateway.New(gatewayConfig(), zerolog.Nop(), nil, nil, nil)
	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()
	defer gw.Stop()

	tgt := NewInternal(gw, "in.example.test", nil, EngineConfig{
		ExternalHost:  "in.example.test",
		Origin:        originURL,
		MaxBodyBuffer: 1 << 20,
		Log:           zerolog.Nop(),
	})
	require.NoError(t, tgt.Init(context.Background()))
	require.NoError(t, tgt.Connect(context.Background()))
	defer tgt.Close()
	require.Equal(t, StateOpen, tgt.State())

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/x", nil)
	require.NoError(t, err)
	req.Host = "in.example.test"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "internal-ok", string(body))
}

func TestInternalTargetDoubleBind(t *testing.T) {
	gw := gateway.New(gatewayConfig(), zerolog.Nop(), nil, nil, nil)
	defer gw.Stop()

	cfg := EngineConfig{MaxBodyBuffer: 1 << 20, Log: zerolog.Nop()}
	first := NewInternal(gw, "dup.example.test", nil, cfg)
	require.NoError(t, first.Init(context.Background()))
	defer first.Close()

	second := NewInternal(gw, "dup.example.test", nil, cfg)
	err := second.Init(context.Background())
	require.ErrorIs(t, err, gateway.ErrHostTaken)
	require.Equal(t, StateError, second.State())
}

func TestInprocTargetServesAcceptedSocket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "inproc-ok")
	}))
	defer upstream.Close()
	originURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	acceptor := httptest.NewServer(InprocHandler(EngineConfig{
		ExternalHost:  "proc.example.test",
		Origin:        originURL,
		MaxBodyBuffer: 1 << 20,
		Log:           zerolog.Nop(),
	}))
	defer acceptor.Close()

	// This side plays the gateway.
	peer, _, err := websocket.DefaultDialer.Dial("ws"+acceptor.URL[4:], nil)
	require.NoError(t, err)
	defer peer.Close()

	ready := readPeerControl(t, peer)
	require.Equal(t, wire.VerbReady, ready.M)

	sendPeerControl(t, peer, wire.Message{
		M: wire.VerbRequest, ID: 1, Method: http.MethodGet,
		Proto: "http", Host: "proc.example.test", Path: "/y",
	})
	sendPeerControl(t, peer, wire.Message{M: wire.VerbEnd, ID: 1})

	sawRes := false
	var payload []byte
	for !sawRes || payload == nil {
		_ = peer.SetReadDeadline(time.Now().Add(3 * time.Second))
		messageType, data, err := peer.ReadMessage()
		require.NoError(t, err)
		if messageType == websocket.TextMessage {
			m, err := wire.Unmarshal(data)
			require.NoError(t, err)
			if m.M == wire.VerbResponse {
				require.Equal(t, http.StatusOK, m.SC)
				sawRes = true
			}
			continue
		}
		f, err := wire.DecodeFrame(data)
		require.NoError(t, err)
		if f.Type == wire.FrameResponseBody {
			payload = f.Payload
		}
	}
	require.Equal(t, "inproc-ok", string(payload))
}

func readPeerControl(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if messageType != websocket.TextMessage {
			continue
		}
		m, err := wire.Unmarshal(data)
		require.NoError(t, err)
		return m
	}
}

func sendPeerControl(t *testing.T, conn *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestLoopbackAllocatorSkipsReservedOctets(t *testing.T) {
	alloc := &loopbackAllocator{next: 0x7f0000fe} // 127.0.0.254
	require.Equal(t, "127.0.0.254", alloc.allocate().String())
	// .255 and .0 are skipped.
	require.Equal(t, "127.0.1.1", alloc.allocate().String())
}

func TestLoopbackAllocatorWraps(t *testing.T) {
	alloc := &loopbackAllocator{next: 0x7ffffffe} // 127.255.255.254
	require.Equal(t, "127.255.255.254", alloc.allocate().String())
	require.Equal(t, "127.0.0.1", alloc.allocate().String())
}

func TestLoopbackAllocatorSequential(t *testing.T) {
	alloc := &loopbackAllocator{next: 0x7f000001}
	a := alloc.allocate()
	b := alloc.allocate()
	require.Equal(t, "127.0.0.1", a.String())
	require.Equal(t, "127.0.0.2", b.String())
	require.NotNil(t, net.ParseIP(b.String()).To4())
}
