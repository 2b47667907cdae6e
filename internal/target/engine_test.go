package target

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/useful-bytes/netsleuth/internal/script"
	"github.com/useful-bytes/netsleuth/internal/transaction"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

const externalHost = "pub.example.test"

// captureSender records everything the engine sends toward the gateway.
type captureSender struct {
	msgs   chan wire.Message
	frames chan wire.Frame
}

func newCaptureSender() *captureSender {
	return &captureSender{
		msgs:   make(chan wire.Message, 1024),
		frames: make(chan wire.Frame, 1024),
	}
}

func (s *captureSender) Send(m wire.Message) error {
	s.msgs <- m
	return nil
}

func (s *captureSender) SendBin(frameType byte, id uint32, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.frames <- wire.Frame{Type: frameType, ID: id, Payload: cp}
	return nil
}

// expect reads control messages until one carries the wanted verb.
func (s *captureSender) expect(t *testing.T, verb wire.Verb) wire.Message {
	t.Helper()
	for {
		select {
		case m := <-s.msgs:
			if m.M == verb {
				return m
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", verb)
		}
	}
}

func (s *captureSender) expectFrame(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func newTestEngine(t *testing.T, origin string, hook script.Hook) (*Engine, *captureSender) {
	t.Helper()
	var originURL *url.URL
	if origin != "" {
		u, err := url.Parse(origin)
		require.NoError(t, err)
		originURL = u
	}
	sender := newCaptureSender()
	e := NewEngine(EngineConfig{
		ExternalHost:  externalHost,
		Origin:        originURL,
		Hook:          hook,
		MaxBodyBuffer: 1 << 20,
		Log:           zerolog.Nop(),
	}, sender)
	t.Cleanup(e.Close)
	return e, sender
}

func requestMsg(id uint32, method, path string) wire.Message {
	return wire.Message{
		M: wire.VerbRequest, ID: id, Method: method,
		Proto: "http", Host: externalHost, Path: path, HTTPVersion: "1.1",
		Headers: map[string][]string{"Accept": {"*/*"}},
	}
}

func TestEngineProxiesRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "upstream-body")
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	require.NoError(t, e.HandleMsg(requestMsg(1, http.MethodGet, "/data")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 1}))

	sender.expect(t, wire.VerbAck)
	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusOK, res.SC)
	require.Equal(t, "text/plain", http.Header(res.Headers).Get("Content-Type"))

	f := sender.expectFrame(t)
	require.Equal(t, wire.FrameResponseBody, f.Type)
	require.Equal(t, uint32(1), f.ID)
	require.Equal(t, "upstream-body", string(f.Payload))

	sender.expect(t, wire.VerbResponseEnd)
}

func TestEngineForwardsRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	m := requestMsg(2, http.MethodPost, "/echo")
	m.Headers["Content-Length"] = []string{"9"}
	require.NoError(t, e.HandleMsg(m))
	require.NoError(t, e.HandleBin(wire.Frame{Type: wire.FrameRequestBody, ID: 2, Payload: []byte("ping-pong")}))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 2}))

	sender.expect(t, wire.VerbAck)
	sender.expect(t, wire.VerbResponse)
	f := sender.expectFrame(t)
	require.Equal(t, "ping-pong", string(f.Payload))
	sender.expect(t, wire.VerbResponseEnd)
}

func TestEngineHeaderOnlyRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	m := requestMsg(3, http.MethodGet, "/ping")
	m.M = wire.VerbRequestHdr
	require.NoError(t, e.HandleMsg(m))

	sender.expect(t, wire.VerbAck)
	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusAccepted, res.SC)
	sender.expect(t, wire.VerbResponseEnd)
}

type fixedHook struct {
	req *script.RequestPatch
	res *script.ResponsePatch
}

func (h *fixedHook) Request(*transaction.Transaction) (*script.RequestPatch, error) {
	return h.req, nil
}

func (h *fixedHook) Response(*transaction.Transaction) (*script.ResponsePatch, error) {
	return h.res, nil
}

func TestEngineHookBlocksBeforeUpstream(t *testing.T) {
	hit := false
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hit = true
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, &fixedHook{req: &script.RequestPatch{Block: true}})
	require.NoError(t, e.HandleMsg(requestMsg(4, http.MethodGet, "/secret")))

	sender.expect(t, wire.VerbAck)
	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusForbidden, res.SC)
	sender.expect(t, wire.VerbResponseEnd)
	require.False(t, hit, "blocked request must never reach upstream")
}

func TestEngineHookSynthesizesResponse(t *testing.T) {
	e, sender := newTestEngine(t, "http://127.0.0.1:1", &fixedHook{req: &script.RequestPatch{
		Respond: &script.SyntheticResponse{
			StatusCode:    http.StatusTeapot,
			StatusMessage: "short and stout",
			Headers:       map[string]string{"X-Origin": "hook"},
			Body:          []byte("kettle"),
		},
	}})
	require.NoError(t, e.HandleMsg(requestMsg(5, http.MethodGet, "/brew")))

	sender.expect(t, wire.VerbAck)
	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusTeapot, res.SC)
	require.Equal(t, "short and stout", res.SM)
	require.Equal(t, "hook", http.Header(res.Headers).Get("X-Origin"))
	f := sender.expectFrame(t)
	require.Equal(t, "kettle", string(f.Payload))
	sender.expect(t, wire.VerbResponseEnd)
}

func TestEngineHookRewritesPath(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, &fixedHook{req: &script.RequestPatch{Path: "/rewritten"}})
	require.NoError(t, e.HandleMsg(requestMsg(6, http.MethodGet, "/original")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 6}))

	sender.expect(t, wire.VerbResponseEnd)
	require.Equal(t, "/rewritten", gotPath)
}

func TestEngineRewritesLocationHeader(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", upstream.URL+"/next")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	require.NoError(t, e.HandleMsg(requestMsg(7, http.MethodGet, "/old")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 7}))

	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusFound, res.SC)
	require.Equal(t, "http://"+externalHost+"/next", http.Header(res.Headers).Get("Location"))
}

func TestEngineUpstreamFailureSendsErr(t *testing.T) {
	e, sender := newTestEngine(t, "http://127.0.0.1:1", nil)
	require.NoError(t, e.HandleMsg(requestMsg(8, http.MethodGet, "/nope")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 8}))

	sender.expect(t, wire.VerbAck)
	errMsg := sender.expect(t, wire.VerbErr)
	require.Equal(t, uint32(8), errMsg.ID)
	require.NotEmpty(t, errMsg.Msg)
}

func TestEngineWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	require.NoError(t, e.HandleMsg(wire.Message{
		M: wire.VerbWS, ID: 9, Method: http.MethodGet,
		Proto: "http", Host: externalHost, Path: "/ws",
		Headers: map[string][]string{},
	}))

	sender.expect(t, wire.VerbWSAck)
	sender.expect(t, wire.VerbWSOpen)

	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbWSMessage, ID: 9, Code: websocket.TextMessage}))
	require.NoError(t, e.HandleBin(wire.Frame{Type: wire.FrameWSPayload, ID: 9, Payload: []byte("marco")}))

	ann := sender.expect(t, wire.VerbWSMessage)
	require.Equal(t, websocket.TextMessage, ann.Code)
	f := sender.expectFrame(t)
	require.Equal(t, wire.FrameWSPayload, f.Type)
	require.Equal(t, "echo:marco", string(f.Payload))

	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbWSClose, ID: 9, Code: websocket.CloseNormalClosure}))
}

func TestEngineWebSocketDialFailure(t *testing.T) {
	e, sender := newTestEngine(t, "http://127.0.0.1:1", nil)
	require.NoError(t, e.HandleMsg(wire.Message{
		M: wire.VerbWS, ID: 10, Method: http.MethodGet,
		Proto: "http", Host: externalHost, Path: "/ws",
	}))

	sender.expect(t, wire.VerbWSAck)
	errMsg := sender.expect(t, wire.VerbWSErr)
	require.Equal(t, uint32(10), errMsg.ID)
}

func TestEngineIgnoresGatewayOnlyEcho(t *testing.T) {
	e, _ := newTestEngine(t, "http://127.0.0.1:1", nil)
	// Verbs that normally travel target to gateway are tolerated quietly.
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbAck, ID: 1}))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbReady}))
}

func TestEngineMalformedFrameType(t *testing.T) {
	e, _ := newTestEngine(t, "http://127.0.0.1:1", nil)
	err := e.HandleBin(wire.Frame{Type: wire.FrameResponseBody, ID: 1})
	require.ErrorIs(t, err, wire.ErrMalformed)
}

func TestEngineHookRelaysBodyBeyondBuffer(t *testing.T) {
	payload := strings.Repeat("z", 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	sender := newCaptureSender()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	e := NewEngine(EngineConfig{
		ExternalHost: externalHost,
		Origin:       u,
		Hook:         &fixedHook{},
		// Smaller than the body, so the hook only ever sees a prefix.
		MaxBodyBuffer: 1 << 10,
		Log:           zerolog.Nop(),
	}, sender)
	defer e.Close()

	require.NoError(t, e.HandleMsg(requestMsg(21, http.MethodGet, "/big")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 21}))

	sender.expect(t, wire.VerbAck)
	sender.expect(t, wire.VerbResponse)

	var got []byte
	for len(got) < len(payload) {
		f := sender.expectFrame(t)
		require.Equal(t, wire.FrameResponseBody, f.Type)
		got = append(got, f.Payload...)
	}
	require.Equal(t, payload, string(got))
	sender.expect(t, wire.VerbResponseEnd)
}

func TestEngineRelaysEarlyHints(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "</style.css>; rel=preload")
		w.WriteHeader(http.StatusEarlyHints)
		_, _ = io.WriteString(w, "after hints")
	}))
	defer upstream.Close()

	e, sender := newTestEngine(t, upstream.URL, nil)
	require.NoError(t, e.HandleMsg(requestMsg(22, http.MethodGet, "/hints")))
	require.NoError(t, e.HandleMsg(wire.Message{M: wire.VerbEnd, ID: 22}))

	info := sender.expect(t, wire.VerbInfo)
	require.Equal(t, http.StatusEarlyHints, info.SC)
	require.Equal(t, "</style.css>; rel=preload", http.Header(info.Headers).Get("Link"))

	res := sender.expect(t, wire.VerbResponse)
	require.Equal(t, http.StatusOK, res.SC)
	sender.expect(t, wire.VerbResponseEnd)
}

func TestEngineRequestBodyPauseSignals(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	sender := newCaptureSender()
	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	e := NewEngine(EngineConfig{
		ExternalHost: externalHost,
		Origin:       u,
		// Small buffer so inbound frames saturate the queue.
		MaxBodyBuffer: 1 << 10,
		Log:           zerolog.Nop(),
	}, sender)
	// Teardown order matters: the engine must release the request body pipe
	// before the upstream server waits out its handler.
	defer close(release)
	defer e.Close()

	require.NoError(t, e.HandleMsg(requestMsg(11, http.MethodPost, "/slow")))
	sender.expect(t, wire.VerbAck)

	// Far more bytes than sockets can buffer while the upstream handler sits
	// on the body, so the queue has to cross its high-water mark.
	chunk := []byte(strings.Repeat("x", 64*1024))
	for i := 0; i < 64; i++ {
		require.NoError(t, e.HandleBin(wire.Frame{Type: wire.FrameRequestBody, ID: 11, Payload: chunk}))
	}
	sender.expect(t, wire.VerbReqPause)
}
