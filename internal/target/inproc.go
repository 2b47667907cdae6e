package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

// InprocTarget serves an already-accepted WebSocket, used when the inspected
// process connects inward instead of the target dialing out. There is no
// preflight and no reconnect: the accepted socket is the whole lifetime.
type InprocTarget struct {
	stateMachine
	engine *Engine
	conn   *gateway.WSConn
	raw    *websocket.Conn
	log    zerolog.Logger
}

// NewInproc wraps an accepted connection.
func NewInproc(raw *websocket.Conn, cfg EngineConfig) *InprocTarget {
	t := &InprocTarget{
		raw:  raw,
		conn: gateway.NewWSConn(raw),
		log:  cfg.Log.With().Str("component", "inproc-target").Logger(),
	}
	t.engine = NewEngine(cfg, t)
	return t
}

// Send writes a control message to the accepted socket.
func (t *InprocTarget) Send(m wire.Message) error { return t.conn.Send(m) }

// SendBin writes a binary frame to the accepted socket.
func (t *InprocTarget) SendBin(frameType byte, id uint32, payload []byte) error {
	return t.conn.SendBin(frameType, id, payload)
}

// HandleMsg feeds a control message to the engine.
func (t *InprocTarget) HandleMsg(m wire.Message) error { return t.engine.HandleMsg(m) }

// Init announces readiness on the pre-opened socket.
func (t *InprocTarget) Init(context.Context) error {
	if !t.transition(StateOpen) {
		return fmt.Errorf("target: init refused in state %s", t.State())
	}
	return t.conn.Send(wire.Message{M: wire.VerbReady})
}

// Connect runs the read loop until the socket dies. The socket was accepted
// before construction, so there is nothing to dial.
func (t *InprocTarget) Connect(ctx context.Context) error {
	if t.State() != StateOpen {
		return errors.New("target: connect before init")
	}
	go t.readLoop()
	return nil
}

func (t *InprocTarget) readLoop() {
	defer func() {
		t.terminate(StateClosed)
		_ = t.raw.Close()
		t.engine.Close()
	}()
	for {
		messageType, data, err := t.raw.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.TextMessage:
			m, err := wire.Unmarshal(data)
			if err != nil {
				t.log.Warn().Err(err).Msg("malformed message on inproc socket")
				return
			}
			_ = t.engine.HandleMsg(m)
		case websocket.BinaryMessage:
			f, err := wire.DecodeFrame(data)
			if err != nil {
				t.log.Warn().Err(err).Msg("malformed frame on inproc socket")
				return
			}
			_ = t.engine.HandleBin(f)
		}
	}
}

// InprocHandler accepts inbound gateway connections on behalf of an
// inspected process. Every upgraded socket gets its own engine and lives
// until the socket dies; mount it wherever the process serves HTTP.
func InprocHandler(cfg EngineConfig) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	log := cfg.Log.With().Str("component", "inproc-accept").Logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("inproc upgrade failed")
			return
		}
		t := NewInproc(conn, cfg)
		if err := t.Init(r.Context()); err != nil {
			log.Warn().Err(err).Msg("inproc init failed")
			_ = conn.Close()
			return
		}
		_ = t.Connect(r.Context())
	})
}

// Reconnect is a no-op: an accepted socket cannot be redialed.
func (t *InprocTarget) Reconnect(context.Context) {}

// Close tears down the socket and engine.
func (t *InprocTarget) Close() error {
	t.terminate(StateClosed)
	err := t.raw.Close()
	t.engine.Close()
	return err
}
