package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

// InternalTarget attaches to a gateway in the same process. No socket exists:
// the gateway delivers through InternalConn callbacks and the engine replies
// by direct call. Used by local reverse and forward proxies.
type InternalTarget struct {
	stateMachine
	engine  *Engine
	srv     *gateway.Server
	name    string
	opts    *wire.Options
	binding *gateway.Binding
}

// NewInternal prepares an in-process target bound to name on srv.
func NewInternal(srv *gateway.Server, name string, opts *wire.Options, cfg EngineConfig) *InternalTarget {
	t := &InternalTarget{srv: srv, name: name, opts: opts}
	t.engine = NewEngine(cfg, t)
	return t
}

// Send delivers a control message straight into the gateway.
func (t *InternalTarget) Send(m wire.Message) error {
	b := t.binding
	if b == nil {
		return errors.New("target: not bound")
	}
	return b.Deliver(m)
}

// SendBin delivers a binary frame straight into the gateway.
func (t *InternalTarget) SendBin(frameType byte, id uint32, payload []byte) error {
	b := t.binding
	if b == nil {
		return errors.New("target: not bound")
	}
	return b.DeliverBin(frameType, id, payload)
}

// HandleMsg feeds a control message to the engine.
func (t *InternalTarget) HandleMsg(m wire.Message) error { return t.engine.HandleMsg(m) }

// Init binds the hostname and wires the callback path.
func (t *InternalTarget) Init(context.Context) error {
	if !t.transition(StateConnecting) {
		return fmt.Errorf("target: init refused in state %s", t.State())
	}
	binding, err := t.srv.Inspect(t.name, t.opts)
	if err != nil {
		t.terminate(StateError)
		return err
	}
	conn := binding.Conn()
	conn.OnMsg = t.engine.HandleMsg
	conn.OnBin = func(frameType byte, id uint32, payload []byte) error {
		return t.engine.HandleBin(wire.Frame{Type: frameType, ID: id, Payload: payload})
	}
	conn.OnClose = func() error {
		t.terminate(StateClosed)
		t.engine.Close()
		return nil
	}
	t.binding = binding
	t.transition(StateOpen)
	return nil
}

// Connect is a no-op: the binding made by Init is already live.
func (t *InternalTarget) Connect(context.Context) error {
	if t.State() != StateOpen {
		return errors.New("target: connect before init")
	}
	return nil
}

// Reconnect is a no-op: an in-process binding cannot disconnect.
func (t *InternalTarget) Reconnect(context.Context) {}

// Close unbinds the hostname and stops the engine.
func (t *InternalTarget) Close() error {
	t.terminate(StateClosed)
	if t.binding != nil {
		t.binding.Close()
		t.binding = nil
	}
	t.engine.Close()
	return nil
}
