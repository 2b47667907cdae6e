// Package target implements the peer side of a multiplexed connection: the
// component that receives framed requests, performs the real upstream HTTP or
// WebSocket exchange, and frames the response back. Four variants share one
// contract; they differ only in how bytes reach the gateway.
package target

import (
	"context"
	"sync"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

// State is the target lifecycle.
type State int

const (
	StateUninitialized State = iota
	StatePreflight
	StateConnecting
	StateOpen
	StateDisconnected
	StateRedirecting
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePreflight:
		return "preflight"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateRedirecting:
		return "redirecting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether auto-reconnect must never fire again.
func (s State) Terminal() bool {
	return s == StateError || s == StateClosed
}

// Target is the capability set shared by all variants.
type Target interface {
	Init(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
	Reconnect(ctx context.Context)
	Send(m wire.Message) error
	SendBin(frameType byte, id uint32, payload []byte) error
	HandleMsg(m wire.Message) error
}

// stateMachine is the shared transition guard embedded by every variant.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (s *stateMachine) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to next unless already terminal. Returns false when the
// move was refused.
func (s *stateMachine) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = next
	return true
}

// terminate forces a terminal state. The first terminal state wins.
func (s *stateMachine) terminate(final State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = final
	}
}
