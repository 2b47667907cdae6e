package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/useful-bytes/netsleuth/internal/ca"
	"github.com/useful-bytes/netsleuth/internal/config"
	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/store"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

const allocAttempts = 64

// loopbackAllocator hands out sequential 127/8 addresses so each local proxy
// gets its own IP and well-known port. Octets 0 and 255 are skipped; the
// counter wraps at the top of the block and may re-issue addresses that are
// still in use, in which case the listen retry moves past them.
type loopbackAllocator struct {
	mu   sync.Mutex
	next uint32
}

var loopbackAlloc = &loopbackAllocator{next: 0x7f000001} // 127.0.0.1

func (a *loopbackAllocator) allocate() net.IP {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		v := a.next
		a.next++
		if a.next > 0x7ffffffe {
			a.next = 0x7f000001
		}
		last := byte(v)
		if last == 0 || last == 255 {
			continue
		}
		return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), last)
	}
}

// LocalConfig configures an in-process proxy target.
type LocalConfig struct {
	// Hostname is the name clients use. Ignored in forward mode, which binds
	// the wildcard.
	Hostname string
	// Forward runs a forward proxy (CONNECT MITM, wildcard host) instead of a
	// reverse proxy pinned to Engine.Origin.
	Forward bool
	// Port is the listen port on the allocated loopback address. Zero picks
	// 80, or 443 when HTTPS is set.
	Port  int
	HTTPS bool

	Engine EngineConfig
	Opts   *wire.Options

	// Gateway is the base configuration for the embedded server; listener
	// addresses are overwritten with the allocated loopback address.
	Gateway config.Config
	Issuer  ca.Issuer
	Store   *store.Store

	Log zerolog.Logger
}

// LocalTarget runs a private gateway on an allocated loopback address with an
// in-process binding, so local traffic can be inspected without any remote
// gateway. Reverse mode pins every request to one origin; forward mode proxies
// wherever the client asked.
type LocalTarget struct {
	stateMachine
	cfg   LocalConfig
	srv   *gateway.Server
	inner *InternalTarget
	addr  string
	log   zerolog.Logger
}

// NewLocal builds a local proxy target.
func NewLocal(cfg LocalConfig) *LocalTarget {
	if cfg.Port == 0 {
		if cfg.HTTPS {
			cfg.Port = 443
		} else {
			cfg.Port = 80
		}
	}
	return &LocalTarget{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "local-target").Logger(),
	}
}

// Addr reports the loopback address the embedded gateway listens on. Empty
// before Init succeeds.
func (t *LocalTarget) Addr() string { return t.addr }

// Server exposes the embedded gateway, mainly for its event broadcaster.
func (t *LocalTarget) Server() *gateway.Server { return t.srv }

// Init allocates a loopback address, starts the embedded gateway on it, and
// binds the in-process target. Addresses already in use are skipped.
func (t *LocalTarget) Init(ctx context.Context) error {
	if !t.transition(StateConnecting) {
		return fmt.Errorf("target: init refused in state %s", t.State())
	}

	name := t.cfg.Hostname
	if t.cfg.Forward {
		name = gateway.Wildcard
	}

	var lastErr error
	for attempt := 0; attempt < allocAttempts; attempt++ {
		ip := loopbackAlloc.allocate()
		addr := net.JoinHostPort(ip.String(), fmt.Sprint(t.cfg.Port))

		gwCfg := t.cfg.Gateway
		gwCfg.ForwardProxy = t.cfg.Forward
		gwCfg.RemoteInspection = false
		if t.cfg.HTTPS {
			gwCfg.HTTPAddr = ""
			gwCfg.HTTPSAddr = addr
		} else {
			gwCfg.HTTPAddr = addr
			gwCfg.HTTPSAddr = ""
		}

		srv := gateway.New(gwCfg, t.cfg.Log, nil, t.cfg.Store, t.cfg.Issuer)
		if err := srv.Start(); err != nil {
			lastErr = err
			continue
		}

		inner := NewInternal(srv, name, t.cfg.Opts, t.cfg.Engine)
		if err := inner.Init(ctx); err != nil {
			srv.Stop()
			t.terminate(StateError)
			return err
		}

		t.srv = srv
		t.inner = inner
		t.addr = addr
		t.transition(StateOpen)
		t.log.Info().Str("addr", addr).Bool("forward", t.cfg.Forward).Msg("local proxy up")
		return nil
	}
	t.terminate(StateError)
	return fmt.Errorf("target: no loopback address available: %w", lastErr)
}

// Connect is a no-op: Init leaves the proxy fully live.
func (t *LocalTarget) Connect(context.Context) error {
	if t.State() != StateOpen {
		return errors.New("target: connect before init")
	}
	return nil
}

// Send forwards to the in-process binding.
func (t *LocalTarget) Send(m wire.Message) error {
	if t.inner == nil {
		return errors.New("target: not bound")
	}
	return t.inner.Send(m)
}

// SendBin forwards to the in-process binding.
func (t *LocalTarget) SendBin(frameType byte, id uint32, payload []byte) error {
	if t.inner == nil {
		return errors.New("target: not bound")
	}
	return t.inner.SendBin(frameType, id, payload)
}

// HandleMsg forwards to the in-process binding's engine.
func (t *LocalTarget) HandleMsg(m wire.Message) error {
	if t.inner == nil {
		return errors.New("target: not bound")
	}
	return t.inner.HandleMsg(m)
}

// Reconnect is a no-op: the embedded gateway cannot lose its own binding.
func (t *LocalTarget) Reconnect(context.Context) {}

// Close unbinds and stops the embedded gateway.
func (t *LocalTarget) Close() error {
	t.terminate(StateClosed)
	if t.inner != nil {
		_ = t.inner.Close()
	}
	if t.srv != nil {
		t.srv.Stop()
	}
	return nil
}
