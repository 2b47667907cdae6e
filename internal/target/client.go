package target

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/useful-bytes/netsleuth/internal/gateway"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

const (
	pongGrace        = 10 * time.Second
	preflightRetry   = 5 * time.Second
	defaultReconnect = 5 * time.Second
	defaultPing      = 30 * time.Second
)

// ErrHostRejected means the gateway refused the hostname claim outright.
var ErrHostRejected = errors.New("target: hostname rejected by gateway")

// ClientConfig configures a dialing target.
type ClientConfig struct {
	// GatewayURL is the gateway's base URL, e.g. https://gw.example.com.
	GatewayURL string
	// Hostname is the public name to claim and bind.
	Hostname string

	Engine EngineConfig
	// Opts is pushed to the gateway as cfg after every successful bind.
	Opts *wire.Options

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// TLSConfig applies to the gateway dial only, not upstream traffic.
	TLSConfig *tls.Config

	Log zerolog.Logger
}

// ClientTarget dials out to a gateway, claims its hostname, binds over a
// WebSocket and serves framed exchanges until closed. Connection loss outside
// a terminal state triggers fixed-delay reconnects, forever.
type ClientTarget struct {
	stateMachine
	cfg    ClientConfig
	engine *Engine
	log    zerolog.Logger

	connMu sync.Mutex
	conn   *gateway.WSConn
	raw    *websocket.Conn

	gatewayMu  sync.Mutex
	gatewayURL string
	claimToken string
}

// NewClient builds a client target. Init must run before Connect.
func NewClient(cfg ClientConfig) *ClientTarget {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnect
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPing
	}
	if cfg.Engine.ExternalHost == "" {
		cfg.Engine.ExternalHost = cfg.Hostname
	}
	t := &ClientTarget{
		cfg:        cfg,
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		log:        cfg.Log.With().Str("component", "client-target").Str("host", cfg.Hostname).Logger(),
	}
	t.engine = NewEngine(cfg.Engine, t)
	return t
}

// Send writes a control message to the gateway connection.
func (t *ClientTarget) Send(m wire.Message) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return errors.New("target: not connected")
	}
	return conn.Send(m)
}

// SendBin writes a binary frame to the gateway connection.
func (t *ClientTarget) SendBin(frameType byte, id uint32, payload []byte) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return errors.New("target: not connected")
	}
	return conn.SendBin(frameType, id, payload)
}

// HandleMsg feeds a control message to the engine.
func (t *ClientTarget) HandleMsg(m wire.Message) error {
	return t.engine.HandleMsg(m)
}

// Init claims the hostname. A conflict is terminal; transient failures retry
// every few seconds until the context ends. One redirect is followed, moving
// the whole target to the gateway it names.
func (t *ClientTarget) Init(ctx context.Context) error {
	if !t.transition(StatePreflight) {
		return fmt.Errorf("target: init refused in state %s", t.State())
	}
	for {
		err := t.claimHost(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrHostRejected) || ctx.Err() != nil {
			t.terminate(StateError)
			return err
		}
		t.log.Warn().Err(err).Msg("hostname claim failed, retrying")
		select {
		case <-ctx.Done():
			t.terminate(StateError)
			return ctx.Err()
		case <-time.After(preflightRetry):
		}
	}
}

func (t *ClientTarget) claimHost(ctx context.Context) error {
	client := &http.Client{
		Timeout: dialTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{TLSClientConfig: t.cfg.TLSConfig},
	}

	redirected := false
	for {
		base := t.gateway()
		body, _ := json.Marshal(map[string]string{"host": t.cfg.Hostname})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/host", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			// The token entitles this target to the claimed name at bind time.
			var claim struct {
				Token string `json:"token"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&claim)
			resp.Body.Close()
			t.gatewayMu.Lock()
			t.claimToken = claim.Token
			t.gatewayMu.Unlock()
			return nil
		case resp.StatusCode == http.StatusConflict:
			resp.Body.Close()
			return fmt.Errorf("%w: %s already bound", ErrHostRejected, t.cfg.Hostname)
		case isRedirect(resp.StatusCode):
			resp.Body.Close()
			if redirected {
				return fmt.Errorf("target: gateway redirect loop")
			}
			loc := resp.Header.Get("Location")
			next, perr := url.Parse(loc)
			if perr != nil || next.Host == "" {
				return fmt.Errorf("target: bad redirect %q", loc)
			}
			t.setGateway(next.Scheme + "://" + next.Host)
			t.log.Info().Str("gateway", t.gateway()).Msg("following gateway redirect")
			redirected = true
		default:
			resp.Body.Close()
			return fmt.Errorf("target: claim returned %s", resp.Status)
		}
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (t *ClientTarget) gateway() string {
	t.gatewayMu.Lock()
	defer t.gatewayMu.Unlock()
	return t.gatewayURL
}

func (t *ClientTarget) setGateway(u string) {
	t.gatewayMu.Lock()
	t.gatewayURL = strings.TrimRight(u, "/")
	t.gatewayMu.Unlock()
}

// Connect binds over a WebSocket and starts the read and ping loops.
func (t *ClientTarget) Connect(ctx context.Context) error {
	if !t.transition(StateConnecting) {
		return fmt.Errorf("target: connect refused in state %s", t.State())
	}

	bindURL, err := t.bindURL()
	if err != nil {
		t.terminate(StateError)
		return err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  t.cfg.TLSConfig,
	}
	raw, resp, err := dialer.DialContext(ctx, bindURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			t.terminate(StateError)
			return fmt.Errorf("%w: %s already bound", ErrHostRejected, t.cfg.Hostname)
		}
		t.transition(StateDisconnected)
		return err
	}

	conn := gateway.NewWSConn(raw)
	t.connMu.Lock()
	t.conn = conn
	t.raw = raw
	t.connMu.Unlock()

	if !t.transition(StateOpen) {
		_ = raw.Close()
		return fmt.Errorf("target: closed during connect")
	}

	if t.cfg.Opts != nil {
		if err := conn.Send(wire.Message{M: wire.VerbCfg, Opts: t.cfg.Opts}); err != nil {
			t.transition(StateDisconnected)
			_ = raw.Close()
			return err
		}
	}

	t.log.Info().Str("gateway", t.gateway()).Msg("bound to gateway")
	go t.readLoop(ctx, raw)
	go t.pingLoop(ctx, raw)
	return nil
}

func (t *ClientTarget) bindURL() (string, error) {
	base, err := url.Parse(t.gateway())
	if err != nil {
		return "", fmt.Errorf("target: bad gateway url: %w", err)
	}
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	u := scheme + "://" + base.Host + gateway.WellKnownBindPath + "?host=" + url.QueryEscape(t.cfg.Hostname)
	t.gatewayMu.Lock()
	token := t.claimToken
	t.gatewayMu.Unlock()
	if token != "" {
		u += "&token=" + url.QueryEscape(token)
	}
	return u, nil
}

// readLoop decodes gateway frames until the connection dies, then hands off
// to Reconnect unless the target reached a terminal state.
func (t *ClientTarget) readLoop(ctx context.Context, raw *websocket.Conn) {
	pongWait := t.cfg.PingInterval + pongGrace
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := raw.ReadMessage()
		if err != nil {
			_ = raw.Close()
			if t.State().Terminal() {
				return
			}
			t.log.Warn().Err(err).Msg("gateway connection lost")
			t.transition(StateDisconnected)
			go t.Reconnect(ctx)
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			m, err := wire.Unmarshal(data)
			if err != nil {
				t.log.Warn().Err(err).Msg("malformed gateway message, dropping connection")
				_ = raw.Close()
				t.transition(StateDisconnected)
				go t.Reconnect(ctx)
				return
			}
			if m.M == wire.VerbEjected {
				t.log.Error().Str("reason", m.Msg).Msg("ejected by gateway")
				t.terminate(StateError)
				_ = raw.Close()
				t.engine.Close()
				return
			}
			_ = t.engine.HandleMsg(m)
		case websocket.BinaryMessage:
			f, err := wire.DecodeFrame(data)
			if err != nil {
				t.log.Warn().Err(err).Msg("malformed gateway frame, dropping connection")
				_ = raw.Close()
				t.transition(StateDisconnected)
				go t.Reconnect(ctx)
				return
			}
			_ = t.engine.HandleBin(f)
		}
	}
}

// pingLoop keeps the bound connection warm. A missed pong trips the read
// deadline in readLoop, which owns reconnection.
func (t *ClientTarget) pingLoop(ctx context.Context, raw *websocket.Conn) {
	interval := t.cfg.PingInterval
	if opts := t.engine.Options(); opts != nil && opts.PingInterval > 0 {
		interval = time.Duration(opts.PingInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.currentRaw() != raw {
				return
			}
			if err := raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (t *ClientTarget) currentRaw() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.raw
}

// Reconnect retries Connect on a fixed delay until it succeeds, the context
// ends, or the target turns terminal.
func (t *ClientTarget) Reconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
		if t.State().Terminal() {
			return
		}
		err := t.Connect(ctx)
		if err == nil {
			return
		}
		if t.State().Terminal() {
			return
		}
		t.log.Warn().Err(err).Msg("reconnect failed")
	}
}

// Close moves to the closed state and releases the connection and engine.
func (t *ClientTarget) Close() error {
	t.terminate(StateClosed)
	t.connMu.Lock()
	raw := t.raw
	t.conn = nil
	t.raw = nil
	t.connMu.Unlock()
	if raw != nil {
		_ = raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		_ = raw.Close()
	}
	t.engine.Close()
	return nil
}
