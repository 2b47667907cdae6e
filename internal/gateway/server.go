// Package gateway implements the inbound side of the system: HTTP/HTTPS/
// WebSocket listeners, the virtual host table, request multiplexing onto
// target connections, and the liveness reaper.
package gateway

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/useful-bytes/netsleuth/internal/ca"
	"github.com/useful-bytes/netsleuth/internal/config"
	"github.com/useful-bytes/netsleuth/internal/inspect"
	"github.com/useful-bytes/netsleuth/internal/store"
	"github.com/useful-bytes/netsleuth/internal/transaction"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

// StatusRequestBlocked is the non-standard status for block-rule matches.
const StatusRequestBlocked = 450

// WellKnownBindPath accepts inbound target-binding WebSocket upgrades when
// remote inspection is enabled.
const WellKnownBindPath = "/.well-known/netsleuth"

// Wildcard is the catch-all virtual host key.
const Wildcard = "*"

const copyChunkSize = 32 * 1024

// Server owns the listeners, the virtual host table, and the global inflight
// table. Multiple Server instances are fully independent so targets can embed
// their own.
type Server struct {
	cfg    config.Config
	log    zerolog.Logger
	events *inspect.Broadcaster
	store  *store.Store
	issuer ca.Issuer

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	hosts    map[string]*Host
	claims   map[string]hostClaim
	inflight map[uint32]*inflightResponse

	nextID   atomic.Uint32
	reqCount atomic.Uint64

	completedMu sync.Mutex
	completed   []*transaction.Transaction

	httpLn  net.Listener
	httpsLn net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a server; call Start (or use its Handler with a test server)
// afterwards.
func New(cfg config.Config, log zerolog.Logger, events *inspect.Broadcaster, st *store.Store, issuer ca.Issuer) *Server {
	if events == nil {
		events = inspect.NewBroadcaster(log)
	}
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "gateway").Logger(),
		events: events,
		store:  st,
		issuer: issuer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hosts:    make(map[string]*Host),
		claims:   make(map[string]hostClaim),
		inflight: make(map[uint32]*inflightResponse),
		stopped:  make(chan struct{}),
	}
	return s
}

// Events exposes the lifecycle broadcaster.
func (s *Server) Events() *inspect.Broadcaster { return s.events }

// Handler returns the root handler, exported so tests and embedded targets
// can serve it without real listeners.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

// Start opens the configured listeners and runs the reaper until Stop.
func (s *Server) Start() error {
	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("gateway: listen %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = ln
		go func() {
			srv := &http.Server{Handler: s.Handler()}
			_ = srv.Serve(ln)
		}()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("http listener up")
	}
	if s.cfg.HTTPSAddr != "" && s.issuer != nil {
		tlsCfg := &tls.Config{
			GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert, err := s.issuer.Issue(chi.ServerName)
				if err != nil {
					return nil, err
				}
				return &cert, nil
			},
		}
		ln, err := tls.Listen("tcp", s.cfg.HTTPSAddr, tlsCfg)
		if err != nil {
			return fmt.Errorf("gateway: listen %s: %w", s.cfg.HTTPSAddr, err)
		}
		s.httpsLn = ln
		go func() {
			srv := &http.Server{Handler: s.Handler()}
			_ = srv.Serve(ln)
		}()
		s.log.Info().Str("addr", ln.Addr().String()).Msg("https listener up")
	}
	go s.reaperLoop()
	return nil
}

// Stop closes listeners and sweeps every host.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.httpLn != nil {
			_ = s.httpLn.Close()
		}
		if s.httpsLn != nil {
			_ = s.httpsLn.Close()
		}
		s.mu.Lock()
		hosts := make([]*Host, 0, len(s.hosts))
		for _, h := range s.hosts {
			hosts = append(hosts, h)
		}
		s.hosts = make(map[string]*Host)
		s.mu.Unlock()
		for _, h := range hosts {
			h.sweep(http.StatusBadGateway, "gateway shutting down")
		}
	})
}

// AddHost binds a hostname to a connection. At most one binding per hostname:
// a second bind fails with ErrHostTaken and leaves the existing one alone.
func (s *Server) AddHost(name string, conn Conn, opts *wire.Options) (*Host, error) {
	key := hostKey(name)
	h := newHost(key, conn)
	if err := h.ApplyOptions(opts); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, exists := s.hosts[key]; exists {
		s.mu.Unlock()
		return nil, ErrHostTaken
	}
	s.hosts[key] = h
	delete(s.claims, key)
	s.mu.Unlock()
	s.log.Info().Str("host", key).Msg("host bound")
	return h, nil
}

// RemoveHost tears down a binding and fails its in-flight exchanges with 502.
func (s *Server) RemoveHost(name string) {
	key := hostKey(name)
	s.mu.Lock()
	h, ok := s.hosts[key]
	if ok {
		delete(s.hosts, key)
	}
	s.mu.Unlock()
	if ok {
		h.sweep(http.StatusBadGateway, "target connection lost")
		s.log.Info().Str("host", key).Msg("host removed")
	}
}

// LookupHost resolves a hostname (case-insensitively), falling back to the
// wildcard binding.
func (s *Server) LookupHost(name string) *Host {
	key := hostKey(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.hosts[key]; ok {
		return h
	}
	return s.hosts[Wildcard]
}

// HostCount reports bound hostnames.
func (s *Server) HostCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hosts)
}

func hostKey(name string) string {
	if name == Wildcard {
		return name
	}
	host := name
	if h, _, err := net.SplitHostPort(name); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func (s *Server) addInflight(r *inflightResponse) {
	s.mu.Lock()
	s.inflight[r.id] = r
	s.mu.Unlock()
}

// releaseResponse removes an exchange from both inflight tables. Safe to call
// more than once; the doneOnce discipline guarantees each exchange is failed
// or completed exactly once before it lands here.
func (s *Server) releaseResponse(r *inflightResponse) {
	s.mu.Lock()
	delete(s.inflight, r.id)
	s.mu.Unlock()
	r.host.removeResponse(r.id)

	s.completedMu.Lock()
	s.completed = append(s.completed, r.txn)
	s.completedMu.Unlock()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
		return
	case r.URL.Path == "/robots.txt":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "User-agent: *\nDisallow: /\n")
		return
	case r.URL.Path == WellKnownBindPath:
		if !s.cfg.RemoteInspection {
			http.Error(w, "remote inspection disabled", http.StatusNotFound)
			return
		}
		if websocket.IsWebSocketUpgrade(r) {
			s.handleBind(w, r)
			return
		}
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	case r.URL.Path == "/host" && r.Method == http.MethodPost:
		s.handleHostClaim(w, r)
		return
	}
	s.serveProxied(w, r)
}

// serveProxied routes one inbound request to its bound target.
func (s *Server) serveProxied(w http.ResponseWriter, r *http.Request) {
	hostname := requestHostname(r)
	host := s.LookupHost(hostname)
	if host == nil {
		http.Error(w, "no target bound for this host", http.StatusServiceUnavailable)
		return
	}

	auth, _, _, throttle := host.Overrides()
	if auth != "" && !authorized(r, auth) {
		w.Header().Set("WWW-Authenticate", `Basic realm="netsleuth"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if throttle.Off {
		http.Error(w, "host is offline", http.StatusServiceUnavailable)
		return
	}

	id := s.nextID.Add(1)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	txn := transaction.New(id, r.Method, proto, hostname, r.URL.RequestURI())
	txn.HTTPVersion = fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor)
	txn.ReqHeaders = r.Header.Clone()
	txn.RawReq = transaction.RawHeaderLines(r.Header)
	txn.RemoteIP, txn.RemotePort = splitRemote(r.RemoteAddr)
	txn.ReqBody = transaction.NewBody(s.cfg.MaxBodyBuffer)
	txn.ResBody = transaction.NewBody(s.cfg.MaxBodyBuffer)

	s.events.Emit(inspect.Event{Kind: inspect.EventRequestCreated, Host: host.Name, Txn: txn})

	// Block rules short-circuit before anything touches the transport, but
	// the target is still notified for inspector display.
	if rule := host.MatchBlockRule(hostname, r.URL.Path); rule != "" {
		txn.Block()
		s.events.Emit(inspect.Event{Kind: inspect.EventReqBlocked, Host: host.Name, Txn: txn, Rule: rule})
		_ = host.Conn().Send(wire.Message{M: wire.VerbBlock, ID: id, Rule: rule, UR: strings.HasPrefix(rule, rexPrefix)})
		http.Error(w, "Request Blocked", StatusRequestBlocked)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		txn.IsWebSocket = true
		s.serveWS(w, r, host, txn)
		return
	}
	s.serveRequest(w, r, host, txn)
}

func (s *Server) serveRequest(w http.ResponseWriter, r *http.Request, host *Host, txn *transaction.Transaction) {
	headers := txn.ReqHeaders
	if !s.cfg.NoForwardedHeader {
		headers.Add("Forwarded", forwardedHeader(txn.RemoteIP, txn.Proto, txn.Host))
	}
	_, ua, noCache, _ := host.Overrides()
	if ua != "" {
		headers.Set("User-Agent", ua)
	}
	if noCache {
		headers.Set("Cache-Control", "no-cache")
		headers.Del("If-Modified-Since")
		headers.Del("If-None-Match")
	}

	resp := s.newInflightResponse(txn.ID, host, txn, w)
	host.addResponse(txn.ID, resp)
	s.addInflight(resp)

	msg := wire.Message{
		M:           wire.VerbRequest,
		ID:          txn.ID,
		Method:      txn.Method,
		Proto:       txn.Proto,
		Host:        txn.Host,
		Path:        txn.Path,
		HTTPVersion: txn.HTTPVersion,
		Headers:     headers,
		Raw:         txn.RawReq,
		RemoteIP:    txn.RemoteIP,
		RemotePort:  txn.RemotePort,
	}
	if err := host.Conn().Send(msg); err != nil {
		resp.fail(http.StatusBadGateway, "target connection unavailable")
		<-resp.done
		return
	}
	s.events.Emit(inspect.Event{Kind: inspect.EventRequest, Host: host.Name, Txn: txn})

	s.pumpRequestBody(r, host, resp)
	<-resp.done
	s.gcCompleted()
}

// pumpRequestBody streams inbound body bytes as type-1 frames, honoring
// pause signals from the target.
func (s *Server) pumpRequestBody(r *http.Request, host *Host, resp *inflightResponse) {
	buf := make([]byte, copyChunkSize)
	for {
		if !resp.reqGate.Wait() {
			return
		}
		n, err := r.Body.Read(buf)
		if n > 0 {
			resp.touch()
			_ = resp.txn.AppendRequestBody(buf[:n])
			s.events.Emit(inspect.Event{Kind: inspect.EventReqData, Host: host.Name, Txn: resp.txn, Bytes: n})
			if serr := host.Conn().SendBin(wire.FrameRequestBody, resp.id, buf[:n]); serr != nil {
				resp.fail(http.StatusBadGateway, "target connection lost")
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				// Inbound client vanished mid-request: release quietly and
				// tell the target the exchange is moot.
				_ = host.Conn().Send(wire.Message{M: wire.VerbErr, ID: resp.id, Msg: "client aborted request"})
				resp.fail(0, "client aborted request")
				return
			}
			if resp.txn.ReqBody != nil {
				_ = resp.txn.ReqBody.End()
			}
			_ = host.Conn().Send(wire.Message{M: wire.VerbEnd, ID: resp.id})
			return
		}
	}
}

func requestHostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func splitRemote(remoteAddr string) (string, int) {
	host, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// forwardedHeader formats RFC 7239 Forwarded, bracketing IPv6 addresses.
func forwardedHeader(remoteIP, proto, host string) string {
	forVal := remoteIP
	if strings.Contains(remoteIP, ":") {
		forVal = "[" + remoteIP + "]"
	}
	return fmt.Sprintf(`for="%s";proto=%s;host=%s`, forVal, proto, host)
}

// authorized checks Authorization or Proxy-Authorization against the
// required basic credential ("user:pass").
func authorized(r *http.Request, credential string) bool {
	for _, name := range []string{"Authorization", "Proxy-Authorization"} {
		v := r.Header.Get(name)
		if v == "" {
			continue
		}
		parts := strings.SplitN(v, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Basic") {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(decoded, []byte(credential)) == 1 {
			return true
		}
	}
	return false
}

// handleConnect MITMs a forward-proxy CONNECT using the certificate issuer,
// then serves decrypted requests through the normal proxied path.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.ForwardProxy || s.issuer == nil {
		http.Error(w, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}
	hostname := requestHostname(r)
	if s.LookupHost(hostname) == nil {
		http.Error(w, "no target bound for this host", http.StatusServiceUnavailable)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	raw, _, err := hj.Hijack()
	if err != nil {
		return
	}
	if _, err := io.WriteString(raw, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = raw.Close()
		return
	}
	cert, err := s.issuer.Issue(hostname)
	if err != nil {
		s.log.Warn().Err(err).Str("host", hostname).Msg("cert issue failed for CONNECT")
		_ = raw.Close()
		return
	}
	tlsConn := tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		_ = raw.Close()
		return
	}

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Host = hostname
			s.serveProxied(w, req)
		}),
	}
	_ = srv.Serve(&singleConnListener{conn: tlsConn, done: make(chan struct{})})
}

// singleConnListener feeds exactly one connection to http.Serve.
type singleConnListener struct {
	conn net.Conn
	done chan struct{}
	once sync.Once
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	err := net.ErrClosed
	l.once.Do(func() {
		c = l.conn
		err = nil
	})
	if err != nil {
		<-l.done
		return nil, err
	}
	return &closeNotifyConn{Conn: c, done: l.done}, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

type closeNotifyConn struct {
	net.Conn
	done chan struct{}
	once sync.Once
}

func (c *closeNotifyConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}
