package target

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/useful-bytes/netsleuth/internal/flow"
	"github.com/useful-bytes/netsleuth/internal/script"
	"github.com/useful-bytes/netsleuth/internal/transaction"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

const (
	streamChunkSize = 32 * 1024
	dialTimeout     = 30 * time.Second
)

// Sender carries frames back toward the gateway, whatever the transport.
type Sender interface {
	Send(m wire.Message) error
	SendBin(frameType byte, id uint32, payload []byte) error
}

// EngineConfig parameterizes one engine instance.
type EngineConfig struct {
	// ExternalHost is the hostname inbound clients see; Location headers
	// pointing at the upstream host are rewritten to it.
	ExternalHost string

	// Origin pins all requests to a fixed upstream (reverse-proxy mode).
	// When nil, each request dials its own target host.
	Origin *url.URL

	Hook  script.Hook
	Judge CertJudge

	MaxBodyBuffer int64
	Log           zerolog.Logger
}

// Engine decodes gateway traffic for one target and drives the real upstream
// exchanges. Each engine owns its keep-alive transport: connection reuse
// never crosses target boundaries.
type Engine struct {
	cfg       EngineConfig
	sender    Sender
	certs     *CertCache
	transport *http.Transport
	client    *http.Client
	log       zerolog.Logger

	mu        sync.Mutex
	exchanges map[uint32]*exchange
	throttle  wire.Throttle
	opts      *wire.Options
}

// exchange is the engine-side state for one multiplexed id.
type exchange struct {
	id  uint32
	txn *transaction.Transaction

	// bodyQueue buffers type-1 frames between the connection read loop and
	// the upstream request body; saturation emits rp, draining emits rr.
	bodyQueue *flow.Queue
	// resGate is honored by the response streamer; pp/pr toggle it.
	resGate *flow.Gate

	pipe   *io.PipeWriter
	noBody bool
	ctx    context.Context
	cancel context.CancelFunc

	wsMu     sync.Mutex
	ws       wsWriter
	wsGate   *flow.Gate
	wsOpcode int
}

// wsWriter is the subset of gorilla's conn the exchange needs, split out so
// tests can stub the upstream socket.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// NewEngine builds an engine sending through sender.
func NewEngine(cfg EngineConfig, sender Sender) *Engine {
	certs := NewCertCache(cfg.Judge)
	transport := &http.Transport{
		MaxIdleConns:        32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: dialTimeout,
		TLSClientConfig: &tls.Config{
			// Verification is disabled at the transport and re-checked against
			// the per-run accepted-certificate cache.
			InsecureSkipVerify: true,
		},
	}
	transport.TLSClientConfig.VerifyConnection = func(cs tls.ConnectionState) error {
		return certs.Check(cs.ServerName, cs)
	}
	e := &Engine{
		cfg:       cfg,
		sender:    sender,
		certs:     certs,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			// The proxy replays redirects to the client; it never follows them.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:       cfg.Log.With().Str("component", "target-engine").Logger(),
		exchanges: make(map[uint32]*exchange),
	}
	return e
}

// Close tears down every live exchange and the connection pool.
func (e *Engine) Close() {
	e.mu.Lock()
	exchanges := make([]*exchange, 0, len(e.exchanges))
	for _, ex := range e.exchanges {
		exchanges = append(exchanges, ex)
	}
	e.exchanges = make(map[uint32]*exchange)
	e.mu.Unlock()
	for _, ex := range exchanges {
		ex.teardown()
	}
	e.transport.CloseIdleConnections()
}

// Options returns the most recent cfg push.
func (e *Engine) Options() *wire.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

func (e *Engine) addExchange(ex *exchange) {
	e.mu.Lock()
	e.exchanges[ex.id] = ex
	e.mu.Unlock()
}

func (e *Engine) exchange(id uint32) *exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchanges[id]
}

func (e *Engine) removeExchange(id uint32) {
	e.mu.Lock()
	delete(e.exchanges, id)
	e.mu.Unlock()
}

func (ex *exchange) teardown() {
	if ex.cancel != nil {
		ex.cancel()
	}
	ex.bodyQueue.Close()
	ex.resGate.Close()
	if ex.wsGate != nil {
		ex.wsGate.Close()
	}
	ex.wsMu.Lock()
	ws := ex.ws
	ex.wsMu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// HandleMsg dispatches one control message from the gateway. Verbs that only
// travel target→gateway are ignored with a debug log rather than treated as
// fatal, because in-process loopback wiring can echo them.
func (e *Engine) HandleMsg(m wire.Message) error {
	switch m.M {
	case wire.VerbCfg:
		e.mu.Lock()
		e.opts = m.Opts
		if m.Opts != nil && m.Opts.Throttle != nil {
			e.throttle = *m.Opts.Throttle
		}
		e.mu.Unlock()
		return nil

	case wire.VerbThrottle:
		if m.Throttle != nil {
			e.mu.Lock()
			e.throttle = *m.Throttle
			e.mu.Unlock()
		}
		return nil

	case wire.VerbRequest, wire.VerbRequestHdr:
		ex := e.newExchange(m)
		if m.M == wire.VerbRequestHdr {
			// Header-only request: no body frames will follow.
			ex.noBody = true
			ex.bodyQueue.Close()
		}
		go e.runRequest(ex, m)
		return nil

	case wire.VerbEnd:
		if ex := e.exchange(m.ID); ex != nil {
			ex.bodyQueue.Close()
		}
		return nil

	case wire.VerbErr, wire.VerbBad:
		// The gateway declared the exchange moot.
		if ex := e.exchange(m.ID); ex != nil {
			e.removeExchange(m.ID)
			ex.teardown()
		}
		return nil

	case wire.VerbResPause:
		if ex := e.exchange(m.ID); ex != nil {
			ex.resGate.Pause()
		}
		return nil

	case wire.VerbResResume:
		if ex := e.exchange(m.ID); ex != nil {
			ex.resGate.Resume()
		}
		return nil

	case wire.VerbWS:
		ex := e.newExchange(m)
		ex.txn.IsWebSocket = true
		go e.runWS(ex, m)
		return nil

	case wire.VerbWSClose:
		if ex := e.exchange(m.ID); ex != nil {
			ex.closeUpstreamWS(m.Code, m.Reason)
			e.removeExchange(m.ID)
		}
		return nil

	case wire.VerbWSPing:
		if ex := e.exchange(m.ID); ex != nil {
			ex.writeUpstreamControl(websocketPing, []byte(m.Msg))
		}
		return nil

	case wire.VerbWSPong:
		if ex := e.exchange(m.ID); ex != nil {
			ex.writeUpstreamControl(websocketPong, []byte(m.Msg))
		}
		return nil

	case wire.VerbWSMessage:
		if ex := e.exchange(m.ID); ex != nil && m.Code != 0 {
			ex.wsMu.Lock()
			ex.wsOpcode = m.Code
			ex.wsMu.Unlock()
		}
		return nil

	case wire.VerbWSPause:
		if ex := e.exchange(m.ID); ex != nil && ex.wsGate != nil {
			ex.wsGate.Pause()
		}
		return nil

	case wire.VerbWSResume:
		if ex := e.exchange(m.ID); ex != nil && ex.wsGate != nil {
			ex.wsGate.Resume()
		}
		return nil

	case wire.VerbReady, wire.VerbInspector, wire.VerbEjected:
		// Connection-scoped; the owning target variant reacts to these.
		return nil

	default:
		e.log.Debug().Str("verb", string(m.M)).Msg("ignoring unexpected verb")
		return nil
	}
}

// HandleBin applies one binary frame from the gateway.
func (e *Engine) HandleBin(f wire.Frame) error {
	switch f.Type {
	case wire.FrameRequestBody:
		if ex := e.exchange(f.ID); ex != nil {
			_ = ex.bodyQueue.Push(f.Payload)
		}
		return nil
	case wire.FrameWSPayload:
		if ex := e.exchange(f.ID); ex != nil {
			ex.writeUpstreamMessage(f.Payload)
		}
		return nil
	default:
		return wire.ErrMalformed
	}
}

func (e *Engine) newExchange(m wire.Message) *exchange {
	txn := transaction.New(m.ID, m.Method, m.Proto, m.Host, m.Path)
	txn.HTTPVersion = m.HTTPVersion
	txn.RemoteIP = m.RemoteIP
	txn.RemotePort = m.RemotePort
	txn.ReqHeaders = http.Header(m.Headers)
	if txn.ReqHeaders == nil {
		txn.ReqHeaders = http.Header{}
	}
	txn.RawReq = m.Raw
	txn.ReqBody = transaction.NewBody(e.cfg.MaxBodyBuffer)
	txn.ResBody = transaction.NewBody(e.cfg.MaxBodyBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	ex := &exchange{
		id:        m.ID,
		txn:       txn,
		bodyQueue: flow.NewQueue(int(e.cfg.MaxBodyBuffer / 16)),
		resGate:   flow.NewGate(),
		wsGate:    flow.NewGate(),
		ctx:       ctx,
		cancel:    cancel,
		wsOpcode:  2, // binary
	}
	ex.bodyQueue.OnPause = func() {
		_ = e.sender.Send(wire.Message{M: wire.VerbReqPause, ID: m.ID})
	}
	ex.bodyQueue.OnResume = func() {
		_ = e.sender.Send(wire.Message{M: wire.VerbReqResume, ID: m.ID})
	}
	e.addExchange(ex)
	return ex
}

// runRequest performs the whole upstream HTTP exchange for verb r.
func (e *Engine) runRequest(ex *exchange, m wire.Message) {
	defer e.removeExchange(ex.id)

	_ = e.sender.Send(wire.Message{M: wire.VerbAck, ID: ex.id})

	if e.cfg.Hook != nil {
		patch, err := e.cfg.Hook.Request(ex.txn)
		if err != nil {
			// Hook crashes must not take traffic down: pass through.
			e.log.Warn().Err(err).Uint32("id", ex.id).Msg("request hook failed, passing through")
		} else if patch != nil {
			if patch.Block {
				ex.txn.Block()
				e.sendSynthetic(ex, http.StatusForbidden, "Blocked", nil, nil)
				return
			}
			applyRequestPatch(ex.txn, patch)
			if patch.Respond != nil {
				hdr := http.Header{}
				for k, v := range patch.Respond.Headers {
					hdr.Set(k, v)
				}
				e.sendSynthetic(ex, patch.Respond.StatusCode, patch.Respond.StatusMessage, hdr, patch.Respond.Body)
				return
			}
		}
	}

	defer ex.cancel()

	req, err := e.buildUpstreamRequest(ex.ctx, ex)
	if err != nil {
		e.sendErr(ex, fmt.Errorf("build request: %w", err))
		return
	}

	if ex.pipe != nil {
		go e.pumpRequestBody(ex)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.sendErr(ex, err)
		return
	}
	defer resp.Body.Close()

	e.relayResponse(ex, resp)
}

// buildUpstreamRequest maps transaction routing onto a real request, pinned
// to the configured origin when one is set.
func (e *Engine) buildUpstreamRequest(ctx context.Context, ex *exchange) (*http.Request, error) {
	txn := ex.txn
	var u string
	if e.cfg.Origin != nil {
		u = strings.TrimRight(e.cfg.Origin.String(), "/") + txn.TargetPath
	} else {
		u = txn.TargetURL()
	}

	var body io.Reader
	if ex.noBody {
		body = http.NoBody
	} else {
		pr, pw := io.Pipe()
		ex.pipe = pw
		body = pr
	}

	// Informational responses are consumed by the client; replay them so the
	// gateway can forward 100-continue and early hints to the requester.
	trace := &httptrace.ClientTrace{
		Got1xxResponse: func(code int, header textproto.MIMEHeader) error {
			if code == http.StatusContinue {
				_ = e.sender.Send(wire.Message{M: wire.VerbCont, ID: ex.id})
				return nil
			}
			_ = e.sender.Send(wire.Message{M: wire.VerbInfo, ID: ex.id, SC: code, Headers: map[string][]string(header)})
			return nil
		},
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	req, err := http.NewRequestWithContext(ctx, txn.Method, u, body)
	if err != nil {
		return nil, err
	}
	if cl := txn.ReqHeaders.Get("Content-Length"); cl != "" {
		if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
			req.ContentLength = n
		}
	}
	for k, vv := range txn.ReqHeaders {
		if isConnectionHeader(k) {
			continue
		}
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if e.cfg.Origin != nil {
		// Preserve the externally visible host for the origin server.
		req.Host = txn.Host
	}
	return req, nil
}

// pumpRequestBody drains type-1 frames into the upstream request body.
func (e *Engine) pumpRequestBody(ex *exchange) {
	for {
		chunk, ok := ex.bodyQueue.Pop()
		if !ok {
			_ = ex.pipe.Close()
			return
		}
		_ = ex.txn.AppendRequestBody(chunk)
		if _, err := ex.pipe.Write(chunk); err != nil {
			return
		}
	}
}

// relayResponse applies the response hook, rewrites Location, and frames the
// response back to the gateway through the throttle.
func (e *Engine) relayResponse(ex *exchange, resp *http.Response) {
	headers := resp.Header.Clone()
	status := resp.StatusCode
	statusMsg := strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode))
	var prefix []byte
	hookBuffered := false
	replaced := false

	upstreamHost := ex.txn.TargetHost
	if e.cfg.Origin != nil {
		upstreamHost = e.cfg.Origin.Host
	}
	rewriteLocation(headers, ex.txn, upstreamHost, e.cfg.ExternalHost)

	_ = ex.txn.SetResponse(status, statusMsg, headers, transaction.RawHeaderLines(headers))
	if ex.txn.ResBody != nil {
		ex.txn.ResBody.ContentType = headers.Get("Content-Type")
		ex.txn.ResBody.ContentEncoding = headers.Get("Content-Encoding")
	}

	if e.cfg.Hook != nil {
		// The response hook may need the body, so buffer a capped prefix for
		// it. The unread tail is streamed after the prefix unless the hook
		// replaces the body outright.
		buffered, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBuffer))
		if err == nil {
			prefix, hookBuffered = buffered, true
			_ = ex.txn.AppendResponseBody(buffered)
			patch, herr := e.cfg.Hook.Response(ex.txn)
			if herr != nil {
				e.log.Warn().Err(herr).Uint32("id", ex.id).Msg("response hook failed, passing through")
			} else if patch != nil {
				if patch.Block {
					e.sendSynthetic(ex, http.StatusForbidden, "Blocked", nil, nil)
					return
				}
				if patch.StatusCode != 0 {
					status = patch.StatusCode
				}
				if patch.StatusMessage != "" {
					statusMsg = patch.StatusMessage
				}
				for k, v := range patch.Headers {
					if v == nil {
						headers.Del(k)
					} else {
						headers.Set(k, *v)
					}
				}
				if patch.Body != nil {
					prefix, replaced = patch.Body, true
					headers.Del("Content-Encoding")
					headers.Set("Content-Length", fmt.Sprint(len(patch.Body)))
				}
			}
		}
	}

	err := e.sender.Send(wire.Message{
		M:       wire.VerbResponse,
		ID:      ex.id,
		SC:      status,
		SM:      statusMsg,
		Headers: headers,
		Raw:     transaction.RawHeaderLines(headers),
	})
	if err != nil {
		return
	}

	limiter, latency := e.throttleStage()
	if latency > 0 {
		time.Sleep(latency)
	}

	if replaced {
		e.streamChunks(ex, prefix, limiter)
	} else {
		if hookBuffered && len(prefix) > 0 {
			if !e.streamChunks(ex, prefix, limiter) {
				return
			}
		}
		buf := make([]byte, streamChunkSize)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if !e.streamChunks(ex, buf[:n], limiter) {
					return
				}
				_ = ex.txn.AppendResponseBody(buf[:n])
			}
			if rerr != nil {
				break
			}
		}
	}

	_ = ex.txn.Finish()
	_ = e.sender.Send(wire.Message{M: wire.VerbResponseEnd, ID: ex.id})
}

// streamChunks frames body bytes as type-2 frames, honoring pause signals and
// the download throttle. Returns false when the connection is gone.
func (e *Engine) streamChunks(ex *exchange, data []byte, limiter *rate.Limiter) bool {
	for off := 0; off < len(data); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if !ex.resGate.Wait() {
			return false
		}
		if limiter != nil {
			_ = limiter.WaitN(context.Background(), len(chunk))
		}
		if err := e.sender.SendBin(wire.FrameResponseBody, ex.id, chunk); err != nil {
			return false
		}
	}
	return true
}

func (e *Engine) throttleStage() (*rate.Limiter, time.Duration) {
	e.mu.Lock()
	t := e.throttle
	e.mu.Unlock()
	var limiter *rate.Limiter
	if t.Down > 0 {
		limiter = rate.NewLimiter(rate.Limit(t.Down), streamChunkSize)
	}
	return limiter, time.Duration(t.Latency) * time.Millisecond
}

// sendSynthetic emits a hook-fabricated response.
func (e *Engine) sendSynthetic(ex *exchange, status int, statusMsg string, headers http.Header, body []byte) {
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" && len(body) > 0 {
		headers.Set("Content-Type", "text/plain; charset=utf-8")
	}
	headers.Set("Content-Length", fmt.Sprint(len(body)))
	_ = ex.txn.SetResponse(status, statusMsg, headers, transaction.RawHeaderLines(headers))
	err := e.sender.Send(wire.Message{
		M: wire.VerbResponse, ID: ex.id, SC: status, SM: statusMsg,
		Headers: headers, Raw: transaction.RawHeaderLines(headers),
	})
	if err != nil {
		return
	}
	if len(body) > 0 {
		e.streamChunks(ex, body, nil)
	}
	_ = ex.txn.Finish()
	_ = e.sender.Send(wire.Message{M: wire.VerbResponseEnd, ID: ex.id})
}

func (e *Engine) sendErr(ex *exchange, err error) {
	ex.txn.Fail(err)
	e.log.Warn().Err(err).Uint32("id", ex.id).Str("url", ex.txn.TargetURL()).Msg("upstream exchange failed")
	_ = e.sender.Send(wire.Message{M: wire.VerbErr, ID: ex.id, Msg: err.Error()})
}

func applyRequestPatch(txn *transaction.Transaction, patch *script.RequestPatch) {
	if patch.Method != "" {
		txn.Method = patch.Method
	}
	if patch.Proto != "" {
		txn.TargetProto = patch.Proto
	}
	if patch.Host != "" {
		txn.TargetHost = patch.Host
	}
	if patch.Path != "" {
		txn.TargetPath = patch.Path
	}
	for k, v := range patch.Headers {
		if v == nil {
			txn.ReqHeaders.Del(k)
		} else {
			txn.ReqHeaders.Set(k, *v)
		}
	}
}

// rewriteLocation points redirects at the externally visible hostname when
// the upstream redirected within itself.
func rewriteLocation(headers http.Header, txn *transaction.Transaction, upstreamHost, externalHost string) {
	loc := headers.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || u.Host == "" {
		return
	}
	if !strings.EqualFold(u.Host, upstreamHost) {
		return
	}
	if externalHost == "" {
		externalHost = txn.Host
	}
	u.Host = externalHost
	u.Scheme = txn.Proto
	headers.Set("Location", u.String())
}

func isConnectionHeader(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding",
		"upgrade", "te", "trailer":
		return true
	}
	return false
}
