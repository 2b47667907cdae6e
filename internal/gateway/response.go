package gateway

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/useful-bytes/netsleuth/internal/flow"
	"github.com/useful-bytes/netsleuth/internal/inspect"
	"github.com/useful-bytes/netsleuth/internal/transaction"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

// inflightResponse is the gateway-side sink for one proxied HTTP exchange.
// The inbound handler goroutine pumps the request body; a dedicated writer
// goroutine replays response frames onto the inbound socket; the reaper and
// the connection read loop may fail it. Exactly one of finish/fail wins.
type inflightResponse struct {
	id   uint32
	host *Host
	srv  *Server
	txn  *transaction.Transaction

	w       http.ResponseWriter
	flusher http.Flusher

	// reqGate is honored by the request-body pump; rp/rr from the target
	// toggle it.
	reqGate *flow.Gate
	// queue buffers response body frames between the connection read loop and
	// the writer goroutine; saturation emits pp, draining emits pr.
	queue *flow.Queue

	done     chan struct{}
	doneOnce sync.Once

	mu          sync.Mutex
	headerDone  bool
	endReceived bool
	failed      bool

	acked       atomic.Bool
	ackDeadline time.Time
	expires     atomic.Int64
}

func (s *Server) newInflightResponse(id uint32, host *Host, txn *transaction.Transaction, w http.ResponseWriter) *inflightResponse {
	r := &inflightResponse{
		id:      id,
		host:    host,
		srv:     s,
		txn:     txn,
		w:       w,
		reqGate: flow.NewGate(),
		queue:   flow.NewQueue(int(s.cfg.MaxBodyBuffer / 16)),
		done:    make(chan struct{}),
	}
	r.flusher, _ = w.(http.Flusher)
	r.ackDeadline = time.Now().Add(s.cfg.AckTimeout)
	r.touch()
	r.queue.OnPause = func() {
		_ = host.Conn().Send(wire.Message{M: wire.VerbResPause, ID: id})
	}
	r.queue.OnResume = func() {
		_ = host.Conn().Send(wire.Message{M: wire.VerbResResume, ID: id})
	}
	go r.writeLoop()
	return r
}

// touch refreshes the rolling idle deadline. Called on every byte in either
// direction.
func (r *inflightResponse) touch() {
	r.expires.Store(time.Now().Add(r.srv.cfg.SilenceTimeout).UnixNano())
}

func (r *inflightResponse) expired(now time.Time) bool {
	return now.UnixNano() > r.expires.Load()
}

// writeInformational relays a 1xx response without finalizing the exchange.
// The header map is restored afterwards so informational headers never leak
// into the final response.
func (r *inflightResponse) writeInformational(code int, headers http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerDone || r.failed {
		return
	}
	hdr := r.w.Header()
	saved := make(http.Header, len(hdr))
	for k, vv := range hdr {
		saved[k] = vv
	}
	for k, vv := range headers {
		for _, v := range vv {
			hdr.Add(k, v)
		}
	}
	r.w.WriteHeader(code)
	for k := range hdr {
		if _, kept := saved[k]; !kept {
			hdr.Del(k)
		}
	}
	for k, vv := range saved {
		hdr[k] = vv
	}
}

// writeHeader replays the final status line and headers.
func (r *inflightResponse) writeHeader(code int, headers http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerDone || r.failed {
		return
	}
	for k, vv := range headers {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			r.w.Header().Add(k, v)
		}
	}
	if code == 0 {
		code = http.StatusOK
	}
	r.w.WriteHeader(code)
	r.headerDone = true
}

// writeLoop drains the response queue onto the inbound socket.
func (r *inflightResponse) writeLoop() {
	for {
		chunk, ok := r.queue.Pop()
		if !ok {
			break
		}
		r.mu.Lock()
		if r.failed {
			r.mu.Unlock()
			continue
		}
		if !r.headerDone {
			// Frames before res violate per-id ordering; presume corrupt peer.
			r.mu.Unlock()
			continue
		}
		_, err := r.w.Write(chunk)
		if err == nil && r.flusher != nil {
			r.flusher.Flush()
		}
		r.mu.Unlock()
		if err != nil {
			// Inbound client went away: release quietly, tell the target the
			// exchange is moot.
			r.fail(0, "client disconnected")
			_ = r.host.Conn().Send(wire.Message{M: wire.VerbErr, ID: r.id, Msg: "client disconnected"})
			return
		}
		r.touch()
	}

	r.mu.Lock()
	ended := r.endReceived && !r.failed
	r.mu.Unlock()
	if ended {
		r.complete()
	}
}

// end is called on rese: no more body frames will arrive.
func (r *inflightResponse) end() {
	r.mu.Lock()
	r.endReceived = true
	r.mu.Unlock()
	r.queue.Close()
}

// complete finishes a successful exchange exactly once.
func (r *inflightResponse) complete() {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		if !r.headerDone {
			r.w.WriteHeader(http.StatusOK)
			r.headerDone = true
		}
		r.mu.Unlock()
		_ = r.txn.Finish()
		r.srv.releaseResponse(r)
		r.srv.events.Emit(inspect.Event{Kind: inspect.EventResEnd, Host: r.host.Name, Txn: r.txn})
		r.srv.store.Save(r.txn)
		r.reqGate.Close()
		close(r.done)
	})
}

// fail terminates the exchange with an error status exactly once. status 0
// means the inbound socket is already unusable.
func (r *inflightResponse) fail(status int, reason string) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.failed = true
		canWrite := !r.headerDone && status != 0
		if canWrite {
			r.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			r.w.WriteHeader(status)
			_, _ = r.w.Write([]byte(reason + "\n"))
			r.headerDone = true
		}
		r.mu.Unlock()

		r.txn.Fail(&ExchangeError{Status: status, Reason: reason})
		r.queue.Close()
		r.reqGate.Close()
		r.srv.releaseResponse(r)
		r.srv.events.Emit(inspect.Event{Kind: inspect.EventReqError, Host: r.host.Name, Txn: r.txn, Err: r.txn.Err()})
		r.srv.store.Save(r.txn)
		close(r.done)
	})
}

// ExchangeError is the terminal failure recorded on a transaction.
type ExchangeError struct {
	Status int
	Reason string
}

func (e *ExchangeError) Error() string {
	return e.Reason
}

func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding",
		"upgrade", "te", "trailer":
		return true
	}
	return false
}
