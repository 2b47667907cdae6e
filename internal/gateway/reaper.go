package gateway

import (
	"net/http"
	"time"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

func timeoutNotice(id uint32) wire.Message {
	return wire.Message{M: wire.VerbErr, ID: id, Msg: "request timed out"}
}

// gcEvery triggers an opportunistic completed-transaction sweep every Nth
// request in addition to the reaper tick.
const gcEvery = 64

// reaperLoop enforces the ack and silence timeouts until the server stops.
func (s *Server) reaperLoop() {
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			s.reap(time.Now())
			s.sweepCompleted(time.Now())
		}
	}
}

// reap fails every globally inflight response that missed its ack deadline or
// went idle past the silence timeout. Failing is idempotent: a response
// already finished by the time we get to it is a no-op.
func (s *Server) reap(now time.Time) {
	s.mu.RLock()
	pending := make([]*inflightResponse, 0, len(s.inflight))
	for _, r := range s.inflight {
		pending = append(pending, r)
	}
	s.mu.RUnlock()

	for _, r := range pending {
		if !r.acked.Load() && now.After(r.ackDeadline) {
			r.fail(http.StatusGatewayTimeout, "inspector did not acknowledge")
			// A missing ack means a dead connection, not a slow one.
			// Forward proxies serve unrelated requests through one host and
			// in-process bindings cannot disconnect, so those hosts stay.
			if !s.cfg.ForwardProxy && !r.host.Conn().Persistent() {
				s.RemoveHost(r.host.Name)
			}
			continue
		}
		if r.expired(now) {
			r.fail(http.StatusGatewayTimeout, "request timed out")
			// Let the target clean up its upstream resources.
			_ = r.host.Conn().Send(timeoutNotice(r.id))
		}
	}
}

// gcCompleted runs the retention sweep opportunistically on request traffic.
func (s *Server) gcCompleted() {
	if s.reqCount.Add(1)%gcEvery == 0 {
		s.sweepCompleted(time.Now())
	}
}

// sweepCompleted drops completed transactions retained for inspection display
// once they age past the retention window, releasing any spilled body files.
func (s *Server) sweepCompleted(now time.Time) {
	cutoff := now.Add(-s.cfg.RetentionWindow)
	s.completedMu.Lock()
	kept := s.completed[:0]
	for _, txn := range s.completed {
		if txn.Date.Before(cutoff) {
			txn.Release()
			continue
		}
		kept = append(kept, txn)
	}
	s.completed = kept
	s.completedMu.Unlock()
}

// CompletedCount reports transactions retained for display.
func (s *Server) CompletedCount() int {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	return len(s.completed)
}
