package gateway

import (
	"net/http"

	"github.com/useful-bytes/netsleuth/internal/inspect"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

// HandleMessage dispatches one control message received from a host's bound
// connection. The switch is exhaustive over the verbs a target may send;
// verbs that only travel gateway→target are treated as protocol violations.
// Returning an error means the connection must be torn down.
func (s *Server) HandleMessage(h *Host, m wire.Message) error {
	h.Touch()

	switch m.M {
	case wire.VerbReady:
		// Liveness only.
		return nil

	case wire.VerbCfg:
		if err := h.ApplyOptions(m.Opts); err != nil {
			s.log.Warn().Err(err).Str("host", h.Name).Msg("cfg rejected")
		}
		return nil

	case wire.VerbAck:
		if r := h.response(m.ID); r != nil {
			r.acked.Store(true)
			r.touch()
		}
		return nil

	case wire.VerbCont:
		if r := h.response(m.ID); r != nil {
			r.writeInformational(http.StatusContinue, nil)
		}
		return nil

	case wire.VerbInfo:
		if r := h.response(m.ID); r != nil && m.SC >= 100 && m.SC < 200 {
			r.writeInformational(m.SC, m.Headers)
			r.touch()
		}
		return nil

	case wire.VerbResponse:
		if r := h.response(m.ID); r != nil {
			_ = r.txn.SetResponse(m.SC, m.SM, m.Headers, m.Raw)
			if ct := http.Header(m.Headers).Get("Content-Type"); ct != "" && r.txn.ResBody != nil {
				r.txn.ResBody.ContentType = ct
			}
			if ce := http.Header(m.Headers).Get("Content-Encoding"); ce != "" && r.txn.ResBody != nil {
				r.txn.ResBody.ContentEncoding = ce
			}
			r.writeHeader(m.SC, m.Headers)
			r.touch()
			s.events.Emit(inspect.Event{Kind: inspect.EventResponse, Host: h.Name, Txn: r.txn})
		}
		return nil

	case wire.VerbResponseEnd:
		if r := h.response(m.ID); r != nil {
			r.end()
		}
		return nil

	case wire.VerbErr, wire.VerbBad:
		if r := h.response(m.ID); r != nil {
			reason := m.Msg
			if reason == "" {
				reason = "target reported an error"
			}
			r.fail(http.StatusBadGateway, reason)
		}
		if b := h.ws(m.ID); b != nil {
			b.fail(m.Msg)
		}
		return nil

	case wire.VerbReqPause:
		if r := h.response(m.ID); r != nil {
			r.reqGate.Pause()
		}
		return nil

	case wire.VerbReqResume:
		if r := h.response(m.ID); r != nil {
			r.reqGate.Resume()
		}
		return nil

	case wire.VerbUA:
		h.SetUA(m.UA)
		return nil

	case wire.VerbThrottle:
		if m.Throttle != nil {
			h.SetThrottle(*m.Throttle)
		}
		return nil

	case wire.VerbNoCache:
		h.SetNoCache(m.Val)
		return nil

	case wire.VerbRuleBlock:
		if err := h.SetBlockRules(m.Rules); err != nil {
			s.log.Warn().Err(err).Str("host", h.Name).Msg("block rules rejected")
		}
		return nil

	case wire.VerbBlock:
		if m.Rule != "" {
			if err := h.AddBlockRule(m.Rule); err != nil {
				s.log.Warn().Err(err).Str("host", h.Name).Msg("block rule rejected")
			}
		}
		return nil

	case wire.VerbWSAck:
		// Target received the ws request; wsopen/wserr follows.
		return nil

	case wire.VerbWSUpgrade, wire.VerbWSOpen:
		if b := h.ws(m.ID); b != nil && m.M == wire.VerbWSOpen {
			b.opened()
		}
		return nil

	case wire.VerbWSErr:
		if b := h.ws(m.ID); b != nil {
			b.openFailed(m.Msg)
		}
		return nil

	case wire.VerbWSClose:
		if b := h.ws(m.ID); b != nil {
			b.closeFromTarget(m.Code, m.Reason)
		}
		return nil

	case wire.VerbWSPing:
		if b := h.ws(m.ID); b != nil {
			b.relayPing(m.Msg)
		}
		return nil

	case wire.VerbWSPong:
		if b := h.ws(m.ID); b != nil {
			b.relayPong(m.Msg)
		}
		return nil

	case wire.VerbWSMessage:
		if b := h.ws(m.ID); b != nil && m.Code != 0 {
			b.nextOpcode.Store(int32(m.Code))
		}
		return nil

	case wire.VerbWSPause:
		if b := h.ws(m.ID); b != nil {
			b.gate.Pause()
		}
		return nil

	case wire.VerbWSResume:
		if b := h.ws(m.ID); b != nil {
			b.gate.Resume()
		}
		return nil

	case wire.VerbEjected:
		// Superseded by another login elsewhere: terminal for this binding.
		s.RemoveHost(h.Name)
		return nil

	default:
		// r, ri, e, inspector, pp, pr only travel gateway→target.
		return wire.ErrMalformed
	}
}

// HandleFrame applies one binary frame received from a host's bound
// connection. Frames for unknown ids are ignored: the exchange may have been
// reaped while bytes were in flight.
func (s *Server) HandleFrame(h *Host, f wire.Frame) error {
	h.Touch()

	switch f.Type {
	case wire.FrameResponseBody:
		r := h.response(f.ID)
		if r == nil {
			return nil
		}
		r.touch()
		_ = r.txn.AppendResponseBody(f.Payload)
		if err := r.queue.Push(f.Payload); err == nil {
			s.events.Emit(inspect.Event{Kind: inspect.EventResData, Host: h.Name, Txn: r.txn, Bytes: len(f.Payload)})
		}
		return nil

	case wire.FrameWSPayload:
		if b := h.ws(f.ID); b != nil {
			b.writeMessage(f.Payload)
		}
		return nil

	default:
		// Type 1 (request body) only travels gateway→target.
		return wire.ErrMalformed
	}
}
