package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

const claimTTL = 2 * time.Minute

// hostClaim reserves a hostname for the holder of its token until the bind
// arrives or the claim expires.
type hostClaim struct {
	token string
	until time.Time
}

type hostClaimRequest struct {
	Host string `json:"host"`
}

type hostClaimResponse struct {
	Host  string `json:"host"`
	Token string `json:"token"`
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// handleHostClaim reserves a hostname ahead of the WebSocket bind. A claim
// conflicts with a live binding or an unexpired claim; the returned token is
// what entitles the claimant to bind the name.
func (s *Server) handleHostClaim(w http.ResponseWriter, r *http.Request) {
	var req hostClaimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Host == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "host required"})
		return
	}
	key := hostKey(req.Host)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, bound := s.hosts[key]; bound {
		writeJSON(w, http.StatusConflict, apiError{Error: "hostname already bound"})
		return
	}
	if claim, claimed := s.claims[key]; claimed && time.Now().Before(claim.until) {
		writeJSON(w, http.StatusConflict, apiError{Error: "hostname already claimed"})
		return
	}
	token := uuid.NewString()
	s.claims[key] = hostClaim{token: token, until: time.Now().Add(claimTTL)}
	writeJSON(w, http.StatusOK, hostClaimResponse{Host: key, Token: token})
}

// handleBind accepts an inbound target-binding WebSocket on the well-known
// path and runs its read loop until the connection dies.
func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("host")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "host query parameter required"})
		return
	}
	key := hostKey(name)
	token := r.URL.Query().Get("token")

	s.mu.RLock()
	_, taken := s.hosts[key]
	claim, claimed := s.claims[key]
	s.mu.RUnlock()
	if taken {
		writeJSON(w, http.StatusConflict, apiError{Error: "hostname already bound"})
		return
	}
	// An unexpired claim reserves the name for its token holder. AddHost
	// consumes the claim once the bind lands.
	if claimed && time.Now().Before(claim.until) && token != claim.token {
		writeJSON(w, http.StatusConflict, apiError{Error: "hostname already claimed"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("host", key).Msg("bind upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxWSMessage)

	host, err := s.AddHost(key, NewWSConn(conn), nil)
	if err != nil {
		// Raced with another bind.
		_ = conn.WriteMessage(websocket.TextMessage, mustMarshal(wire.Message{M: wire.VerbBad, Msg: "hostname already bound"}))
		_ = conn.Close()
		return
	}

	if err := host.Conn().Send(wire.Message{M: wire.VerbReady}); err != nil {
		s.RemoveHost(key)
		return
	}
	if s.events.SessionCount() > 0 {
		_ = host.Conn().Send(wire.Message{M: wire.VerbInspector})
	}

	go s.readLoop(host, conn)
}

// readLoop decodes frames off a bound WebSocket. Any framing violation tears
// the host down: the peer is presumed corrupt.
func (s *Server) readLoop(host *Host, conn *websocket.Conn) {
	defer s.RemoveHost(host.Name)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Str("host", host.Name).Msg("bound connection closed")
			return
		}
		switch messageType {
		case websocket.TextMessage:
			m, err := wire.Unmarshal(data)
			if err != nil {
				s.log.Warn().Err(err).Str("host", host.Name).Msg("malformed control message")
				return
			}
			if err := s.HandleMessage(host, m); err != nil {
				s.log.Warn().Err(err).Str("host", host.Name).Msg("protocol violation")
				return
			}
		case websocket.BinaryMessage:
			f, err := wire.DecodeFrame(data)
			if err != nil {
				s.log.Warn().Err(err).Str("host", host.Name).Msg("malformed binary frame")
				return
			}
			if err := s.HandleFrame(host, f); err != nil {
				s.log.Warn().Err(err).Str("host", host.Name).Msg("protocol violation")
				return
			}
		}
	}
}

func mustMarshal(m wire.Message) []byte {
	data, err := wire.Marshal(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Binding is an in-process attachment created by Inspect. The target side
// receives gateway traffic through the InternalConn callbacks and replies by
// calling Deliver/DeliverBin.
type Binding struct {
	Host *Host
	srv  *Server
	conn *InternalConn
}

// Conn exposes the internal connection so the target can wire its callbacks.
func (b *Binding) Conn() *InternalConn { return b.conn }

// Deliver injects a control message as if it arrived from the bound peer.
func (b *Binding) Deliver(m wire.Message) error {
	return b.srv.HandleMessage(b.Host, m)
}

// DeliverBin injects a binary frame as if it arrived from the bound peer.
func (b *Binding) DeliverBin(frameType byte, id uint32, payload []byte) error {
	return b.srv.HandleFrame(b.Host, wire.Frame{Type: frameType, ID: id, Payload: payload})
}

// Close removes the binding.
func (b *Binding) Close() {
	b.srv.RemoveHost(b.Host.Name)
}

// Inspect binds a hostname to an in-process target, used by local
// reverse/forward-proxy targets in place of a socket.
func (s *Server) Inspect(name string, opts *wire.Options) (*Binding, error) {
	conn := &InternalConn{}
	host, err := s.AddHost(name, conn, opts)
	if err != nil {
		return nil, err
	}
	return &Binding{Host: host, srv: s, conn: conn}, nil
}
