package target

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

const (
	websocketPing = websocket.PingMessage
	websocketPong = websocket.PongMessage

	wsWriteWait = 10 * time.Second
)

// runWS dials the upstream WebSocket for verb ws and bridges both directions.
// The gateway holds the client's upgrade until wsopen or wserr comes back.
func (e *Engine) runWS(ex *exchange, m wire.Message) {
	_ = e.sender.Send(wire.Message{M: wire.VerbWSAck, ID: ex.id})

	scheme := "ws"
	if ex.txn.TargetProto == "https" || ex.txn.TargetProto == "wss" {
		scheme = "wss"
	}
	var u string
	if e.cfg.Origin != nil {
		origin := *e.cfg.Origin
		if origin.Scheme == "https" {
			scheme = "wss"
		} else {
			scheme = "ws"
		}
		u = scheme + "://" + origin.Host + ex.txn.TargetPath
	} else {
		u = scheme + "://" + ex.txn.TargetHost + ex.txn.TargetPath
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  e.transport.TLSClientConfig.Clone(),
	}
	conn, resp, err := dialer.Dial(u, upstreamWSHeaders(ex.txn.ReqHeaders))
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		e.removeExchange(ex.id)
		e.log.Warn().Err(err).Uint32("id", ex.id).Str("url", u).Msg("upstream websocket dial failed")
		_ = e.sender.Send(wire.Message{M: wire.VerbWSErr, ID: ex.id, Msg: err.Error()})
		return
	}

	ex.wsMu.Lock()
	ex.ws = conn
	ex.wsMu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return e.sender.Send(wire.Message{M: wire.VerbWSPing, ID: ex.id, Msg: appData})
	})
	conn.SetPongHandler(func(appData string) error {
		return e.sender.Send(wire.Message{M: wire.VerbWSPong, ID: ex.id, Msg: appData})
	})

	if err := e.sender.Send(wire.Message{M: wire.VerbWSOpen, ID: ex.id}); err != nil {
		_ = conn.Close()
		e.removeExchange(ex.id)
		return
	}

	e.pumpUpstreamWS(ex, conn)
}

// pumpUpstreamWS relays upstream frames to the gateway until either side
// closes. Each payload is preceded by a wsm opcode announcement so text and
// binary survive the type-3 framing.
func (e *Engine) pumpUpstreamWS(ex *exchange, conn *websocket.Conn) {
	defer e.removeExchange(ex.id)
	for {
		if !ex.wsGate.Wait() {
			return
		}
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			_ = e.sender.Send(wire.Message{M: wire.VerbWSClose, ID: ex.id, Code: code, Reason: reason})
			return
		}
		if err := e.sender.Send(wire.Message{M: wire.VerbWSMessage, ID: ex.id, Code: messageType}); err != nil {
			return
		}
		if err := e.sender.SendBin(wire.FrameWSPayload, ex.id, data); err != nil {
			return
		}
	}
}

// writeUpstreamMessage forwards a gateway type-3 payload upstream with the
// opcode announced by the preceding wsm, falling back to binary.
func (ex *exchange) writeUpstreamMessage(payload []byte) {
	ex.wsMu.Lock()
	ws := ex.ws
	opcode := ex.wsOpcode
	ex.wsOpcode = websocket.BinaryMessage
	ex.wsMu.Unlock()
	if ws == nil {
		return
	}
	_ = ws.WriteMessage(opcode, payload)
}

func (ex *exchange) writeUpstreamControl(messageType int, data []byte) {
	ex.wsMu.Lock()
	ws := ex.ws
	ex.wsMu.Unlock()
	if ws == nil {
		return
	}
	_ = ws.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// closeUpstreamWS sends a close frame upstream and tears the socket down.
func (ex *exchange) closeUpstreamWS(code int, reason string) {
	ex.wsMu.Lock()
	ws := ex.ws
	ex.ws = nil
	ex.wsMu.Unlock()
	if ws == nil {
		return
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	_ = ws.Close()
}

// upstreamWSHeaders strips the handshake headers gorilla manages itself.
func upstreamWSHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, vv := range h {
		lk := strings.ToLower(k)
		if lk == "connection" || lk == "upgrade" || strings.HasPrefix(lk, "sec-websocket-") {
			continue
		}
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	return out
}
