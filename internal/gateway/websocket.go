package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/useful-bytes/netsleuth/internal/flow"
	"github.com/useful-bytes/netsleuth/internal/inspect"
	"github.com/useful-bytes/netsleuth/internal/transaction"
	"github.com/useful-bytes/netsleuth/internal/wire"
)

const wsControlDeadline = 5 * time.Second

// wsBridge relays one inbound WebSocket through the multiplexed connection.
// The inbound upgrade is held pending until the target confirms with wsopen;
// thereafter type-3 frames carry payload in both directions and native
// ping/pong/close are relayed as control verbs so intervening proxies never
// auto-answer them.
type wsBridge struct {
	id   uint32
	host *Host
	srv  *Server
	txn  *transaction.Transaction

	// openCh resolves the pending upgrade: nil for wsopen, an error for
	// wserr/timeout.
	openCh chan error

	mu   sync.Mutex
	conn *websocket.Conn

	// gate is honored by the inbound→target pump; wsp/wsr toggle it.
	gate *flow.Gate

	// nextOpcode is announced by a wsm control message ahead of each type-3
	// frame from the target. Defaults to binary.
	nextOpcode atomic.Int32

	failOnce sync.Once
}

func (s *Server) newWSBridge(id uint32, host *Host, txn *transaction.Transaction) *wsBridge {
	b := &wsBridge{
		id:     id,
		host:   host,
		srv:    s,
		txn:    txn,
		openCh: make(chan error, 1),
		gate:   flow.NewGate(),
	}
	b.nextOpcode.Store(websocket.BinaryMessage)
	return b
}

// serveWS runs the full inbound WebSocket exchange. Caller has already passed
// routing policy checks and sent nothing on the wire.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, host *Host, txn *transaction.Transaction) {
	b := s.newWSBridge(txn.ID, host, txn)
	host.addWS(txn.ID, b)
	defer func() {
		host.removeWS(txn.ID)
		s.gcCompleted()
	}()

	msg := wire.Message{
		M:           wire.VerbWS,
		ID:          txn.ID,
		Method:      r.Method,
		Proto:       txn.Proto,
		Host:        txn.Host,
		Path:        txn.Path,
		HTTPVersion: txn.HTTPVersion,
		Headers:     txn.ReqHeaders,
		Raw:         txn.RawReq,
		RemoteIP:    txn.RemoteIP,
		RemotePort:  txn.RemotePort,
	}
	if err := host.Conn().Send(msg); err != nil {
		http.Error(w, "target connection unavailable", http.StatusBadGateway)
		return
	}
	s.events.Emit(inspect.Event{Kind: inspect.EventWSOpen, Host: host.Name, Txn: txn})

	// Hold the upgrade pending until the target-side upgrade succeeds.
	select {
	case err := <-b.openCh:
		if err != nil {
			txn.Fail(err)
			s.events.Emit(inspect.Event{Kind: inspect.EventWSError, Host: host.Name, Txn: txn, Err: err})
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	case <-time.After(s.cfg.SilenceTimeout):
		err := fmt.Errorf("gateway: websocket open timed out")
		txn.Fail(err)
		s.events.Emit(inspect.Event{Kind: inspect.EventWSError, Host: host.Name, Txn: txn, Err: err})
		http.Error(w, "websocket open timed out", http.StatusGatewayTimeout)
		_ = host.Conn().Send(wire.Message{M: wire.VerbWSClose, ID: txn.ID, Code: websocket.CloseGoingAway, Reason: "open timeout"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = host.Conn().Send(wire.Message{M: wire.VerbWSClose, ID: txn.ID, Code: websocket.CloseAbnormalClosure, Reason: "inbound upgrade failed"})
		return
	}
	conn.SetReadLimit(s.cfg.MaxWSMessage)
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	// Native control frames are relayed, never auto-answered.
	conn.SetPingHandler(func(data string) error {
		host.Touch()
		return host.Conn().Send(wire.Message{M: wire.VerbWSPing, ID: txn.ID, Msg: data})
	})
	conn.SetPongHandler(func(data string) error {
		host.Touch()
		return host.Conn().Send(wire.Message{M: wire.VerbWSPong, ID: txn.ID, Msg: data})
	})

	b.pumpInbound()

	_ = txn.Finish()
	s.events.Emit(inspect.Event{Kind: inspect.EventWSClose, Host: host.Name, Txn: txn})
}

// pumpInbound relays client frames to the target until the socket closes.
func (b *wsBridge) pumpInbound() {
	for {
		if !b.gate.Wait() {
			return
		}
		messageType, payload, err := b.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			_ = b.host.Conn().Send(wire.Message{M: wire.VerbWSClose, ID: b.id, Code: code, Reason: "client closed"})
			return
		}
		b.host.Touch()
		_ = b.host.Conn().Send(wire.Message{M: wire.VerbWSMessage, ID: b.id, Code: messageType})
		if err := b.host.Conn().SendBin(wire.FrameWSPayload, b.id, payload); err != nil {
			return
		}
		b.srv.events.Emit(inspect.Event{Kind: inspect.EventWSMessage, Host: b.host.Name, Txn: b.txn, Bytes: len(payload)})
	}
}

// opened resolves the pending upgrade successfully.
func (b *wsBridge) opened() {
	select {
	case b.openCh <- nil:
	default:
	}
}

// openFailed resolves the pending upgrade with an error.
func (b *wsBridge) openFailed(reason string) {
	select {
	case b.openCh <- fmt.Errorf("gateway: target websocket failed: %s", reason):
	default:
	}
}

// writeMessage replays one target-side payload frame to the inbound client.
func (b *wsBridge) writeMessage(payload []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	op := int(b.nextOpcode.Swap(websocket.BinaryMessage))
	b.mu.Lock()
	err := conn.WriteMessage(op, payload)
	b.mu.Unlock()
	if err != nil {
		b.fail("inbound write failed")
		return
	}
	b.srv.events.Emit(inspect.Event{Kind: inspect.EventWSMessage, Host: b.host.Name, Txn: b.txn, Bytes: len(payload)})
}

// relayPing forwards a target-side ping as a native control frame.
func (b *wsBridge) relayPing(data string) {
	b.writeControl(websocket.PingMessage, []byte(data))
}

// relayPong forwards a target-side pong as a native control frame.
func (b *wsBridge) relayPong(data string) {
	b.writeControl(websocket.PongMessage, []byte(data))
}

func (b *wsBridge) writeControl(messageType int, data []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(messageType, data, time.Now().Add(wsControlDeadline))
}

// closeFromTarget relays a target-side close and tears the bridge down.
func (b *wsBridge) closeFromTarget(code int, reason string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsControlDeadline))
		_ = conn.Close()
	}
	b.openFailed(reason)
}

// fail tears the bridge down, used on host sweeps and write errors.
func (b *wsBridge) fail(reason string) {
	b.failOnce.Do(func() {
		b.openFailed(reason)
		b.gate.Close()
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), time.Now().Add(wsControlDeadline))
			_ = conn.Close()
		}
	})
}
