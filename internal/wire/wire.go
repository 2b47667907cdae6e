// Package wire implements the framing used on every target connection: JSON
// control messages interleaved with fixed-header binary payload frames. One
// connection multiplexes unboundedly many concurrent exchanges; the request id
// carried by every frame is what keeps them apart.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Verb is the control-message discriminator carried in the "m" field.
type Verb string

const (
	VerbCfg       Verb = "cfg"
	VerbReady     Verb = "ready"
	VerbAck       Verb = "ack"
	VerbBad       Verb = "bad"
	VerbErr       Verb = "err"
	VerbCont      Verb = "cont"
	VerbRequest   Verb = "r"
	VerbRequestHdr Verb = "ri"
	VerbResponse  Verb = "res"
	VerbResponseEnd Verb = "rese"
	VerbInfo      Verb = "info"
	VerbEnd       Verb = "e"
	VerbRuleBlock Verb = "rblock"
	VerbBlock     Verb = "block"
	VerbUA        Verb = "ua"
	VerbThrottle  Verb = "throttle"
	VerbNoCache   Verb = "no-cache"
	VerbWS        Verb = "ws"
	VerbWSAck     Verb = "wsack"
	VerbWSOpen    Verb = "wsopen"
	VerbWSUpgrade Verb = "wsupg"
	VerbWSClose   Verb = "wsclose"
	VerbWSErr     Verb = "wserr"
	VerbWSPing    Verb = "wsping"
	VerbWSPong    Verb = "wspong"
	VerbWSMessage Verb = "wsm"
	VerbReqPause  Verb = "rp"
	VerbReqResume Verb = "rr"
	VerbResPause  Verb = "pp"
	VerbResResume Verb = "pr"
	VerbWSPause   Verb = "wsp"
	VerbWSResume  Verb = "wsr"
	VerbInspector Verb = "inspector"
	VerbEjected   Verb = "ej"
)

var knownVerbs = map[Verb]struct{}{
	VerbCfg: {}, VerbReady: {}, VerbAck: {}, VerbBad: {}, VerbErr: {},
	VerbCont: {}, VerbRequest: {}, VerbRequestHdr: {}, VerbResponse: {},
	VerbResponseEnd: {}, VerbInfo: {}, VerbEnd: {}, VerbRuleBlock: {},
	VerbBlock: {}, VerbUA: {}, VerbThrottle: {}, VerbNoCache: {},
	VerbWS: {}, VerbWSAck: {}, VerbWSOpen: {}, VerbWSUpgrade: {},
	VerbWSClose: {}, VerbWSErr: {}, VerbWSPing: {}, VerbWSPong: {},
	VerbWSMessage: {}, VerbReqPause: {}, VerbReqResume: {}, VerbResPause: {},
	VerbResResume: {}, VerbWSPause: {}, VerbWSResume: {}, VerbInspector: {},
	VerbEjected: {},
}

// ErrMalformed marks a framing violation. A target connection is a trust
// boundary: the caller must tear down the whole connection, not skip the
// message.
var ErrMalformed = errors.New("wire: malformed message")

// Binary frame types. Each frame is 5 header bytes (1 type + 4 LE id)
// followed by raw payload.
const (
	FrameRequestBody  byte = 1
	FrameResponseBody byte = 2
	FrameWSPayload    byte = 3
)

// HeaderLen is the fixed binary frame header size.
const HeaderLen = 5

// Throttle carries per-host bandwidth overrides. Off takes the host offline
// entirely; Up/Down are bytes per second, zero meaning unlimited.
type Throttle struct {
	Off     bool  `json:"off,omitempty"`
	Latency int   `json:"latency,omitempty"`
	Up      int64 `json:"up,omitempty"`
	Down    int64 `json:"down,omitempty"`
}

// Options is the per-host configuration pushed with cfg and echoed back on
// live updates.
type Options struct {
	Auth         string    `json:"auth,omitempty"`
	BlockRules   []string  `json:"blockRules,omitempty"`
	UA           string    `json:"ua,omitempty"`
	NoCache      bool      `json:"noCache,omitempty"`
	Throttle     *Throttle `json:"throttle,omitempty"`
	PingInterval int       `json:"pingInterval,omitempty"`
}

// Message is a control message. Fields are populated per verb; the json
// field names are the wire contract and must not change.
type Message struct {
	M  Verb   `json:"m"`
	ID uint32 `json:"id,omitempty"`

	// Request metadata (r / ri / ws).
	Method      string              `json:"method,omitempty"`
	Proto       string              `json:"proto,omitempty"`
	Host        string              `json:"host,omitempty"`
	Path        string              `json:"path,omitempty"`
	URL         string              `json:"url,omitempty"`
	HTTPVersion string              `json:"httpVersion,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Raw         []string            `json:"raw,omitempty"`
	RemoteIP    string              `json:"remoteIP,omitempty"`
	RemotePort  int                 `json:"remotePort,omitempty"`

	// Response metadata (res / info).
	SC int    `json:"sc,omitempty"`
	SM string `json:"sm,omitempty"`

	// Block rules: the rule source string on notification, and whether the
	// update replaces the full rule list.
	Rule  string   `json:"rule,omitempty"`
	Rules []string `json:"rules,omitempty"`
	UR    bool     `json:"ur,omitempty"`

	// Per-host overrides (ua / throttle / no-cache).
	UA       string    `json:"ua,omitempty"`
	Throttle *Throttle `json:"throttle,omitempty"`
	Val      bool      `json:"val,omitempty"`

	// cfg payload and ws close details.
	Opts   *Options `json:"opts,omitempty"`
	Code   int      `json:"code,omitempty"`
	Reason string   `json:"reason,omitempty"`

	// Error / diagnostic text (bad, err, wserr, ej).
	Msg string `json:"msg,omitempty"`
}

// Marshal encodes a control message. It never blocks and never fails for
// messages built from the types above.
func Marshal(m Message) ([]byte, error) {
	if _, ok := knownVerbs[m.M]; !ok {
		return nil, fmt.Errorf("%w: unknown verb %q", ErrMalformed, m.M)
	}
	return json.Marshal(m)
}

// Unmarshal decodes a control message. Malformed JSON or an unknown verb is
// fatal to the connection.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := knownVerbs[m.M]; !ok {
		return Message{}, fmt.Errorf("%w: unknown verb %q", ErrMalformed, m.M)
	}
	return m, nil
}

// Frame is a decoded binary payload frame.
type Frame struct {
	Type    byte
	ID      uint32
	Payload []byte
}

// EncodeFrame prepends the 5-byte header to the payload.
func EncodeFrame(frameType byte, id uint32, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	buf[0] = frameType
	binary.LittleEndian.PutUint32(buf[1:HeaderLen], id)
	copy(buf[HeaderLen:], payload)
	return buf
}

// DecodeFrame splits a binary frame into type, id and payload. The payload
// slice aliases data; callers that retain it across writes must copy.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: frame shorter than header", ErrMalformed)
	}
	t := data[0]
	if t != FrameRequestBody && t != FrameResponseBody && t != FrameWSPayload {
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrMalformed, t)
	}
	return Frame{
		Type:    t,
		ID:      binary.LittleEndian.Uint32(data[1:HeaderLen]),
		Payload: data[HeaderLen:],
	}, nil
}
