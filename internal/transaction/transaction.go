// Package transaction models one proxied HTTP or WebSocket exchange: request
// and response metadata, body capture with disk spillover, and completion
// tracking. A Transaction is shared by reference between the host's inflight
// table and the target that created it.
package transaction

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrComplete is returned by mutators called after the transaction completed.
var ErrComplete = errors.New("transaction: already complete")

// State tracks the transaction lifecycle.
type State int

const (
	StateCreated State = iota
	StateRequestStreaming
	StateResponseReceived
	StateResponseStreaming
	StateComplete
	StateError
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRequestStreaming:
		return "request-streaming"
	case StateResponseReceived:
		return "response-received"
	case StateResponseStreaming:
		return "response-streaming"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Transaction records one exchange. Identity and request metadata are fixed at
// creation; target routing may diverge from the original after an interception
// hook rewrites it. Response fields are written only by the owning target.
type Transaction struct {
	ID   uint32
	GUID string
	Date time.Time

	Method      string
	Proto       string
	Host        string
	Path        string
	TargetProto string
	TargetHost  string
	TargetPath  string
	HTTPVersion string
	RemoteIP    string
	RemotePort  int

	ReqHeaders http.Header
	RawReq     []string

	mu         sync.Mutex
	state      State
	err        error
	statusCode int
	statusMsg  string
	resHeaders http.Header
	rawRes     []string

	ReqBody *Body
	ResBody *Body

	IsWebSocket bool
}

// New creates a transaction for the given multiplexing id. Target routing
// starts equal to the original request routing.
func New(id uint32, method, proto, host, path string) *Transaction {
	return &Transaction{
		ID:          id,
		GUID:        uuid.NewString(),
		Date:        time.Now(),
		Method:      method,
		Proto:       proto,
		Host:        host,
		Path:        path,
		TargetProto: proto,
		TargetHost:  host,
		TargetPath:  path,
	}
}

// URL reassembles the original request URL for display.
func (t *Transaction) URL() string {
	var b strings.Builder
	b.WriteString(t.Proto)
	b.WriteString("://")
	b.WriteString(t.Host)
	b.WriteString(t.Path)
	return b.String()
}

// TargetURL reassembles the (possibly rewritten) upstream URL.
func (t *Transaction) TargetURL() string {
	var b strings.Builder
	b.WriteString(t.TargetProto)
	b.WriteString("://")
	b.WriteString(t.TargetHost)
	b.WriteString(t.TargetPath)
	return b.String()
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Complete reports whether the transaction reached a final state.
func (t *Transaction) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateComplete || t.state == StateError || t.state == StateBlocked
}

// Err returns the failure recorded by Fail, if any.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// MarkRequestStreaming notes that request body bytes are flowing.
func (t *Transaction) MarkRequestStreaming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCreated {
		t.state = StateRequestStreaming
	}
}

// SetResponse records response status and headers. Raw header lines are kept
// verbatim for protocol-inspection display.
func (t *Transaction) SetResponse(code int, message string, headers http.Header, raw []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateComplete, StateError, StateBlocked:
		return ErrComplete
	}
	t.statusCode = code
	t.statusMsg = message
	t.resHeaders = headers
	t.rawRes = raw
	t.state = StateResponseReceived
	return nil
}

// MarkResponseStreaming notes that response body bytes are flowing.
func (t *Transaction) MarkResponseStreaming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateResponseReceived {
		t.state = StateResponseStreaming
	}
}

// Finish moves the transaction to complete. Body sinks are sealed if the
// caller has not already done so.
func (t *Transaction) Finish() error {
	t.mu.Lock()
	switch t.state {
	case StateComplete, StateError, StateBlocked:
		t.mu.Unlock()
		return ErrComplete
	}
	t.state = StateComplete
	t.mu.Unlock()

	if t.ReqBody != nil && !t.ReqBody.Ended() {
		_ = t.ReqBody.End()
	}
	if t.ResBody != nil && !t.ResBody.Ended() {
		_ = t.ResBody.End()
	}
	return nil
}

// Fail moves the transaction to the error absorbing state. Idempotent: the
// first failure wins.
func (t *Transaction) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateComplete, StateError, StateBlocked:
		return
	}
	t.state = StateError
	t.err = err
}

// Block marks the transaction as stopped by a block rule.
func (t *Transaction) Block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateComplete, StateError, StateBlocked:
		return
	}
	t.state = StateBlocked
}

// Response returns the recorded response line and headers.
func (t *Transaction) Response() (code int, message string, headers http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusCode, t.statusMsg, t.resHeaders
}

// RawResponseHeaders returns the verbatim header lines, if captured.
func (t *Transaction) RawResponseHeaders() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rawRes
}

// AppendRequestBody adds request body bytes, honoring the completion
// invariant.
func (t *Transaction) AppendRequestBody(p []byte) error {
	if t.Complete() {
		return ErrComplete
	}
	if t.ReqBody == nil {
		return nil
	}
	t.MarkRequestStreaming()
	return t.ReqBody.Append(p)
}

// AppendResponseBody adds response body bytes, honoring the completion
// invariant.
func (t *Transaction) AppendResponseBody(p []byte) error {
	if t.Complete() {
		return ErrComplete
	}
	if t.ResBody == nil {
		return nil
	}
	t.MarkResponseStreaming()
	return t.ResBody.Append(p)
}

// Release drops any disk-backed body data.
func (t *Transaction) Release() {
	if t.ReqBody != nil {
		t.ReqBody.Release()
	}
	if t.ResBody != nil {
		t.ResBody.Release()
	}
}

// RawHeaderLines flattens an http.Header into alternating name/value entries
// the way they are carried on the wire in the "raw" field.
func RawHeaderLines(h http.Header) []string {
	out := make([]string, 0, len(h)*2)
	for k, vv := range h {
		for _, v := range vv {
			out = append(out, k, v)
		}
	}
	return out
}
