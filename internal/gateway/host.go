package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/useful-bytes/netsleuth/internal/wire"
)

// ErrHostTaken is returned when a second target tries to bind an
// already-bound hostname.
var ErrHostTaken = errors.New("gateway: hostname already bound")

// rexPrefix marks a block rule as a raw regular expression rather than a
// glob.
const rexPrefix = "rex:"

type blockRule struct {
	source string
	re     *regexp.Regexp
}

func compileBlockRule(src string) (blockRule, error) {
	var (
		re  *regexp.Regexp
		err error
	)
	if strings.HasPrefix(src, rexPrefix) {
		re, err = regexp.Compile(strings.TrimPrefix(src, rexPrefix))
	} else {
		// Literal glob: escape everything, then turn \* back into .*
		pattern := regexp.QuoteMeta(src)
		pattern = strings.ReplaceAll(pattern, `\*`, `.*`)
		re, err = regexp.Compile("^" + pattern)
	}
	if err != nil {
		return blockRule{}, fmt.Errorf("gateway: block rule %q: %w", src, err)
	}
	return blockRule{source: src, re: re}, nil
}

// Host is the routing and state record binding one hostname (or the "*"
// wildcard) to a target connection. All mutable state sits behind the host
// mutex; nothing is held across I/O.
type Host struct {
	Name string

	mu         sync.Mutex
	conn       Conn
	lastSeen   time.Time
	auth       string
	blockRules []blockRule
	uaOverride string
	noCache    bool
	throttle   wire.Throttle

	responses map[uint32]*inflightResponse
	wsConns   map[uint32]*wsBridge

	closed bool
}

func newHost(name string, conn Conn) *Host {
	return &Host{
		Name:      name,
		conn:      conn,
		lastSeen:  time.Now(),
		responses: make(map[uint32]*inflightResponse),
		wsConns:   make(map[uint32]*wsBridge),
	}
}

// Conn returns the bound transport handle.
func (h *Host) Conn() Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Touch records a liveness signal.
func (h *Host) Touch() {
	h.mu.Lock()
	h.lastSeen = time.Now()
	h.mu.Unlock()
}

// LastSeen returns the last liveness timestamp.
func (h *Host) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}

// ApplyOptions replaces the per-host override state from a cfg push.
func (h *Host) ApplyOptions(opts *wire.Options) error {
	if opts == nil {
		return nil
	}
	rules := make([]blockRule, 0, len(opts.BlockRules))
	for _, src := range opts.BlockRules {
		r, err := compileBlockRule(src)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.auth = opts.Auth
	h.blockRules = rules
	h.uaOverride = opts.UA
	h.noCache = opts.NoCache
	if opts.Throttle != nil {
		h.throttle = *opts.Throttle
	}
	return nil
}

// SetBlockRules replaces the rule list live (rblock verb).
func (h *Host) SetBlockRules(sources []string) error {
	rules := make([]blockRule, 0, len(sources))
	for _, src := range sources {
		r, err := compileBlockRule(src)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	h.mu.Lock()
	h.blockRules = rules
	h.mu.Unlock()
	return nil
}

// AddBlockRule appends one rule (block verb with a rule payload).
func (h *Host) AddBlockRule(source string) error {
	r, err := compileBlockRule(source)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.blockRules = append(h.blockRules, r)
	h.mu.Unlock()
	return nil
}

// MatchBlockRule returns the source of the first matching rule, or "" when
// nothing matches. Each rule is tried against the bare path and against
// host+path, so anchored path rules like rex:^/admin work alongside
// host-qualified globs.
func (h *Host) MatchBlockRule(host, path string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.blockRules {
		if r.re.MatchString(path) || r.re.MatchString(host+path) {
			return r.source
		}
	}
	return ""
}

// SetUA sets or clears the user-agent override.
func (h *Host) SetUA(ua string) {
	h.mu.Lock()
	h.uaOverride = ua
	h.mu.Unlock()
}

// SetNoCache toggles cache-bypass header injection.
func (h *Host) SetNoCache(v bool) {
	h.mu.Lock()
	h.noCache = v
	h.mu.Unlock()
}

// SetThrottle replaces the throttle state.
func (h *Host) SetThrottle(t wire.Throttle) {
	h.mu.Lock()
	h.throttle = t
	h.mu.Unlock()
}

// Overrides returns a snapshot of the live override state.
func (h *Host) Overrides() (auth, ua string, noCache bool, throttle wire.Throttle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth, h.uaOverride, h.noCache, h.throttle
}

func (h *Host) addResponse(id uint32, r *inflightResponse) {
	h.mu.Lock()
	h.responses[id] = r
	h.mu.Unlock()
}

func (h *Host) response(id uint32) *inflightResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responses[id]
}

func (h *Host) removeResponse(id uint32) {
	h.mu.Lock()
	delete(h.responses, id)
	h.mu.Unlock()
}

func (h *Host) addWS(id uint32, b *wsBridge) {
	h.mu.Lock()
	h.wsConns[id] = b
	h.mu.Unlock()
}

func (h *Host) ws(id uint32) *wsBridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wsConns[id]
}

func (h *Host) removeWS(id uint32) {
	h.mu.Lock()
	delete(h.wsConns, id)
	h.mu.Unlock()
}

// sweep fails every in-flight exchange, used when the bound connection dies
// or the host is torn down. Runs outside the host lock because failing an
// exchange writes to inbound sockets.
func (h *Host) sweep(status int, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ress := make([]*inflightResponse, 0, len(h.responses))
	for _, r := range h.responses {
		ress = append(ress, r)
	}
	wss := make([]*wsBridge, 0, len(h.wsConns))
	for _, b := range h.wsConns {
		wss = append(wss, b)
	}
	h.responses = make(map[uint32]*inflightResponse)
	h.wsConns = make(map[uint32]*wsBridge)
	conn := h.conn
	h.mu.Unlock()

	for _, r := range ress {
		r.fail(status, reason)
	}
	for _, b := range wss {
		b.fail(reason)
	}
	if conn != nil {
		_ = conn.Close()
	}
}
