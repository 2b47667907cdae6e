package script

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/useful-bytes/netsleuth/internal/transaction"
)

// RulesHook is a Hook driven by JSON rule documents instead of arbitrary user
// code. A rule looks like:
//
//	{
//	  "match":    {"host": "a.example", "pathPrefix": "/api", "method": "GET",
//	               "header": {"x-debug": "1"}},
//	  "request":  {"host": "127.0.0.1:9000", "path": "/v2/api",
//	               "headers": {"x-injected": "1", "x-removed": null},
//	               "respond": {"sc": 418, "sm": "I'm a teapot", "bodyB64": "..."}},
//	  "response": {"sc": 200, "headers": {"server": null},
//	               "bodyPatch": {"debug.enabled": true}}
//	}
//
// The first matching rule wins. response.bodyPatch applies sjson set
// operations to JSON response bodies.
type RulesHook struct {
	mu    sync.RWMutex
	rules []string
}

// NewRulesHook validates and stores the rule documents.
func NewRulesHook(rules []string) (*RulesHook, error) {
	for i, r := range rules {
		if !gjson.Valid(r) {
			return nil, fmt.Errorf("script: rule %d is not valid JSON", i)
		}
	}
	return &RulesHook{rules: rules}, nil
}

// Update swaps the rule set live.
func (h *RulesHook) Update(rules []string) error {
	for i, r := range rules {
		if !gjson.Valid(r) {
			return fmt.Errorf("script: rule %d is not valid JSON", i)
		}
	}
	h.mu.Lock()
	h.rules = rules
	h.mu.Unlock()
	return nil
}

func (h *RulesHook) match(rule string, txn *transaction.Transaction) bool {
	m := gjson.Get(rule, "match")
	if !m.Exists() {
		return true
	}
	if v := m.Get("host"); v.Exists() && !strings.EqualFold(v.String(), txn.Host) {
		return false
	}
	if v := m.Get("pathPrefix"); v.Exists() && !strings.HasPrefix(txn.Path, v.String()) {
		return false
	}
	if v := m.Get("method"); v.Exists() && !strings.EqualFold(v.String(), txn.Method) {
		return false
	}
	ok := true
	m.Get("header").ForEach(func(key, val gjson.Result) bool {
		if txn.ReqHeaders.Get(key.String()) != val.String() {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// Request implements Hook.
func (h *RulesHook) Request(txn *transaction.Transaction) (*RequestPatch, error) {
	h.mu.RLock()
	rules := h.rules
	h.mu.RUnlock()

	for _, rule := range rules {
		if !h.match(rule, txn) {
			continue
		}
		r := gjson.Get(rule, "request")
		if !r.Exists() {
			return nil, nil
		}
		patch := &RequestPatch{
			Block:  r.Get("block").Bool(),
			Method: r.Get("method").String(),
			Proto:  r.Get("proto").String(),
			Host:   r.Get("host").String(),
			Path:   r.Get("path").String(),
		}
		if hdrs := r.Get("headers"); hdrs.Exists() {
			patch.Headers = headerPatch(hdrs)
		}
		if resp := r.Get("respond"); resp.Exists() {
			syn := &SyntheticResponse{
				StatusCode:    int(resp.Get("sc").Int()),
				StatusMessage: resp.Get("sm").String(),
				Headers:       map[string]string{},
			}
			resp.Get("headers").ForEach(func(key, val gjson.Result) bool {
				syn.Headers[key.String()] = val.String()
				return true
			})
			if b64 := resp.Get("bodyB64"); b64.Exists() {
				body, err := base64.StdEncoding.DecodeString(b64.String())
				if err != nil {
					return nil, fmt.Errorf("script: respond bodyB64: %w", err)
				}
				syn.Body = body
			} else if body := resp.Get("body"); body.Exists() {
				syn.Body = []byte(body.String())
			}
			if syn.StatusCode == 0 {
				syn.StatusCode = 200
			}
			patch.Respond = syn
		}
		return patch, nil
	}
	return nil, nil
}

// Response implements Hook.
func (h *RulesHook) Response(txn *transaction.Transaction) (*ResponsePatch, error) {
	h.mu.RLock()
	rules := h.rules
	h.mu.RUnlock()

	for _, rule := range rules {
		if !h.match(rule, txn) {
			continue
		}
		r := gjson.Get(rule, "response")
		if !r.Exists() {
			return nil, nil
		}
		patch := &ResponsePatch{
			Block:         r.Get("block").Bool(),
			StatusCode:    int(r.Get("sc").Int()),
			StatusMessage: r.Get("sm").String(),
		}
		if hdrs := r.Get("headers"); hdrs.Exists() {
			patch.Headers = headerPatch(hdrs)
		}
		if bp := r.Get("bodyPatch"); bp.Exists() && txn.ResBody != nil {
			body, isBinary, err := txn.ResBody.Data()
			if err != nil {
				return nil, fmt.Errorf("script: response body: %w", err)
			}
			if !isBinary && gjson.ValidBytes(body) {
				patched := string(body)
				var perr error
				bp.ForEach(func(key, val gjson.Result) bool {
					patched, perr = sjson.Set(patched, key.String(), val.Value())
					return perr == nil
				})
				if perr != nil {
					return nil, fmt.Errorf("script: bodyPatch: %w", perr)
				}
				patch.Body = []byte(patched)
			}
		}
		return patch, nil
	}
	return nil, nil
}

func headerPatch(hdrs gjson.Result) map[string]*string {
	out := make(map[string]*string)
	hdrs.ForEach(func(key, val gjson.Result) bool {
		if val.Type == gjson.Null {
			out[key.String()] = nil
		} else {
			v := val.String()
			out[key.String()] = &v
		}
		return true
	})
	return out
}
