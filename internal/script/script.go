// Package script hosts the request/response interception hooks. Hooks run at a
// trust boundary: a crashing hook must never take traffic down with it, so the
// dispatcher treats hook errors as warnings and passes traffic through.
package script

import (
	"github.com/useful-bytes/netsleuth/internal/transaction"
)

// RequestPatch is what a hook may do to an inbound request before it is
// proxied upstream. Nil pointer fields leave the request untouched. A nil
// header value deletes the header.
type RequestPatch struct {
	Block   bool
	Method  string
	Proto   string
	Host    string
	Path    string
	Headers map[string]*string

	// Respond short-circuits the upstream dial with a synthetic response.
	Respond *SyntheticResponse
}

// ResponsePatch is what a hook may do to an upstream response before it is
// framed back to the gateway.
type ResponsePatch struct {
	Block         bool
	StatusCode    int
	StatusMessage string
	Headers       map[string]*string
	Body          []byte
}

// SyntheticResponse is a hook-fabricated response.
type SyntheticResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       map[string]string
	Body          []byte
}

// Hook transforms transactions. Either method may return (nil, nil) for
// pass-through.
type Hook interface {
	Request(txn *transaction.Transaction) (*RequestPatch, error)
	Response(txn *transaction.Transaction) (*ResponsePatch, error)
}
