// Package nonce implements the client-side replay-nonce pool: an
// unordered set of server-issued, single-use tokens that Transport
// drains from before every signed POST and refills from every response
// that carries one.
package nonce

import (
	"sync"

	"github.com/go-acme-core/acmeclient/core"
)

// Pool is an unordered set of unused nonce byte strings. It is safe for
// use by a single Transport; per the engine's single-threaded contract,
// concurrent use from multiple goroutines against the same engine is
// undefined, so Pool uses a plain mutex rather than lock-free tricks.
type Pool struct {
	mu     sync.Mutex
	nonces map[string]struct{}
}

// NewPool returns an empty nonce pool.
func NewPool() *Pool {
	return &Pool{nonces: make(map[string]struct{})}
}

// Add stores a raw, already-decoded nonce for later use. A nonce already
// in the pool is a no-op: nonces are a set, not a multiset.
func (p *Pool) Add(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonces[string(raw)] = struct{}{}
}

// Drain removes and returns the base64url encoding of one nonce from the
// pool, plus whether one was available. The pool makes no guarantee
// about which nonce is returned when several are present.
func (p *Pool) Drain() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for raw := range p.nonces {
		delete(p.nonces, raw)
		return core.Base64URLEncode([]byte(raw)), true
	}
	return "", false
}

// Len reports the number of nonces currently available, mostly for
// tests and metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nonces)
}

// Nonce implements gopkg.in/go-jose/go-jose.v2's NonceSource interface
// directly: go-jose's Signer calls Nonce() once per Sign and stamps the
// result into the protected "nonce" header automatically. Transport's
// postOnce is responsible for pre-populating the pool (via a HEAD of the
// request URL) before constructing a signer with this pool as its NonceSource, so an
// empty pool here indicates a caller bug, not a protocol condition.
func (p *Pool) Nonce() (string, error) {
	n, ok := p.Drain()
	if !ok {
		return "", errEmptyPool
	}
	return n, nil
}
