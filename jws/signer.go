// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jws builds and parses the JWS envelopes ACME wraps every
// signed request in. It is the client-side mirror of the teacher's own
// WebFrontEndImpl.verifyPOST: where that code parses an inbound JWS and
// verifies it against an embedded or looked-up key, this package
// constructs an outbound one and signs it, using the same
// gopkg.in/go-jose/go-jose.v2 library.
package jws

import (
	"crypto"
	"fmt"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/go-acme-core/acmeclient/core"
)

// NonceSource is the subset of nonce.Pool this package depends on. It is
// identical to jose.NonceSource; it's redeclared here so callers don't
// need to import go-jose just to pass their pool in.
type NonceSource interface {
	Nonce() (string, error)
}

// Request describes one outbound signed request. Exactly one of URL's
// two roles applies depending on protocol version, but both engines
// always have a URL to sign over: v2 mandates it (RFC 8555 §6.4), and v1
// simply never reads it back out, so populating it unconditionally is
// harmless and keeps this package version-agnostic.
type Request struct {
	// Key is the account's signing key and algorithm.
	Key core.AccountKey

	// Nonces supplies single-use replay-nonces, typically a *nonce.Pool.
	Nonces NonceSource

	// URL is the request target, stamped into the protected header's
	// "url" field (always, per v2; harmlessly present for v1).
	URL string

	// KeyID is the account URI. When non-empty, the protected header
	// carries "kid": KeyID instead of an embedded JWK. v1 has no kid
	// concept and always leaves this empty.
	KeyID string

	// EmbedJWK forces full-JWK embedding regardless of KeyID. v1 always
	// sets this; v2 sets it only for new-account, before an account URI
	// exists to use as a kid.
	EmbedJWK bool

	// Payload is the canonical JSON to sign. A nil Payload produces the
	// empty-string payload of an RFC 8555 POST-as-GET request.
	Payload []byte
}

// Sign produces the flattened-JSON serialization of req, ready to POST
// as the request body.
func Sign(req Request) (string, error) {
	signingKey := jose.SigningKey{
		Algorithm: req.Key.Algorithm,
		Key:       req.Key.Key.Key,
	}

	opts := &jose.SignerOptions{NonceSource: req.Nonces}
	opts.WithHeader("url", req.URL)

	switch {
	case req.EmbedJWK || req.KeyID == "":
		opts.EmbedJWK = true
	default:
		opts.EmbedJWK = false
		opts.WithHeader("kid", req.KeyID)
	}

	signer, err := jose.NewSigner(signingKey, opts)
	if err != nil {
		return "", fmt.Errorf("jws: construct signer: %w", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = []byte{}
	}

	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("jws: sign: %w", err)
	}

	return sig.FullSerialize(), nil
}

// VerifyThumbprint computes the RFC 7638 JWK thumbprint of key and
// returns its base64url encoding, the form used in key-authorization
// strings (token + "." + thumbprint) for HTTP-01 and DNS-01 challenges.
func VerifyThumbprint(key jose.JSONWebKey) (string, error) {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jws: thumbprint: %w", err)
	}
	return core.Base64URLEncode(thumb), nil
}
