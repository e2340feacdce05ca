// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jws

import (
	"errors"
	"fmt"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// ParseAndVerify parses a flattened-JSON JWS and verifies it against key.
// The client itself never needs to verify inbound JWS in production (it
// only ever produces them), but test doubles standing in for an ACME
// server do, to assert the engines sign what they claim to.
func ParseAndVerify(serialized string, key jose.JSONWebKey) ([]byte, error) {
	parsed, err := jose.ParseSigned(serialized)
	if err != nil {
		return nil, fmt.Errorf("jws: parse: %w", err)
	}
	if len(parsed.Signatures) != 1 {
		return nil, errors.New("jws: expected exactly one signature")
	}
	// go-jose verifies only with public (or symmetric) keys, so an account
	// key holding its private half is reduced to the public half first.
	verifyKey := key
	if pub := key.Public(); pub.Key != nil {
		verifyKey = pub
	}
	payload, err := parsed.Verify(&verifyKey)
	if err != nil {
		return nil, fmt.Errorf("jws: verify: %w", err)
	}
	return payload, nil
}

// ExtractHeaders returns the nonce, url, kid, and embedded-jwk-present
// values from the protected header of a flattened-JSON JWS, without
// verifying the signature. Test doubles use this to extract the nonce
// they must check against their own issued set, and the url they must
// match against the request's actual path (RFC 8555 §6.4).
func ExtractHeaders(serialized string) (nonce, url, kid string, hasJWK bool, err error) {
	parsed, err := jose.ParseSigned(serialized)
	if err != nil {
		return "", "", "", false, fmt.Errorf("jws: parse: %w", err)
	}
	if len(parsed.Signatures) != 1 {
		return "", "", "", false, errors.New("jws: expected exactly one signature")
	}
	header := parsed.Signatures[0].Header
	nonce = header.Nonce
	hasJWK = header.JSONWebKey != nil
	if u, ok := header.ExtraHeaders[jose.HeaderKey("url")]; ok {
		if s, ok := u.(string); ok {
			url = s
		}
	}
	// go-jose decodes the standard "kid" header into Header.KeyID, not
	// into ExtraHeaders.
	kid = header.KeyID
	return nonce, url, kid, hasJWK, nil
}
