// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import "crypto/x509"

// CSRProvider is the collaborator that supplies a PKCS#10 request to the
// engines. The core never generates keys or CSRs itself (out of scope);
// it only needs to read one back in both DER and PEM form and to
// enumerate the names it covers.
type CSRProvider interface {
	// DER returns the raw ASN.1 bytes of the request, as the v1 engine
	// sends them.
	DER() []byte

	// PEM returns the PEM-encoded request, as the v2 engine caches it
	// on the OrderResource for the later finalize call.
	PEM() []byte
}

// ChallengeSolver arranges for the server to be able to validate one
// Challenge. It is an external collaborator: HTTP-01, DNS-01, and
// TLS-ALPN-01 responders all live outside this core and are invoked by
// higher-level orchestration, never by the engines directly.
type ChallengeSolver interface {
	// Solve performs whatever out-of-band action the challenge type
	// requires (publish a file, create a DNS record, present a
	// certificate) so that the identifier's controller can be proven.
	Solve(challenge Challenge, identifier Identifier) error

	// CleanUp reverses whatever Solve did, best-effort.
	CleanUp(challenge Challenge, identifier Identifier) error
}

// TOSCallback receives the terms-of-service URL discovered during
// registration (v1) or from the directory's meta (v2). Returning
// normally means the caller accepts the terms; returning an error
// aborts new_account_and_tos.
type TOSCallback func(termsURL string) error

// ParseCSRDER parses a DER-encoded CSR, the form the v1 engine submits
// on the wire and the v2 engine's identifier derivation reads from.
func ParseCSRDER(der []byte) (*x509.CertificateRequest, error) {
	return x509.ParseCertificateRequest(der)
}
