// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package core holds the wire-level data model shared by the v1 and v2
// ACME engines: the canonical JSON shapes defined by the ACME drafts,
// plus the small amount of logic (identifier derivation and
// validation, base64url helpers) that both engines need and that doesn't
// belong to either protocol version specifically.
package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"
)

// AcmeStatus defines the state of a given authorization, challenge, or order
type AcmeStatus string

// IdentifierType defines the available identification mechanisms for domains
type IdentifierType string

// ProblemType defines the error types in the ACME protocol
type ProblemType string

// These statuses are the states of authorizations, challenges, and orders
const (
	StatusUnknown     = AcmeStatus("unknown")    // not the zero value, which is ""
	StatusPending     = AcmeStatus("pending")    // in process; client has next action
	StatusProcessing  = AcmeStatus("processing") // in process; server has next action
	StatusValid       = AcmeStatus("valid")      // validation succeeded
	StatusInvalid     = AcmeStatus("invalid")    // validation failed
	StatusReady       = AcmeStatus("ready")      // order only: all authzs valid, awaiting finalize
	StatusDeactivated = AcmeStatus("deactivated")
	StatusExpired     = AcmeStatus("expired")
	StatusRevoked     = AcmeStatus("revoked")
)

// IdentifierDNS is the only identifier type this core handles.
const IdentifierDNS = IdentifierType("dns")

// ACME error URNs. The v1 draft and v2 (RFC 8555) namespaces differ; both
// are recognized on the way in, and the v2 form is used when constructing
// problem documents locally.
const (
	ErrBadNonce            = ProblemType("urn:ietf:params:acme:error:badNonce")
	ErrBadCSR              = ProblemType("urn:ietf:params:acme:error:badCSR")
	ErrMalformed           = ProblemType("urn:ietf:params:acme:error:malformed")
	ErrUnauthorized        = ProblemType("urn:ietf:params:acme:error:unauthorized")
	ErrRateLimited         = ProblemType("urn:ietf:params:acme:error:rateLimited")
	ErrAccountDoesNotExist = ProblemType("urn:ietf:params:acme:error:accountDoesNotExist")
	ErrConnection          = ProblemType("urn:acme:error:connection")
	ErrServerInternal      = ProblemType("urn:ietf:params:acme:error:serverInternal")
)

// ProblemDetails is an RFC 7807 problem document, as used for both ACME
// transport errors and per-challenge validation errors.
type ProblemDetails struct {
	Type        ProblemType        `json:"type,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Status      int                `json:"status,omitempty"`
	Subproblems []SubProblemDetail `json:"subproblems,omitempty"`
}

// SubProblemDetail is one entry in a ProblemDetails' subproblems array
// (RFC 8555 §6.7.1): a per-identifier problem nested under a parent error.
type SubProblemDetail struct {
	ProblemDetails
	Identifier Identifier `json:"identifier,omitempty"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// Identifier encodes a name that can be validated by ACME. Per spec, only
// the dns type is required of this core.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s:%s", id.Type, id.Value)
}

// DNSIdentifier is a convenience constructor for the common case.
func DNSIdentifier(name string) Identifier {
	return Identifier{Type: IdentifierDNS, Value: strings.ToLower(name)}
}

// AccountKey pairs a signing key with the algorithm used to sign with it.
// It outlives the engine that uses it; callers construct one from their
// own key management and hand it to a Facade/engine at construction time.
type AccountKey struct {
	Key       jose.JSONWebKey
	Algorithm jose.SignatureAlgorithm
}

// Directory is the mapping from resource name to absolute URL that every
// ACME session starts by fetching. Presence of a non-empty NewNonce field
// is what the version facade uses to classify the server as v2; v1
// directories never populate it.
type Directory struct {
	// v1 field names
	NewReg     string `json:"new-reg,omitempty"`
	NewAuthz   string `json:"new-authz,omitempty"`
	NewCert    string `json:"new-cert,omitempty"`
	RevokeCert string `json:"revoke-cert,omitempty"`

	// v2 field names
	NewNonce     string `json:"newNonce,omitempty"`
	NewAccount   string `json:"newAccount,omitempty"`
	NewOrder     string `json:"newOrder,omitempty"`
	RevokeCertV2 string `json:"revokeCert,omitempty"`
	KeyChange    string `json:"keyChange,omitempty"`

	Meta *DirectoryMeta `json:"meta,omitempty"`

	// Raw retains the full decoded document so callers can look up
	// resources this core doesn't name explicitly.
	Raw map[string]json.RawMessage `json:"-"`
}

// DirectoryMeta carries the optional meta object of a Directory.
type DirectoryMeta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// IsV2 reports whether the directory advertises the v2 newNonce resource.
func (d Directory) IsV2() bool {
	return d.NewNonce != ""
}

// UnmarshalJSON decodes a Directory while retaining unknown resources in Raw.
func (d *Directory) UnmarshalJSON(data []byte) error {
	type alias Directory
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Directory(a)
	return json.Unmarshal(data, &d.Raw)
}

// Registration is the v1 account object: contact addresses, agreement to
// a terms-of-service URL, plus whatever the server echoes back.
type Registration struct {
	Contact   []string `json:"contact,omitempty"`
	Agreement string   `json:"agreement,omitempty"`
}

// Account is the v2 account object (RFC 8555 §7.1.2).
type Account struct {
	Contact                []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
	Status                 AcmeStatus      `json:"status,omitempty"`
}

// RegistrationResource pairs a Registration body with the URI the server
// assigned it, and (v1 only) the terms-of-service URL discovered from the
// response's Link header.
type RegistrationResource struct {
	Body           Registration
	URI            string
	TermsOfService string
}

// AccountResource is the v2 analog of RegistrationResource.
type AccountResource struct {
	Body Account
	URI  string
}

// Challenge is an aggregate of all data needed for any challenge type.
// Rather than defining a distinct Go type per challenge type, the core
// treats challenges as a tagged variant: Type carries the tag, and any
// type this core doesn't recognize still round-trips via Raw.
type Challenge struct {
	Type      string          `json:"type"`
	URL       string          `json:"url,omitempty"` // v2 name
	URI       string          `json:"uri,omitempty"` // v1 name
	Token     string          `json:"token,omitempty"`
	Status    AcmeStatus      `json:"status,omitempty"`
	Validated *time.Time      `json:"validated,omitempty"`
	Error     *ProblemDetails `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ResourceURL returns the URL a client should POST a challenge response
// to, regardless of protocol version.
func (c Challenge) ResourceURL() string {
	if c.URL != "" {
		return c.URL
	}
	return c.URI
}

func (c *Challenge) UnmarshalJSON(data []byte) error {
	type alias Challenge
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Challenge(a)
	c.Raw = append(json.RawMessage{}, data...)
	return nil
}

// Authorization represents the server-side record of a client's
// proof-of-control attempt for one identifier.
type Authorization struct {
	Identifier   Identifier  `json:"identifier"`
	Status       AcmeStatus  `json:"status,omitempty"`
	Expires      *time.Time  `json:"expires,omitempty"`
	Challenges   []Challenge `json:"challenges,omitempty"`
	Combinations [][]int     `json:"combinations,omitempty"`
	Wildcard     bool        `json:"wildcard,omitempty"`
}

// AuthorizationResource pairs an Authorization body with its URL, which
// per the data-model invariants never changes across polls even though
// the body does.
type AuthorizationResource struct {
	Body Authorization
	URI  string
}

// ChallengeResource pairs a Challenge body with its parent authorization
// URL, discovered from the response's "up" Link relation.
type ChallengeResource struct {
	Body     Challenge
	AuthzURI string
}

// Order is the v2 certificate issuance request record.
type Order struct {
	Status         AcmeStatus      `json:"status,omitempty"`
	Expires        *time.Time      `json:"expires,omitempty"`
	Identifiers    []Identifier    `json:"identifiers"`
	Authorizations []string        `json:"authorizations,omitempty"`
	Finalize       string          `json:"finalize,omitempty"`
	Certificate    string          `json:"certificate,omitempty"`
	Error          *ProblemDetails `json:"error,omitempty"`
}

// OrderResource is the full client-side record of one v2 issuance
// attempt: the Order body, its URL, the PEM CSR submitted for it (needed
// again at finalize time), the materialized authorizations, and —
// once issued — the full certificate chain.
type OrderResource struct {
	Body           Order
	URI            string
	CSRPEM         []byte
	Authorizations []AuthorizationResource
	FullChainPEM   string
}

// CertificateResource is the v1 analog of OrderResource: the issued
// leaf, the URI it was fetched from, the chain-head URL found via the
// "up" Link on issuance, and the authorizations that produced it.
type CertificateResource struct {
	URI            string
	ChainHeadURL   string
	DER            []byte
	Authorizations []AuthorizationResource
}

// Base64URLEncode is the URL-safe, unpadded base64 encoding JOSE uses
// throughout the protocol (nonces, thumbprints, CSR bytes).
func Base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// Base64URLDecode reverses Base64URLEncode, re-adding the padding Go's
// decoder insists on. This is how Transport decodes the Replay-Nonce
// header into pool-ready bytes.
func Base64URLDecode(data string) ([]byte, error) {
	missing := (4 - len(data)%4) % 4
	data += strings.Repeat("=", missing)
	return base64.URLEncoding.DecodeString(data)
}

// MarshalCanonical serializes v with 2-space indentation and stable key
// order (json.Marshal already sorts struct fields by declaration and map
// keys lexically). The JWS signer must sign exactly these bytes, so every
// caller that needs to both send a payload and log/compare it should
// serialize once with this function and reuse the result.
func MarshalCanonical(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
