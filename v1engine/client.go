// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package v1engine implements the draft-ietf-acme-acme-01 state machine:
// register, agree-to-terms, per-identifier challenges, Retry-After-paced
// polling, and issuance against the new-cert endpoint. It is the direct
// translation of the original Client class, kept as a distinct engine
// (rather than folded into v2engine) because the two protocols' request
// shapes and polling models genuinely differ, matching how the teacher
// repo itself keeps wfe and wfe2 as separate packages rather than one
// parameterized implementation.
package v1engine

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-acme-core/acmeclient/core"
	acmeerrors "github.com/go-acme-core/acmeclient/errors"
	"github.com/go-acme-core/acmeclient/transport"
)

const derContentType = "application/pkix-cert"

// Client is the v1 protocol engine. It holds no mutable session state of
// its own beyond what Transport already tracks (the account key, the
// nonce pool, and the kid once known — v1 has no kid, so that field is
// simply never set).
type Client struct {
	Directory core.Directory
	Transport *transport.Transport
}

// New constructs a v1 Client against an already-fetched Directory.
func New(directory core.Directory, tr *transport.Transport) *Client {
	return &Client{Directory: directory, Transport: tr}
}

func (c *Client) post(url string, payload interface{}) (*http.Response, []byte, error) {
	body, err := core.MarshalCanonical(payload)
	if err != nil {
		return nil, nil, acmeerrors.NewTransport(url, "", err)
	}
	return c.Transport.Post(url, body, transport.PostOptions{AcmeVersion: 1})
}

// Register creates a new account, mirroring Client.register.
func (c *Client) Register(contact []string) (*core.RegistrationResource, error) {
	reg := core.Registration{Contact: contact}
	resp, body, err := c.post(c.Directory.NewReg, reg)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, acmeerrors.NewTransport(c.Directory.NewReg, "", fmt.Errorf("expected 201, got %d", resp.StatusCode))
	}
	return regFromResponse(resp, body, "")
}

// AgreeToTOS updates regr's body with its own TermsOfService as the
// agreement, matching Client.agree_to_tos.
func (c *Client) AgreeToTOS(regr *core.RegistrationResource) (*core.RegistrationResource, error) {
	update := regr.Body
	update.Agreement = regr.TermsOfService
	return c.UpdateRegistration(regr, update)
}

// UpdateRegistration POSTs an updated Registration body to regr's URI,
// matching ClientBase._send_recv_regr/update_registration. Per the
// registration-update tolerance design note, a response missing a
// Location or terms-of-service Link simply keeps regr's existing URI and
// TermsOfService rather than erroring.
func (c *Client) UpdateRegistration(regr *core.RegistrationResource, update core.Registration) (*core.RegistrationResource, error) {
	_, body, err := c.post(regr.URI, update)
	if err != nil {
		return nil, err
	}
	return regFromResponseFallback(body, regr)
}

// QueryRegistration re-fetches the current registration state, matching
// ClientBase.query_registration.
func (c *Client) QueryRegistration(regr *core.RegistrationResource) (*core.RegistrationResource, error) {
	return c.UpdateRegistration(regr, core.Registration{})
}

// DeactivateRegistration marks regr deactivated, supplementing the
// feature the distillation dropped.
func (c *Client) DeactivateRegistration(regr *core.RegistrationResource) (*core.RegistrationResource, error) {
	update := regr.Body
	// The v1 wire format has no explicit status field on Registration;
	// deactivation is requested via a raw JSON body carrying "status".
	_, body, err := c.post(regr.URI, struct {
		Contact   []string `json:"contact,omitempty"`
		Agreement string   `json:"agreement,omitempty"`
		Status    string   `json:"status"`
	}{Contact: update.Contact, Agreement: update.Agreement, Status: string(core.StatusDeactivated)})
	if err != nil {
		return nil, err
	}
	return regFromResponseFallback(body, regr)
}

func regFromResponse(resp *http.Response, body []byte, fallbackURI string) (*core.RegistrationResource, error) {
	var reg core.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, acmeerrors.NewTransport(resp.Request.URL.String(), "", err)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		uri = fallbackURI
	}
	tos := transport.ParseLinks(resp)["terms-of-service"]
	return &core.RegistrationResource{Body: reg, URI: uri, TermsOfService: tos}, nil
}

func regFromResponseFallback(body []byte, prior *core.RegistrationResource) (*core.RegistrationResource, error) {
	var reg core.Registration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, acmeerrors.NewTransport(prior.URI, "", err)
	}
	return &core.RegistrationResource{Body: reg, URI: prior.URI, TermsOfService: prior.TermsOfService}, nil
}

// RequestChallenges requests an Authorization for identifier, matching
// Client.request_challenges.
func (c *Client) RequestChallenges(identifier core.Identifier) (*core.AuthorizationResource, error) {
	newAuthz := struct {
		Identifier core.Identifier `json:"identifier"`
	}{Identifier: identifier}
	resp, body, err := c.post(c.Directory.NewAuthz, newAuthz)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, acmeerrors.NewTransport(c.Directory.NewAuthz, "", fmt.Errorf("expected 201, got %d", resp.StatusCode))
	}
	return authzFromResponse(resp, body, &identifier, "")
}

func authzFromResponse(resp *http.Response, body []byte, wantIdentifier *core.Identifier, fallbackURI string) (*core.AuthorizationResource, error) {
	var authz core.Authorization
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, acmeerrors.NewTransport(resp.Request.URL.String(), "", err)
	}
	if wantIdentifier != nil && authz.Identifier != *wantIdentifier {
		return nil, acmeerrors.NewUnexpectedUpdate(fmt.Sprintf("authorization identifier %v != requested %v", authz.Identifier, *wantIdentifier))
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		uri = fallbackURI
	}
	return &core.AuthorizationResource{Body: authz, URI: uri}, nil
}

// AnswerChallenge POSTs a challenge response payload, matching
// ClientBase.answer_challenge. The returned ChallengeResource carries the
// parent authorization URI found via the mandatory "up" Link relation.
func (c *Client) AnswerChallenge(challenge core.Challenge, responsePayload interface{}) (*core.ChallengeResource, error) {
	resp, body, err := c.post(challenge.ResourceURL(), responsePayload)
	if err != nil {
		return nil, err
	}
	authzURI, ok := transport.ParseLinks(resp)["up"]
	if !ok {
		return nil, acmeerrors.New(acmeerrors.UnexpectedUpdate, `"up" Link header missing`)
	}
	var updated core.Challenge
	if err := json.Unmarshal(body, &updated); err != nil {
		return nil, acmeerrors.NewTransport(challenge.ResourceURL(), "", err)
	}
	if updated.ResourceURL() != challenge.ResourceURL() {
		return nil, acmeerrors.NewUnexpectedUpdate(fmt.Sprintf("challenge uri %s != requested %s", updated.ResourceURL(), challenge.ResourceURL()))
	}
	return &core.ChallengeResource{Body: updated, AuthzURI: authzURI}, nil
}

// Poll fetches the current state of an Authorization Resource, matching
// ClientBase.poll.
func (c *Client) Poll(authzr *core.AuthorizationResource) (*core.AuthorizationResource, *http.Response, error) {
	resp, body, err := c.Transport.Get(authzr.URI)
	if err != nil {
		return nil, resp, err
	}
	updated, err := authzFromResponse(resp, body, &authzr.Body.Identifier, authzr.URI)
	return updated, resp, err
}

// RequestIssuance requests a certificate for csrDER given already-valid
// authorizations, matching Client.request_issuance.
func (c *Client) RequestIssuance(csrDER []byte, authzrs []core.AuthorizationResource) (*core.CertificateResource, error) {
	if len(authzrs) == 0 {
		return nil, acmeerrors.New(acmeerrors.Issuance, "authorizations list is empty")
	}
	req := struct {
		CSR string `json:"csr"`
	}{CSR: core.Base64URLEncode(csrDER)}
	resp, body, err := c.post(c.Directory.NewCert, req)
	if err != nil {
		return nil, err
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		return nil, acmeerrors.New(acmeerrors.UnexpectedUpdate, `"Location" Header missing`)
	}
	chainHead := transport.ParseLinks(resp)["up"]
	return &core.CertificateResource{
		URI:            uri,
		ChainHeadURL:   chainHead,
		DER:            body,
		Authorizations: authzrs,
	}, nil
}

// pollItem is one entry in the Retry-After priority queue used by
// PollAndRequestIssuance, a direct translation of the original's
// (datetime, index, authzr) heap entries.
type pollItem struct {
	when  time.Time
	index int
	authzr core.AuthorizationResource
}

type pollHeap []*pollItem

func (h pollHeap) Len() int { return len(h) }
func (h pollHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].index < h[j].index
}
func (h pollHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pollHeap) Push(x interface{}) { *h = append(*h, x.(*pollItem)) }
func (h *pollHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PollAndRequestIssuance polls every Authorization Resource in authzrs
// until each reaches a terminal state, respecting each response's
// Retry-After, then requests issuance. mintime is the fallback delay (in
// seconds) used when Retry-After is absent; maxAttempts bounds how many
// times any single authorization is repolled before it's considered
// exhausted. This is the direct translation of
// Client.poll_and_request_issuance's priority-queue loop.
func (c *Client) PollAndRequestIssuance(csrDER []byte, authzrs []core.AuthorizationResource, mintime, maxAttempts int) (*core.CertificateResource, []core.AuthorizationResource, error) {
	if maxAttempts <= 0 {
		return nil, nil, acmeerrors.New(acmeerrors.Poll, "maxAttempts must be positive")
	}

	attempts := make([]int, len(authzrs))
	updated := make([]core.AuthorizationResource, len(authzrs))
	copy(updated, authzrs)

	now := c.Transport.Clock().Now()
	pq := make(pollHeap, len(authzrs))
	for i, a := range authzrs {
		pq[i] = &pollItem{when: now, index: i, authzr: a}
	}
	heap.Init(&pq)

	var exhausted []core.AuthorizationResource

	for pq.Len() > 0 {
		item := heap.Pop(&pq).(*pollItem)
		now := c.Transport.Clock().Now()
		if item.when.After(now) {
			c.Transport.Clock().Sleep(item.when.Sub(now))
		}

		current := updated[item.index]
		freshened, resp, err := c.Poll(&current)
		if err != nil {
			return nil, nil, err
		}
		updated[item.index] = *freshened
		attempts[item.index]++

		if freshened.Body.Status != core.StatusValid && freshened.Body.Status != core.StatusInvalid {
			if attempts[item.index] < maxAttempts {
				heap.Push(&pq, &pollItem{
					when:  c.Transport.RetryAfter(resp, mintime),
					index: item.index,
					authzr: current,
				})
			} else {
				exhausted = append(exhausted, authzrs[item.index])
			}
		}
	}

	anyInvalid := false
	for _, a := range updated {
		if a.Body.Status == core.StatusInvalid {
			anyInvalid = true
			break
		}
	}
	if len(exhausted) > 0 || anyInvalid {
		return nil, updated, acmeerrors.NewPoll(exhausted, updated)
	}

	certr, err := c.RequestIssuance(csrDER, updated)
	return certr, updated, err
}

// FetchChain follows the "up" Link relation from certr.ChainHeadURL
// until it runs out or max_length is reached, matching
// Client.fetch_chain. Each element is the DER bytes of one chain
// certificate, ordered from the issuer of the leaf upward.
func (c *Client) FetchChain(certr *core.CertificateResource, maxLength int) ([][]byte, error) {
	var chain [][]byte
	uri := certr.ChainHeadURL
	for uri != "" && len(chain) < maxLength {
		resp, body, err := c.Transport.Get(uri)
		if err != nil {
			return nil, err
		}
		chain = append(chain, body)
		uri = transport.ParseLinks(resp)["up"]
	}
	if uri != "" {
		return nil, acmeerrors.New(acmeerrors.Issuance, "recursion limit reached, didn't get %s", uri)
	}
	return chain, nil
}

// Revoke requests revocation of a DER-encoded certificate, supplementing
// the feature the distillation dropped (ClientBase.revoke).
func (c *Client) Revoke(certDER []byte, reason int) error {
	req := struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{Certificate: core.Base64URLEncode(certDER), Reason: reason}
	resp, _, err := c.post(c.Directory.RevokeCert, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return acmeerrors.New(acmeerrors.Transport, "revocation must return HTTP OK, got %d", resp.StatusCode)
	}
	return nil
}

// RequestDomainChallenges is a convenience wrapper around
// RequestChallenges for a plain domain name, matching
// Client.request_domain_challenges.
func (c *Client) RequestDomainChallenges(domain string) (*core.AuthorizationResource, error) {
	return c.RequestChallenges(core.DNSIdentifier(domain))
}
