// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package v1engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/go-acme-core/acmeclient/core"
	acmeerrors "github.com/go-acme-core/acmeclient/errors"
	"github.com/go-acme-core/acmeclient/transport"
)

func testTransport(t *testing.T, clk clock.Clock) *transport.Transport {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}
	key := core.AccountKey{Key: jose.JSONWebKey{Key: priv, Algorithm: string(jose.ES256)}, Algorithm: jose.ES256}
	tr, err := transport.New(key, transport.DefaultConfig(), clk, nil, nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return tr
}

func withNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", core.Base64URLEncode([]byte("n")))
}

func TestRegisterReturnsTermsOfServiceFromLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Link", `<https://example.com/terms>; rel="terms-of-service"`)
		w.Header().Set("Location", "https://example.com/acme/reg/1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"contact":["mailto:a@example.com"]}`))
	}))
	defer srv.Close()

	tr := testTransport(t, clock.NewFake())
	c := New(core.Directory{NewReg: srv.URL}, tr)

	regr, err := c.Register([]string{"mailto:a@example.com"})
	if err != nil {
		t.Fatalf("Register: %s", err)
	}
	if regr.URI != "https://example.com/acme/reg/1" {
		t.Fatalf("unexpected uri: %q", regr.URI)
	}
	if regr.TermsOfService != "https://example.com/terms" {
		t.Fatalf("expected terms-of-service link, got %q", regr.TermsOfService)
	}
}

func TestUpdateRegistrationFallsBackWhenLocationMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Per acme-spec #94, Boulder omits Location/Link on update.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"contact":["mailto:b@example.com"],"agreement":"https://example.com/terms"}`))
	}))
	defer srv.Close()

	tr := testTransport(t, clock.NewFake())
	c := New(core.Directory{}, tr)

	prior := &core.RegistrationResource{
		URI:            srv.URL,
		TermsOfService: "https://example.com/terms",
	}
	updated, err := c.UpdateRegistration(prior, core.Registration{Contact: []string{"mailto:b@example.com"}})
	if err != nil {
		t.Fatalf("UpdateRegistration: %s", err)
	}
	if updated.URI != prior.URI {
		t.Fatalf("expected fallback to prior URI, got %q", updated.URI)
	}
	if updated.TermsOfService != prior.TermsOfService {
		t.Fatalf("expected fallback to prior terms-of-service, got %q", updated.TermsOfService)
	}
}

func TestAnswerChallengeRequiresUpLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf(`{"type":"http-01","uri":"%s","status":"pending","token":"tok"}`, r.URL.String())))
	}))
	defer srv.Close()

	tr := testTransport(t, clock.NewFake())
	c := New(core.Directory{}, tr)

	challenge := core.Challenge{Type: "http-01", URI: srv.URL, Token: "tok"}
	_, err := c.AnswerChallenge(challenge, struct {
		KeyAuthorization string `json:"keyAuthorization"`
	}{KeyAuthorization: "tok.thumb"})
	if !acmeerrors.Is(err, acmeerrors.UnexpectedUpdate) {
		t.Fatalf("expected UnexpectedUpdate for missing up link, got %v", err)
	}
}

func TestPollAndRequestIssuanceSucceedsAfterPending(t *testing.T) {
	fc := clock.NewFake()
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/authz/1":
			polls++
			status := "pending"
			if polls > 1 {
				status = "valid"
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(fmt.Sprintf(`{"identifier":{"type":"dns","value":"example.com"},"status":"%s"}`, status)))
		case r.URL.Path == "/new-cert":
			w.Header().Set("Location", "https://example.com/acme/cert/1")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("fake-der"))
		}
	}))
	defer srv.Close()

	tr := testTransport(t, fc)
	c := New(core.Directory{NewCert: srv.URL + "/new-cert"}, tr)

	authzrs := []core.AuthorizationResource{
		{
			Body: core.Authorization{Identifier: core.DNSIdentifier("example.com"), Status: core.StatusPending},
			URI:  srv.URL + "/authz/1",
		},
	}

	certr, updated, err := c.PollAndRequestIssuance([]byte("csr-der"), authzrs, 1, 5)
	if err != nil {
		t.Fatalf("PollAndRequestIssuance: %s", err)
	}
	if polls < 2 {
		t.Fatalf("expected at least 2 polls before valid, got %d", polls)
	}
	if updated[0].Body.Status != core.StatusValid {
		t.Fatalf("expected final authz status valid, got %s", updated[0].Body.Status)
	}
	if certr.URI != "https://example.com/acme/cert/1" {
		t.Fatalf("unexpected cert uri: %q", certr.URI)
	}
}

// TestPollAndRequestIssuanceBreaksTiesByInputOrder pins down the fairness
// guarantee from poll_and_request_issuance's (datetime, index, authzr)
// heap entries: when several authorizations share the same Retry-After
// deadline, they must still be repolled in their original input order.
func TestPollAndRequestIssuanceBreaksTiesByInputOrder(t *testing.T) {
	fc := clock.NewFake()
	const n = 4
	polls := make([]int, n)
	var order []int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/new-cert":
			w.Header().Set("Location", "https://example.com/acme/cert/1")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("fake-der"))
		default:
			var idx int
			fmt.Sscanf(r.URL.Path, "/authz/%d", &idx)

			mu.Lock()
			polls[idx]++
			order = append(order, idx)
			status := "pending"
			if polls[idx] > 1 {
				status = "valid"
			}
			mu.Unlock()

			w.WriteHeader(http.StatusOK)
			w.Write([]byte(fmt.Sprintf(`{"identifier":{"type":"dns","value":"example.com"},"status":"%s"}`, status)))
		}
	}))
	defer srv.Close()

	tr := testTransport(t, fc)
	c := New(core.Directory{NewCert: srv.URL + "/new-cert"}, tr)

	authzrs := make([]core.AuthorizationResource, n)
	for i := range authzrs {
		authzrs[i] = core.AuthorizationResource{
			Body: core.Authorization{Identifier: core.DNSIdentifier("example.com"), Status: core.StatusPending},
			URI:  fmt.Sprintf("%s/authz/%d", srv.URL, i),
		}
	}

	_, _, err := c.PollAndRequestIssuance([]byte("csr-der"), authzrs, 1, 5)
	if err != nil {
		t.Fatalf("PollAndRequestIssuance: %s", err)
	}

	want := []int{0, 1, 2, 3, 0, 1, 2, 3}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d polls, got %d: %v", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected stable input-order polling on tied Retry-After deadlines, got %v", order)
		}
	}
}

func TestFetchChainRespectsMaxLength(t *testing.T) {
	var hops int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		hops++
		w.Header().Set("Link", fmt.Sprintf(`<%s/chain/%d>; rel="up"`, "http://"+r.Host, hops+1))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("der-bytes"))
	}))
	defer srv.Close()

	tr := testTransport(t, clock.NewFake())
	c := New(core.Directory{}, tr)

	certr := &core.CertificateResource{ChainHeadURL: srv.URL + "/chain/1"}
	_, err := c.FetchChain(certr, 3)
	if !acmeerrors.Is(err, acmeerrors.Issuance) {
		t.Fatalf("expected Issuance error (recursion limit), got %v", err)
	}
}
