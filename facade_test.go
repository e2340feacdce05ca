// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acmeclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/go-acme-core/acmeclient/core"
	"github.com/go-acme-core/acmeclient/transport"
)

func testTransport(t *testing.T) *transport.Transport {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}
	key := core.AccountKey{Key: jose.JSONWebKey{Key: priv, Algorithm: string(jose.ES256)}, Algorithm: jose.ES256}
	tr, err := transport.New(key, transport.DefaultConfig(), clock.NewFake(), nil, nil)
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	return tr
}

func withNonce(w http.ResponseWriter) {
	w.Header().Set("Replay-Nonce", core.Base64URLEncode([]byte("n")))
}

func TestNewClassifiesV2Directory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"newNonce":"https://x/new-nonce","newAccount":"https://x/new-account","newOrder":"https://x/new-order"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, testTransport(t))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if c.ACMEVersion != 2 {
		t.Fatalf("expected ACMEVersion 2, got %d", c.ACMEVersion)
	}
}

func TestNewClassifiesV1Directory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"new-reg":"https://x/new-reg","new-authz":"https://x/new-authz","new-cert":"https://x/new-cert"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, testTransport(t))
	if err != nil {
		t.Fatalf("New: %s", err)
	}
	if c.ACMEVersion != 1 {
		t.Fatalf("expected ACMEVersion 1, got %d", c.ACMEVersion)
	}
}

func TestNewAccountAndTOSV1SkipsAgreementWhenNoTerms(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/directory":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"new-reg":"` + srv.URL + `/new-reg"}`))
		case r.URL.Path == "/new-reg":
			w.Header().Set("Location", "https://x/reg/1")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/directory", testTransport(t))
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	called := false
	regr, acct, err := c.NewAccountAndTOS([]string{"mailto:a@example.com"}, func(string) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("NewAccountAndTOS: %s", err)
	}
	if acct != nil {
		t.Fatalf("expected nil account resource on v1 path")
	}
	if regr == nil || regr.URI != "https://x/reg/1" {
		t.Fatalf("unexpected registration resource: %+v", regr)
	}
	if called {
		t.Fatalf("tos callback should not fire when no terms-of-service is offered")
	}
}

func TestNewAccountAndTOSV2AgreesWhenDirectoryHasTerms(t *testing.T) {
	var sawTermsAgreed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withNonce(w)
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/directory":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"newNonce":"` + srv.URL + `","newAccount":"` + srv.URL + `/new-account","newOrder":"` + srv.URL + `/new-order","meta":{"termsOfService":"https://x/terms"}}`))
		case r.URL.Path == "/new-account":
			body, _ := io.ReadAll(r.Body)
			if signed, err := jose.ParseSigned(string(body)); err == nil {
				var acct core.Account
				if json.Unmarshal(signed.UnsafePayloadWithoutVerification(), &acct) == nil {
					sawTermsAgreed = acct.TermsOfServiceAgreed
				}
			}
			w.Header().Set("Location", "https://x/acct/1")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"status":"valid"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/directory", testTransport(t))
	if err != nil {
		t.Fatalf("New: %s", err)
	}

	var gotTerms string
	_, acct, err := c.NewAccountAndTOS([]string{"mailto:a@example.com"}, func(terms string) error {
		gotTerms = terms
		return nil
	})
	if err != nil {
		t.Fatalf("NewAccountAndTOS: %s", err)
	}
	if gotTerms != "https://x/terms" {
		t.Fatalf("expected tos callback to see directory terms, got %q", gotTerms)
	}
	if acct == nil || acct.URI != "https://x/acct/1" {
		t.Fatalf("unexpected account resource: %+v", acct)
	}
	if !sawTermsAgreed {
		t.Fatalf("expected new-account request to carry termsOfServiceAgreed=true")
	}
}
