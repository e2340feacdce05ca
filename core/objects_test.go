// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"encoding/json"
	"testing"
)

func TestDirectoryDecodeV2(t *testing.T) {
	raw := `{
		"newNonce": "https://example.com/acme/new-nonce",
		"newAccount": "https://example.com/acme/new-account",
		"newOrder": "https://example.com/acme/new-order",
		"meta": {"termsOfService": "https://example.com/tos"}
	}`
	var d Directory
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if !d.IsV2() {
		t.Fatalf("expected IsV2() true, directory had newNonce=%q", d.NewNonce)
	}
	if d.Meta == nil || d.Meta.TermsOfService != "https://example.com/tos" {
		t.Fatalf("meta not decoded: %+v", d.Meta)
	}
}

func TestDirectoryDecodeV1(t *testing.T) {
	raw := `{
		"new-reg": "https://example.com/acme/new-reg",
		"new-authz": "https://example.com/acme/new-authz",
		"new-cert": "https://example.com/acme/new-cert"
	}`
	var d Directory
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if d.IsV2() {
		t.Fatalf("v1 directory misclassified as v2")
	}
	if d.NewReg == "" || d.NewAuthz == "" || d.NewCert == "" {
		t.Fatalf("v1 fields not decoded: %+v", d)
	}
}

func TestProblemDetailsRoundTrip(t *testing.T) {
	pd := ProblemDetails{
		Type:   ErrMalformed,
		Detail: "bad request",
		Status: 400,
		Subproblems: []SubProblemDetail{
			{
				ProblemDetails: ProblemDetails{Type: ErrRateLimited, Detail: "too many", Status: 429},
				Identifier:     DNSIdentifier("example.com"),
			},
		},
	}
	data, err := MarshalCanonical(pd)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	var out ProblemDetails
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if out.Type != pd.Type || out.Detail != pd.Detail || out.Status != pd.Status {
		t.Fatalf("round trip mismatch: %+v != %+v", out, pd)
	}
	if len(out.Subproblems) != 1 || out.Subproblems[0].Identifier != pd.Subproblems[0].Identifier {
		t.Fatalf("subproblem round trip mismatch: %+v", out.Subproblems)
	}
}

func TestChallengePreservesUnknownType(t *testing.T) {
	raw := `{"type": "some-future-01", "status": "pending", "url": "https://example.com/c/1", "token": "tok", "weirdField": 7}`
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if c.Type != "some-future-01" || c.Status != StatusPending {
		t.Fatalf("unexpected decode: %+v", c)
	}
	var roundtrip map[string]interface{}
	if err := json.Unmarshal(c.Raw, &roundtrip); err != nil {
		t.Fatalf("raw not preserved: %s", err)
	}
	if roundtrip["weirdField"] != float64(7) {
		t.Fatalf("unknown field not preserved on Raw: %+v", roundtrip)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	raw := `{
		"status": "pending",
		"identifiers": [{"type": "dns", "value": "example.com"}],
		"authorizations": ["https://example.com/acme/authz/1"],
		"finalize": "https://example.com/acme/order/1/finalize"
	}`
	var o Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if o.Status != StatusPending || len(o.Identifiers) != 1 || o.Identifiers[0].Value != "example.com" {
		t.Fatalf("unexpected decode: %+v", o)
	}
	data, err := MarshalCanonical(o)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	var out Order
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("re-unmarshal: %s", err)
	}
	if out.Status != o.Status || out.Finalize != o.Finalize {
		t.Fatalf("round trip mismatch: %+v != %+v", out, o)
	}
}
