// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package v2engine implements the RFC 8555 state machine: account
// creation, order-scoped authorizations, a one-second polling cadence,
// and finalize-then-download issuance. It is the direct translation of
// the original ClientV2 class.
package v2engine

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"time"

	"github.com/go-acme-core/acmeclient/core"
	acmeerrors "github.com/go-acme-core/acmeclient/errors"
	"github.com/go-acme-core/acmeclient/transport"
)

// Client is the v2 protocol engine.
type Client struct {
	Directory core.Directory
	Transport *transport.Transport
}

// New constructs a v2 Client against an already-fetched Directory.
func New(directory core.Directory, tr *transport.Transport) *Client {
	return &Client{Directory: directory, Transport: tr}
}

func (c *Client) post(url string, payload interface{}, embedJWK bool) (*http.Response, []byte, error) {
	var body []byte
	var err error
	if payload == nil {
		body = []byte{}
	} else {
		body, err = core.MarshalCanonical(payload)
		if err != nil {
			return nil, nil, acmeerrors.NewTransport(url, "", err)
		}
	}
	return c.Transport.Post(url, body, transport.PostOptions{AcmeVersion: 2, EmbedJWKOverride: embedJWK})
}

// NewAccount registers (or, with OnlyReturnExisting, looks up) an
// account, matching ClientV2.new_account. On success the Transport's
// KeyID is set to the assigned account URI so every subsequent signed
// request on this Client uses "kid" instead of an embedded JWK.
func (c *Client) NewAccount(account core.Account) (*core.AccountResource, error) {
	resp, body, err := c.post(c.Directory.NewAccount, account, true)
	if err != nil {
		return nil, err
	}
	var decoded core.Account
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, acmeerrors.NewTransport(c.Directory.NewAccount, "", err)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		return nil, acmeerrors.New(acmeerrors.UnexpectedUpdate, `"Location" header missing from new-account response`)
	}
	c.Transport.KeyID = uri
	return &core.AccountResource{Body: decoded, URI: uri}, nil
}

// UpdateAccount POSTs an updated Account body to accountURI, matching
// ClientBase.update_registration's v2 analog.
func (c *Client) UpdateAccount(acct *core.AccountResource, update core.Account) (*core.AccountResource, error) {
	resp, body, err := c.post(acct.URI, update, false)
	if err != nil {
		return nil, err
	}
	var decoded core.Account
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, acmeerrors.NewTransport(acct.URI, "", err)
	}
	uri := resp.Header.Get("Location")
	if uri == "" {
		uri = acct.URI
	}
	return &core.AccountResource{Body: decoded, URI: uri}, nil
}

// QueryRegistration re-fetches account state by POSTing an empty Account
// update (the JSON body "{}") to acct's URI, matching
// ClientBase.query_registration's v2 analog (supplemented feature).
func (c *Client) QueryRegistration(acct *core.AccountResource) (*core.AccountResource, error) {
	return c.UpdateAccount(acct, core.Account{})
}

// DeactivateRegistration marks acct deactivated (supplemented feature).
func (c *Client) DeactivateRegistration(acct *core.AccountResource) (*core.AccountResource, error) {
	return c.UpdateAccount(acct, core.Account{Status: core.StatusDeactivated})
}

// NewOrder derives identifiers from csr and requests a new Order,
// materializing its authorizations, matching ClientV2.new_order.
func (c *Client) NewOrder(csr *x509.CertificateRequest, csrPEM []byte) (*core.OrderResource, error) {
	identifiers := core.DeriveIdentifiers(csr)
	if len(identifiers) == 0 {
		return nil, acmeerrors.New(acmeerrors.Issuance, "csr carries no usable identifiers")
	}
	for _, id := range identifiers {
		if id.Type == core.IdentifierDNS {
			if core.IsBarePublicSuffix(id.Value) {
				return nil, acmeerrors.New(acmeerrors.Validation, "identifier %s is a bare public suffix", id.Value)
			}
			if !core.ValidDNSIdentifier(id.Value) {
				return nil, acmeerrors.New(acmeerrors.Validation, "identifier %s is not a syntactically valid DNS name", id.Value)
			}
		}
	}

	newOrder := core.Order{Identifiers: identifiers}
	resp, body, err := c.post(c.Directory.NewOrder, newOrder, false)
	if err != nil {
		return nil, err
	}
	var order core.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, acmeerrors.NewTransport(c.Directory.NewOrder, "", err)
	}

	authzs := make([]core.AuthorizationResource, 0, len(order.Authorizations))
	for _, url := range order.Authorizations {
		_, authzBody, err := c.Transport.Get(url)
		if err != nil {
			return nil, err
		}
		var authz core.Authorization
		if err := json.Unmarshal(authzBody, &authz); err != nil {
			return nil, acmeerrors.NewTransport(url, "", err)
		}
		authzs = append(authzs, core.AuthorizationResource{Body: authz, URI: url})
	}

	return &core.OrderResource{
		Body:           order,
		URI:            resp.Header.Get("Location"),
		CSRPEM:         csrPEM,
		Authorizations: authzs,
	}, nil
}

// PollAuthorizations polls every authorization on orderr once per second
// (via the injected clock) until each reaches a terminal state or
// deadline passes, matching ClientV2.poll_authorizations.
func (c *Client) PollAuthorizations(orderr *core.OrderResource, deadline time.Time) (*core.OrderResource, error) {
	clk := c.Transport.Clock()
	responses := make([]core.AuthorizationResource, 0, len(orderr.Body.Authorizations))

	for _, url := range orderr.Body.Authorizations {
		for clk.Now().Before(deadline) {
			_, body, err := c.Transport.Get(url)
			if err != nil {
				return nil, err
			}
			var authz core.Authorization
			if err := json.Unmarshal(body, &authz); err != nil {
				return nil, acmeerrors.NewTransport(url, "", err)
			}
			if authz.Status != core.StatusPending {
				responses = append(responses, core.AuthorizationResource{Body: authz, URI: url})
				break
			}
			clk.Sleep(time.Second)
		}
	}

	if len(responses) < len(orderr.Body.Authorizations) {
		return nil, acmeerrors.NewTimeout("deadline exceeded while polling authorizations")
	}

	var failed []core.AuthorizationResource
	for _, authz := range responses {
		if authz.Body.Status != core.StatusValid {
			for _, chall := range authz.Body.Challenges {
				if chall.Error != nil {
					failed = append(failed, authz)
					break
				}
			}
		}
	}
	if len(failed) > 0 {
		return nil, acmeerrors.NewValidation(failed)
	}

	updated := *orderr
	updated.Authorizations = responses
	return &updated, nil
}

// FinalizeOrder submits orderr's CSR to its finalize URL, then polls the
// order itself once per second until a certificate or error appears or
// deadline passes, matching ClientV2.finalize_order.
func (c *Client) FinalizeOrder(orderr *core.OrderResource, deadline time.Time) (*core.OrderResource, error) {
	der, err := pemCSRToDER(orderr.CSRPEM)
	if err != nil {
		return nil, acmeerrors.NewTransport(orderr.Body.Finalize, "", err)
	}
	req := struct {
		CSR string `json:"csr"`
	}{CSR: core.Base64URLEncode(der)}
	if _, _, err := c.post(orderr.Body.Finalize, req, false); err != nil {
		return nil, err
	}

	clk := c.Transport.Clock()
	for clk.Now().Before(deadline) {
		clk.Sleep(time.Second)
		_, body, err := c.Transport.Get(orderr.URI)
		if err != nil {
			return nil, err
		}
		var order core.Order
		if err := json.Unmarshal(body, &order); err != nil {
			return nil, acmeerrors.NewTransport(orderr.URI, "", err)
		}
		if order.Error != nil {
			return nil, acmeerrors.NewIssuance(order.Error)
		}
		if order.Certificate != "" {
			_, chain, err := c.Transport.Get(order.Certificate)
			if err != nil {
				return nil, err
			}
			updated := *orderr
			updated.Body = order
			updated.FullChainPEM = string(chain)
			return &updated, nil
		}
	}
	return nil, acmeerrors.NewTimeout("deadline exceeded while finalizing order")
}

// PollAndFinalize is the combined convenience call matching
// ClientV2.poll_and_finalize, defaulting to a 90-second deadline when
// none is given — the same default the original uses.
func (c *Client) PollAndFinalize(orderr *core.OrderResource, deadline *time.Time) (*core.OrderResource, error) {
	dl := c.Transport.Clock().Now().Add(90 * time.Second)
	if deadline != nil {
		dl = *deadline
	}
	polled, err := c.PollAuthorizations(orderr, dl)
	if err != nil {
		return nil, err
	}
	return c.FinalizeOrder(polled, dl)
}

// Revoke requests revocation of a DER-encoded certificate, supplementing
// the feature the distillation dropped (ClientBase.revoke).
func (c *Client) Revoke(certDER []byte, reason int) error {
	req := struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}{Certificate: core.Base64URLEncode(certDER), Reason: reason}
	resp, _, err := c.post(c.Directory.RevokeCertV2, req, false)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return acmeerrors.New(acmeerrors.Transport, "revocation must return HTTP OK, got %d", resp.StatusCode)
	}
	return nil
}

// pemCSRToDER extracts the raw ASN.1 bytes from a PEM-encoded CSR, the
// form OrderResource caches across the gap between NewOrder and
// FinalizeOrder.
func pemCSRToDER(pemBytes []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, acmeerrors.New(acmeerrors.Issuance, "csr_pem does not contain a CERTIFICATE REQUEST block")
	}
	return block.Bytes, nil
}
