// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package acmeclient is the version facade: it fetches a server's
// directory, classifies it as v1 or v2 by the presence of newNonce (the
// same heuristic as BackwardsCompatibleClientV2._acme_version_from_directory),
// and wires up whichever concrete engine applies behind one explicit Go
// interface. Callers that don't care which protocol version a server
// speaks use this package; callers that do can import v1engine or
// v2engine directly.
package acmeclient

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-acme-core/acmeclient/core"
	acmeerrors "github.com/go-acme-core/acmeclient/errors"
	"github.com/go-acme-core/acmeclient/transport"
	"github.com/go-acme-core/acmeclient/v1engine"
	"github.com/go-acme-core/acmeclient/v2engine"
)

// TOSCallback receives a discovered terms-of-service URL; returning an
// error aborts NewAccountAndTOS.
type TOSCallback func(termsOfServiceURL string) error

// Engine is satisfied by both v1engine.Client and v2engine.Client for
// the handful of operations the facade needs to dispatch generically.
// It is an explicit interface, not attribute-forwarding or reflection,
// per the redesign away from the original's __getattr__ trampoline.
type Engine interface {
	Revoke(certDER []byte, reason int) error
}

// Client is the version-transparent facade. Its exported methods give
// the same operations regardless of which protocol version Directory
// advertised, synthesizing an OrderResource view on v1, which has no
// Order object of its own, matching BackwardsCompatibleClientV2.
type Client struct {
	Directory   core.Directory
	ACMEVersion int // 1 or 2
	Transport   *transport.Transport

	v1 *v1engine.Client
	v2 *v2engine.Client
}

// New fetches directoryURL, classifies the server, and returns a ready
// Client. tr must already be constructed (it carries the account key);
// its Transport.Clock() is shared by whichever engine is selected.
func New(directoryURL string, tr *transport.Transport) (*Client, error) {
	_, body, err := tr.Get(directoryURL)
	if err != nil {
		return nil, err
	}
	var dir core.Directory
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, acmeerrors.NewTransport(directoryURL, "", err)
	}

	c := &Client{Directory: dir, Transport: tr}
	if dir.IsV2() {
		c.ACMEVersion = 2
		c.v2 = v2engine.New(dir, tr)
	} else {
		c.ACMEVersion = 1
		c.v1 = v1engine.New(dir, tr)
	}
	return c, nil
}

// NewAccountAndTOS performs v1's register+agree-to-tos pair, or v2's
// single new-account call with TermsOfServiceAgreed set, presenting one
// operation regardless of version. cb, if non-nil, is invoked with the
// discovered terms-of-service URL before it's agreed to; an error from
// cb aborts before agreement. On v2 that is before the account is
// created; on v1 the registration already exists by then, since the
// terms URL is only discovered from the register response.
func (c *Client) NewAccountAndTOS(contact []string, cb TOSCallback) (*core.RegistrationResource, *core.AccountResource, error) {
	switch c.ACMEVersion {
	case 1:
		regr, err := c.v1.Register(contact)
		if err != nil {
			return nil, nil, err
		}
		if regr.TermsOfService == "" {
			return regr, nil, nil
		}
		if cb != nil {
			if err := cb(regr.TermsOfService); err != nil {
				return nil, nil, err
			}
		}
		agreed, err := c.v1.AgreeToTOS(regr)
		return agreed, nil, err
	case 2:
		account := core.Account{Contact: contact}
		if c.Directory.Meta != nil && c.Directory.Meta.TermsOfService != "" {
			if cb != nil {
				if err := cb(c.Directory.Meta.TermsOfService); err != nil {
					return nil, nil, err
				}
			}
			account.TermsOfServiceAgreed = true
		}
		acct, err := c.v2.NewAccount(account)
		return nil, acct, err
	default:
		return nil, nil, fmt.Errorf("acmeclient: unknown ACME version %d", c.ACMEVersion)
	}
}

// NewOrder requests issuance for csr. On v2 this is a real Order
// Resource; on v1 it synthesizes an equivalent OrderResource whose
// Authorizations field is populated via one RequestChallenges call per
// identifier from core.DeriveIdentifiers (the CN plus the SAN DNS
// names), matching BackwardsCompatibleClientV2.new_order's v1 branch.
func (c *Client) NewOrder(csr *x509.CertificateRequest, csrPEM []byte) (*core.OrderResource, error) {
	switch c.ACMEVersion {
	case 1:
		identifiers := core.DeriveIdentifiers(csr)
		authzrs := make([]core.AuthorizationResource, 0, len(identifiers))
		for _, id := range identifiers {
			authzr, err := c.v1.RequestChallenges(id)
			if err != nil {
				return nil, err
			}
			authzrs = append(authzrs, *authzr)
		}
		return &core.OrderResource{CSRPEM: csrPEM, Authorizations: authzrs}, nil
	case 2:
		return c.v2.NewOrder(csr, csrPEM)
	default:
		return nil, fmt.Errorf("acmeclient: unknown ACME version %d", c.ACMEVersion)
	}
}

// FinalizeOrder completes issuance for orderr, whose Authorizations must
// already be valid. On v1 this means requesting issuance then fetching
// the chain (retrying fetch-chain until deadline, since the chain head
// may not be immediately available); on v2 it submits the finalize CSR
// and polls the order to completion.
func (c *Client) FinalizeOrder(orderr *core.OrderResource, deadline time.Time) (*core.OrderResource, error) {
	switch c.ACMEVersion {
	case 1:
		der, err := pemToDER(orderr.CSRPEM)
		if err != nil {
			return nil, err
		}
		certr, err := c.v1.RequestIssuance(der, orderr.Authorizations)
		if err != nil {
			return nil, err
		}
		var chain [][]byte
		fetched := false
		clk := c.Transport.Clock()
		for clk.Now().Before(deadline) {
			chain, err = c.v1.FetchChain(certr, 10)
			if err == nil {
				fetched = true
				break
			}
			clk.Sleep(time.Second)
		}
		if !fetched {
			return nil, acmeerrors.New(acmeerrors.Timeout, "failed to fetch chain before deadline")
		}
		updated := *orderr
		updated.FullChainPEM = derChainToPEM(certr.DER, chain)
		return &updated, nil
	case 2:
		return c.v2.FinalizeOrder(orderr, deadline)
	default:
		return nil, fmt.Errorf("acmeclient: unknown ACME version %d", c.ACMEVersion)
	}
}

// RevokeCertificate revokes certDER for reason, dispatching to whichever
// engine is active. Both engines implement Engine, so this is a direct
// interface call rather than a version switch.
func (c *Client) RevokeCertificate(certDER []byte, reason int) error {
	var engine Engine = c.v1
	if c.ACMEVersion == 2 {
		engine = c.v2
	}
	return engine.Revoke(certDER, reason)
}

