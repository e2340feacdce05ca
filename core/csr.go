// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"crypto/x509"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// DeriveIdentifiers computes the set of DNS identifiers a v2 new-order (or
// a v1 facade-synthesized order) should request, from the SANs of a CSR
// plus its Subject Common Name. This mirrors the source's helper for
// extracting names from a CSR, and resolves the open question of whether
// to include the CN when it duplicates a SAN by de-duplicating
// case-insensitively, CN first: the source includes the CN as an
// additional SAN-equivalent identifier via a helper, and de-duplicates
// rather than double-issuing for the same name twice.
func DeriveIdentifiers(csr *x509.CertificateRequest) []Identifier {
	seen := make(map[string]bool)
	var names []string

	if cn := strings.ToLower(strings.TrimSpace(csr.Subject.CommonName)); cn != "" {
		names = append(names, cn)
		seen[cn] = true
	}
	for _, san := range csr.DNSNames {
		name := strings.ToLower(strings.TrimSpace(san))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	identifiers := make([]Identifier, 0, len(names))
	for _, name := range names {
		identifiers = append(identifiers, DNSIdentifier(name))
	}
	return identifiers
}

// ValidDNSIdentifier reports whether value is syntactically a valid DNS
// name for ACME purposes. It defers to miekg/dns's name grammar rather
// than reimplementing RFC 1035 label rules by hand.
func ValidDNSIdentifier(value string) bool {
	if value == "" {
		return false
	}
	name := value
	// dns.IsDomainName rejects a literal leading "*" label; ACME's
	// wildcard identifiers use it, so validate the base name instead.
	name = strings.TrimPrefix(name, "*.")
	_, ok := dns.IsDomainName(name)
	return ok
}

// IsBarePublicSuffix reports whether value is, on its own, an entry in
// the public suffix list (e.g. "co.uk"), which no CA will issue for.
// Rejecting these client-side avoids a guaranteed-to-fail round trip.
// publicsuffix.Parse fails to find a registrable second-level domain
// when the whole name is itself a suffix, which is the signal used here.
func IsBarePublicSuffix(value string) bool {
	dom, err := publicsuffix.Parse(strings.ToLower(value))
	if err != nil {
		return true
	}
	return dom.SLD == ""
}

// SortIdentifiers returns a copy of ids sorted by (type, value), giving a
// stable, comparable ordering; ids itself is left untouched, so the wire
// order returned by DeriveIdentifiers (CN first) is preserved.
func SortIdentifiers(ids []Identifier) []Identifier {
	out := append([]Identifier(nil), ids...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Value < out[j].Value
	})
	return out
}
