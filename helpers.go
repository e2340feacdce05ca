// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package acmeclient

import (
	"bytes"
	"encoding/pem"

	acmeerrors "github.com/go-acme-core/acmeclient/errors"
)

// pemToDER extracts the raw ASN.1 bytes from a PEM-encoded CSR, the form
// OrderResource caches between NewOrder and FinalizeOrder.
func pemToDER(pemBytes []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, acmeerrors.New(acmeerrors.Issuance, "csr_pem does not contain a CERTIFICATE REQUEST block")
	}
	return block.Bytes, nil
}

// derChainToPEM concatenates a leaf certificate's DER bytes with a chain
// of further DER certificates, all PEM-encoded in issuance order — the
// v1 facade's equivalent of v2's server-supplied fullchain text.
func derChainToPEM(leafDER []byte, chainDER [][]byte) string {
	var buf bytes.Buffer
	buf.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}))
	for _, der := range chainDER {
		buf.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	}
	return buf.String()
}
