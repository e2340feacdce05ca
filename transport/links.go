// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package transport

import (
	"net/http"
	"regexp"
	"strings"
)

var linkHeaderPattern = regexp.MustCompile(`<([^>]*)>\s*;\s*rel="?([^;"]*)"?`)

// ParseLinks extracts the rel->url mapping from every Link header on
// resp, mirroring the way the original client surfaces response.links.
// Both "up" (challenge → authorization, certificate → issuer) and
// "terms-of-service" relations are consumed through this one helper.
func ParseLinks(resp *http.Response) map[string]string {
	out := make(map[string]string)
	for _, header := range resp.Header.Values("Link") {
		for _, part := range strings.Split(header, ",") {
			m := linkHeaderPattern.FindStringSubmatch(part)
			if m == nil {
				continue
			}
			out[strings.TrimSpace(m[2])] = strings.TrimSpace(m[1])
		}
	}
	return out
}
