// Package urlnorm repairs malformed publicUrl values returned by the
// tunnel server.
package urlnorm

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// tldPortPattern matches a TLD immediately followed by digits, e.g.
// ".fit3000" or ".com8080", for the TLDs the server is known to
// concatenate a port onto.
var tldPortPattern = regexp.MustCompile(`\.(com|net|org|io|dev|app|co|fit)\d+`)

// trailingPortPattern matches a trailing ":<digits>" port suffix.
var trailingPortPattern = regexp.MustCompile(`:\d+$`)

// Normalize repairs a publicUrl the server returned for the given
// serverUrl/subdomain pair, following these steps:
//  1. Leave localhost/127.0.0.1 URLs untouched.
//  2. Collapse ".<tld><digits>" to ".<tld>".
//  3. Strip a trailing ":<digits>" port.
//  4. Reconstruct from serverUrl/subdomain if the server's host isn't present.
//  5. Force the scheme to https.
//  6. On any parse failure, return the input unchanged with a warning.
func Normalize(serverURL, subdomain, publicURL string) string {
	if strings.Contains(publicURL, "localhost") || strings.Contains(publicURL, "127.0.0.1") {
		return publicURL
	}

	su, err := url.Parse(serverURL)
	if err != nil {
		log.Warn().Err(err).Str("server_url", serverURL).Msg("urlnorm: failed to parse serverUrl, returning publicUrl unchanged")
		return publicURL
	}

	repaired := tldPortPattern.ReplaceAllString(publicURL, ".$1")
	repaired = trailingPortPattern.ReplaceAllString(repaired, "")

	if su.Host != "" && !strings.Contains(repaired, su.Host) {
		protocol := "http://"
		if strings.HasPrefix(serverURL, "https://") {
			protocol = "https://"
		}
		repaired = protocol + subdomain + su.Host
	}

	pu, err := url.Parse(repaired)
	if err != nil {
		log.Warn().Err(err).Str("public_url", publicURL).Msg("urlnorm: failed to parse repaired publicUrl, returning input unchanged")
		return publicURL
	}
	pu.Scheme = "https"

	return pu.String()
}
