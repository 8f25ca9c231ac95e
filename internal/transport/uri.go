// Package transport provides the byte-framed WebSocket channel and the URI
// parser used to build it. Everything in this package treats the network
// as an opaque text-frame pipe; JSON-RPC framing lives one layer up in
// internal/session.
package transport

import (
	"fmt"
	"regexp"
	"strings"
)

// URI is a parsed ws(s)://host[:port]/path[?query] endpoint.
type URI struct {
	Protocol string // "http", "https", "ws", or "wss"
	Domain   string
	Port     string // defaulted: 80 (insecure) or 443 (secure)
	Resource string // defaulted "/"
	Query    string
}

// parseURIPattern matches an optional scheme, a required host, an optional
// :port, an optional /resource, and an optional query string.
var parseURIPattern = regexp.MustCompile(
	`(?i)^(([a-z]{2,5})://)?([^/ :]+)(:(\d+))?(/([^ ?]+)?)?/?\??([^/ ]+=[^/ ]+)?$`,
)

// ParseURI parses a ws(s)://host[:port]/path[?query] string. The scheme
// defaults to "http", the port to 80 (or 443 for https/wss), and the
// resource to "/".
func ParseURI(raw string) (URI, error) {
	match := parseURIPattern.FindStringSubmatch(raw)
	if match == nil || match[3] == "" {
		return URI{}, fmt.Errorf("transport: invalid URI %q", raw)
	}

	valueOr := func(v, deflt string) string {
		if v == "" {
			return deflt
		}
		return v
	}

	protocol := strings.ToLower(valueOr(match[2], "http"))
	secure := protocol == "https" || protocol == "wss"

	defaultPort := "80"
	if secure {
		defaultPort = "443"
	}

	return URI{
		Protocol: protocol,
		Domain:   match[3],
		Port:     valueOr(match[5], defaultPort),
		Resource: valueOr(match[6], "/"),
		Query:    match[8],
	}, nil
}
