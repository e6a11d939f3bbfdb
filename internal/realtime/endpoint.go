package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultTokenParam is the query parameter carrying the bearer token.
const DefaultTokenParam = "token"

// ResolveEndpoint turns base into a websocket URL and attaches tok.
//
// https becomes wss and http becomes ws; ws and wss pass through. Any other
// scheme is an error. An empty tok leaves the query untouched; an empty
// param means DefaultTokenParam.
func ResolveEndpoint(base, tok, param string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", base)
	}

	if tok != "" {
		if param == "" {
			param = DefaultTokenParam
		}
		q := u.Query()
		q.Set(param, tok)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// redact hides the token in endpoint for logs and errors.
func redact(endpoint, param string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid endpoint>"
	}
	if param == "" {
		param = DefaultTokenParam
	}
	q := u.Query()
	if q.Has(param) {
		q.Set(param, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
