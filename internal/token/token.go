// Package token provides bearer-token sources for the realtime channel and
// the order API client.
//
// A Provider returning "" with a nil error means "not currently
// authenticated". Callers treat that as a reason to wait and retry, not as a
// failure.
package token

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"
)

// Provider returns the current bearer token.
type Provider func(ctx context.Context) (string, error)

// Static always returns tok.
func Static(tok string) Provider {
	tok = strings.TrimSpace(tok)
	return func(context.Context) (string, error) {
		return tok, nil
	}
}

// None is the unauthenticated provider.
func None() Provider {
	return Static("")
}

// Env reads the named environment variable on every call, so a rotated
// token is picked up on the next connection attempt.
func Env(name string) Provider {
	return func(context.Context) (string, error) {
		return strings.TrimSpace(os.Getenv(name)), nil
	}
}

// Cached wraps p so a non-empty token is reused for ttl. Empty tokens and
// errors are never cached. now defaults to time.Now.
func Cached(p Provider, ttl time.Duration, now func() time.Time) Provider {
	if now == nil {
		now = time.Now
	}

	var (
		mu      sync.Mutex
		tok     string
		expires time.Time
	)

	return func(ctx context.Context) (string, error) {
		mu.Lock()
		if tok != "" && now().Before(expires) {
			cached := tok
			mu.Unlock()
			return cached, nil
		}
		mu.Unlock()

		fresh, err := p(ctx)
		if err != nil || fresh == "" {
			return fresh, err
		}

		mu.Lock()
		tok = fresh
		expires = now().Add(ttl)
		mu.Unlock()
		return fresh, nil
	}
}
