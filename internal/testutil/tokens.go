package testutil

import (
	"context"
	"sync"
)

// TokenSequence hands out scripted tokens, one per call. After the script
// runs out the last token repeats; an empty script always yields "".
//
// Thread-safety: TokenSequence is safe for concurrent use.
type TokenSequence struct {
	mu     sync.Mutex
	tokens []string
	next   int
	calls  int
}

// NewTokenSequence creates a provider returning tokens in order.
func NewTokenSequence(tokens ...string) *TokenSequence {
	return &TokenSequence{tokens: tokens}
}

// Token returns the next scripted token. Its signature matches
// token.Provider so it can be passed as a method value.
func (s *TokenSequence) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.tokens) == 0 {
		return "", nil
	}
	tok := s.tokens[s.next]
	if s.next < len(s.tokens)-1 {
		s.next++
	}
	return tok, nil
}

// Calls returns how many times Token has been called.
func (s *TokenSequence) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
