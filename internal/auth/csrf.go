package auth

import (
	"sync"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/random"
)

const (
	// csrfExpiry controls how long a rendered authorize form stays valid.
	csrfExpiry = 10 * time.Minute

	// csrfTokenBytes is the number of random bytes used to generate
	// a CSRF token (hex-encoded to twice this length).
	csrfTokenBytes = 16

	// csrfPruneThreshold is the number of outstanding CSRF tokens above
	// which expired entries are dropped on the next save.
	csrfPruneThreshold = 1000
)

// csrfEntry binds a CSRF token to the request token its form was
// rendered for.
type csrfEntry struct {
	requestToken string
	expiresAt    time.Time
}

// csrfStore holds single-use CSRF tokens for the authorize form.
type csrfStore struct {
	mu      sync.Mutex
	gen     *random.Generator
	entries map[string]csrfEntry
	now     func() time.Time
}

func newCSRFStore(gen *random.Generator) *csrfStore {
	return &csrfStore{
		gen:     gen,
		entries: make(map[string]csrfEntry),
		now:     time.Now,
	}
}

// issue creates a CSRF token bound to requestToken.
func (s *csrfStore) issue(requestToken string) string {
	token := s.gen.Hex(csrfTokenBytes)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) > csrfPruneThreshold {
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
			}
		}
	}

	s.entries[token] = csrfEntry{requestToken: requestToken, expiresAt: now.Add(csrfExpiry)}

	return token
}

// consume deletes token and reports whether it was issued for
// requestToken and has not expired.
func (s *csrfStore) consume(token, requestToken string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return false
	}
	delete(s.entries, token)

	return e.requestToken == requestToken && s.now().Before(e.expiresAt)
}
