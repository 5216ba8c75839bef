package token

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

// MemoryStore holds tokens in a map guarded by a single mutex. State is
// lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]models.Token // value -> token
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]models.Token)}
}

func (s *MemoryStore) Get(_ context.Context, value string) (*models.Token, error) {
	s.mu.RLock()
	t, ok := s.tokens[value]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	return &t, nil
}

func (s *MemoryStore) Put(_ context.Context, t models.Token) error {
	s.mu.Lock()
	s.tokens[t.Value] = t
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Remove(_ context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[value]; !ok {
		return false, nil
	}
	delete(s.tokens, value)

	return true, nil
}

func (s *MemoryStore) ReplaceRequestToken(_ context.Context, t models.Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tokens[t.Value]
	if !ok || cur.AccessToken {
		return false, nil
	}
	s.tokens[t.Value] = t

	return true, nil
}

func (s *MemoryStore) TakeRequestToken(_ context.Context, value, verifier string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[value]
	if !ok || t.AccessToken {
		return nil, nil
	}
	if !VerifierMatches(t.Verifier, verifier) {
		return nil, apperrors.ErrVerifierMismatch
	}
	delete(s.tokens, value)

	return &t, nil
}

// AccessTokensForUser returns the user's access tokens, oldest first.
func (s *MemoryStore) AccessTokensForUser(_ context.Context, user string) ([]models.Token, error) {
	s.mu.RLock()
	var out []models.Token
	for _, t := range s.tokens {
		if t.AccessToken && t.AuthorizedUser == user {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	SortByCreation(out)

	return out, nil
}

func (s *MemoryStore) RemoveExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for v, t := range s.tokens {
		if t.HasExpired(now) {
			delete(s.tokens, v)
			n++
		}
	}

	return n, nil
}

func (s *MemoryStore) RemoveByConsumer(_ context.Context, consumerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for v, t := range s.tokens {
		if t.ConsumerKey == consumerKey {
			delete(s.tokens, v)
			n++
		}
	}

	return n, nil
}

// SortByCreation orders tokens oldest first, breaking ties by value.
func SortByCreation(tokens []models.Token) {
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].CreationTime != tokens[j].CreationTime {
			return tokens[i].CreationTime < tokens[j].CreationTime
		}
		return tokens[i].Value < tokens[j].Value
	})
}
