package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/secret"
	"github.com/alexjbarnes/oauth1-provider/internal/token"
	bolt "go.etcd.io/bbolt"
)

// TokenStore is a token.Store backed by the tokens bucket. Each atomic
// operation is a single bolt write transaction. Token secrets and
// verifiers are sealed.
type TokenStore struct {
	db     *bolt.DB
	sealer secret.Sealer
}

var _ token.Store = (*TokenStore)(nil)

type storedToken struct {
	Value          string `json:"value"`
	Secret         string `json:"secret"`
	ConsumerKey    string `json:"consumer_key"`
	AccessToken    bool   `json:"access_token"`
	CallbackURL    string `json:"callback_url,omitempty"`
	CreationTime   int64  `json:"creation_time"`
	TimeToLive     int64  `json:"time_to_live_ms"`
	Verifier       string `json:"verifier,omitempty"`
	AuthorizedUser string `json:"authorized_user,omitempty"`
}

func (s *TokenStore) encode(t models.Token) ([]byte, error) {
	sec, err := s.sealer.Seal(t.Secret)
	if err != nil {
		return nil, fmt.Errorf("sealing token secret: %w", err)
	}

	ver, err := s.sealer.Seal(t.Verifier)
	if err != nil {
		return nil, fmt.Errorf("sealing verifier: %w", err)
	}

	return json.Marshal(storedToken{
		Value:          t.Value,
		Secret:         sec,
		ConsumerKey:    t.ConsumerKey,
		AccessToken:    t.AccessToken,
		CallbackURL:    t.CallbackURL,
		CreationTime:   t.CreationTime,
		TimeToLive:     t.TimeToLive.Milliseconds(),
		Verifier:       ver,
		AuthorizedUser: t.AuthorizedUser,
	})
}

func (s *TokenStore) decode(data []byte) (*models.Token, error) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}

	sec, err := s.sealer.Open(st.Secret)
	if err != nil {
		return nil, fmt.Errorf("opening token secret: %w", err)
	}

	ver, err := s.sealer.Open(st.Verifier)
	if err != nil {
		return nil, fmt.Errorf("opening verifier: %w", err)
	}

	return &models.Token{
		Value:          st.Value,
		Secret:         sec,
		ConsumerKey:    st.ConsumerKey,
		AccessToken:    st.AccessToken,
		CallbackURL:    st.CallbackURL,
		CreationTime:   st.CreationTime,
		TimeToLive:     time.Duration(st.TimeToLive) * time.Millisecond,
		Verifier:       ver,
		AuthorizedUser: st.AuthorizedUser,
	}, nil
}

// unavailable marks a bolt failure as a backing-store fault.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}

// header decodes only the unsealed fields of a stored token.
func header(data []byte) (storedToken, error) {
	var st storedToken
	err := json.Unmarshal(data, &st)
	return st, err
}

func (s *TokenStore) Get(_ context.Context, value string) (*models.Token, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(tokensBucket).Get([]byte(value)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	if data == nil {
		return nil, nil
	}

	return s.decode(data)
}

func (s *TokenStore) Put(_ context.Context, t models.Token) error {
	data, err := s.encode(t)
	if err != nil {
		return err
	}

	return unavailable(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put([]byte(t.Value), data)
	}))
}

func (s *TokenStore) Remove(_ context.Context, value string) (bool, error) {
	existed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)
		if b.Get([]byte(value)) == nil {
			return nil
		}
		existed = true

		return b.Delete([]byte(value))
	})

	return existed, unavailable(err)
}

func (s *TokenStore) ReplaceRequestToken(_ context.Context, t models.Token) (bool, error) {
	data, err := s.encode(t)
	if err != nil {
		return false, err
	}

	replaced := false

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		cur := b.Get([]byte(t.Value))
		if cur == nil {
			return nil
		}

		h, err := header(cur)
		if err != nil {
			return err
		}
		if h.AccessToken {
			return nil
		}

		replaced = true

		return b.Put([]byte(t.Value), data)
	})

	return replaced, unavailable(err)
}

// TakeRequestToken opens the stored verifier inside the write
// transaction so a concurrent re-authorization cannot slip between the
// comparison and the delete.
func (s *TokenStore) TakeRequestToken(_ context.Context, value, verifier string) (*models.Token, error) {
	var (
		taken    *models.Token
		mismatch bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		cur := b.Get([]byte(value))
		if cur == nil {
			return nil
		}

		h, err := header(cur)
		if err != nil {
			return err
		}
		if h.AccessToken {
			return nil
		}

		t, err := s.decode(cur)
		if err != nil {
			return err
		}
		if !token.VerifierMatches(t.Verifier, verifier) {
			mismatch = true
			return nil
		}

		taken = t

		return b.Delete([]byte(value))
	})
	switch {
	case err != nil:
		return nil, unavailable(err)
	case mismatch:
		return nil, apperrors.ErrVerifierMismatch
	}

	return taken, nil
}

// AccessTokensForUser scans the bucket; the token count per deployment
// is small enough that a secondary index is not kept.
func (s *TokenStore) AccessTokensForUser(_ context.Context, user string) ([]models.Token, error) {
	var out []models.Token

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(_, v []byte) error {
			h, err := header(v)
			if err != nil {
				return err
			}
			if !h.AccessToken || h.AuthorizedUser != user {
				return nil
			}

			t, err := s.decode(v)
			if err != nil {
				return err
			}
			out = append(out, *t)

			return nil
		})
	})
	if err != nil {
		return nil, unavailable(err)
	}

	token.SortByCreation(out)

	return out, nil
}

func (s *TokenStore) RemoveExpired(_ context.Context, now time.Time) (int, error) {
	return s.removeWhere(func(h storedToken) bool {
		t := models.Token{CreationTime: h.CreationTime, TimeToLive: time.Duration(h.TimeToLive) * time.Millisecond}
		return t.HasExpired(now)
	})
}

func (s *TokenStore) RemoveByConsumer(_ context.Context, consumerKey string) (int, error) {
	return s.removeWhere(func(h storedToken) bool {
		return h.ConsumerKey == consumerKey
	})
}

// removeWhere deletes every token whose header matches in one write
// transaction. Keys are collected first since a bucket must not be
// modified inside ForEach.
func (s *TokenStore) removeWhere(match func(storedToken) bool) (int, error) {
	n := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			h, err := header(v)
			if err != nil {
				return err
			}
			if match(h) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)

		return nil
	})

	return n, unavailable(err)
}
