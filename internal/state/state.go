// Package state persists consumers and tokens in a bbolt database.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/oauth1-provider/internal/secret"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// checkPlaintext is sealed into the meta bucket on first unlock so a
	// wrong passphrase is caught at startup rather than on first use.
	checkPlaintext = "oauth1-provider"
)

var (
	metaBucket      = []byte("meta")
	consumersBucket = []byte("consumers")
	tokensBucket    = []byte("tokens")

	saltKey  = []byte("salt")
	checkKey = []byte("check")
)

// ErrPassphrase is returned by Unlock when the passphrase does not match
// the one the database was sealed with, or when a sealed database is
// opened without one.
var ErrPassphrase = errors.New("store passphrase does not match")

// State wraps a bbolt database holding the consumer registry and the
// token store.
type State struct {
	db     *bolt.DB
	sealer secret.Sealer
}

// Load opens the state database at ~/.oauth1-provider/state.db.
func Load() (*State, error) {
	p, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(p)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Secrets are stored unsealed until Unlock is called.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, consumersBucket, tokensBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, sealer: secret.Nop{}}, nil
}

// DefaultPath returns ~/.oauth1-provider/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".oauth1-provider", "state.db"), nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Unlock derives the sealing key from passphrase and the database salt
// (created on first use) and seals every secret written from then on.
// An empty passphrase is accepted only for a database that has never
// been sealed.
func (s *State) Unlock(passphrase string) error {
	var salt, check []byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)

		if v := b.Get(checkKey); v != nil {
			check = append([]byte(nil), v...)
		}

		if v := b.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}

		fresh, err := secret.NewSalt()
		if err != nil {
			return err
		}
		salt = fresh

		return b.Put(saltKey, salt)
	})
	if err != nil {
		return fmt.Errorf("loading salt: %w", err)
	}

	if passphrase == "" {
		if check != nil {
			return fmt.Errorf("%w: database is sealed but no passphrase is set", ErrPassphrase)
		}
		s.sealer = secret.Nop{}
		return nil
	}

	sealer, err := secret.FromPassphrase(passphrase, salt)
	if err != nil {
		return err
	}

	if check != nil {
		plain, err := sealer.Open(string(check))
		if err != nil || plain != checkPlaintext {
			return ErrPassphrase
		}
		s.sealer = sealer
		return nil
	}

	sealed, err := sealer.Seal(checkPlaintext)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(checkKey, []byte(sealed))
	})
	if err != nil {
		return fmt.Errorf("storing passphrase check: %w", err)
	}

	s.sealer = sealer

	return nil
}

// Consumers returns the consumer registry view of the database.
func (s *State) Consumers() *ConsumerStore {
	return &ConsumerStore{db: s.db, sealer: s.sealer}
}

// Tokens returns the token store view of the database.
func (s *State) Tokens() *TokenStore {
	return &TokenStore{db: s.db, sealer: s.sealer}
}
