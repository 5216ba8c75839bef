package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned by Authenticate for an unknown user or a
// wrong password. The two cases are not distinguished.
var ErrBadCredentials = errors.New("invalid username or password")

// dummyHash is compared against when the username is unknown so that
// Authenticate takes the same time either way.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("oauth1-provider"), bcrypt.MinCost)

// Users is a fixed Directory of usernames and bcrypt password hashes.
type Users struct {
	hashes map[string][]byte
}

var _ Directory = (*Users)(nil)

// NewUsers builds a directory from username -> bcrypt hash. Every hash
// must be a well-formed bcrypt hash.
func NewUsers(hashes map[string]string) (*Users, error) {
	u := &Users{hashes: make(map[string][]byte, len(hashes))}

	for name, hash := range hashes {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: password is not a bcrypt hash: %w", name, err)
		}
		u.hashes[name] = []byte(hash)
	}

	return u, nil
}

// Lookup returns the identity for name.
func (u *Users) Lookup(_ context.Context, name string) (*models.Identity, error) {
	if _, ok := u.hashes[name]; !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrNoSuchUser, name)
	}
	return &models.Identity{Name: name, DisplayName: name}, nil
}

// Authenticate checks a login and returns the identity on success.
func (u *Users) Authenticate(name, password string) (*models.Identity, error) {
	hash, ok := u.hashes[name]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrBadCredentials
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}

	return &models.Identity{Name: name, DisplayName: name}, nil
}

// Names returns the usernames in sorted order.
func (u *Users) Names() []string {
	names := make([]string, 0, len(u.hashes))
	for n := range u.hashes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
