// Package identity is the boundary to the host's notion of users: whether
// security is switched on, who is making a request and which usernames
// exist.
package identity

import (
	"context"
	"strings"

	"github.com/alexjbarnes/oauth1-provider/internal/models"
)

// AnonymousName is the principal name the host gives unauthenticated
// callers. It can never authorize a token.
const AnonymousName = "anonymous"

// SecurityChecker reports whether authentication is enforced at all.
type SecurityChecker interface {
	Enabled() bool
}

// Static is a SecurityChecker fixed at startup.
type Static bool

func (s Static) Enabled() bool { return bool(s) }

// Caller is the principal behind the current action.
type Caller interface {
	IsAuthenticated() bool
	CurrentUser() *models.Identity
}

// User is a Caller that has logged in.
type User struct {
	models.Identity
}

// NewUser returns an authenticated Caller for id.
func NewUser(id models.Identity) *User {
	return &User{Identity: id}
}

func (u *User) IsAuthenticated() bool { return true }

func (u *User) CurrentUser() *models.Identity {
	id := u.Identity
	return &id
}

type anonymous struct{}

// Anonymous is the Caller for requests that carry no login.
var Anonymous Caller = anonymous{}

func (anonymous) IsAuthenticated() bool { return false }

func (anonymous) CurrentUser() *models.Identity {
	return &models.Identity{Name: AnonymousName}
}

// IsAnonymous reports whether c cannot act as a named user: nil, not
// authenticated, or the anonymous principal under any casing.
func IsAnonymous(c Caller) bool {
	if c == nil || !c.IsAuthenticated() {
		return true
	}
	u := c.CurrentUser()
	return u == nil || u.Name == "" || strings.EqualFold(u.Name, AnonymousName)
}

// Directory resolves usernames to identities. Lookup returns
// errors.ErrNoSuchUser when name is unknown.
type Directory interface {
	Lookup(ctx context.Context, name string) (*models.Identity, error)
}
