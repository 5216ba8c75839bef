package identity

import (
	"context"
	"testing"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestStatic(t *testing.T) {
	assert.True(t, Static(true).Enabled())
	assert.False(t, Static(false).Enabled())
}

func TestIsAnonymous(t *testing.T) {
	tests := []struct {
		name   string
		caller Caller
		want   bool
	}{
		{"nil", nil, true},
		{"anonymous", Anonymous, true},
		{"named anonymous", NewUser(models.Identity{Name: "Anonymous"}), true},
		{"empty name", NewUser(models.Identity{}), true},
		{"alice", NewUser(models.Identity{Name: "alice"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAnonymous(tt.caller))
		})
	}
}

func TestUser_CurrentUserIsCopy(t *testing.T) {
	u := NewUser(models.Identity{Name: "alice"})
	id := u.CurrentUser()
	id.Name = "mallory"
	assert.Equal(t, "alice", u.CurrentUser().Name)
}

func TestNewUsers_RejectsPlainPassword(t *testing.T) {
	_, err := NewUsers(map[string]string{"alice": "hunter2"})
	assert.Error(t, err)
}

func TestUsers_Lookup(t *testing.T) {
	u, err := NewUsers(map[string]string{"alice": hash(t, "pw")})
	require.NoError(t, err)

	id, err := u.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)

	_, err = u.Lookup(context.Background(), "bob")
	assert.ErrorIs(t, err, apperrors.ErrNoSuchUser)
}

func TestUsers_Authenticate(t *testing.T) {
	u, err := NewUsers(map[string]string{"alice": hash(t, "correct horse")})
	require.NoError(t, err)

	id, err := u.Authenticate("alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Name)

	_, err = u.Authenticate("alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = u.Authenticate("bob", "correct horse")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestUsers_Names(t *testing.T) {
	u, err := NewUsers(map[string]string{"carol": hash(t, "a"), "alice": hash(t, "b")})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, u.Names())
}
