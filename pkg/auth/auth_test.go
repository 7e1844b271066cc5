package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/kv"
)

type stubUsers struct {
	byID map[string]*flow.User
}

func newStubUsers(users ...*flow.User) *stubUsers {
	s := &stubUsers{byID: map[string]*flow.User{}}
	for _, u := range users {
		s.byID[u.ID] = u
	}
	return s
}

func (s *stubUsers) GetUser(_ context.Context, id string) (*flow.User, error) {
	u, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, flow.ErrNotFound)
	}
	return u, nil
}

func (s *stubUsers) GetUserByUsername(_ context.Context, username string) (*flow.User, error) {
	for _, u := range s.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", username, flow.ErrNotFound)
}

func (s *stubUsers) CreateUser(_ context.Context, u *flow.User) error {
	s.byID[u.ID] = u
	return nil
}

var ada = &flow.User{ID: "ua", Name: "Ada", Username: "ada", Email: "ada@example.com"}

func TestIssueAndResolve(t *testing.T) {
	a := New(newStubUsers(ada), kv.NewMemory(), []byte("secret"), false)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, ada, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	user, err := a.ResolveToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, ada, user)
}

func TestResolveRejectsGarbage(t *testing.T) {
	a := New(newStubUsers(ada), kv.NewMemory(), []byte("secret"), false)
	ctx := context.Background()

	_, err := a.ResolveToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = a.ResolveToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveRejectsExpired(t *testing.T) {
	a := New(newStubUsers(ada), kv.NewMemory(), []byte("secret"), false)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, ada, -time.Hour)
	require.NoError(t, err)

	_, err = a.ResolveToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveRejectsWrongSecret(t *testing.T) {
	store := kv.NewMemory()
	issuer := New(newStubUsers(ada), store, []byte("other-secret"), false)
	verifier := New(newStubUsers(ada), store, []byte("secret"), false)
	ctx := context.Background()

	token, err := issuer.IssueToken(ctx, ada, time.Hour)
	require.NoError(t, err)

	_, err = verifier.ResolveToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRevokedTokenStopsResolving(t *testing.T) {
	a := New(newStubUsers(ada), kv.NewMemory(), []byte("secret"), false)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, ada, time.Hour)
	require.NoError(t, err)
	require.NoError(t, a.RevokeToken(ctx, token))

	_, err = a.ResolveToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveRejectsUnknownUser(t *testing.T) {
	users := newStubUsers(ada)
	a := New(users, kv.NewMemory(), []byte("secret"), false)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, ada, time.Hour)
	require.NoError(t, err)
	delete(users.byID, "ua")

	_, err = a.ResolveToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestTestModeToken(t *testing.T) {
	users := newStubUsers()
	a := New(users, kv.NewMemory(), []byte("secret"), true)
	ctx := context.Background()

	require.NotEmpty(t, a.TestToken())

	first, err := a.ResolveToken(ctx, a.TestToken())
	require.NoError(t, err)
	assert.Equal(t, testUsername, first.Username)

	// resolving twice reuses the stored user
	second, err := a.ResolveToken(ctx, a.TestToken())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, users.byID, 1)
}

func TestTestModeOffHasNoToken(t *testing.T) {
	a := New(newStubUsers(), kv.NewMemory(), []byte("secret"), false)
	assert.Empty(t, a.TestToken())
}

func TestTokenTableExpiresWithNewestToken(t *testing.T) {
	store := kv.NewMemory()
	a := New(newStubUsers(ada), store, []byte("secret"), false)
	ctx := context.Background()

	short, err := a.IssueToken(ctx, ada, 50*time.Millisecond)
	require.NoError(t, err)
	active, err := store.HExists(ctx, "user", short)
	require.NoError(t, err)
	require.True(t, active)

	// a later issuance extends the table to the newest lifetime, keeping the
	// older entry around only while its own exp could still matter
	long, err := a.IssueToken(ctx, ada, time.Hour)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	active, err = store.HExists(ctx, "user", long)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTokenTableDropsWhenAllTokensExpired(t *testing.T) {
	store := kv.NewMemory()
	a := New(newStubUsers(ada), store, []byte("secret"), false)
	ctx := context.Background()

	token, err := a.IssueToken(ctx, ada, 50*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		active, err := store.HExists(ctx, "user", token)
		return err == nil && !active
	}, 2*time.Second, 10*time.Millisecond)
}
