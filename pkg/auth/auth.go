// Package auth resolves bearer credentials to user records. A credential is
// an HS256 JWT whose subject is the user id; it is only accepted while it is
// also registered in the ephemeral token table, so revocation is immediate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/kv"
)

// ErrInvalidCredential covers every way a credential can fail: bad
// signature, expired, revoked, or referencing an unknown user.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// tokenHash is the ephemeral hash mapping active tokens to user ids.
const tokenHash = "user"

const (
	testUsername = "testuser.internal"
	testEmail    = "SPARK.TESTUSER@internal.temp"
)

// UserStore is the slice of the durable store auth needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*flow.User, error)
	GetUserByUsername(ctx context.Context, username string) (*flow.User, error)
	CreateUser(ctx context.Context, u *flow.User) error
}

type Authenticator struct {
	users  UserStore
	store  kv.Store
	secret []byte

	// testToken, when non-empty, bypasses verification and resolves to the
	// internal test user. Regenerated on every boot.
	testToken string
}

func New(users UserStore, store kv.Store, secret []byte, testMode bool) *Authenticator {
	a := &Authenticator{users: users, store: store, secret: secret}
	if testMode {
		a.testToken = "spark-test-" + uuid.NewString()
		slog.Info("test mode enabled", "token", a.testToken)
	}
	return a
}

// TestToken returns the test-mode bypass token, or "" when test mode is off.
func (a *Authenticator) TestToken() string {
	return a.testToken
}

// IssueToken signs a token for the user and registers it as active.
func (a *Authenticator) IssueToken(ctx context.Context, user *flow.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	if err := a.store.HSet(ctx, tokenHash, token, []byte(user.ID)); err != nil {
		return "", fmt.Errorf("failed to register token: %w", err)
	}
	// Every earlier entry's exp falls before this token's, so expiring the
	// whole table with the newest lifetime only ever drops unusable tokens.
	if err := a.store.Expire(ctx, tokenHash, ttl); err != nil {
		return "", fmt.Errorf("failed to expire token table: %w", err)
	}
	return token, nil
}

// RevokeToken removes the token from the active table. The JWT itself may be
// unexpired, it just stops resolving.
func (a *Authenticator) RevokeToken(ctx context.Context, token string) error {
	return a.store.HDelete(ctx, tokenHash, token)
}

// ResolveToken verifies the credential and loads the user it belongs to.
func (a *Authenticator) ResolveToken(ctx context.Context, token string) (*flow.User, error) {
	if token == "" {
		return nil, ErrInvalidCredential
	}
	if a.testToken != "" && token == a.testToken {
		return a.getOrCreateTestUser(ctx)
	}

	claims := jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidCredential)
	}

	active, err := a.store.HExists(ctx, tokenHash, token)
	if err != nil {
		return nil, fmt.Errorf("failed to check token table: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("%w: token revoked or unknown", ErrInvalidCredential)
	}

	user, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", ErrInvalidCredential)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (a *Authenticator) getOrCreateTestUser(ctx context.Context) (*flow.User, error) {
	user, err := a.users.GetUserByUsername(ctx, testUsername)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, flow.ErrNotFound) {
		return nil, fmt.Errorf("failed to load test user: %w", err)
	}
	user = &flow.User{
		ID:       uuid.NewString(),
		Name:     "Spark Kim",
		Username: testUsername,
		Email:    testEmail,
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create test user: %w", err)
	}
	return user, nil
}
