// Package auth provides the bearer tokens remote invocations carry and
// the validator inbound servers check them with.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/orbit/internal/logging"
)

// Authenticator supplies the access token for outbound requests.
type Authenticator interface {
	// CurrentToken returns the cached token, issuing one if none is held.
	CurrentToken(ctx context.Context) (string, error)
	// Refresh discards the cached token and issues a new one.
	Refresh(ctx context.Context, now time.Time) (string, error)
}

// Issuer mints tokens.
type Issuer interface {
	Issue(ctx context.Context, now time.Time) (token string, expiresAt time.Time, err error)
}

// TokenManager caches the token produced by an Issuer. Concurrent
// refreshes collapse into one Issue call.
type TokenManager struct {
	issuer Issuer
	skew   time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group     singleflight.Group
	onRefresh func()
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithExpirySkew makes cached tokens count as expired skew before their
// actual expiry.
func WithExpirySkew(skew time.Duration) TokenManagerOption {
	return func(m *TokenManager) { m.skew = skew }
}

// WithRefreshHook registers fn to run after every successful refresh.
func WithRefreshHook(fn func()) TokenManagerOption {
	return func(m *TokenManager) { m.onRefresh = fn }
}

// NewTokenManager creates a manager around issuer.
func NewTokenManager(issuer Issuer, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		issuer: issuer,
		skew:   30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentToken implements Authenticator.
func (m *TokenManager) CurrentToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, expiresAt := m.token, m.expiresAt
	m.mu.RUnlock()

	now := m.now()
	if token != "" && (expiresAt.IsZero() || now.Add(m.skew).Before(expiresAt)) {
		return token, nil
	}
	return m.Refresh(ctx, now)
}

// Refresh implements Authenticator.
func (m *TokenManager) Refresh(ctx context.Context, now time.Time) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		token, expiresAt, err := m.issuer.Issue(ctx, now)
		if err != nil {
			return "", fmt.Errorf("issue token: %w", err)
		}
		m.mu.Lock()
		m.token, m.expiresAt = token, expiresAt
		m.mu.Unlock()

		logging.Op().Debug("access token refreshed", "expires_at", expiresAt)
		if m.onRefresh != nil {
			m.onRefresh()
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// StaticToken is an Authenticator that always returns the same token.
type StaticToken string

func (s StaticToken) CurrentToken(context.Context) (string, error) { return string(s), nil }

func (s StaticToken) Refresh(context.Context, time.Time) (string, error) { return string(s), nil }
