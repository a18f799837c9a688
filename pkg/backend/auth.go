package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/pkg/common"
	"github.com/mindfulhome/sessiond/pkg/metrics"
)

// SignInProvider supplies a short-lived identity token for the exchange
// endpoint. SignIn is called again for the one-shot retry after the backend
// rejects a previous credential, so implementations should mint or reload a
// fresh credential on each call where they can.
type SignInProvider interface {
	SignIn(ctx context.Context) (idToken string, err error)
}

// EnvSignInProvider reads the identity token from an environment variable
// on every call, so rotating the variable's source file and restarting is
// enough to recover from a revoked credential.
type EnvSignInProvider struct {
	envVar string
}

// NewEnvSignInProvider creates a provider reading the given variable.
func NewEnvSignInProvider(envVar string) *EnvSignInProvider {
	return &EnvSignInProvider{envVar: envVar}
}

// SignIn returns the current value of the configured variable.
func (p *EnvSignInProvider) SignIn(_ context.Context) (string, error) {
	idToken := common.GetEnv(p.envVar, "")
	if idToken == "" {
		return "", ErrNoCredential
	}
	return idToken, nil
}

// TokenManager owns the app-token lifecycle: silent reuse of a cached
// token, exchange on miss, and exactly one refresh-and-retry when the
// backend rejects a token mid-call.
type TokenManager struct {
	client *Client
	tokens TokenStore
	signIn SignInProvider

	// mu serializes the token lifecycle so concurrent 401s trigger a
	// single exchange instead of a stampede.
	mu sync.Mutex
}

// NewTokenManager creates a token manager.
func NewTokenManager(client *Client, tokens TokenStore, signIn SignInProvider) *TokenManager {
	return &TokenManager{client: client, tokens: tokens, signIn: signIn}
}

// HasToken reports whether a valid token is currently cached.
func (m *TokenManager) HasToken(ctx context.Context) bool {
	token, err := m.tokens.Get(ctx)
	return err == nil && token != ""
}

// EnsureToken returns the cached token or exchanges for a new one.
func (m *TokenManager) EnsureToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureTokenLocked(ctx)
}

func (m *TokenManager) ensureTokenLocked(ctx context.Context) (string, error) {
	token, err := m.tokens.Get(ctx)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}
	return m.exchangeLocked(ctx)
}

// exchangeLocked signs in and exchanges the identity token for an app
// token. A 401 from the exchange endpoint means the identity credential
// itself was rejected; one fresh sign-in is attempted before giving up.
// No token is cached on failure.
func (m *TokenManager) exchangeLocked(ctx context.Context) (string, error) {
	idToken, err := m.signIn.SignIn(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: sign-in failed: %v", ErrAuthFailure, err)
	}

	resp, err := m.client.ExchangeToken(ctx, idToken)
	if IsUnauthorized(err) {
		logrus.Warn("identity credential rejected by exchange, attempting one fresh sign-in")
		idToken, err = m.signIn.SignIn(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: fresh sign-in failed: %v", ErrAuthFailure, err)
		}
		resp, err = m.client.ExchangeToken(ctx, idToken)
	}
	if err != nil {
		return "", fmt.Errorf("%w: token exchange failed: %v", ErrAuthFailure, err)
	}

	expiresAt := ParseExpiresAt(resp.ExpiresAt)
	if err := m.tokens.Save(ctx, resp.Token, expiresAt); err != nil {
		return "", err
	}

	metrics.TokenRefreshesTotal.Inc()
	logrus.Infof("app token exchanged, expires at %s", expiresAt.Format("2006-01-02T15:04:05Z07:00"))
	return resp.Token, nil
}

// Invalidate drops the cached token so the next call re-exchanges.
func (m *TokenManager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.Clear(ctx)
}

// CheckToken verifies the cached token against the backend. A missing or
// rejected token yields false without error; transport failures propagate.
func (m *TokenManager) CheckToken(ctx context.Context) (bool, error) {
	token, err := m.tokens.Get(ctx)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	err = m.client.CheckAuthStatus(ctx, token)
	if IsUnauthorized(err) {
		if clearErr := m.tokens.Clear(ctx); clearErr != nil {
			logrus.Errorf("failed to clear rejected token: %v", clearErr)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Generate runs a negotiation turn with automatic token handling: on a 401
// the cached token is cleared, a fresh one is exchanged, and the call is
// retried exactly once. A second 401 propagates to the caller.
func (m *TokenManager) Generate(ctx context.Context, model string, contents []Content, tools []map[string]any) (*GenerateResponse, error) {
	token, err := m.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Generate(ctx, token, model, contents, tools)
	if !IsUnauthorized(err) {
		return resp, err
	}

	logrus.Warn("backend rejected app token, refreshing and retrying once")

	m.mu.Lock()
	if clearErr := m.tokens.Clear(ctx); clearErr != nil {
		m.mu.Unlock()
		return nil, clearErr
	}
	token, err = m.ensureTokenLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return m.client.Generate(ctx, token, model, contents, tools)
}
