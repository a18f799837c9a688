package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupTokenStore(t *testing.T) (*RedisTokenStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisTokenStore(client), mr
}

type fakeSignIn struct {
	tokens []string
	calls  int
}

func (f *fakeSignIn) SignIn(_ context.Context) (string, error) {
	if f.calls >= len(f.tokens) {
		return "", ErrNoCredential
	}
	token := f.tokens[f.calls]
	f.calls++
	return token, nil
}

// backendStub scripts the exchange and generate endpoints.
type backendStub struct {
	t *testing.T

	// exchangeRejects counts how many exchange calls reply 401 before
	// succeeding; rejectTokens holds app tokens generate replies 401 to.
	exchangeRejects int
	rejectTokens    map[string]bool
	issued          int

	exchangeCalls int
	generateCalls int
}

func (s *backendStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/exchange":
			s.exchangeCalls++
			if s.exchangeRejects > 0 {
				s.exchangeRejects--
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail": "invalid identity token"}`))
				return
			}
			s.issued++
			_ = json.NewEncoder(w).Encode(map[string]string{
				"token":     "app-token-" + string(rune('0'+s.issued)),
				"expiresAt": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
		case "/api/generate":
			s.generateCalls++
			token := r.Header.Get("Authorization")
			if s.rejectTokens[token] {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail": "token expired"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "ok", "function_calls": []any{}})
		case "/api/auth/status":
			token := r.Header.Get("Authorization")
			if s.rejectTokens[token] {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail": "token expired"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			s.t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestManager(t *testing.T, stub *backendStub, signIn SignInProvider) (*TokenManager, func()) {
	stub.t = t
	srv := httptest.NewServer(stub.handler())
	store, mr := setupTokenStore(t)
	manager := NewTokenManager(NewClient(srv.URL), store, signIn)
	return manager, func() {
		srv.Close()
		mr.Close()
	}
}

func TestGenerate_ExchangesAndCachesToken(t *testing.T) {
	stub := &backendStub{}
	signIn := &fakeSignIn{tokens: []string{"id-1"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	ctx := context.Background()

	if manager.HasToken(ctx) {
		t.Error("HasToken() = true before any exchange")
	}

	resp, err := manager.Generate(ctx, "m", []Content{UserContent("hi")}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("Result = %q", resp.Result)
	}
	if stub.exchangeCalls != 1 {
		t.Errorf("exchangeCalls = %d, expected 1", stub.exchangeCalls)
	}
	if !manager.HasToken(ctx) {
		t.Error("HasToken() = false after exchange")
	}

	// Second call reuses the cached token.
	if _, err := manager.Generate(ctx, "m", nil, nil); err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if stub.exchangeCalls != 1 {
		t.Errorf("exchangeCalls = %d after reuse, expected 1", stub.exchangeCalls)
	}
}

func TestGenerate_RefreshesOnceOn401(t *testing.T) {
	stub := &backendStub{rejectTokens: map[string]bool{"Bearer app-token-1": true}}
	signIn := &fakeSignIn{tokens: []string{"id-1", "id-2"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	ctx := context.Background()

	resp, err := manager.Generate(ctx, "m", nil, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Result != "ok" {
		t.Errorf("Result = %q", resp.Result)
	}
	if stub.generateCalls != 2 {
		t.Errorf("generateCalls = %d, expected exactly one retry", stub.generateCalls)
	}
	if stub.exchangeCalls != 2 {
		t.Errorf("exchangeCalls = %d, expected a second exchange", stub.exchangeCalls)
	}
}

func TestGenerate_SecondRejectionPropagates(t *testing.T) {
	stub := &backendStub{rejectTokens: map[string]bool{
		"Bearer app-token-1": true,
		"Bearer app-token-2": true,
	}}
	signIn := &fakeSignIn{tokens: []string{"id-1", "id-2"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	_, err := manager.Generate(context.Background(), "m", nil, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("error = %v, expected the second 401 to propagate", err)
	}
	if stub.generateCalls != 2 {
		t.Errorf("generateCalls = %d, must not retry more than once", stub.generateCalls)
	}
}

func TestEnsureToken_ExchangeRejectionRetriesFreshSignIn(t *testing.T) {
	stub := &backendStub{exchangeRejects: 1}
	signIn := &fakeSignIn{tokens: []string{"id-stale", "id-fresh"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	token, err := manager.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("EnsureToken() returned empty token")
	}
	if signIn.calls != 2 {
		t.Errorf("sign-in calls = %d, expected one fresh retry", signIn.calls)
	}
}

func TestEnsureToken_NoTokenCachedOnFailure(t *testing.T) {
	stub := &backendStub{exchangeRejects: 2}
	signIn := &fakeSignIn{tokens: []string{"id-1", "id-2"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	ctx := context.Background()

	_, err := manager.EnsureToken(ctx)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("error = %v, expected ErrAuthFailure", err)
	}
	if manager.HasToken(ctx) {
		t.Error("a token was cached despite exchange failure")
	}
	if stub.exchangeCalls != 2 {
		t.Errorf("exchangeCalls = %d, expected exactly two attempts", stub.exchangeCalls)
	}
}

func TestCheckToken(t *testing.T) {
	stub := &backendStub{}
	signIn := &fakeSignIn{tokens: []string{"id-1"}}
	manager, cleanup := newTestManager(t, stub, signIn)
	defer cleanup()

	ctx := context.Background()

	ok, err := manager.CheckToken(ctx)
	if err != nil || ok {
		t.Errorf("CheckToken() = (%v, %v) with no token, expected (false, nil)", ok, err)
	}

	if _, err := manager.EnsureToken(ctx); err != nil {
		t.Fatalf("EnsureToken() error = %v", err)
	}
	ok, err = manager.CheckToken(ctx)
	if err != nil || !ok {
		t.Errorf("CheckToken() = (%v, %v), expected (true, nil)", ok, err)
	}

	// Reject the issued token: CheckToken reports false and clears it.
	stub.rejectTokens = map[string]bool{"Bearer app-token-1": true}
	ok, err = manager.CheckToken(ctx)
	if err != nil || ok {
		t.Errorf("CheckToken() = (%v, %v) for rejected token, expected (false, nil)", ok, err)
	}
	if manager.HasToken(ctx) {
		t.Error("rejected token was not cleared")
	}
}

func TestTokenStore_ExpiredTokenIsAbsent(t *testing.T) {
	store, mr := setupTokenStore(t)
	defer mr.Close()

	ctx := context.Background()

	if err := store.Save(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	token, err := store.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if token != "" {
		t.Errorf("Get() = %q, expired token must read as absent", token)
	}
}
