package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/driftmsg/chatbridge/internal/connection"
)

var testKey = []byte("test-signing-key")

func signedToken(t *testing.T, uid string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		UserID: uid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString(testKey)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

func TestInspect(t *testing.T) {
	raw := signedToken(t, "user-42", time.Hour)

	claims, err := Inspect(raw)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if claims.UserID != "user-42" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-42")
	}
	if claims.ExpiresAt == nil {
		t.Fatal("ExpiresAt is nil")
	}
	if until := time.Until(claims.ExpiresAt.Time); until < 59*time.Minute {
		t.Errorf("expiry too soon: %v", until)
	}
}

func TestInspectInvalid(t *testing.T) {
	if _, err := Inspect("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Inspect() error = %v, want ErrInvalidToken", err)
	}
}

func TestExpiresIn(t *testing.T) {
	raw := signedToken(t, "user-1", 30*time.Minute)

	ttl, ok := ExpiresIn(raw)
	if !ok {
		t.Fatal("ExpiresIn() ok = false")
	}
	if ttl < 29*time.Minute || ttl > 30*time.Minute {
		t.Errorf("ttl = %v, want ~30m", ttl)
	}
}

func TestExpiresInNoExpiry(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "user-1"})
	raw, err := tok.SignedString(testKey)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, ok := ExpiresIn(raw); ok {
		t.Error("ExpiresIn() ok = true for token without expiry")
	}
}

type stubManager struct {
	mu        sync.Mutex
	refreshed []string
	authFn    func(connection.AuthEvent)
}

func (s *stubManager) RefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, token)
}

func (s *stubManager) OnAuth(fn func(connection.AuthEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFn = fn
	return func() {}
}

func (s *stubManager) tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.refreshed))
	copy(out, s.refreshed)
	return out
}

func TestRefresherTrack(t *testing.T) {
	mgr := &stubManager{}
	next := signedToken(t, "user-1", time.Hour)
	source := func(ctx context.Context) (string, error) {
		return next, nil
	}

	r := NewRefresher(RefresherConfig{Lead: 100 * time.Millisecond}, mgr, source, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	// Expires in 150ms with a 100ms lead, so the refresh should fire ~50ms in.
	r.Track(signedToken(t, "user-1", 150*time.Millisecond))

	deadline := time.After(2 * time.Second)
	for {
		if toks := mgr.tokens(); len(toks) > 0 {
			if toks[0] != next {
				t.Errorf("refreshed with %q, want %q", toks[0], next)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for refresh")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRefresherExpiredEvent(t *testing.T) {
	mgr := &stubManager{}
	next := signedToken(t, "user-1", time.Hour)
	source := func(ctx context.Context) (string, error) {
		return next, nil
	}

	r := NewRefresher(DefaultRefresherConfig(), mgr, source, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	mgr.authFn(connection.AuthEvent{Status: connection.AuthExpired})

	deadline := time.After(2 * time.Second)
	for {
		if len(mgr.tokens()) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for refresh after expired event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRefresherStopCancelsRefresh(t *testing.T) {
	mgr := &stubManager{}
	source := func(ctx context.Context) (string, error) {
		return signedToken(t, "user-1", time.Hour), nil
	}

	r := NewRefresher(RefresherConfig{Lead: 10 * time.Millisecond}, mgr, source, nil)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	r.Track(signedToken(t, "user-1", time.Hour))
	r.Stop()

	time.Sleep(50 * time.Millisecond)
	if toks := mgr.tokens(); len(toks) != 0 {
		t.Errorf("refresh fired after Stop: %v", toks)
	}
}
