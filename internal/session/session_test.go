package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/larshag/tellsync/internal/sched"
	"github.com/larshag/tellsync/internal/telldus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, handler http.Handler) (*Manager, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := telldus.NewClient(ts.URL)
	s := sched.New()
	t.Cleanup(s.Stop)
	m := NewManager(client, Credentials{ClientID: "cid", ClientSecret: "sec", RefreshToken: "rt"}, s, discardLogger())
	client.Tokens = m
	return m, ts
}

func TestRenewSetsExpiryMargin(t *testing.T) {
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))

	before := time.Now()
	if err := m.Renew(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}

	m.mu.Lock()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	want := before.Add(3600*time.Second - expiryMargin)
	if expiresAt.Before(want.Add(-2*time.Second)) || expiresAt.After(want.Add(2*time.Second)) {
		t.Errorf("expiresAt = %v, want ~%v", expiresAt, want)
	}
}

func TestTokenRenewsWhenExpired(t *testing.T) {
	var calls atomic.Int32
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	}))

	m.mu.Lock()
	m.accessToken = "stale"
	m.expiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("token = %q, want fresh", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("renewal calls = %d, want 1", calls.Load())
	}
}

func TestTokenValidSkipsRenewal(t *testing.T) {
	var calls atomic.Int32
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"access_token":"fresh","expires_in":3600}`))
	}))

	m.mu.Lock()
	m.accessToken = "current"
	m.expiresAt = time.Now().Add(time.Hour)
	m.mu.Unlock()

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "current" {
		t.Errorf("token = %q, want current", tok)
	}
	if calls.Load() != 0 {
		t.Errorf("renewal calls = %d, want 0", calls.Load())
	}
}

func TestTokenFailsWhenExpiredAndRenewalFails(t *testing.T) {
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))

	_, err := m.Token(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestRenewFailureKeepsOldToken(t *testing.T) {
	m, _ := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	m.mu.Lock()
	m.accessToken = "old"
	m.expiresAt = time.Now().Add(time.Minute)
	m.mu.Unlock()

	if err := m.Renew(context.Background()); err == nil {
		t.Fatal("expected renewal error")
	}
	m.mu.Lock()
	tok := m.accessToken
	m.mu.Unlock()
	if tok != "old" {
		t.Errorf("token = %q, want old left in place", tok)
	}
}

func TestRefreshSessionID(t *testing.T) {
	var sessions []string
	mux := http.NewServeMux()
	mux.HandleFunc("/accessToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/user/authenticateSession", func(w http.ResponseWriter, r *http.Request) {
		sessions = append(sessions, r.URL.Query().Get("session"))
		w.Write([]byte(`{"status":"success"}`))
	})
	m, _ := newTestManager(t, mux)

	id1, err := m.RefreshSessionID(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if id1 == "" || m.SessionID() != id1 {
		t.Fatalf("session id not stored: %q vs %q", id1, m.SessionID())
	}

	id2, err := m.RefreshSessionID(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if id2 == id1 {
		t.Error("session id not regenerated")
	}
	if len(sessions) != 2 || sessions[0] != id1 || sessions[1] != id2 {
		t.Errorf("server saw %v", sessions)
	}
}

func TestEnsureSessionIDIsLazy(t *testing.T) {
	var authCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/accessToken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/user/authenticateSession", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		w.Write([]byte(`{"status":"success"}`))
	})
	m, _ := newTestManager(t, mux)

	id1, err := m.EnsureSessionID(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	id2, err := m.EnsureSessionID(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if id1 != id2 {
		t.Error("ensure regenerated an existing session id")
	}
	if authCalls.Load() != 1 {
		t.Errorf("authenticateSession calls = %d, want 1", authCalls.Load())
	}
}
