package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whisperlink/backend/internal/transport"
)

const testKey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{testKey, testKey},
		{"0x" + strings.ToUpper(testKey), testKey},
		{"  " + testKey + "\n", testKey},
	}
	for _, tt := range tests {
		if got := NormalizeKey(tt.in); got != tt.want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegister(t *testing.T) {
	var got RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != RegisterPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get(requestIDHeader) == "" {
			t.Error("missing request id")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(RegisterResponse{Fingerprint: "abcd", RegistrationID: "reg-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	resp, err := c.Register(context.Background(), "0x"+testKey, "127.0.0.1:4433", 2*time.Minute)
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	if resp.RegistrationID != "reg-1" {
		t.Errorf("registration id = %q", resp.RegistrationID)
	}
	if got.PublicKey != testKey || got.Address != "127.0.0.1:4433" || got.TTLSeconds != 120 {
		t.Errorf("request = %+v", got)
	}
}

func TestLookupAndResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, LookupPath)
		if key != testKey {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Entry{PublicKey: key, Address: "10.0.0.7:4433"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	addr, err := c.Resolve(ctx, testKey)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if addr != "10.0.0.7:4433" {
		t.Errorf("address = %q", addr)
	}

	if _, err := c.Lookup(ctx, "02ffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := c.Resolve(ctx, "02ffff"); !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnreachable", err)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case HealthPath:
			http.Error(w, "down", http.StatusServiceUnavailable)
		default:
			w.Header().Set("Retry-After", "60")
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	if _, err := c.Register(ctx, testKey, "x:1", time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Register() error = %v, want ErrRateLimited", err)
	}
	err := c.Ping(ctx)
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestUnregister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Query().Get("registration_id") != "reg-9" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	if err := c.Unregister(context.Background(), testKey, "reg-9"); err != nil {
		t.Errorf("Unregister() failed: %v", err)
	}
	if err := c.Unregister(context.Background(), testKey, "wrong"); err == nil {
		t.Error("Unregister() with wrong id succeeded")
	}
}
