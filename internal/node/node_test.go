package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/whisperlink/backend/internal/chat"
	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/session"
	"github.com/whisperlink/backend/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MetricsAddr = ""
	cfg.DirectoryURL = ""
	cfg.DialTimeout = time.Second
	return cfg
}

func startNode(t *testing.T, network *transport.Network, cfg *config.Config) *Node {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() failed: %v", err)
	}
	n, err := New(Options{
		Config:    cfg,
		Identity:  id,
		Transport: network.Endpoint(id.Address()),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() returned %v", err)
		}
	})
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectPair(t *testing.T, alice, bob *Node) {
	t.Helper()
	if err := alice.Connect(context.Background(), bob.Address()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	eventually(t, "bob to open", func() bool {
		return bob.State() == session.StateOpen && bob.Counterpart() == alice.Address()
	})
}

func TestNewRequiresTransport(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("New() error = %v, want ErrNoTransport", err)
	}
}

func TestTextExchange(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	connectPair(t, alice, bob)

	ctx := context.Background()
	if err := alice.Send(ctx, "hello bob"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	eventually(t, "bob to receive", func() bool { return len(bob.History()) == 1 })

	if err := bob.Send(ctx, "hi alice"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	eventually(t, "alice to receive", func() bool { return len(alice.History()) == 2 })

	got := alice.History()
	if got[0].Content != "hello bob" || got[0].Sender != chat.SenderSelf {
		t.Errorf("alice[0] = %+v", got[0])
	}
	if got[1].Content != "hi alice" || got[1].Sender != chat.SenderPeer {
		t.Errorf("alice[1] = %+v", got[1])
	}
}

func TestMessagesArriveInOrder(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	connectPair(t, alice, bob)

	ctx := context.Background()
	want := []string{"one", "two", "three", "four", "five"}
	for _, text := range want {
		if err := alice.Send(ctx, text); err != nil {
			t.Fatalf("Send(%q) failed: %v", text, err)
		}
	}
	eventually(t, "all messages", func() bool { return len(bob.History()) == len(want) })

	for i, m := range bob.History() {
		if m.Content != want[i] {
			t.Errorf("message %d = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestEncryptedFileDecision(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	connectPair(t, alice, bob)

	ctx := context.Background()
	body := []byte("ledger contents")
	if _, err := alice.SendFile(ctx, "ledger.csv", body, true); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	eventually(t, "pending request", func() bool { return len(bob.Pending()) == 1 })

	req := bob.Pending()[0]
	if req.FileName != "encrypted1.csv" || req.Sender != alice.Address() {
		t.Errorf("pending request = %+v", req)
	}

	m, err := bob.Decide(ctx, req.MessageID, true)
	if err != nil {
		t.Fatalf("Decide() failed: %v", err)
	}
	if m.Content != "decrypted1.csv" || m.Encrypted {
		t.Errorf("decided message = %+v", m)
	}
	got, err := bob.Resource(m.Resource)
	if err != nil || !bytes.Equal(got, body) {
		t.Errorf("body = %q, %v", got, err)
	}
}

func TestDisconnectResetsBothSides(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	connectPair(t, alice, bob)

	ctx := context.Background()
	_ = alice.Send(ctx, "before close")
	eventually(t, "delivery", func() bool { return len(bob.History()) == 1 })

	if err := alice.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}
	eventually(t, "bob to reset", func() bool {
		return bob.State() == session.StateClosed && len(bob.History()) == 0
	})

	if n := len(alice.History()); n != 0 {
		t.Errorf("alice history length = %d, want 0", n)
	}
	if n := len(bob.History()); n != 0 {
		t.Errorf("bob history length = %d, want 0", n)
	}
	if bob.Counterpart() != "" {
		t.Error("bob kept the counterpart")
	}
	if err := alice.Send(ctx, "after close"); !errors.Is(err, session.ErrNotOpen) {
		t.Errorf("Send() after close error = %v, want ErrNotOpen", err)
	}
}

func TestConnectErrors(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	ctx := context.Background()

	if err := alice.Connect(ctx, "not-a-key"); !errors.Is(err, crypto.ErrInvalidKey) {
		t.Errorf("Connect(bad key) error = %v, want ErrInvalidKey", err)
	}

	stranger, _ := crypto.GenerateIdentity()
	if err := alice.Connect(ctx, stranger.Address()); !errors.Is(err, session.ErrTransport) {
		t.Errorf("Connect(unreachable) error = %v, want ErrTransport", err)
	}
	if alice.State() != session.StateError {
		t.Errorf("state = %s, want error", alice.State())
	}
}

func TestFailedDialAddsNoMessages(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	sub := alice.Subscribe()
	defer alice.Unsubscribe(sub.ID)

	// a conversation that ended, then a dial to a peer nobody serves
	connectPair(t, alice, bob)
	ctx := context.Background()
	if err := alice.Send(ctx, "earlier"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := alice.Disconnect(); err != nil {
		t.Fatalf("Disconnect() failed: %v", err)
	}

	stranger, _ := crypto.GenerateIdentity()
	if err := alice.Connect(ctx, stranger.Address()); !errors.Is(err, session.ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if _, err := alice.SendFile(ctx, "late.txt", []byte("x"), false); !errors.Is(err, session.ErrNotOpen) {
		t.Errorf("SendFile() after failed dial error = %v, want ErrNotOpen", err)
	}

	if h := alice.History(); len(h) != 0 {
		t.Errorf("history = %+v, want empty", h)
	}
	if p := alice.Pending(); len(p) != 0 {
		t.Errorf("pending = %+v, want empty", p)
	}
	for {
		select {
		case n := <-sub.Channel:
			if n.Type == chat.NoticeReceived || n.Type == chat.NoticeEncryptedReceived {
				t.Errorf("unexpected %s notice after failed dial", n.Type)
			}
		default:
			return
		}
	}
}

func TestNoticesReachSubscribers(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, testConfig())
	sub := bob.Subscribe()
	defer bob.Unsubscribe(sub.ID)
	connectPair(t, alice, bob)

	if err := alice.Send(context.Background(), "ping"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.Channel:
			if n.Type == chat.NoticeReceived {
				if n.Content != "ping" {
					t.Errorf("notice content = %q", n.Content)
				}
				return
			}
		case <-timeout:
			t.Fatal("no received notice")
		}
	}
}

func TestPendingExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.PendingTTL = 20 * time.Millisecond

	network := transport.NewNetwork()
	alice := startNode(t, network, testConfig())
	bob := startNode(t, network, cfg)
	connectPair(t, alice, bob)

	if _, err := alice.SendFile(context.Background(), "x.bin", []byte{1}, true); err != nil {
		t.Fatalf("SendFile() failed: %v", err)
	}
	eventually(t, "pending request", func() bool { return len(bob.History()) == 1 })

	// the expiry loop ticks at most once a second
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(bob.Pending()) > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if len(bob.Pending()) != 0 {
		t.Fatal("pending request never expired")
	}
	if st := bob.History()[0].Status; st != chat.StatusExpired {
		t.Errorf("status = %s, want expired", st)
	}
}

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	network := transport.NewNetwork()
	n := startNode(t, network, testConfig())
	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "identity") {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "whisperlink_") {
		t.Error("metrics endpoint missing whisperlink metrics")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in, address, hostPort string
	}{
		{"02abc", "02abc", ""},
		{"02abc@127.0.0.1:4433", "02abc", "127.0.0.1:4433"},
		{"  02abc@[::1]:9  ", "02abc", "[::1]:9"},
	}
	for _, tt := range tests {
		address, hostPort := ParseTarget(tt.in)
		if address != tt.address || hostPort != tt.hostPort {
			t.Errorf("ParseTarget(%q) = %q, %q", tt.in, address, hostPort)
		}
	}
}

func TestRoutes(t *testing.T) {
	ctx := context.Background()
	routes := NewRoutes(transport.StaticResolver{"02bb": "10.0.0.2:4433"})
	routes.Add("0x02AA", "10.0.0.1:4433")

	if got, err := routes.Resolve(ctx, "02aa"); err != nil || got != "10.0.0.1:4433" {
		t.Errorf("Resolve(hint) = %q, %v", got, err)
	}
	if got, err := routes.Resolve(ctx, "02bb"); err != nil || got != "10.0.0.2:4433" {
		t.Errorf("Resolve(fallback) = %q, %v", got, err)
	}

	bare := NewRoutes(nil)
	if _, err := bare.Resolve(ctx, "02cc"); !errors.Is(err, transport.ErrUnreachable) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnreachable", err)
	}
}
