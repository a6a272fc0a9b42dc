package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/whisperlink/backend/internal/chat"
	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/node"
	"github.com/whisperlink/backend/internal/session"
	"github.com/whisperlink/backend/internal/transport"
)

func startNode(t *testing.T, network *transport.Network) *node.Node {
	t.Helper()
	cfg := config.Default()
	cfg.MetricsAddr = ""
	cfg.DirectoryURL = ""

	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() failed: %v", err)
	}
	n, err := node.New(node.Options{Config: cfg, Identity: id, Transport: network.Endpoint(id.Address())})
	if err != nil {
		t.Fatalf("node.New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if err := waitFor(context.Background(), cond); err != nil {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestREPLCommands(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network)
	var out bytes.Buffer
	r := newREPL(alice, &out, false)
	ctx := context.Background()

	if err := r.handle(ctx, "/whoami"); err != nil {
		t.Fatalf("/whoami failed: %v", err)
	}
	if !strings.Contains(out.String(), alice.Address()) {
		t.Errorf("/whoami output = %q", out.String())
	}

	tests := []struct {
		line    string
		wantErr string
	}{
		{"/nope", "unknown command"},
		{"/connect", "usage"},
		{"/file -e", "usage"},
		{"/decrypt abc maybe", "answer must be y or n"},
		{"/save", "usage"},
	}
	for _, tt := range tests {
		err := r.handle(ctx, tt.line)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("handle(%q) error = %v, want %q", tt.line, err, tt.wantErr)
		}
	}

	if err := r.handle(ctx, "hello?"); !errors.Is(err, session.ErrNotOpen) {
		t.Errorf("text without session error = %v, want ErrNotOpen", err)
	}
	if err := r.handle(ctx, "/decrypt abc y"); !errors.Is(err, chat.ErrPendingNotFound) {
		t.Errorf("/decrypt unknown error = %v, want ErrPendingNotFound", err)
	}
	if err := r.handle(ctx, "/quit"); !errors.Is(err, errQuit) {
		t.Errorf("/quit error = %v", err)
	}
}

func TestREPLConversation(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network)
	bob := startNode(t, network)

	var aliceOut, bobOut bytes.Buffer
	ra := newREPL(alice, &aliceOut, false)
	rb := newREPL(bob, &bobOut, false)
	ctx := context.Background()

	if err := ra.handle(ctx, "/connect "+bob.Address()); err != nil {
		t.Fatalf("/connect failed: %v", err)
	}
	eventually(t, "bob to open", func() bool { return bob.State() == session.StateOpen })

	if err := ra.handle(ctx, "good morning"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("top secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ra.handle(ctx, "/file -e "+path); err != nil {
		t.Fatalf("/file failed: %v", err)
	}
	if !strings.Contains(aliceOut.String(), "sent encrypted1.txt") {
		t.Errorf("alice output = %q", aliceOut.String())
	}

	eventually(t, "pending file", func() bool { return len(bob.Pending()) == 1 })
	id := bob.Pending()[0].MessageID

	if err := rb.handle(ctx, "/pending"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(bobOut.String(), "encrypted1.txt") {
		t.Errorf("/pending output = %q", bobOut.String())
	}

	if err := rb.handle(ctx, "/decrypt "+shortID(id)+" y"); err != nil {
		t.Fatalf("/decrypt failed: %v", err)
	}

	saved := filepath.Join(t.TempDir(), "out.txt")
	if err := rb.handle(ctx, "/save "+shortID(id)+" "+saved); err != nil {
		t.Fatalf("/save failed: %v", err)
	}
	got, err := os.ReadFile(saved)
	if err != nil || string(got) != "top secret" {
		t.Errorf("saved file = %q, %v", got, err)
	}

	bobOut.Reset()
	if err := rb.handle(ctx, "/history"); err != nil {
		t.Fatal(err)
	}
	hist := bobOut.String()
	if !strings.Contains(hist, "peer: good morning") || !strings.Contains(hist, "decrypted1.txt") {
		t.Errorf("/history output = %q", hist)
	}

	if err := ra.handle(ctx, "/disconnect"); err != nil {
		t.Fatalf("/disconnect failed: %v", err)
	}
	eventually(t, "bob to reset", func() bool { return len(bob.History()) == 0 })
}

func TestREPLRunStopsAtQuit(t *testing.T) {
	network := transport.NewNetwork()
	alice := startNode(t, network)
	var out bytes.Buffer
	r := newREPL(alice, &out, true)

	in := strings.NewReader("/whoami\n/quit\n/history\n")
	if err := r.run(context.Background(), in); err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if !strings.Contains(out.String(), alice.Address()) {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "no messages") {
		t.Error("command after /quit was executed")
	}
}

func TestFormatNotice(t *testing.T) {
	tests := []struct {
		notice chat.Notice
		want   string
	}{
		{chat.Notice{Type: chat.NoticeReceived, Kind: chat.KindText, Content: "hey"}, "peer: hey"},
		{chat.Notice{Type: chat.NoticeEncryptedReceived, Content: "encrypted1.pdf", MessageID: "0123456789"}, "/decrypt 01234567 y|n"},
		{chat.Notice{Type: chat.NoticeDecryptFailed, Err: crypto.ErrAuthenticationFailed}, "dropped a message"},
		{chat.Notice{Type: chat.NoticeReset}, "history cleared"},
	}
	for _, tt := range tests {
		if got := formatNotice(tt.notice); !strings.Contains(got, tt.want) {
			t.Errorf("formatNotice(%s) = %q, want it to contain %q", tt.notice.Type, got, tt.want)
		}
	}
}

func TestKeygenJSON(t *testing.T) {
	cmd := keygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json", "--show-private"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	var got keygenOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if err := crypto.ValidatePublicKey(got.Address); err != nil {
		t.Errorf("address invalid: %v", err)
	}
	if !strings.HasPrefix(got.Address, "0x04") {
		t.Errorf("address %q is not an uncompressed key", got.Address)
	}
	if full, err := crypto.DecompressPublicKey(got.Compressed); err != nil || full != got.Address {
		t.Errorf("compressed key %q expands to %q, %v; want the address", got.Compressed, full, err)
	}
	id, err := crypto.IdentityFromPrivateKey(got.PrivateKey)
	if err != nil {
		t.Fatalf("private key invalid: %v", err)
	}
	if id.Address() != got.Address {
		t.Error("private key does not match address")
	}
}

func TestKeygenText(t *testing.T) {
	cmd := keygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	lines := strings.Split(out.String(), "\n")
	var address, compressed string
	for i, line := range lines {
		if i+1 >= len(lines) {
			break
		}
		switch line {
		case "Address (uncompressed public key):":
			address = strings.TrimSpace(lines[i+1])
		case "Compressed public key:":
			compressed = strings.TrimSpace(lines[i+1])
		}
	}
	if !strings.HasPrefix(address, "0x04") {
		t.Errorf("address = %q, want an uncompressed key", address)
	}
	if !strings.HasPrefix(compressed, "0x02") && !strings.HasPrefix(compressed, "0x03") {
		t.Errorf("compressed = %q, want a compressed key", compressed)
	}
	if strings.Contains(out.String(), "Private key") {
		t.Error("private key printed without --show-private")
	}
}

func TestDeriveKnownAnswer(t *testing.T) {
	const (
		privOne      = "0000000000000000000000000000000000000000000000000000000000000001"
		twoG         = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
		sharedSecret = "c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
	)
	cmd := deriveCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--reveal", twoG, privOne})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !strings.Contains(out.String(), sharedSecret) {
		t.Errorf("output = %q", out.String())
	}
}

func TestDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := runDemo(ctx, &out); err != nil {
		t.Fatalf("runDemo() failed: %v", err)
	}
	if !strings.Contains(out.String(), `"meet at noon"`) || !strings.Contains(out.String(), "both histories cleared") {
		t.Errorf("demo output = %q", out.String())
	}
}
