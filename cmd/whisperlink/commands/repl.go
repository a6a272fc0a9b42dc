package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/whisperlink/backend/internal/chat"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/session"
)

const replHelp = `commands:
  /connect <public-key>[@host:port]   open a session
  /disconnect                         close the session
  /file [-e] <path>                   send a file, -e encrypts it
  /decrypt <id> y|n                   answer a pending decrypt request
  /pending                            list pending decrypt requests
  /history                            show the conversation
  /save <id> <path>                   write a received file to disk
  /whoami                             print your address
  /quit                               leave
anything else is sent as a text message`

var errQuit = errors.New("quit")

// peer is the part of a node the REPL drives.
type peer interface {
	Address() string
	State() session.State
	Counterpart() string
	Connect(ctx context.Context, target string) error
	Disconnect() error
	Send(ctx context.Context, text string) error
	SendFile(ctx context.Context, name string, data []byte, encrypt bool) (chat.Message, error)
	Decide(ctx context.Context, messageID string, confirmed bool) (chat.Message, error)
	History() []chat.Message
	Pending() []chat.PendingRequest
	Resource(digest string) ([]byte, error)
}

type repl struct {
	peer   peer
	prompt string

	mu  sync.Mutex
	out io.Writer
}

func newREPL(p peer, out io.Writer, interactive bool) *repl {
	r := &repl{peer: p, out: out}
	if interactive {
		r.prompt = "> "
	}
	return r
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads commands from in until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	r.printf("%s", r.prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := r.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.printf("error: %v\n", err)
			}
			r.printf("%s", r.prompt)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.peer.Send(ctx, line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		r.printf("%s\n", replHelp)
		return nil
	case "/whoami":
		r.printf("%s\n", r.peer.Address())
		return nil
	case "/connect":
		if len(args) != 1 {
			return errors.New("usage: /connect <public-key>[@host:port]")
		}
		if err := r.peer.Connect(ctx, args[0]); err != nil {
			return err
		}
		r.printf("connected to %s\n", crypto.PublicKeyFingerprint(r.peer.Counterpart()))
		return nil
	case "/disconnect":
		return r.peer.Disconnect()
	case "/file":
		return r.sendFile(ctx, args)
	case "/decrypt":
		return r.decide(ctx, args)
	case "/pending":
		r.listPending()
		return nil
	case "/history":
		r.listHistory()
		return nil
	case "/save":
		return r.save(args)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func (r *repl) sendFile(ctx context.Context, args []string) error {
	encrypt := false
	if len(args) > 0 && args[0] == "-e" {
		encrypt = true
		args = args[1:]
	}
	if len(args) != 1 {
		return errors.New("usage: /file [-e] <path>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	m, err := r.peer.SendFile(ctx, filepath.Base(args[0]), data, encrypt)
	if err != nil {
		return err
	}
	r.printf("sent %s (%d bytes)\n", m.Content, len(data))
	return nil
}

func (r *repl) decide(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /decrypt <id> y|n")
	}
	var confirmed bool
	switch strings.ToLower(args[1]) {
	case "y", "yes":
		confirmed = true
	case "n", "no":
	default:
		return fmt.Errorf("answer must be y or n, got %q", args[1])
	}

	id, err := r.resolvePending(args[0])
	if err != nil {
		return err
	}
	m, err := r.peer.Decide(ctx, id, confirmed)
	if err != nil {
		return err
	}
	if confirmed {
		r.printf("decrypted %s\n", m.Content)
	} else {
		r.printf("left %s encrypted\n", m.Content)
	}
	return nil
}

// resolvePending expands a unique ID prefix among pending requests.
func (r *repl) resolvePending(prefix string) (string, error) {
	var match string
	for _, p := range r.peer.Pending() {
		if strings.HasPrefix(p.MessageID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous id %q", prefix)
			}
			match = p.MessageID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", chat.ErrPendingNotFound, prefix)
	}
	return match, nil
}

func (r *repl) save(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: /save <id> <path>")
	}
	var found *chat.Message
	for _, m := range r.peer.History() {
		if m.Kind == chat.KindFile && strings.HasPrefix(m.ID, args[0]) {
			m := m
			found = &m
			break
		}
	}
	if found == nil {
		return fmt.Errorf("no file message with id %q", args[0])
	}
	data, err := r.peer.Resource(found.Resource)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[1], data, 0o600); err != nil {
		return err
	}
	r.printf("wrote %d bytes to %s\n", len(data), args[1])
	return nil
}

func (r *repl) listPending() {
	pending := r.peer.Pending()
	if len(pending) == 0 {
		r.printf("no pending decrypt requests\n")
		return
	}
	for _, p := range pending {
		r.printf("%s  %s  from %s\n", shortID(p.MessageID), p.FileName, crypto.PublicKeyFingerprint(p.Sender))
	}
}

func (r *repl) listHistory() {
	history := r.peer.History()
	if len(history) == 0 {
		r.printf("no messages\n")
		return
	}
	for _, m := range history {
		r.printf("%s\n", formatMessage(m))
	}
}

func (r *repl) notify(n chat.Notice) {
	r.printf("\r%s\n%s", formatNotice(n), r.prompt)
}

func formatMessage(m chat.Message) string {
	who := "you"
	if m.Sender == chat.SenderPeer {
		who = "peer"
	}
	ts := m.Timestamp.Format("15:04:05")
	if m.Kind == chat.KindText {
		return fmt.Sprintf("[%s] %s: %s", ts, who, m.Content)
	}
	lock := ""
	if m.Encrypted {
		lock = " (encrypted)"
	}
	return fmt.Sprintf("[%s] %s: file %s%s [%s, %s]", ts, who, m.Content, lock, m.Status, shortID(m.ID))
}

func formatNotice(n chat.Notice) string {
	switch n.Type {
	case chat.NoticeReceived:
		if n.Kind == chat.KindText {
			return "peer: " + n.Content
		}
		return fmt.Sprintf("received file %s [%s]", n.Content, shortID(n.MessageID))
	case chat.NoticeEncryptedReceived:
		return fmt.Sprintf("encrypted file %s; decrypt with /decrypt %s y|n", n.Content, shortID(n.MessageID))
	case chat.NoticeDecrypted:
		return "decrypted " + n.Content
	case chat.NoticeDecryptFailed:
		if n.MessageID == "" {
			return fmt.Sprintf("dropped a message that failed to decrypt: %v", n.Err)
		}
		return fmt.Sprintf("could not decrypt %s: %v", n.Content, n.Err)
	case chat.NoticeDeclined:
		return fmt.Sprintf("kept %s encrypted", n.Content)
	case chat.NoticeExpired:
		return fmt.Sprintf("decrypt request for %s expired", n.Content)
	case chat.NoticeReset:
		return "session ended, history cleared"
	default:
		return n.Type.String()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
