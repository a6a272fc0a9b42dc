// Package chat dispatches chat traffic between the local participant and
// the session counterpart.
//
// The Controller owns the ordered message history, the table of encrypted
// files awaiting a decrypt decision, and the resource store holding file
// bodies. Text is decrypted on arrival; encrypted files wait until the user
// answers Decide.
package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/envelope"
	"github.com/whisperlink/backend/internal/observability"
	"github.com/whisperlink/backend/internal/session"
)

var (
	// ErrPendingNotFound is returned by Decide for an unknown or already
	// decided request.
	ErrPendingNotFound = errors.New("pending decrypt request not found")

	// ErrEmptyFile is returned by SendFile for a nameless or empty file.
	ErrEmptyFile = errors.New("file name and body are required")

	// ErrNoIdentity is returned by New without an identity.
	ErrNoIdentity = errors.New("controller requires an identity")
)

const (
	encryptedMarker = "encrypted"
	decryptedMarker = "decrypted"
)

// Link is the part of a session the controller needs.
type Link interface {
	Counterpart() string
	Send(payload []byte) error
}

// Options configures a Controller.
type Options struct {
	Identity      *crypto.Identity
	PendingPolicy config.PendingPolicy
	// Zero disables expiry.
	PendingTTL time.Duration
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Notifier   *Notifier
	// Defaults to time.Now.
	Now func() time.Time
}

// Controller is the chat state for one local identity. It is safe for
// concurrent use and implements session.Handler.
type Controller struct {
	identity *crypto.Identity
	policy   config.PendingPolicy
	ttl      time.Duration
	log      *observability.Logger
	metrics  *observability.Metrics
	notifier *Notifier
	now      func() time.Time

	mu          sync.Mutex
	history     []Message
	pending     map[string]*pendingDecrypt
	store       *ResourceStore
	fileCounter int
}

type pendingDecrypt struct {
	messageID  string
	fileName   string
	senderKey  string
	nonce      []byte
	ciphertext []byte
	receivedAt time.Time
}

var _ session.Handler = (*Controller)(nil)

// New creates a controller for the given identity.
func New(opts Options) (*Controller, error) {
	if opts.Identity == nil {
		return nil, ErrNoIdentity
	}
	if opts.PendingPolicy == "" {
		opts.PendingPolicy = config.PendingCancel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}

	return &Controller{
		identity: opts.Identity,
		policy:   opts.PendingPolicy,
		ttl:      opts.PendingTTL,
		log:      log.WithComponent("chat"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		now:      opts.Now,
		pending:  make(map[string]*pendingDecrypt),
		store:    NewResourceStore(),
	}, nil
}

// Identity returns the local identity.
func (c *Controller) Identity() *crypto.Identity {
	return c.identity
}

// Send encrypts text for the counterpart and queues it on link.
//
// Whitespace-only text is ignored. Without an open link Send returns
// session.ErrNotOpen and leaves the history untouched.
func (c *Controller) Send(ctx context.Context, link Link, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	_, span := observability.StartSpan(ctx, "chat.Send")
	defer span.End()

	counterpart := link.Counterpart()
	if counterpart == "" {
		return session.ErrNotOpen
	}

	key, err := c.sharedKey(counterpart)
	if err != nil {
		span.RecordError(err)
		return err
	}

	nonce, ct, err := c.encrypt([]byte(text), key)
	if err != nil {
		span.RecordError(err)
		return err
	}

	wire, err := envelope.EncodeText(nonce, ct)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := link.Send(wire); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg := c.appendLocked(Message{
		Sender:  SenderSelf,
		Kind:    KindText,
		Content: text,
		Status:  StatusSent,
	})
	c.metrics.RecordMessageSent(string(KindText), true, len(wire))
	c.log.MessageSent(string(KindText), true, len(wire))
	c.notifier.publishMessage(NoticeSent, msg, nil)
	return nil
}

// SendFile sends a file to the counterpart, raw or encrypted.
//
// Encrypted files travel as "encrypted<N><ext>", N counting encrypted
// sends of this controller from 1. The local history records the wire
// name and keeps the plaintext body.
func (c *Controller) SendFile(ctx context.Context, link Link, name string, data []byte, encrypt bool) (Message, error) {
	if name == "" || len(data) == 0 {
		return Message{}, ErrEmptyFile
	}

	_, span := observability.StartSpan(ctx, "chat.SendFile")
	defer span.End()
	span.SetAttributes(attribute.Bool("encrypted", encrypt), attribute.Int("size", len(data)))

	counterpart := link.Counterpart()
	if counterpart == "" {
		return Message{}, session.ErrNotOpen
	}

	var key crypto.SymmetricKey
	if encrypt {
		k, err := c.sharedKey(counterpart)
		if err != nil {
			span.RecordError(err)
			return Message{}, err
		}
		key = k
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wireName := name
	var wire []byte
	if encrypt {
		nonce, ct, err := c.encrypt(data, key)
		if err != nil {
			span.RecordError(err)
			return Message{}, err
		}
		wireName = fmt.Sprintf("%s%d%s", encryptedMarker, c.fileCounter+1, filepath.Ext(name))
		wire, err = envelope.EncodeEncryptedFile(wireName, nonce, ct)
		if err != nil {
			return Message{}, err
		}
	} else {
		var err error
		wire, err = envelope.EncodeRawFile(name, data)
		if err != nil {
			return Message{}, err
		}
	}

	if err := link.Send(wire); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Message{}, err
	}
	if encrypt {
		c.fileCounter++
	}

	c.metrics.RecordMessageSent(string(KindFile), encrypt, len(wire))
	c.log.MessageSent(string(KindFile), encrypt, len(wire))

	if existing, ok := c.findFileLocked(wireName); ok {
		return existing, nil
	}
	msg := c.appendLocked(Message{
		Sender:    SenderSelf,
		Kind:      KindFile,
		Content:   wireName,
		Resource:  c.store.Put(data),
		Encrypted: encrypt,
		Status:    StatusSent,
	})
	c.notifier.publishMessage(NoticeSent, msg, nil)
	return msg, nil
}

// HandleData implements session.Handler.
func (c *Controller) HandleData(s *session.Session, payload []byte) {
	c.Receive(context.Background(), s, payload)
}

// HandleReset implements session.Handler.
func (c *Controller) HandleReset(_ *session.Session) {
	c.Reset()
}

// Receive decodes and dispatches one inbound payload from link's
// counterpart. Undecodable or undecryptable payloads are dropped and
// logged; they never reach the history.
func (c *Controller) Receive(ctx context.Context, link Link, raw []byte) {
	_, span := observability.StartSpan(ctx, "chat.Receive")
	defer span.End()

	env, err := envelope.Decode(raw)
	if errors.Is(err, envelope.ErrNotJSON) || errors.Is(err, envelope.ErrMissingMessageType) {
		env, err = envelope.DecodeLegacy(raw)
	}
	if err != nil {
		reason := "malformed"
		if errors.Is(err, envelope.ErrUnknownMessageType) {
			reason = "unknown_type"
		}
		c.drop(reason, err)
		return
	}

	counterpart := link.Counterpart()
	if counterpart == "" {
		c.drop("not_open", session.ErrNotOpen)
		return
	}

	switch env.Kind {
	case envelope.KindText:
		c.receiveText(counterpart, env.Text, len(raw))
	case envelope.KindPlaintext:
		c.receivePlaintext(env.Plaintext, len(raw))
	case envelope.KindFile:
		c.receiveFile(counterpart, env.File, len(raw))
	}
}

func (c *Controller) receiveText(counterpart string, t *envelope.Text, size int) {
	key, err := c.sharedKey(counterpart)
	if err != nil {
		c.drop("bad_key", err)
		return
	}

	plain, err := c.decrypt(t.Nonce, t.Ciphertext, key)
	if err != nil {
		c.metrics.RecordMessageDropped("decrypt_failed")
		c.log.DecryptFailed(string(KindText), "", err)
		c.notifier.Publish(Notice{Type: NoticeDecryptFailed, Kind: KindText, Err: err})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.appendLocked(Message{
		Sender:  SenderPeer,
		Kind:    KindText,
		Content: string(plain),
		Status:  StatusReceived,
	})
	c.metrics.RecordMessageReceived(string(KindText), true, size)
	c.log.MessageReceived(string(KindText), true, size)
	c.notifier.publishMessage(NoticeReceived, msg, nil)
}

func (c *Controller) receivePlaintext(plain []byte, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := c.appendLocked(Message{
		Sender:  SenderPeer,
		Kind:    KindText,
		Content: string(plain),
		Status:  StatusReceived,
	})
	c.metrics.RecordMessageReceived(string(KindText), false, size)
	c.log.MessageReceived(string(KindText), false, size)
	c.notifier.publishMessage(NoticeReceived, msg, nil)
}

func (c *Controller) receiveFile(counterpart string, f *envelope.File, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.findFileLocked(f.Name); ok {
		c.metrics.RecordMessageDropped("duplicate_file")
		c.log.Debug("duplicate file ignored")
		return
	}

	switch data := f.Data.(type) {
	case envelope.RawData:
		msg := c.appendLocked(Message{
			Sender:   SenderPeer,
			Kind:     KindFile,
			Content:  f.Name,
			Resource: c.store.Put(data),
			Status:   StatusReceived,
		})
		c.metrics.RecordMessageReceived(string(KindFile), false, size)
		c.log.MessageReceived(string(KindFile), false, size)
		c.notifier.publishMessage(NoticeReceived, msg, nil)

	case envelope.EncryptedData:
		msg := c.appendLocked(Message{
			Sender:    SenderPeer,
			Kind:      KindFile,
			Content:   f.Name,
			Resource:  c.store.Put(data.Ciphertext),
			Encrypted: true,
			Status:    StatusPending,
		})
		c.pending[msg.ID] = &pendingDecrypt{
			messageID:  msg.ID,
			fileName:   f.Name,
			senderKey:  counterpart,
			nonce:      data.Nonce,
			ciphertext: data.Ciphertext,
			receivedAt: msg.Timestamp,
		}
		c.metrics.SetPendingDecrypts(len(c.pending))
		c.metrics.RecordMessageReceived(string(KindFile), true, size)
		c.log.MessageReceived(string(KindFile), true, size)
		c.notifier.publishMessage(NoticeEncryptedReceived, msg, nil)
	}
}

// Decide answers the pending decrypt request for messageID.
//
// Confirmed and successful: the entry's body becomes the plaintext, the
// first "encrypted" in its name becomes "decrypted" and it is no longer
// marked encrypted. Confirmed but failing: the entry stays encrypted with
// StatusDecryptFailed and the authentication error is returned. Declined:
// the entry stays encrypted for good. In every case the request is
// consumed; a second Decide returns ErrPendingNotFound.
func (c *Controller) Decide(ctx context.Context, messageID string, confirmed bool) (Message, error) {
	_, span := observability.StartSpan(ctx, "chat.Decide")
	defer span.End()
	span.SetAttributes(attribute.Bool("confirmed", confirmed))

	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[messageID]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrPendingNotFound, messageID)
	}
	delete(c.pending, messageID)
	c.metrics.SetPendingDecrypts(len(c.pending))
	c.log.DecryptDecision(messageID, req.fileName, confirmed)

	// A request retained across a reset has no history entry. It is
	// decided on a detached copy and only restored if its name is free.
	idx := c.indexLocked(messageID)
	var restored *Message
	if idx < 0 {
		restored = &Message{
			ID:        req.messageID,
			Sender:    SenderPeer,
			Kind:      KindFile,
			Content:   req.fileName,
			Encrypted: true,
			Status:    StatusPending,
			Timestamp: req.receivedAt,
		}
	}
	entry := restored
	if entry == nil {
		entry = &c.history[idx]
	}

	if !confirmed {
		entry.Status = StatusDeclined
		c.restoreLocked(restored, req.ciphertext)
		c.metrics.RecordDecryptDecision("declined")
		msg := *entry
		c.notifier.publishMessage(NoticeDeclined, msg, nil)
		return msg, nil
	}

	key, err := c.sharedKey(req.senderKey)
	var plain []byte
	if err == nil {
		plain, err = c.decrypt(req.nonce, req.ciphertext, key)
	}
	if err != nil {
		entry.Status = StatusDecryptFailed
		c.restoreLocked(restored, req.ciphertext)
		c.metrics.RecordDecryptDecision("failed")
		c.log.DecryptFailed(string(KindFile), messageID, err)
		span.RecordError(err)
		msg := *entry
		c.notifier.publishMessage(NoticeDecryptFailed, msg, err)
		return msg, fmt.Errorf("decrypt %s: %w", req.fileName, err)
	}

	newName := strings.Replace(req.fileName, encryptedMarker, decryptedMarker, 1)
	if existing, ok := c.findFileLocked(newName); ok && existing.ID != messageID {
		// an entry with the decrypted name already exists
		if restored == nil {
			c.removeLocked(idx)
		}
		c.metrics.RecordDecryptDecision("duplicate")
		return existing, nil
	}

	if restored == nil {
		c.store.Release(entry.Resource)
	}
	entry.Content = newName
	entry.Resource = c.store.Put(plain)
	entry.Encrypted = false
	entry.Status = StatusDecrypted
	msg := *entry
	if restored != nil {
		c.history = append(c.history, msg)
	}
	c.metrics.RecordDecryptDecision("decrypted")

	c.notifier.publishMessage(NoticeDecrypted, msg, nil)
	return msg, nil
}

// restoreLocked puts a retained, still encrypted request back into the
// history unless a file with its name is already there.
func (c *Controller) restoreLocked(m *Message, ciphertext []byte) {
	if m == nil {
		return
	}
	if _, dup := c.findFileLocked(m.Content); dup {
		return
	}
	m.Resource = c.store.Put(ciphertext)
	c.history = append(c.history, *m)
}

// ExpirePending declines requests older than the configured TTL and
// returns how many expired. It does nothing when no TTL is set.
func (c *Controller) ExpirePending(now time.Time) int {
	if c.ttl <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for id, req := range c.pending {
		if now.Sub(req.receivedAt) < c.ttl {
			continue
		}
		delete(c.pending, id)
		expired++
		if idx := c.indexLocked(id); idx >= 0 {
			c.history[idx].Status = StatusExpired
			c.notifier.publishMessage(NoticeExpired, c.history[idx], nil)
		}
		c.metrics.RecordDecryptDecision("expired")
	}
	if expired > 0 {
		c.metrics.SetPendingDecrypts(len(c.pending))
	}
	return expired
}

// Reset clears the history and the resource store. Pending requests are
// dropped or kept according to the pending policy.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = nil
	c.store.Clear()
	if c.policy != config.PendingRetain {
		c.pending = make(map[string]*pendingDecrypt)
	}
	c.metrics.SetPendingDecrypts(len(c.pending))
	c.notifier.Publish(Notice{Type: NoticeReset})
}

// History returns a copy of the ordered message history.
func (c *Controller) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

// Pending lists undecided decrypt requests, oldest first.
func (c *Controller) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, PendingRequest{
			MessageID:  req.messageID,
			FileName:   req.fileName,
			Sender:     req.senderKey,
			ReceivedAt: req.receivedAt,
		})
	}
	sortPending(out)
	return out
}

// Resource returns the body stored under a message's Resource digest.
func (c *Controller) Resource(digest string) ([]byte, error) {
	return c.store.Get(digest)
}

func (c *Controller) sharedKey(counterpart string) (crypto.SymmetricKey, error) {
	start := time.Now()
	key, err := c.identity.SharedKey(counterpart)
	c.metrics.RecordCryptoOperation("ecdh", time.Since(start).Seconds())
	return key, err
}

func (c *Controller) encrypt(plain []byte, key crypto.SymmetricKey) ([]byte, []byte, error) {
	start := time.Now()
	nonce, ct, err := crypto.Encrypt(plain, key)
	c.metrics.RecordCryptoOperation("encrypt", time.Since(start).Seconds())
	return nonce, ct, err
}

func (c *Controller) decrypt(nonce, ct []byte, key crypto.SymmetricKey) ([]byte, error) {
	start := time.Now()
	plain, err := crypto.Decrypt(nonce, ct, key)
	c.metrics.RecordCryptoOperation("decrypt", time.Since(start).Seconds())
	return plain, err
}

func (c *Controller) drop(reason string, err error) {
	c.metrics.RecordMessageDropped(reason)
	c.log.MessageDropped(reason, err)
}

// appendLocked assigns an ID and timestamp and appends m. Callers hold c.mu.
func (c *Controller) appendLocked(m Message) Message {
	m.ID = uuid.NewString()
	m.Timestamp = c.now()
	c.history = append(c.history, m)
	return m
}

func (c *Controller) findFileLocked(name string) (Message, bool) {
	for _, m := range c.history {
		if m.Kind == KindFile && m.Content == name {
			return m, true
		}
	}
	return Message{}, false
}

func (c *Controller) indexLocked(id string) int {
	for i, m := range c.history {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removeLocked(idx int) {
	c.store.Release(c.history[idx].Resource)
	c.history = append(c.history[:idx], c.history[idx+1:]...)
}
