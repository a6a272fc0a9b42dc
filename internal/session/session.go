// Package session implements the connection lifecycle between the local
// participant and a single counterpart.
//
// A Session owns at most one live connection. Transport notifications are
// queued on a per-session channel and consumed in order by Run; outbound
// envelopes go through a bounded outbox drained by a writer goroutine that
// lives exactly as long as the connection is Open.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/observability"
)

var (
	// ErrNotOpen is returned by Send when no connection is Open.
	ErrNotOpen = errors.New("session not open")

	// ErrSendBufferFull is returned by Send when the outbox is full.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrTransport wraps failures reported by the transport.
	ErrTransport = errors.New("transport failure")

	// ErrConnectAborted is returned by Connect when the attempt was
	// superseded or closed while dialing.
	ErrConnectAborted = errors.New("connect aborted")

	// ErrSessionStopped is returned once Stop has been called.
	ErrSessionStopped = errors.New("session stopped")
)

const (
	defaultEventQueueSize = 256
	defaultOutboxSize     = 64
)

// Options tunes a Session. Zero values pick defaults.
type Options struct {
	EventQueueSize int
	OutboxSize     int
	Logger         *observability.Logger
	Metrics        *observability.Metrics

	// OnStateChange runs after every transition. It must not call back
	// into the Session.
	OnStateChange func(event string, from, to State)
}

// Session is the connection state machine for one local identity.
type Session struct {
	transport Transport
	handler   Handler
	opts      Options
	log       *observability.Logger
	metrics   *observability.Metrics

	events chan Event
	done   chan struct{}
	stop   sync.Once

	mu          sync.Mutex
	lifecycle   *fsm.FSM
	handle      Handle
	counterpart string
	connID      string
	generation  uint64
	dialing     chan struct{}
	outbox      chan []byte
	cancelPump  context.CancelFunc
}

// New creates an Idle session. The handler may be nil in tests that only
// exercise the lifecycle.
func New(t Transport, h Handler, opts Options) *Session {
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = defaultEventQueueSize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}

	s := &Session{
		transport: t,
		handler:   h,
		opts:      opts,
		log:       log.WithComponent("session"),
		metrics:   opts.Metrics,
		events:    make(chan Event, opts.EventQueueSize),
		done:      make(chan struct{}),
	}
	s.lifecycle = newLifecycle(s.onEnter)
	return s
}

func (s *Session) onEnter(event string, from, to State) {
	s.log.SessionTransition(event, string(from), string(to))
	s.metrics.RecordSessionTransition(event, string(from), string(to))
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(event, from, to)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.lifecycle.Current())
}

// Counterpart returns the connected peer's public key hex, or "" when no
// connection is live.
func (s *Session) Counterpart() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counterpart
}

// Deliver queues a transport event. It blocks while the queue is full and
// returns immediately once the session is stopped.
func (s *Session) Deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run consumes transport events until ctx is done or Stop is called.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// Stop closes any live connection and ends Run.
func (s *Session) Stop() {
	_ = s.Close()
	s.stop.Do(func() { close(s.done) })
}

// Connect dials address and moves the session to Open. A live connection
// is closed first.
func (s *Session) Connect(ctx context.Context, address string) error {
	if err := crypto.ValidatePublicKey(address); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case <-s.done:
		return ErrSessionStopped
	default:
	}

	if err := s.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.fire(evConnect); err != nil {
		s.mu.Unlock()
		return err
	}
	s.generation++
	gen := s.generation
	s.counterpart = address
	s.beginConnection()
	dialing := make(chan struct{})
	s.dialing = dialing
	log := s.log.WithSession(s.connID)
	s.mu.Unlock()

	h, err := s.transport.Dial(ctx, address)

	s.mu.Lock()
	if s.dialing == dialing {
		s.dialing = nil
	}
	close(dialing)
	if s.generation != gen || State(s.lifecycle.Current()) != StateConnecting {
		s.mu.Unlock()
		if h != nil {
			_ = s.transport.Close(h)
		}
		return ErrConnectAborted
	}

	if err != nil {
		_ = s.fire(evFail)
		s.teardown()
		s.mu.Unlock()
		log.ConnectionFailed(crypto.PublicKeyFingerprint(address), err)
		s.reset()
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	s.handle = h
	if err := s.fire(evOpen); err != nil {
		s.mu.Unlock()
		_ = s.transport.Close(h)
		return err
	}
	s.startPump(h)
	s.mu.Unlock()

	log.ConnectionEstablished(crypto.PublicKeyFingerprint(address), h.ID())
	return nil
}

// Close ends the live connection, if any, cancelling queued envelopes and
// resetting the handler. Closing an idle session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if !State(s.lifecycle.Current()).Live() {
		s.mu.Unlock()
		return nil
	}
	h := s.handle
	_ = s.fire(evClose)
	s.teardown()
	s.mu.Unlock()

	if h != nil {
		if err := s.transport.Close(h); err != nil {
			s.log.Error(err, "transport close failed")
		}
	}
	s.reset()
	return nil
}

// Send queues payload for the writer. It never blocks.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.lifecycle.Current()) != StateOpen || s.outbox == nil {
		return ErrNotOpen
	}
	select {
	case s.outbox <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) dispatch(ev Event) {
	switch ev.Kind {
	case EventIncoming:
		s.onIncoming(ev.Handle)
	case EventOpened:
		s.onOpened(ev.Handle)
	case EventData:
		s.awaitDial(ev.Handle)
		s.onData(ev.Handle, ev.Data)
	case EventClosed:
		s.awaitDial(ev.Handle)
		s.onEnd(ev.Handle, evClose, nil)
	case EventError:
		s.awaitDial(ev.Handle)
		s.onEnd(ev.Handle, evFail, ev.Err)
	}
}

// awaitDial holds an event for an unknown connection to the peer being
// dialled until Connect has recorded the handle Dial returned. Transports
// may start reading before Dial returns.
func (s *Session) awaitDial(h Handle) {
	s.mu.Lock()
	dialing := s.dialing
	wait := dialing != nil && h != nil && h != s.handle && h.Peer() == s.counterpart
	s.mu.Unlock()
	if !wait {
		return
	}
	select {
	case <-dialing:
	case <-s.done:
	}
}

func (s *Session) onIncoming(h Handle) {
	s.mu.Lock()
	state := State(s.lifecycle.Current())
	if state.Live() {
		s.mu.Unlock()
		s.log.ConnectionRefused(crypto.PublicKeyFingerprint(h.Peer()), string(state))
		_ = s.transport.Close(h)
		return
	}
	if err := crypto.ValidatePublicKey(h.Peer()); err != nil {
		s.mu.Unlock()
		s.log.Error(err, "inbound connection with invalid peer key")
		_ = s.transport.Close(h)
		return
	}

	if err := s.fire(evIncoming); err != nil {
		s.mu.Unlock()
		_ = s.transport.Close(h)
		return
	}
	s.generation++
	s.handle = h
	s.counterpart = h.Peer()
	s.beginConnection()
	s.mu.Unlock()
}

func (s *Session) onOpened(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h != s.handle || State(s.lifecycle.Current()) != StateConnecting {
		return
	}
	if err := s.fire(evOpen); err != nil {
		return
	}
	s.startPump(h)
	s.log.WithSession(s.connID).ConnectionEstablished(crypto.PublicKeyFingerprint(h.Peer()), h.ID())
}

func (s *Session) onData(h Handle, data []byte) {
	s.mu.Lock()
	current := h == s.handle && State(s.lifecycle.Current()) == StateOpen
	s.mu.Unlock()

	if !current {
		s.log.Debug("ignoring data from stale connection")
		return
	}
	if s.handler != nil {
		s.handler.HandleData(s, data)
	}
}

func (s *Session) onEnd(h Handle, event string, cause error) {
	s.mu.Lock()
	if h != s.handle || !State(s.lifecycle.Current()).Live() {
		s.mu.Unlock()
		return
	}
	_ = s.fire(event)
	s.teardown()
	s.mu.Unlock()

	if cause != nil {
		s.log.Error(fmt.Errorf("%w: %v", ErrTransport, cause), "connection failed")
	}
	_ = s.transport.Close(h)
	s.reset()
}

// fire advances the state machine. Callers hold s.mu.
func (s *Session) fire(event string) error {
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("session %s from %s: %w", event, s.lifecycle.Current(), err)
	}
	return nil
}

// beginConnection tags the new connection for logging. Callers hold s.mu.
func (s *Session) beginConnection() {
	s.connID = uuid.NewString()
}

// startPump creates the outbox and its writer. Callers hold s.mu.
func (s *Session) startPump(h Handle) {
	ctx, cancel := context.WithCancel(context.Background())
	outbox := make(chan []byte, s.opts.OutboxSize)
	s.outbox = outbox
	s.cancelPump = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload := <-outbox:
				if ctx.Err() != nil {
					s.metrics.RecordOutboxCancelled(1)
					return
				}
				if err := s.transport.Send(h, payload); err != nil {
					s.Deliver(Event{Kind: EventError, Handle: h, Err: err})
					return
				}
			}
		}
	}()
}

// teardown forgets the connection and cancels unsent envelopes. Callers
// hold s.mu.
func (s *Session) teardown() {
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
	if s.outbox != nil {
		dropped := 0
	drain:
		for {
			select {
			case <-s.outbox:
				dropped++
			default:
				break drain
			}
		}
		s.metrics.RecordOutboxCancelled(dropped)
		s.outbox = nil
	}
	s.handle = nil
	s.counterpart = ""
}

func (s *Session) reset() {
	if s.handler != nil {
		s.handler.HandleReset(s)
	}
}
