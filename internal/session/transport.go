package session

import "context"

// Handle identifies one live connection inside a Transport.
type Handle interface {
	// Peer is the counterpart's address (its public key hex).
	Peer() string
	// ID is unique per connection and only used for logging.
	ID() string
}

// Transport moves opaque payloads between two peers. Implementations push
// connection events into the EventSink they were bound to; they must never
// call back into a Session synchronously from Dial, Send or Close.
type Transport interface {
	// Dial opens an outbound connection. The returned handle is ready for
	// Send; no EventOpened follows for it.
	Dial(ctx context.Context, address string) (Handle, error)
	Send(h Handle, payload []byte) error
	Close(h Handle) error
}

// EventKind enumerates transport notifications.
type EventKind int

const (
	// EventIncoming announces an inbound connection. EventOpened follows
	// once it is ready.
	EventIncoming EventKind = iota
	EventOpened
	EventData
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventIncoming:
		return "incoming"
	case EventOpened:
		return "opened"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a transport notification for one handle.
type Event struct {
	Kind   EventKind
	Handle Handle
	Data   []byte
	Err    error
}

// EventSink accepts transport events in arrival order.
type EventSink interface {
	Deliver(ev Event)
}

// Handler consumes session traffic. Both methods run on the session's
// consumer goroutine (HandleReset may also run on the goroutine calling
// Close or Connect) and never with session locks held.
type Handler interface {
	HandleData(s *Session, payload []byte)
	// HandleReset is called after the session leaves Open or Connecting.
	HandleReset(s *Session)
}
