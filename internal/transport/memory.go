package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/whisperlink/backend/internal/session"
)

var (
	// ErrUnreachable is returned when no endpoint answers at an address.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("connection closed")
)

const memoryInboxSize = 1024

// Network is an in-process switch connecting Endpoints by address. Events
// for each endpoint are delivered asynchronously and in order.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	nextID    atomic.Uint64
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the endpoint registered at address, creating it if
// needed.
func (n *Network) Endpoint(address string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[address]; ok {
		return ep
	}
	ep := &Endpoint{
		network: n,
		address: address,
		inbox:   make(chan session.Event, memoryInboxSize),
		done:    make(chan struct{}),
	}
	n.endpoints[address] = ep
	return ep
}

func (n *Network) lookup(address string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[address]
	return ep, ok
}

// Endpoint is one participant's attachment to a Network. It implements
// session.Transport.
type Endpoint struct {
	network *Network
	address string
	inbox   chan session.Event
	done    chan struct{}

	mu    sync.Mutex
	sink  session.EventSink
	bound bool
	shut  bool
}

var _ session.Transport = (*Endpoint)(nil)

// Address returns the address peers dial to reach this endpoint.
func (e *Endpoint) Address() string {
	return e.address
}

// Bind starts delivering events to sink. Until bound the endpoint refuses
// inbound connections.
func (e *Endpoint) Bind(sink session.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound {
		return
	}
	e.sink = sink
	e.bound = true

	go func() {
		for {
			select {
			case <-e.done:
				return
			case ev := <-e.inbox:
				sink.Deliver(ev)
			}
		}
	}()
}

// Shutdown stops event delivery and detaches the endpoint.
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shut {
		return
	}
	e.shut = true
	close(e.done)

	e.network.mu.Lock()
	delete(e.network.endpoints, e.address)
	e.network.mu.Unlock()
}

func (e *Endpoint) accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound && !e.shut
}

func (e *Endpoint) enqueue(ev session.Event) {
	select {
	case e.inbox <- ev:
	case <-e.done:
	}
}

// Dial connects to the endpoint at address.
func (e *Endpoint) Dial(ctx context.Context, address string) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := e.network.lookup(address)
	if !ok || !remote.accepting() {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	}

	id := e.network.nextID.Add(1)
	local := &memConn{id: fmt.Sprintf("mem-%d-a", id), peer: address, owner: e}
	far := &memConn{id: fmt.Sprintf("mem-%d-b", id), peer: e.address, owner: remote}
	local.other, far.other = far, local

	remote.enqueue(session.Event{Kind: session.EventIncoming, Handle: far})
	remote.enqueue(session.Event{Kind: session.EventOpened, Handle: far})
	return local, nil
}

// Send copies payload to the other side of h.
func (e *Endpoint) Send(h session.Handle, payload []byte) error {
	c, ok := h.(*memConn)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if c.isClosed() {
		return ErrConnClosed
	}
	data := append([]byte(nil), payload...)
	c.other.owner.enqueue(session.Event{Kind: session.EventData, Handle: c.other, Data: data})
	return nil
}

// Close tears down both sides of h. The far side observes EventClosed.
func (e *Endpoint) Close(h session.Handle) error {
	c, ok := h.(*memConn)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if !c.markClosed() {
		return nil
	}
	if c.other.markClosed() {
		c.other.owner.enqueue(session.Event{Kind: session.EventClosed, Handle: c.other})
	}
	return nil
}

// Break fails h on both sides, as a dropped network path would.
func (e *Endpoint) Break(h session.Handle, cause error) {
	c, ok := h.(*memConn)
	if !ok {
		return
	}
	if c.markClosed() {
		c.owner.enqueue(session.Event{Kind: session.EventError, Handle: c, Err: cause})
	}
	if c.other.markClosed() {
		c.other.owner.enqueue(session.Event{Kind: session.EventError, Handle: c.other, Err: cause})
	}
}

type memConn struct {
	id     string
	peer   string
	owner  *Endpoint
	other  *memConn
	closed atomic.Bool
}

func (c *memConn) Peer() string { return c.peer }
func (c *memConn) ID() string   { return c.id }

func (c *memConn) isClosed() bool { return c.closed.Load() }

// markClosed reports whether this call closed the connection.
func (c *memConn) markClosed() bool {
	return c.closed.CompareAndSwap(false, true)
}
