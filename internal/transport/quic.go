package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/whisperlink/backend/internal/observability"
	"github.com/whisperlink/backend/internal/session"
)

// ErrNotListening is returned by Serve before Listen succeeded.
var ErrNotListening = errors.New("QUIC transport not listening")

// Resolver maps a peer's public key address to a QUIC host:port.
type Resolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

// StaticResolver resolves from a fixed table.
type StaticResolver map[string]string

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, address string) (string, error) {
	hostPort, ok := r[address]
	if !ok {
		return "", fmt.Errorf("%w: no route to %s", ErrUnreachable, address)
	}
	return hostPort, nil
}

// QUICOptions configures a QUICTransport.
type QUICOptions struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// AcceptRate limits inbound connection accepts per second. Zero means
	// 50/s with a burst of 100.
	AcceptRate  rate.Limit
	AcceptBurst int
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,   // 8 MiB
		InitialConnectionReceiveWindow: 32 << 20, // 32 MiB
	}
}

// QUICTransport carries envelopes over one bidirectional QUIC stream per
// connection. It implements session.Transport.
type QUICTransport struct {
	self     string
	resolver Resolver
	log      *observability.Logger
	metrics  *observability.Metrics
	accepts  *rate.Limiter

	mu       sync.Mutex
	listener *quic.Listener
	sink     session.EventSink
	conns    map[*quicConn]struct{}
}

var _ session.Transport = (*QUICTransport)(nil)

// NewQUIC creates a transport that announces self (our public key hex) to
// every peer it dials.
func NewQUIC(self string, resolver Resolver, opts QUICOptions) *QUICTransport {
	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	if opts.AcceptRate <= 0 {
		opts.AcceptRate, opts.AcceptBurst = 50, 100
	}
	if opts.AcceptBurst <= 0 {
		opts.AcceptBurst = 1
	}
	return &QUICTransport{
		self:     self,
		resolver: resolver,
		log:      log.WithComponent("quic"),
		metrics:  opts.Metrics,
		accepts:  rate.NewLimiter(opts.AcceptRate, opts.AcceptBurst),
		conns:    make(map[*quicConn]struct{}),
	}
}

// SetMetrics attaches metrics. Call it before Serve or Dial.
func (t *QUICTransport) SetMetrics(m *observability.Metrics) {
	t.metrics = m
}

// Listen binds the QUIC listener on addr.
func (t *QUICTransport) Listen(addr string) error {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (t *QUICTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Bind sets the sink that receives connection events. It must be called
// before Dial or Serve.
func (t *QUICTransport) Bind(sink session.EventSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *QUICTransport) deliver(ev session.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.Deliver(ev)
	}
}

// Serve accepts inbound connections until ctx is done or the listener
// closes.
func (t *QUICTransport) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	for {
		if err := t.accepts.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go t.accept(ctx, conn)
	}
}

func (t *QUICTransport) accept(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := conn.AcceptStream(hsCtx)
	if err != nil {
		t.metrics.RecordQUICConnection("inbound", false)
		t.log.ConnectionFailed(remote, err)
		_ = conn.CloseWithError(0, "no stream")
		return
	}

	hello, err := readHello(stream)
	if err != nil {
		t.metrics.RecordQUICConnection("inbound", false)
		t.log.ConnectionFailed(remote, err)
		_ = conn.CloseWithError(1, "bad hello")
		return
	}

	c := t.track(conn, stream, hello.Address)
	t.metrics.RecordQUICConnection("inbound", true)

	t.deliver(session.Event{Kind: session.EventIncoming, Handle: c})
	t.deliver(session.Event{Kind: session.EventOpened, Handle: c})
	go t.readLoop(c)
}

// Dial resolves address through the resolver and opens a connection.
func (t *QUICTransport) Dial(ctx context.Context, address string) (session.Handle, error) {
	hostPort, err := t.resolver.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, hostPort, ClientTLSConfig(), quicConfig())
	if err != nil {
		t.metrics.RecordQUICConnection("outbound", false)
		return nil, fmt.Errorf("dial %s: %w", hostPort, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.metrics.RecordQUICConnection("outbound", false)
		_ = conn.CloseWithError(0, "stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	if err := writeHello(stream, t.self); err != nil {
		t.metrics.RecordQUICConnection("outbound", false)
		_ = conn.CloseWithError(0, "hello failed")
		return nil, fmt.Errorf("write hello: %w", err)
	}

	c := t.track(conn, stream, address)
	t.metrics.RecordQUICConnection("outbound", true)
	go t.readLoop(c)
	return c, nil
}

// Send writes one data frame on h's stream.
func (t *QUICTransport) Send(h session.Handle, payload []byte) error {
	c, ok := h.(*quicConn)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if c.isClosed() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.stream, FrameData, payload)
}

// Close shuts h down. Closing twice is a no-op.
func (t *QUICTransport) Close(h session.Handle) error {
	c, ok := h.(*quicConn)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	return t.closeConn(c)
}

// Shutdown closes every connection and the listener.
func (t *QUICTransport) Shutdown() error {
	t.mu.Lock()
	conns := make([]*quicConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	ln := t.listener
	t.mu.Unlock()

	for _, c := range conns {
		_ = t.closeConn(c)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (t *QUICTransport) track(conn *quic.Conn, stream *quic.Stream, peer string) *quicConn {
	c := &quicConn{
		id:     uuid.NewString(),
		peer:   peer,
		conn:   conn,
		stream: stream,
	}
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	t.log.ConnectionEstablished(conn.RemoteAddr().String(), c.id)
	return c
}

func (t *QUICTransport) closeConn(c *quicConn) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()

		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "closed")
	})
	return err
}

func (t *QUICTransport) readLoop(c *quicConn) {
	for {
		ft, data, err := readFrame(c.stream)
		if err != nil {
			locallyClosed := c.isClosed()
			_ = t.closeConn(c)
			if locallyClosed || isGracefulClose(err) {
				t.deliver(session.Event{Kind: session.EventClosed, Handle: c})
			} else {
				t.deliver(session.Event{Kind: session.EventError, Handle: c, Err: err})
			}
			return
		}
		if ft != FrameData {
			t.log.Warn(fmt.Sprintf("ignoring frame type %d", ft))
			continue
		}
		t.deliver(session.Event{Kind: session.EventData, Handle: c, Data: data})
	}
}

func isGracefulClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == 0
	}
	return false
}

type quicConn struct {
	id     string
	peer   string
	conn   *quic.Conn
	stream *quic.Stream

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *quicConn) Peer() string { return c.peer }
func (c *quicConn) ID() string   { return c.id }

func (c *quicConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
