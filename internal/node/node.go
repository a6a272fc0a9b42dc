// Package node assembles a running participant: identity, transport,
// session, chat controller, directory registration and the metrics and
// health endpoints.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whisperlink/backend/internal/chat"
	"github.com/whisperlink/backend/internal/config"
	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/directory"
	"github.com/whisperlink/backend/internal/observability"
	"github.com/whisperlink/backend/internal/session"
	"github.com/whisperlink/backend/internal/transport"
)

// Version is reported by health checks and logs.
var Version = "dev"

// ErrNoTransport is returned by New without a transport.
var ErrNoTransport = errors.New("node requires a transport")

// Transport is a session transport that reports connection events to a
// sink.
type Transport interface {
	session.Transport
	Bind(sink session.EventSink)
}

// Options configures a Node.
type Options struct {
	Config    *config.Config
	Identity  *crypto.Identity
	Transport Transport
	Logger    *observability.Logger

	// Registry receives the node's metrics. Nil creates a private one.
	Registry *prometheus.Registry

	// Directory enables registration and is used for health pings.
	Directory *directory.Client

	// QUIC is served by Run when set. It should be the same value as
	// Transport.
	QUIC *transport.QUICTransport

	// Routes lets Connect record address hints for the transport's
	// resolver.
	Routes *Routes
}

// Node is one participant.
type Node struct {
	cfg      *config.Config
	identity *crypto.Identity
	log      *observability.Logger
	metrics  *observability.Metrics
	health   *observability.HealthChecker

	transport Transport
	quic      *transport.QUICTransport
	dir       *directory.Client
	routes    *Routes

	session  *session.Session
	chat     *chat.Controller
	notifier *chat.Notifier

	mu             sync.Mutex
	registrationID string
}

// New wires a node around an existing transport.
func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, ErrNoTransport
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := opts.Identity
	if id == nil {
		var err error
		if id, err = crypto.GenerateIdentity(); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}

	log := opts.Logger
	if log == nil {
		log = observability.NopLogger()
	}
	log = log.WithPeer(id.Fingerprint())

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := observability.NewMetrics(reg)

	notifier := chat.NewNotifier(cfg.EventQueueSize)
	controller, err := chat.New(chat.Options{
		Identity:      id,
		PendingPolicy: cfg.PendingPolicy,
		PendingTTL:    cfg.PendingTTL,
		Logger:        log,
		Metrics:       metrics,
		Notifier:      notifier,
	})
	if err != nil {
		return nil, err
	}

	sess := session.New(opts.Transport, controller, session.Options{
		EventQueueSize: cfg.EventQueueSize,
		OutboxSize:     cfg.OutboxSize,
		Logger:         log,
		Metrics:        metrics,
	})
	opts.Transport.Bind(sess)

	n := &Node{
		cfg:       cfg,
		identity:  id,
		log:       log,
		metrics:   metrics,
		health:    observability.NewHealthChecker(Version),
		transport: opts.Transport,
		quic:      opts.QUIC,
		dir:       opts.Directory,
		routes:    opts.Routes,
		session:   sess,
		chat:      controller,
		notifier:  notifier,
	}
	n.registerChecks()
	return n, nil
}

// NewQUIC builds a node listening on cfg.ListenAddr. Peers are resolved
// through connect hints first and the directory at cfg.DirectoryURL
// second.
func NewQUIC(cfg *config.Config, id *crypto.Identity, log *observability.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if id == nil {
		var err error
		if id, err = crypto.GenerateIdentity(); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}
	if log == nil {
		log = observability.NopLogger()
	}

	var dir *directory.Client
	routes := NewRoutes(nil)
	if cfg.DirectoryURL != "" {
		dir = directory.NewClient(cfg.DirectoryURL, nil)
		routes = NewRoutes(dir)
	}

	qt := transport.NewQUIC(id.Address(), routes, transport.QUICOptions{Logger: log})
	if err := qt.Listen(cfg.ListenAddr); err != nil {
		return nil, err
	}

	n, err := New(Options{
		Config:    cfg,
		Identity:  id,
		Transport: qt,
		Logger:    log,
		Directory: dir,
		QUIC:      qt,
		Routes:    routes,
	})
	if err != nil {
		_ = qt.Shutdown()
		return nil, err
	}
	qt.SetMetrics(n.metrics)
	return n, nil
}

func (n *Node) registerChecks() {
	n.health.RegisterCheck("identity", observability.IdentityCheck(n.identity.Fingerprint()))
	n.health.RegisterCheck("session", observability.SessionCheck(func() string {
		return string(n.session.State())
	}))
	if n.quic != nil {
		n.health.RegisterCheck("quic_listener", observability.QUICListenerCheck(n.quic.Addr))
	}
	if n.dir != nil {
		n.health.RegisterCheck("directory", observability.PingCheck(n.dir.Ping))
	}
}

// Identity returns the local identity.
func (n *Node) Identity() *crypto.Identity { return n.identity }

// Address is the public key hex peers connect to.
func (n *Node) Address() string { return n.identity.Address() }

// ListenAddr returns the bound QUIC address, or "" without QUIC.
func (n *Node) ListenAddr() string {
	if n.quic == nil {
		return ""
	}
	return n.quic.Addr()
}

// State returns the session state.
func (n *Node) State() session.State { return n.session.State() }

// Counterpart returns the connected peer's address, or "".
func (n *Node) Counterpart() string { return n.session.Counterpart() }

// Connect opens a session to target, which is a public key hex optionally
// followed by "@host:port" to bypass the directory.
func (n *Node) Connect(ctx context.Context, target string) error {
	address, hostPort := ParseTarget(target)
	if hostPort != "" && n.routes != nil {
		n.routes.Add(address, hostPort)
	}
	if n.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.DialTimeout)
		defer cancel()
	}
	return n.session.Connect(ctx, address)
}

// Disconnect closes the live session, if any.
func (n *Node) Disconnect() error { return n.session.Close() }

// Send sends a text message to the counterpart.
func (n *Node) Send(ctx context.Context, text string) error {
	return n.chat.Send(ctx, n.session, text)
}

// SendFile sends a file to the counterpart, encrypted or raw.
func (n *Node) SendFile(ctx context.Context, name string, data []byte, encrypt bool) (chat.Message, error) {
	return n.chat.SendFile(ctx, n.session, name, data, encrypt)
}

// Decide answers a pending decrypt request.
func (n *Node) Decide(ctx context.Context, messageID string, confirmed bool) (chat.Message, error) {
	return n.chat.Decide(ctx, messageID, confirmed)
}

// History returns the ordered message history.
func (n *Node) History() []chat.Message { return n.chat.History() }

// Pending lists undecided decrypt requests.
func (n *Node) Pending() []chat.PendingRequest { return n.chat.Pending() }

// Resource returns a stored file body.
func (n *Node) Resource(digest string) ([]byte, error) { return n.chat.Resource(digest) }

// Subscribe returns a notice subscription.
func (n *Node) Subscribe() *chat.Subscription { return n.notifier.Subscribe() }

// Unsubscribe ends a notice subscription.
func (n *Node) Unsubscribe(id string) { n.notifier.Unsubscribe(id) }

// Handler serves /metrics and /health.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.Handle("/health", n.health.Handler())
	return mux
}

// Run drives the node until ctx is done or a component fails, then shuts
// everything down.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = n.session.Run(ctx)
	}()

	if n.quic != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.quic.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("quic: %w", err)
			}
		}()
	}

	if n.dir != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.registrationLoop(ctx)
		}()
	}

	if n.cfg.PendingTTL > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.expiryLoop(ctx)
		}()
	}

	if n.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           n.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.log.Info("observability server listening on " + n.cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("observability server: %w", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		n.log.Error(runErr, "node component failed")
	}
	cancel()

	n.shutdown()
	wg.Wait()
	return runErr
}

func (n *Node) shutdown() {
	n.session.Stop()

	switch t := n.transport.(type) {
	case interface{ Shutdown() error }:
		if err := t.Shutdown(); err != nil {
			n.log.Error(err, "transport shutdown")
		}
	case interface{ Shutdown() }:
		t.Shutdown()
	}

	n.mu.Lock()
	regID := n.registrationID
	n.registrationID = ""
	n.mu.Unlock()
	if n.dir != nil && regID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.dir.Unregister(ctx, n.Address(), regID); err != nil {
			n.log.Warn("directory unregister failed: " + err.Error())
		}
	}
}

func (n *Node) registrationLoop(ctx context.Context) {
	ttl := n.cfg.RegistrationTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	n.register(ctx, ttl)
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.register(ctx, ttl)
		}
	}
}

func (n *Node) register(ctx context.Context, ttl time.Duration) {
	addr := n.cfg.AdvertiseAddr
	if addr == "" {
		addr = n.ListenAddr()
	}
	if addr == "" {
		return
	}
	resp, err := n.dir.Register(ctx, n.Address(), addr, ttl)
	if err != nil {
		if ctx.Err() == nil {
			n.log.Warn("directory registration failed: " + err.Error())
		}
		return
	}
	n.mu.Lock()
	n.registrationID = resp.RegistrationID
	n.mu.Unlock()
	n.log.Debug("registered with directory as " + addr)
}

func (n *Node) expiryLoop(ctx context.Context) {
	interval := n.cfg.PendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if count := n.chat.ExpirePending(now); count > 0 {
				n.log.Info(fmt.Sprintf("expired %d pending decrypt requests", count))
			}
		}
	}
}

// ParseTarget splits "key@host:port" into its parts. A bare key yields an
// empty hostPort.
func ParseTarget(target string) (address, hostPort string) {
	target = strings.TrimSpace(target)
	address, hostPort, _ = strings.Cut(target, "@")
	return address, hostPort
}

// Routes resolves peer addresses from connect hints, then a fallback
// resolver.
type Routes struct {
	mu       sync.RWMutex
	hints    map[string]string
	fallback transport.Resolver
}

var _ transport.Resolver = (*Routes)(nil)

// NewRoutes creates a route table. fallback may be nil.
func NewRoutes(fallback transport.Resolver) *Routes {
	return &Routes{hints: make(map[string]string), fallback: fallback}
}

// Add records hostPort for address.
func (r *Routes) Add(address, hostPort string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints[directory.NormalizeKey(address)] = hostPort
}

// Resolve implements transport.Resolver.
func (r *Routes) Resolve(ctx context.Context, address string) (string, error) {
	r.mu.RLock()
	hostPort, ok := r.hints[directory.NormalizeKey(address)]
	r.mu.RUnlock()
	if ok {
		return hostPort, nil
	}
	if r.fallback == nil {
		return "", fmt.Errorf("%w: no route to %s", transport.ErrUnreachable, crypto.PublicKeyFingerprint(address))
	}
	return r.fallback.Resolve(ctx, address)
}
