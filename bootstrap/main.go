package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/whisperlink/backend/internal/crypto"
	"github.com/whisperlink/backend/internal/directory"
	"github.com/whisperlink/backend/internal/observability"
)

var version = "dev"

var (
	errNotFound = errors.New("entry not found")
	errExpired  = errors.New("entry expired")
)

// Registry holds live directory entries keyed by normalized public key.
type Registry struct {
	entries map[string]*directory.Entry
	mu      sync.RWMutex
}

// BootstrapService serves the peer directory.
type BootstrapService struct {
	registry  *Registry
	limiters  map[string]*rate.Limiter
	limiterMu sync.RWMutex
	maxTTL    time.Duration
	log       *observability.Logger
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*directory.Entry),
	}
}

func NewBootstrapService(maxTTL time.Duration, log *observability.Logger) *BootstrapService {
	if log == nil {
		log = observability.NopLogger()
	}
	return &BootstrapService{
		registry: NewRegistry(),
		limiters: make(map[string]*rate.Limiter),
		maxTTL:   maxTTL,
		log:      log,
		now:      time.Now,
	}
}

// Upsert stores entry, replacing any earlier registration of the same key.
func (r *Registry) Upsert(entry *directory.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.PublicKey] = entry
}

// Lookup retrieves a live entry
func (r *Registry) Lookup(key string, now time.Time) (*directory.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[key]
	if !exists {
		return nil, errNotFound
	}
	if now.After(entry.ExpiresAt) {
		return nil, errExpired
	}
	return entry, nil
}

// Remove deletes key if registrationID matches the stored registration.
func (r *Registry) Remove(key, registrationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[key]
	if !exists || entry.RegistrationID != registrationID {
		return false
	}
	delete(r.entries, key)
	return true
}

// CleanupExpired removes expired entries
func (r *Registry) CleanupExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key, entry := range r.entries {
		if now.After(entry.ExpiresAt) {
			delete(r.entries, key)
			count++
		}
	}
	return count
}

// Count returns the number of stored entries
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Rate limiter
func (bs *BootstrapService) getRateLimiter(ip string, limit rate.Limit, burst int) *rate.Limiter {
	bs.limiterMu.Lock()
	defer bs.limiterMu.Unlock()

	key := fmt.Sprintf("%s|%v", ip, limit)
	limiter, exists := bs.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(limit, burst)
		bs.limiters[key] = limiter
	}
	return limiter
}

func (bs *BootstrapService) allow(w http.ResponseWriter, r *http.Request, limit rate.Limit, burst int, retryAfter string) bool {
	if bs.getRateLimiter(getClientIP(r), limit, burst).Allow() {
		return true
	}
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// HTTP Handlers

func (bs *BootstrapService) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !bs.allow(w, r, rate.Limit(20.0/60.0), 20, "60") { // 20 per minute
		return
	}

	var req directory.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	key := directory.NormalizeKey(req.PublicKey)
	if err := crypto.ValidatePublicKey(key); err != nil {
		http.Error(w, "Invalid public key", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(req.Address); err != nil {
		http.Error(w, "Invalid address", http.StatusBadRequest)
		return
	}

	// Default TTL
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 300
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl > bs.maxTTL {
		ttl = bs.maxTTL
	}

	now := bs.now()
	entry := &directory.Entry{
		PublicKey:      key,
		Fingerprint:    crypto.PublicKeyFingerprint(key),
		Address:        req.Address,
		RegisteredAt:   now,
		ExpiresAt:      now.Add(ttl),
		RegistrationID: uuid.NewString(),
	}
	bs.registry.Upsert(entry)

	bs.log.WithPeer(entry.Fingerprint).Info(fmt.Sprintf("registered %s until %s", entry.Address, entry.ExpiresAt.Format(time.RFC3339)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(directory.RegisterResponse{
		Fingerprint:    entry.Fingerprint,
		ExpiresAt:      entry.ExpiresAt,
		RegistrationID: entry.RegistrationID,
	})
}

func (bs *BootstrapService) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !bs.allow(w, r, rate.Limit(20.0/60.0), 20, "60") {
		return
	}

	key := directory.NormalizeKey(strings.TrimPrefix(r.URL.Path, directory.RegisterPath+"/"))
	if key == "" {
		http.Error(w, "Public key required", http.StatusBadRequest)
		return
	}
	if !bs.registry.Remove(key, r.URL.Query().Get("registration_id")) {
		http.Error(w, "Registration not found", http.StatusNotFound)
		return
	}

	bs.log.WithPeer(crypto.PublicKeyFingerprint(key)).Info("unregistered")
	w.WriteHeader(http.StatusNoContent)
}

func (bs *BootstrapService) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !bs.allow(w, r, rate.Limit(200.0/60.0), 200, "60") { // 200 per minute
		return
	}

	key := directory.NormalizeKey(strings.TrimPrefix(r.URL.Path, directory.LookupPath))
	if key == "" {
		http.Error(w, "Public key required", http.StatusBadRequest)
		return
	}

	entry, err := bs.registry.Lookup(key, bs.now())
	if err != nil {
		http.Error(w, "Public key not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entry)
}

func (bs *BootstrapService) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"version":     version,
		"entry_count": bs.registry.Count(),
	})
}

func (bs *BootstrapService) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(directory.RegisterPath, bs.handleRegister)
	mux.HandleFunc(directory.RegisterPath+"/", bs.handleUnregister)
	mux.HandleFunc(directory.LookupPath, bs.handleLookup)
	mux.HandleFunc(directory.HealthPath, bs.handleHealth)
	return mux
}

// Helper functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func main() {
	listen := flag.String("listen", ":8081", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "Logging level")
	maxTTL := flag.Duration("ttl-max", time.Hour, "Maximum registration TTL")
	cleanupInterval := flag.Duration("cleanup-interval", 60*time.Second, "Cleanup interval")
	enablePprof := flag.Bool("pprof", false, "Serve /debug/pprof")
	flag.Parse()

	log := observability.NewLogger("whisperlink-directory", version, os.Stdout).WithLevel(*logLevel)
	if *listen == "" {
		log.Fatal(errors.New("listen address cannot be empty"), "invalid flags")
	}
	log.Info(fmt.Sprintf("directory starting (max ttl %s, cleanup every %s)", *maxTTL, *cleanupInterval))

	service := NewBootstrapService(*maxTTL, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(*cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if count := service.registry.CleanupExpired(now); count > 0 {
					log.Info(fmt.Sprintf("cleaned up %d expired entries", count))
				}
			}
		}
	}()

	mux := service.routes()
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	server := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("directory listening on " + *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "HTTP server error")
		}
	}()

	<-ctx.Done()

	log.Info(fmt.Sprintf("shutting down, %d entries", service.registry.Count()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "shutdown")
	}
}
