// Package directory is the client side of the peer directory: a small
// HTTP service mapping a participant's public key to the QUIC address it
// currently listens on.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisperlink/backend/internal/transport"
)

// API paths served by the directory.
const (
	RegisterPath = "/api/v1/register"
	LookupPath   = "/api/v1/lookup/"
	HealthPath   = "/health"

	requestIDHeader = "X-Request-ID"
)

var (
	// ErrNotFound is returned by Lookup for an unknown or expired key.
	ErrNotFound = errors.New("directory entry not found")

	// ErrRateLimited is returned when the directory throttles the caller.
	ErrRateLimited = errors.New("directory rate limit exceeded")
)

// Entry is one registered participant.
type Entry struct {
	PublicKey      string    `json:"public_key"`
	Fingerprint    string    `json:"fingerprint"`
	Address        string    `json:"address"`
	RegisteredAt   time.Time `json:"registered_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	RegistrationID string    `json:"registration_id"`
}

// RegisterRequest is the body of POST /api/v1/register.
type RegisterRequest struct {
	PublicKey  string `json:"public_key"`
	Address    string `json:"address"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// RegisterResponse acknowledges a registration.
type RegisterResponse struct {
	Fingerprint    string    `json:"fingerprint"`
	ExpiresAt      time.Time `json:"expires_at"`
	RegistrationID string    `json:"registration_id"`
}

// NormalizeKey is the canonical directory key for a public key hex.
func NormalizeKey(publicKeyHex string) string {
	k := strings.TrimSpace(publicKeyHex)
	k = strings.TrimPrefix(strings.TrimPrefix(k, "0x"), "0X")
	return strings.ToLower(k)
}

// Client talks to a directory service.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ transport.Resolver = (*Client)(nil)

// NewClient creates a client for baseURL. A nil httpClient uses a client
// with a ten second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Register announces that publicKey is reachable at address for ttl.
func (c *Client) Register(ctx context.Context, publicKey, address string, ttl time.Duration) (*RegisterResponse, error) {
	body, err := json.Marshal(RegisterRequest{
		PublicKey:  NormalizeKey(publicKey),
		Address:    address,
		TTLSeconds: int(ttl / time.Second),
	})
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, RegisterPath, body, http.StatusCreated, &resp); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

// Unregister removes a registration. registrationID must match the one
// returned by Register.
func (c *Client) Unregister(ctx context.Context, publicKey, registrationID string) error {
	path := RegisterPath + "/" + url.PathEscape(NormalizeKey(publicKey)) +
		"?registration_id=" + url.QueryEscape(registrationID)
	if err := c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

// Lookup returns the live entry for publicKey.
func (c *Client) Lookup(ctx context.Context, publicKey string) (*Entry, error) {
	var entry Entry
	path := LookupPath + url.PathEscape(NormalizeKey(publicKey))
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &entry); err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	return &entry, nil
}

// Resolve implements transport.Resolver.
func (c *Client) Resolve(ctx context.Context, address string) (string, error) {
	entry, err := c.Lookup(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	if err != nil {
		return "", err
	}
	return entry.Address, nil
}

// Ping checks that the directory answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, HealthPath, nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(requestIDHeader, uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == want:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
