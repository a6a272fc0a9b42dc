package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
//
// Key material and ciphertext never reach the log; peers are identified by
// fingerprint.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithLevel returns a copy of the logger filtered at the named level.
// Unknown names leave the level unchanged.
func (l *Logger) WithLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return l
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer context to logger.
func (l *Logger) WithPeer(fingerprint string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer", fingerprint).Logger(),
	}
}

// WithComponent adds component context to logger.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// SessionTransition logs a connection state change.
func (l *Logger) SessionTransition(event, from, to string) {
	l.logger.Info().
		Str("event", event).
		Str("from", from).
		Str("to", to).
		Msg("session state changed")
}

// MessageSent logs an outbound envelope.
func (l *Logger) MessageSent(kind string, encrypted bool, size int) {
	l.logger.Debug().
		Str("kind", kind).
		Bool("encrypted", encrypted).
		Int("size", size).
		Msg("message sent")
}

// MessageReceived logs an accepted inbound envelope.
func (l *Logger) MessageReceived(kind string, encrypted bool, size int) {
	l.logger.Debug().
		Str("kind", kind).
		Bool("encrypted", encrypted).
		Int("size", size).
		Msg("message received")
}

// MessageDropped logs an inbound payload that was discarded.
func (l *Logger) MessageDropped(reason string, err error) {
	l.logger.Warn().
		Str("reason", reason).
		Err(err).
		Msg("message dropped")
}

// DecryptFailed logs a failed decryption of a received payload.
func (l *Logger) DecryptFailed(kind, messageID string, err error) {
	l.logger.Error().
		Str("kind", kind).
		Str("message_id", messageID).
		Err(err).
		Msg("decryption failed")
}

// DecryptDecision logs the user's answer to a pending decrypt request.
func (l *Logger) DecryptDecision(messageID, fileName string, confirmed bool) {
	l.logger.Info().
		Str("message_id", messageID).
		Str("file_name", fileName).
		Bool("confirmed", confirmed).
		Msg("decrypt request decided")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("QUIC connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("QUIC connection failed")
}

// ConnectionRefused logs an inbound connection turned away because a
// session is already active.
func (l *Logger) ConnectionRefused(peer, state string) {
	l.logger.Warn().
		Str("peer", peer).
		Str("state", state).
		Msg("inbound connection refused")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
