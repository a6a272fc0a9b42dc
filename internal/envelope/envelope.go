// Package envelope defines the JSON wire format exchanged between peers.
//
// Two message shapes exist:
//
//	{"messageType":"text","encrypted":"<hex>","nonce":"<hex>"}
//	{"messageType":"file","data":"<string>","fileName":"<string>"}
//
// A file's data field is either the raw file bytes as lowercase hex, or a
// JSON string {"nonce":"<hex>","encrypted":"<hex>"} carrying an encrypted
// sub-envelope. DecodeFileData tells the two apart structurally, before any
// JSON parsing, and returns a typed variant so callers never re-inspect it.
package envelope

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned when a wire message cannot be decoded.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrNotJSON marks input that is not a JSON object at all.
	ErrNotJSON = fmt.Errorf("%w: not JSON", ErrMalformedEnvelope)

	// ErrMissingMessageType marks a JSON object without a messageType field.
	ErrMissingMessageType = fmt.Errorf("%w: missing messageType", ErrMalformedEnvelope)

	// ErrUnknownMessageType marks a messageType this peer does not handle.
	ErrUnknownMessageType = fmt.Errorf("%w: unknown messageType", ErrMalformedEnvelope)
)

// Kind identifies the envelope variant.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"

	// KindPlaintext is a legacy unencrypted text: bare hex of UTF-8 bytes.
	KindPlaintext Kind = "plaintext"
)

// Envelope is a decoded wire message. Exactly one of Text, File or
// Plaintext is set, according to Kind.
type Envelope struct {
	Kind      Kind
	Text      *Text
	File      *File
	Plaintext []byte
}

// Text is an encrypted text message.
type Text struct {
	Nonce      []byte
	Ciphertext []byte
}

// File is a named file payload.
type File struct {
	Name string
	Data FileData
}

// FileData is either RawData or EncryptedData.
type FileData interface {
	isFileData()
}

// RawData is an unencrypted file body.
type RawData []byte

// EncryptedData is a sealed file body and its nonce.
type EncryptedData struct {
	Nonce      []byte
	Ciphertext []byte
}

func (RawData) isFileData()       {}
func (EncryptedData) isFileData() {}

// Encrypted reports whether the file body needs decryption.
func (f *File) Encrypted() bool {
	_, ok := f.Data.(EncryptedData)
	return ok
}
