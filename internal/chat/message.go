package chat

import (
	"sort"
	"time"
)

// Sender tells whose side a message came from.
type Sender string

const (
	SenderSelf Sender = "self"
	SenderPeer Sender = "peer"
)

// Kind is the payload type of a history entry.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// Status tracks where a history entry is in its lifecycle.
type Status string

const (
	StatusSent     Status = "sent"
	StatusReceived Status = "received"

	// StatusPending marks an encrypted file awaiting a decrypt decision.
	StatusPending       Status = "pending"
	StatusDecrypted     Status = "decrypted"
	StatusDecryptFailed Status = "decrypt_failed"
	StatusDeclined      Status = "declined"
	StatusExpired       Status = "expired"
)

// Message is one entry of the chat history.
//
// For text, Content is the cleartext. For files, Content is the file name
// and Resource is the content digest of the body held in the controller's
// resource store: the ciphertext while Encrypted is set, the plaintext
// otherwise.
type Message struct {
	ID        string
	Sender    Sender
	Kind      Kind
	Content   string
	Resource  string
	Encrypted bool
	Status    Status
	Timestamp time.Time
}

// PendingRequest describes an encrypted file awaiting a decision.
type PendingRequest struct {
	MessageID  string
	FileName   string
	Sender     string
	ReceivedAt time.Time
}

func sortPending(reqs []PendingRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].ReceivedAt.Equal(reqs[j].ReceivedAt) {
			return reqs[i].ReceivedAt.Before(reqs[j].ReceivedAt)
		}
		return reqs[i].MessageID < reqs[j].MessageID
	})
}
