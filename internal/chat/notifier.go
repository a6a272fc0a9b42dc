package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeType classifies user-facing notifications.
type NoticeType int

const (
	NoticeSent NoticeType = iota + 1
	NoticeReceived
	NoticeEncryptedReceived
	NoticeDecrypted
	NoticeDecryptFailed
	NoticeDeclined
	NoticeExpired
	NoticeReset
)

func (n NoticeType) String() string {
	switch n {
	case NoticeSent:
		return "SENT"
	case NoticeReceived:
		return "RECEIVED"
	case NoticeEncryptedReceived:
		return "ENCRYPTED_RECEIVED"
	case NoticeDecrypted:
		return "DECRYPTED"
	case NoticeDecryptFailed:
		return "DECRYPT_FAILED"
	case NoticeDeclined:
		return "DECLINED"
	case NoticeExpired:
		return "EXPIRED"
	case NoticeReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// Notice is a notification for the presentation layer.
type Notice struct {
	Type      NoticeType
	MessageID string
	Kind      Kind
	Content   string
	Timestamp time.Time
	Err       error
}

// Subscription receives notices on Channel until unsubscribed.
type Subscription struct {
	ID      string
	Channel chan Notice
}

// Notifier fans notices out to subscribers. Slow subscribers miss notices
// rather than stall the controller.
type Notifier struct {
	subscriptions map[string]*Subscription
	mu            sync.RWMutex
	bufferSize    int
}

// NewNotifier creates a notifier whose subscriptions buffer bufferSize
// notices.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new subscription.
func (n *Notifier) Subscribe() *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: make(chan Notice, n.bufferSize),
	}
	n.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub, ok := n.subscriptions[id]; ok {
		close(sub.Channel)
		delete(n.subscriptions, id)
	}
}

// Publish broadcasts a notice to every subscriber without blocking.
func (n *Notifier) Publish(notice Notice) {
	if n == nil {
		return
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now()
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.subscriptions {
		select {
		case sub.Channel <- notice:
		default:
		}
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (n *Notifier) SubscriptionCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscriptions)
}

func (n *Notifier) publishMessage(t NoticeType, m Message, err error) {
	n.Publish(Notice{
		Type:      t,
		MessageID: m.ID,
		Kind:      m.Kind,
		Content:   m.Content,
		Err:       err,
	})
}
