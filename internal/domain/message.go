package domain

import (
	"strconv"
	"time"
)

const MaxMessageSize = 5000

type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo:
		return true
	}
	return false
}

// Message Invariants:
// 1. Ordering: newest-first by CreatedAt, ties broken by ID.
// 2. Identity: ID and (SenderID, CreatedAt) each identify one message.
// 3. Immutability: never mutated after the store confirms it.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Kind       MessageKind `json:"kind"`
	Body       string      `json:"body,omitempty"`
	MediaID    string      `json:"mediaId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`

	// Local-only flags for optimistic sends.
	Pending bool `json:"pending,omitempty"`
	Failed  bool `json:"failed,omitempty"`
}

func NewMessage(
	id string,
	senderID string,
	receiverID string,
	kind MessageKind,
	body string,
	mediaID string,
	now time.Time,
) (*Message, error) {

	if id == "" || senderID == "" || receiverID == "" {
		return nil, ErrInvalidMessage
	}

	if !kind.Valid() {
		return nil, ErrInvalidMessage
	}

	if kind == KindText && body == "" {
		return nil, ErrInvalidMessage
	}

	if kind != KindText && mediaID == "" {
		return nil, ErrInvalidMessage
	}

	if len(body) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	return &Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Body:       body,
		MediaID:    mediaID,
		CreatedAt:  NormalizeTime(now),
	}, nil
}

// NormalizeTime truncates to the precision shared by every backing store.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// DedupKey identifies a message by its sender and creation instant.
type DedupKey struct {
	SenderID string
	Micros   int64
}

func (m *Message) Key() DedupKey {
	return DedupKey{SenderID: m.SenderID, Micros: m.CreatedAt.UnixMicro()}
}

func (k DedupKey) String() string {
	return k.SenderID + "@" + strconv.FormatInt(k.Micros, 10)
}

// Newer reports whether a sorts before b in newest-first order.
func Newer(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Between reports whether the message was exchanged by the two participants,
// in either direction.
func (m *Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}
