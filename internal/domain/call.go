package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallState string

const (
	CallIdle     CallState = "idle"
	CallPending  CallState = "pending"
	CallAccepted CallState = "accepted"
	CallRejected CallState = "rejected"
	CallEnded    CallState = "ended"
)

// Terminal states are never left for the same call id.
func (s CallState) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// Live states hold a media obligation (preview or joined channel).
func (s CallState) Live() bool {
	return s == CallPending || s == CallAccepted
}

func (s CallState) Valid() bool {
	switch s {
	case CallPending, CallAccepted, CallRejected, CallEnded:
		return true
	}
	return false
}

// Call Invariants:
// 1. ChannelID == ChannelID(CallerID, ReceiverID).
// 2. State only moves forward: pending -> {accepted, rejected} -> ended.
// 3. A terminal call id is never reused.
type Call struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"callerId"`
	ReceiverID string    `json:"receiverId"`
	ChannelID  string    `json:"channelId"`
	State      CallState `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func NewCall(id, callerID, receiverID string, now time.Time) (*Call, error) {
	if id == "" || callerID == "" || receiverID == "" {
		return nil, ErrInvalidCall
	}
	if callerID == receiverID {
		return nil, ErrSelfCall
	}
	now = NormalizeTime(now)
	return &Call{
		ID:         id,
		CallerID:   callerID,
		ReceiverID: receiverID,
		ChannelID:  ChannelID(callerID, receiverID),
		State:      CallPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Peer returns the other participant from the point of view of self.
func (c *Call) Peer(self string) string {
	if c.CallerID == self {
		return c.ReceiverID
	}
	return c.CallerID
}

var channelNamespace = uuid.MustParse("8f2d0c7a-3b1e-5a49-9c6d-2e7f4b1a9d30")

// ChannelID derives the media channel both participants join. It depends only
// on the unordered pair, so caller and callee compute it independently.
func ChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(channelNamespace, []byte(a+"\x00"+b)).String()
}
