package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelID_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"u1", "u2"},
		{"0764724a-714a-4952-b94f-dc29f5505417", "a1b2c3d4-0000-4000-8000-000000000001"},
		{"alice", "alice-bob"},
		{"a-b", "c"},
	}

	for _, p := range pairs {
		assert.Equal(t, ChannelID(p[0], p[1]), ChannelID(p[1], p[0]), "pair %v", p)
	}
}

func TestChannelID_DistinctPairs(t *testing.T) {
	// Naive "caller-receiver" joining would collide on these.
	assert.NotEqual(t, ChannelID("a-b", "c"), ChannelID("a", "b-c"))
	assert.NotEqual(t, ChannelID("u1", "u2"), ChannelID("u1", "u3"))
	assert.LessOrEqual(t, len(ChannelID("0764724a-714a-4952-b94f-dc29f5505417", "a1b2c3d4-0000-4000-8000-000000000001")), 64)
}

func TestNewMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.FixedZone("x", 3600))

	tests := []struct {
		name    string
		kind    MessageKind
		body    string
		mediaID string
		wantErr error
	}{
		{name: "text", kind: KindText, body: "hi"},
		{name: "image", kind: KindImage, mediaID: "file-1"},
		{name: "empty text", kind: KindText, wantErr: ErrInvalidMessage},
		{name: "video without media", kind: KindVideo, wantErr: ErrInvalidMessage},
		{name: "unknown kind", kind: "sticker", body: "x", wantErr: ErrInvalidMessage},
		{name: "too large", kind: KindText, body: string(make([]byte, MaxMessageSize+1)), wantErr: ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage("m1", "u1", "u2", tt.kind, tt.body, tt.mediaID, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.UTC, msg.CreatedAt.Location())
			assert.Equal(t, 0, msg.CreatedAt.Nanosecond()%1000)
		})
	}
}

func TestNewer_TieBreaksByID(t *testing.T) {
	ts := time.Unix(100, 0)
	a := &Message{ID: "b", CreatedAt: ts}
	b := &Message{ID: "a", CreatedAt: ts}
	c := &Message{ID: "z", CreatedAt: ts.Add(-time.Millisecond)}

	assert.True(t, Newer(a, b))
	assert.False(t, Newer(b, a))
	assert.True(t, Newer(b, c))
}

func TestNewCall(t *testing.T) {
	call, err := NewCall("c1", "u1", "u2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, CallPending, call.State)
	assert.Equal(t, ChannelID("u2", "u1"), call.ChannelID)
	assert.Equal(t, "u2", call.Peer("u1"))
	assert.Equal(t, "u1", call.Peer("u2"))

	_, err = NewCall("c2", "u1", "u1", time.Now())
	assert.ErrorIs(t, err, ErrSelfCall)
}

func TestCallState(t *testing.T) {
	assert.True(t, CallEnded.Terminal())
	assert.True(t, CallRejected.Terminal())
	assert.False(t, CallAccepted.Terminal())
	assert.True(t, CallPending.Live())
	assert.False(t, CallIdle.Live())
	assert.False(t, CallIdle.Valid())
}
