package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_BackpressureClosesConnection(t *testing.T) {
	s := NewSession(context.Background(), "s1", "u1", nil)

	for i := range SendQueueSize {
		assert.True(t, s.TrySend([]byte{byte(i)}))
	}
	assert.False(t, s.TrySend([]byte("overflow")))

	select {
	case <-s.Done():
	default:
		t.Fatal("session should close when its queue overflows")
	}
	assert.False(t, s.TrySend([]byte("after close")))
}

func TestSession_SendJSON(t *testing.T) {
	s := NewSession(context.Background(), "s1", "u1", nil)

	assert.True(t, s.SendJSON(ErrorFrame{Type: "error", Code: CodeInvalid, Message: "x"}))
	assert.JSONEq(t, `{"type":"error","code":"invalid","message":"x"}`, string(<-s.SendQueue))

	assert.False(t, s.SendJSON(make(chan int)))
}
