package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/media"
	"github.com/SARVESHVARADKAR123/peersync/internal/middleware"
	"github.com/SARVESHVARADKAR123/peersync/internal/repository"
	"github.com/SARVESHVARADKAR123/peersync/internal/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type frame struct {
	Type         string          `json:"type"`
	PeerID       string          `json:"peer_id"`
	Code         string          `json:"code"`
	Ref          string          `json:"ref"`
	Conversation json.RawMessage `json:"conversation"`
	Call         *struct {
		CallState          domain.CallState `json:"callState"`
		IncomingCallPrompt *domain.Call     `json:"incomingCallPrompt"`
	} `json:"call"`
}

func newServer(t *testing.T) string {
	t.Helper()
	hub := feed.NewHub(zap.NewNop())
	store := docstore.NewMemory("main", hub)
	consumer := feed.NewConsumer(hub, repository.EventDecoder(repository.Collections{
		Messages: "messages",
		Calls:    "calls",
	}), zap.NewNop())
	t.Cleanup(consumer.Close)

	h := NewHandler(NewRegistry(), session.Deps{
		Consumer:           consumer,
		Messages:           repository.NewMessageRepository(store, "messages"),
		Calls:              repository.NewCallRepository(store, "calls"),
		NewEngine:          func() media.Engine { return media.NewLogEngine(zap.NewNop()) },
		DatabaseID:         "main",
		MessagesCollection: "messages",
		CallsCollection:    "calls",
		PageSize:           20,
	}, "test")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.InjectUserID(r.Context(), r.URL.Query().Get("user"))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
}

// expect reads frames until one satisfies match.
func expect(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(msg, &f))
		if match(f) {
			return f
		}
	}
}

func TestHandler_InitialCallViewAndConversation(t *testing.T) {
	url := newServer(t)
	conn := dial(t, url, "u1")

	f := expect(t, conn, func(f frame) bool { return f.Type == session.UpdateCall })
	require.NotNil(t, f.Call)
	assert.Equal(t, domain.CallIdle, f.Call.CallState)

	send(t, conn, `{"type":"open_conversation","peer_id":"u2"}`)
	f = expect(t, conn, func(f frame) bool { return f.Type == session.UpdateConversation })
	assert.Equal(t, "u2", f.PeerID)
	assert.NotEmpty(t, f.Conversation)
}

func TestHandler_ErrorFrames(t *testing.T) {
	url := newServer(t)
	conn := dial(t, url, "u1")

	tests := []struct {
		cmd  string
		code string
		ref  string
	}{
		{cmd: `{"type":"dance","ref":"r1"}`, code: CodeInvalid, ref: "r1"},
		{cmd: `not json`, code: CodeInvalid},
		{cmd: `{"type":"send","peer_id":"u2","body":"hi","ref":"r2"}`, code: CodeInvalid, ref: "r2"},
		{cmd: `{"type":"accept","ref":"r3"}`, code: CodeCallFailed, ref: "r3"},
		{cmd: `{"type":"toggle_video","ref":"r4"}`, code: CodeCallFailed, ref: "r4"},
		{cmd: `{"type":"start_call","peer_id":"u1","ref":"r5"}`, code: CodeInvalid, ref: "r5"},
	}
	for _, tt := range tests {
		send(t, conn, tt.cmd)
		f := expect(t, conn, func(f frame) bool { return f.Type == "error" })
		assert.Equal(t, tt.code, f.Code, tt.cmd)
		assert.Equal(t, tt.ref, f.Ref, tt.cmd)
	}
}

func TestHandler_CallBetweenConnections(t *testing.T) {
	url := newServer(t)
	caller := dial(t, url, "u1")
	callee := dial(t, url, "u2")
	expect(t, caller, func(f frame) bool { return f.Type == session.UpdateCall })
	expect(t, callee, func(f frame) bool { return f.Type == session.UpdateCall })

	send(t, caller, `{"type":"start_call","peer_id":"u2"}`)
	f := expect(t, callee, func(f frame) bool {
		return f.Type == session.UpdateCall && f.Call != nil && f.Call.IncomingCallPrompt != nil
	})
	assert.Equal(t, "u1", f.Call.IncomingCallPrompt.CallerID)

	send(t, caller, `{"type":"start_call","peer_id":"u3","ref":"again"}`)
	f = expect(t, caller, func(f frame) bool { return f.Type == "error" })
	assert.Equal(t, CodeBusy, f.Code)

	send(t, callee, `{"type":"accept"}`)
	expect(t, caller, func(f frame) bool {
		return f.Type == session.UpdateCall && f.Call != nil && f.Call.CallState == domain.CallAccepted
	})

	// Dropping the callee connection ends the call for the caller.
	callee.Close()
	expect(t, caller, func(f frame) bool {
		return f.Type == session.UpdateCall && f.Call != nil && f.Call.CallState == domain.CallIdle
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		cmd  string
		err  error
		want string
	}{
		{CmdSend, domain.ErrInvalidMessage, CodeInvalid},
		{CmdSend, errors.New("store down"), CodeSendFailed},
		{CmdRetry, errors.New("store down"), CodeSendFailed},
		{CmdOpenConversation, errors.New("store down"), CodeLoadFailed},
		{CmdLoadOlder, domain.ErrPageInFlight, CodeLoadFailed},
		{CmdLoadOlder, fmt.Errorf("u2: %w", domain.ErrConversationNotOpen), CodeInvalid},
		{CmdStartCall, domain.ErrCallInProgress, CodeBusy},
		{CmdAccept, domain.ErrCallInProgress, CodeBusy},
		{CmdAccept, domain.ErrNoIncomingCall, CodeCallFailed},
		{CmdEndCall, domain.ErrNoActiveCall, CodeCallFailed},
		{"dance", errUnknownCommand, CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.cmd+"/"+tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.cmd, tt.err))
		})
	}
}
