package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/session"
)

const (
	CmdOpenConversation  = "open_conversation"
	CmdCloseConversation = "close_conversation"
	CmdLoadOlder         = "load_older"
	CmdSend              = "send"
	CmdRetry             = "retry"
	CmdStartCall         = "start_call"
	CmdAccept            = "accept"
	CmdReject            = "reject"
	CmdEndCall           = "end_call"
	CmdToggleVideo       = "toggle_video"
	CmdToggleAudio       = "toggle_audio"
	CmdSwitchCamera      = "switch_camera"
)

// Error codes carried by error frames.
const (
	CodeLoadFailed = "load_failed"
	CodeSendFailed = "send_failed"
	CodeCallFailed = "call_failed"
	CodeBusy       = "busy"
	CodeInvalid    = "invalid"
)

// Command is one client request. Ref is echoed on the error frame it causes.
type Command struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	Body      string `json:"body,omitempty"`
	Kind      string `json:"kind,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

var errUnknownCommand = errors.New("unknown command")

// execute runs cmd against the controller. View changes reach the client
// through the controller's update stream; only failures are returned.
func execute(ctx context.Context, c *session.Controller, s *Session, cmd Command) error {
	var err error
	switch cmd.Type {
	case CmdOpenConversation:
		v, openErr := c.OpenConversation(ctx, cmd.PeerID)
		// A failed first page still opens the conversation with LoadFailed set.
		if openErr == nil || errorCode(cmd.Type, openErr) == CodeLoadFailed {
			s.SendJSON(session.Update{Type: session.UpdateConversation, PeerID: cmd.PeerID, Conversation: &v})
		}
		err = openErr
	case CmdCloseConversation:
		c.CloseConversation(cmd.PeerID)
	case CmdLoadOlder:
		_, err = c.LoadOlder(ctx, cmd.PeerID)
	case CmdSend:
		_, err = c.Send(ctx, cmd.PeerID, cmd.Body, domain.MessageKind(cmd.Kind), cmd.MediaID)
	case CmdRetry:
		_, err = c.Retry(ctx, cmd.PeerID, cmd.MessageID)
	case CmdStartCall:
		_, err = c.StartCall(ctx, cmd.PeerID)
	case CmdAccept:
		_, err = c.Accept(ctx)
	case CmdReject:
		_, err = c.Reject(ctx)
	case CmdEndCall:
		_, err = c.EndCall(ctx)
	case CmdToggleVideo:
		_, err = c.ToggleVideo()
	case CmdToggleAudio:
		_, err = c.ToggleAudio()
	case CmdSwitchCamera:
		err = c.SwitchCamera()
	default:
		err = fmt.Errorf("%w %q", errUnknownCommand, cmd.Type)
	}
	return err
}

func isInvalid(err error) bool {
	for _, target := range []error{
		errUnknownCommand,
		domain.ErrInvalidInput,
		domain.ErrInvalidMessage,
		domain.ErrMessageTooLarge,
		domain.ErrNotParticipant,
		domain.ErrConversationNotOpen,
		domain.ErrSelfCall,
		domain.ErrMessageNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// errorCode maps a failed command to the code the client acts on.
func errorCode(cmdType string, err error) string {
	switch {
	case isInvalid(err):
		return CodeInvalid
	case errors.Is(err, domain.ErrCallInProgress):
		return CodeBusy
	}

	switch cmdType {
	case CmdOpenConversation, CmdLoadOlder:
		return CodeLoadFailed
	case CmdSend, CmdRetry:
		return CodeSendFailed
	default:
		return CodeCallFailed
	}
}
