package domain

import "errors"

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageTooLarge = errors.New("message too large")
	ErrNotParticipant  = errors.New("user not participant")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidInput    = errors.New("invalid input")

	ErrDocumentNotFound = errors.New("document not found")
	ErrConflict         = errors.New("document changed concurrently")

	ErrPageInFlight        = errors.New("page fetch already in flight")
	ErrClosed              = errors.New("closed")
	ErrConversationNotOpen = errors.New("conversation not open")

	ErrInvalidCall       = errors.New("invalid call")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNoActiveCall      = errors.New("no active call")
	ErrCallEnded         = errors.New("call already ended")
	ErrCallInProgress    = errors.New("call already in progress")
	ErrMediaJoinFailed   = errors.New("media join failed")
	ErrMediaNotInCall    = errors.New("media controls unavailable outside an accepted call")
	ErrSelfCall          = errors.New("cannot call yourself")
)
