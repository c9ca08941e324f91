// Package session owns everything one connected identity has open: its call
// state machine and media binder, its open conversations, and the change-feed
// subscriptions behind them. Close releases all of it exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SARVESHVARADKAR123/peersync/internal/callsignal"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/media"
	"github.com/SARVESHVARADKAR123/peersync/internal/messagesync"
	"go.uber.org/zap"
)

type Deps struct {
	Consumer   *feed.Consumer
	Messages   messagesync.Store
	Calls      callsignal.Store
	NewEngine  func() media.Engine
	DatabaseID string

	MessagesCollection string
	CallsCollection    string

	PageSize   int
	MediaAppID string
	Log        *zap.Logger
}

// Update is pushed to the client whenever a view changes.
type Update struct {
	Type         string            `json:"type"`
	PeerID       string            `json:"peer_id,omitempty"`
	Conversation *messagesync.View `json:"conversation,omitempty"`
	Call         *callsignal.View  `json:"call,omitempty"`
	AV           *media.AVState    `json:"av,omitempty"`
}

const (
	UpdateConversation = "conversation"
	UpdateCall         = "call"
)

type openConversation struct {
	conv *messagesync.Conversation
	sub  *feed.Subscription
}

type Controller struct {
	deps    Deps
	localID string
	log     *zap.Logger
	publish func(Update)

	signaling *callsignal.Signaling
	binder    *media.Binder
	callSub   *feed.Subscription

	mu            sync.Mutex
	conversations map[string]*openConversation
	closed        bool
	closeOnce     sync.Once
}

// New wires a controller for localID and subscribes it to call events. The
// publish func receives every view change and must not block for long.
func New(ctx context.Context, deps Deps, localID string, publish func(Update)) (*Controller, error) {
	if localID == "" {
		return nil, domain.ErrInvalidInput
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if publish == nil {
		publish = func(Update) {}
	}

	c := &Controller{
		deps:          deps,
		localID:       localID,
		log:           log.With(zap.String("user_id", localID)),
		publish:       publish,
		conversations: make(map[string]*openConversation),
	}

	c.signaling = callsignal.New(deps.Calls, localID, callsignal.Options{Log: c.log})
	c.binder = media.NewBinder(deps.NewEngine(), media.BinderOptions{
		AppID:    deps.MediaAppID,
		LocalUID: localID,
		Log:      c.log,
		OnFailure: func(ctx context.Context, callID string, err error) {
			c.signaling.ReportMediaFailure(ctx, callID, err)
		},
		OnChange: func(media.AVState) { c.pushCall() },
	})
	c.signaling.OnTransition(c.binder.OnTransition)
	c.signaling.OnTransition(func(callsignal.Transition) { c.pushCall() })

	sub, err := deps.Consumer.Subscribe(ctx,
		feed.Topic(deps.DatabaseID, deps.CallsCollection),
		feed.Filter{
			Collection: deps.CallsCollection,
			Ops:        []domain.Operation{domain.OpCreate, domain.OpUpdate},
		},
		c.signaling.HandleEvent,
	)
	if err != nil {
		c.signaling.Close()
		return nil, fmt.Errorf("subscribe calls: %w", err)
	}
	c.callSub = sub

	c.log.Info("session: opened")
	return c, nil
}

func (c *Controller) LocalID() string {
	return c.localID
}

// OpenConversation subscribes to new messages with peerID and loads the
// first page. Opening an open conversation returns its current view. A
// failed first load leaves the conversation open with LoadFailed set.
func (c *Controller) OpenConversation(ctx context.Context, peerID string) (messagesync.View, error) {
	if peerID == "" || peerID == c.localID {
		return messagesync.View{}, domain.ErrNotParticipant
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return messagesync.View{}, domain.ErrClosed
	}
	if oc, ok := c.conversations[peerID]; ok {
		c.mu.Unlock()
		return oc.conv.Snapshot(), nil
	}

	conv := messagesync.New(c.deps.Messages, c.localID, peerID, messagesync.Options{
		PageSize: c.deps.PageSize,
		Log:      c.log,
		OnChange: func(v messagesync.View) {
			c.publish(Update{Type: UpdateConversation, PeerID: peerID, Conversation: &v})
		},
	})
	sub, err := c.deps.Consumer.Subscribe(ctx,
		feed.Topic(c.deps.DatabaseID, c.deps.MessagesCollection),
		feed.Filter{
			Collection: c.deps.MessagesCollection,
			Ops:        []domain.Operation{domain.OpCreate},
		},
		conv.HandleEvent,
	)
	if err != nil {
		c.mu.Unlock()
		return messagesync.View{}, fmt.Errorf("subscribe messages: %w", err)
	}
	c.conversations[peerID] = &openConversation{conv: conv, sub: sub}
	c.mu.Unlock()

	c.log.Debug("session: conversation opened", zap.String("peer_id", peerID))

	if _, err := conv.LoadFirstPage(ctx, 0); err != nil {
		return conv.Snapshot(), err
	}
	return conv.Snapshot(), nil
}

// CloseConversation releases the conversation's feed listener and discards
// any page still loading.
func (c *Controller) CloseConversation(peerID string) {
	c.mu.Lock()
	oc, ok := c.conversations[peerID]
	delete(c.conversations, peerID)
	c.mu.Unlock()

	if !ok {
		return
	}
	oc.sub.Close()
	oc.conv.Close()
	c.log.Debug("session: conversation closed", zap.String("peer_id", peerID))
}

func (c *Controller) conversation(peerID string) (*messagesync.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrClosed
	}
	oc, ok := c.conversations[peerID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", peerID, domain.ErrConversationNotOpen)
	}
	return oc.conv, nil
}

func (c *Controller) Snapshot(peerID string) (messagesync.View, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return messagesync.View{}, err
	}
	return conv.Snapshot(), nil
}

func (c *Controller) LoadOlder(ctx context.Context, peerID string) ([]domain.Message, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return nil, err
	}
	return conv.LoadOlderPage(ctx, 0)
}

func (c *Controller) Send(ctx context.Context, peerID, body string, kind domain.MessageKind, mediaID string) (domain.Message, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return domain.Message{}, err
	}
	if kind == "" {
		kind = domain.KindText
	}
	return conv.Send(ctx, body, kind, mediaID)
}

func (c *Controller) Retry(ctx context.Context, peerID, messageID string) (domain.Message, error) {
	conv, err := c.conversation(peerID)
	if err != nil {
		return domain.Message{}, err
	}
	return conv.Retry(ctx, messageID)
}

// StartCall places a call unless this identity already has one active or
// ringing out. Calling a peer whose call is ringing here answers that call.
func (c *Controller) StartCall(ctx context.Context, peerID string) (domain.Call, error) {
	if c.signaling.Active() {
		return domain.Call{}, domain.ErrCallInProgress
	}
	if v := c.signaling.Current(); v.IncomingCallPrompt != nil && v.IncomingCallPrompt.CallerID == peerID {
		return c.signaling.AcceptFrom(ctx, peerID)
	}
	return c.signaling.StartCall(ctx, peerID)
}

// Accept answers the prompted call. When both sides called each other, the
// outgoing call to the same peer is cancelled first.
func (c *Controller) Accept(ctx context.Context) (domain.Call, error) {
	if !c.signaling.Active() {
		return c.signaling.Accept(ctx)
	}

	v := c.signaling.Current()
	prompt := v.IncomingCallPrompt
	if prompt == nil || v.Call == nil || v.CallState != domain.CallPending ||
		v.Role != callsignal.RoleCaller || v.Call.ReceiverID != prompt.CallerID {
		return domain.Call{}, domain.ErrCallInProgress
	}
	if _, err := c.signaling.EndCall(ctx); err != nil && !errors.Is(err, domain.ErrNoActiveCall) {
		c.log.Warn("session: cancelling crossed call failed", zap.Error(err))
	}
	return c.signaling.AcceptFrom(ctx, prompt.CallerID)
}

func (c *Controller) Reject(ctx context.Context) (domain.Call, error) {
	return c.signaling.Reject(ctx)
}

func (c *Controller) EndCall(ctx context.Context) (domain.Call, error) {
	return c.signaling.EndCall(ctx)
}

func (c *Controller) ToggleVideo() (bool, error) {
	return c.binder.ToggleVideo()
}

func (c *Controller) ToggleAudio() (bool, error) {
	return c.binder.ToggleAudio()
}

func (c *Controller) SwitchCamera() error {
	return c.binder.SwitchCamera()
}

func (c *Controller) CallView() (callsignal.View, media.AVState) {
	return c.signaling.Current(), c.binder.State()
}

func (c *Controller) pushCall() {
	view, av := c.CallView()
	c.publish(Update{Type: UpdateCall, Call: &view, AV: &av})
}

// Close tells the peer of an active call that it ended, then releases every
// subscription and ends remaining calls locally. Safe to call more than once.
func (c *Controller) Close(ctx context.Context) {
	c.closeOnce.Do(func() {
		if c.signaling.Active() {
			if _, err := c.signaling.EndCall(ctx); err != nil {
				c.log.Warn("session: ending call on close failed", zap.Error(err))
			}
		}

		c.callSub.Close()
		c.signaling.Close()

		c.mu.Lock()
		c.closed = true
		open := c.conversations
		c.conversations = make(map[string]*openConversation)
		c.mu.Unlock()

		for _, oc := range open {
			oc.sub.Close()
			oc.conv.Close()
		}
		c.log.Info("session: closed")
	})
}
