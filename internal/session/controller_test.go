package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/media"
	"github.com/SARVESHVARADKAR123/peersync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	wait = time.Second
	tick = 5 * time.Millisecond
)

type updates struct {
	mu  sync.Mutex
	all []Update
}

func (u *updates) push(up Update) {
	u.mu.Lock()
	u.all = append(u.all, up)
	u.mu.Unlock()
}

func (u *updates) count(kind string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, up := range u.all {
		if up.Type == kind {
			n++
		}
	}
	return n
}

type env struct {
	consumer *feed.Consumer
	deps     Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hub := feed.NewHub(zap.NewNop())
	store := docstore.NewMemory("main", hub)
	consumer := feed.NewConsumer(hub, repository.EventDecoder(repository.Collections{
		Messages: "messages",
		Calls:    "calls",
	}), zap.NewNop())
	t.Cleanup(consumer.Close)

	return &env{
		consumer: consumer,
		deps: Deps{
			Consumer:           consumer,
			Messages:           repository.NewMessageRepository(store, "messages"),
			Calls:              repository.NewCallRepository(store, "calls"),
			NewEngine:          func() media.Engine { return media.NewLogEngine(zap.NewNop()) },
			DatabaseID:         "main",
			MessagesCollection: "messages",
			CallsCollection:    "calls",
			PageSize:           10,
			MediaAppID:         "test",
		},
	}
}

func (e *env) open(t *testing.T, user string) (*Controller, *updates) {
	t.Helper()
	rec := &updates{}
	c, err := New(context.Background(), e.deps, user, rec.push)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, rec
}

func TestController_MessagesReachOpenPeer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, _ := e.open(t, "u1")
	bob, bobUpdates := e.open(t, "u2")

	_, err := alice.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	view, err := bob.OpenConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, view.Messages)
	assert.False(t, view.HasMore)

	sent, err := alice.Send(ctx, "u2", "hello", "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, sent.Kind)

	require.Eventually(t, func() bool {
		v, err := bob.Snapshot("u1")
		return err == nil && len(v.Messages) == 1
	}, wait, tick)

	v, err := bob.Snapshot("u1")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, v.Messages[0].ID)
	assert.Positive(t, bobUpdates.count(UpdateConversation))

	// The sender's echo must not duplicate the optimistic copy.
	require.Eventually(t, func() bool {
		v, _ := alice.Snapshot("u2")
		return len(v.Messages) == 1 && !v.Messages[0].Pending
	}, wait, tick)
}

func TestController_ConversationMustBeOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _ := e.open(t, "u1")

	_, err := c.Send(ctx, "u2", "hi", domain.KindText, "")
	assert.ErrorIs(t, err, domain.ErrConversationNotOpen)
	_, err = c.LoadOlder(ctx, "u2")
	assert.ErrorIs(t, err, domain.ErrConversationNotOpen)
	_, err = c.Retry(ctx, "u2", "m1")
	assert.ErrorIs(t, err, domain.ErrConversationNotOpen)
	_, err = c.Snapshot("u2")
	assert.ErrorIs(t, err, domain.ErrConversationNotOpen)

	_, err = c.OpenConversation(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
	_, err = c.OpenConversation(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestController_CloseConversationReleasesSubscription(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c, _ := e.open(t, "u1")
	assert.Equal(t, 1, e.consumer.Topics())

	_, err := c.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	_, err = c.OpenConversation(ctx, "u2")
	require.NoError(t, err)
	_, err = c.OpenConversation(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, 2, e.consumer.Topics(), "conversations share one message topic")

	c.CloseConversation("u2")
	c.CloseConversation("u2")
	assert.Equal(t, 2, e.consumer.Topics())

	c.CloseConversation("u3")
	assert.Equal(t, 1, e.consumer.Topics())

	_, err = c.Send(ctx, "u2", "hi", domain.KindText, "")
	assert.ErrorIs(t, err, domain.ErrConversationNotOpen)
}

func TestController_CallAcrossSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller, callerUpdates := e.open(t, "u1")
	callee, _ := e.open(t, "u2")

	call, err := caller.StartCall(ctx, "u2")
	require.NoError(t, err)

	_, err = caller.StartCall(ctx, "u3")
	assert.ErrorIs(t, err, domain.ErrCallInProgress)
	_, err = caller.StartCall(ctx, "u1")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		v, _ := callee.CallView()
		return v.IncomingCallPrompt != nil
	}, wait, tick)

	_, err = callee.Accept(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, av := caller.CallView()
		return v.CallState == domain.CallAccepted && av.Joined
	}, wait, tick)

	_, av := callee.CallView()
	assert.Equal(t, call.ID, av.CallID)
	assert.True(t, av.Joined)
	assert.Positive(t, callerUpdates.count(UpdateCall))

	on, err := callee.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, callee.SwitchCamera())

	_, err = caller.EndCall(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, av := callee.CallView()
		return v.CallState == domain.CallIdle && !av.Joined
	}, wait, tick)
}

func TestController_CloseEndsActiveCallForPeer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller, _ := e.open(t, "u1")
	callee, _ := e.open(t, "u2")

	_, err := caller.StartCall(ctx, "u2")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := callee.CallView()
		return v.IncomingCallPrompt != nil
	}, wait, tick)
	_, err = callee.Accept(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := caller.CallView()
		return v.CallState == domain.CallAccepted
	}, wait, tick)

	callee.Close(ctx)
	callee.Close(ctx)

	require.Eventually(t, func() bool {
		v, _ := caller.CallView()
		return v.CallState == domain.CallIdle
	}, wait, tick)

	_, err = callee.OpenConversation(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestController_CallingRingingPeerAnswers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	caller, _ := e.open(t, "u1")
	callee, _ := e.open(t, "u2")

	call, err := caller.StartCall(ctx, "u2")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := callee.CallView()
		return v.IncomingCallPrompt != nil
	}, wait, tick)

	answered, err := callee.StartCall(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, call.ID, answered.ID)
	assert.Equal(t, domain.CallAccepted, answered.State)

	require.Eventually(t, func() bool {
		v, _ := caller.CallView()
		return v.CallState == domain.CallAccepted
	}, wait, tick)
}

func TestController_CrossedCallsResolveOnAccept(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created := make(chan struct{}, 1)
	sub, err := e.consumer.Subscribe(ctx, feed.Topic("main", "calls"),
		feed.Filter{Collection: "calls", Ops: []domain.Operation{domain.OpCreate}},
		func(context.Context, domain.Event) error {
			select {
			case created <- struct{}{}:
			default:
			}
			return nil
		})
	require.NoError(t, err)
	defer sub.Close()

	// u1 rings u2 before u2 is connected, so u2 never sees that call ring.
	u1, _ := e.open(t, "u1")
	first, err := u1.StartCall(ctx, "u2")
	require.NoError(t, err)
	select {
	case <-created:
	case <-time.After(wait):
		t.Fatal("create event not delivered")
	}

	u2, _ := e.open(t, "u2")
	second, err := u2.StartCall(ctx, "u1")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	require.Eventually(t, func() bool {
		v, _ := u1.CallView()
		return v.IncomingCallPrompt != nil
	}, wait, tick)

	accepted, err := u1.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, accepted.ID)

	require.Eventually(t, func() bool {
		v, _ := u2.CallView()
		return v.CallState == domain.CallAccepted && v.Call.ID == second.ID
	}, wait, tick)

	v, _ := u1.CallView()
	assert.Equal(t, domain.CallAccepted, v.CallState)
	assert.Equal(t, second.ID, v.Call.ID)
	assert.Nil(t, v.IncomingCallPrompt)

	stored, err := e.deps.Calls.(*repository.CallRepository).GetCall(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallEnded, stored.State)
}

func TestNew_RequiresIdentity(t *testing.T) {
	e := newEnv(t)
	_, err := New(context.Background(), e.deps, "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
