package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/SARVESHVARADKAR123/peersync/internal/callsignal"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"go.uber.org/zap"
)

// AVState is the media side of the call surface.
type AVState struct {
	CallID            string `json:"callId,omitempty"`
	Joined            bool   `json:"joined"`
	IsVideoEnabled    bool   `json:"isVideoEnabled"`
	IsAudioEnabled    bool   `json:"isAudioEnabled"`
	RemotePeerPresent bool   `json:"remotePeerPresent"`
	Previewing        bool   `json:"previewing"`
}

type BinderOptions struct {
	AppID    string
	LocalUID string
	Log      *zap.Logger
	// OnFailure is called, without locks held, when the engine cannot carry
	// an accepted call.
	OnFailure func(ctx context.Context, callID string, err error)
	// OnChange receives the AV state after each change.
	OnChange func(AVState)
}

// Binder owns the engine session for at most one call at a time. Engine
// operations are serialized; engine callbacks only touch state.
type Binder struct {
	engine Engine
	opts   BinderOptions
	log    *zap.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	callID      string
	channelID   string
	state       domain.CallState
	joined      bool
	previewing  bool
	video       bool
	audio       bool
	remote      map[string]struct{}
}

func NewBinder(engine Engine, opts BinderOptions) *Binder {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	b := &Binder{
		engine: engine,
		opts:   opts,
		log:    log,
		state:  domain.CallIdle,
		remote: make(map[string]struct{}),
	}
	engine.SetEventHandler(b)
	return b
}

// OnTransition is the callsignal listener.
func (b *Binder) OnTransition(t callsignal.Transition) {
	ctx := context.Background()
	var failure error

	b.opMu.Lock()
	switch t.To {
	case domain.CallPending:
		if t.Role == callsignal.RoleCaller {
			b.startPreview(ctx, t.Call)
		}
	case domain.CallAccepted:
		failure = b.join(ctx, t.Call)
	case domain.CallEnded:
		b.leave(ctx, t.Call)
	}
	b.opMu.Unlock()

	b.changed()

	if failure != nil && b.opts.OnFailure != nil {
		b.opts.OnFailure(ctx, t.Call.ID, failure)
	}
}

func (b *Binder) ensureInitialized(ctx context.Context) error {
	b.mu.Lock()
	done := b.initialized
	b.mu.Unlock()
	if done {
		return nil
	}
	if err := b.engine.Initialize(ctx, b.opts.AppID); err != nil {
		return err
	}
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

// busy reports whether another call holds the engine session.
func (b *Binder) busy(callID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callID != "" && b.callID != callID
}

func (b *Binder) startPreview(ctx context.Context, call domain.Call) {
	if b.busy(call.ID) {
		b.log.Warn("media: preview skipped, engine in use", zap.String("call_id", call.ID))
		return
	}
	if err := b.ensureInitialized(ctx); err != nil {
		b.log.Warn("media: initialize for preview failed", zap.Error(err))
		return
	}
	if err := b.engine.StartPreview(); err != nil {
		b.log.Warn("media: start preview failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.callID = call.ID
	b.channelID = call.ChannelID
	b.state = domain.CallPending
	b.previewing = true
	b.mu.Unlock()
}

func (b *Binder) join(ctx context.Context, call domain.Call) error {
	if b.busy(call.ID) {
		return fmt.Errorf("call %s: %w", call.ID, domain.ErrCallInProgress)
	}
	if err := b.ensureInitialized(ctx); err != nil {
		return fmt.Errorf("%w: initialize: %v", domain.ErrMediaJoinFailed, err)
	}

	b.mu.Lock()
	b.callID = call.ID
	b.channelID = call.ChannelID
	b.state = domain.CallAccepted
	b.mu.Unlock()

	err := b.engine.JoinChannel(ctx, call.ChannelID, JoinOptions{
		UID:          b.opts.LocalUID,
		PublishAudio: true,
		PublishVideo: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaJoinFailed, err)
	}
	if err := b.engine.EnableLocalAudio(true); err != nil {
		return fmt.Errorf("%w: audio: %v", domain.ErrMediaJoinFailed, err)
	}
	if err := b.engine.EnableLocalVideo(true); err != nil {
		return fmt.Errorf("%w: video: %v", domain.ErrMediaJoinFailed, err)
	}

	b.mu.Lock()
	b.audio = true
	b.video = true
	b.mu.Unlock()

	b.log.Info("media: joined", zap.String("call_id", call.ID), zap.String("channel_id", call.ChannelID))
	return nil
}

// leave tears down the engine session of call. It runs even when the call
// never joined; an ended call that does not own the session is ignored.
func (b *Binder) leave(ctx context.Context, call domain.Call) {
	if b.busy(call.ID) {
		b.log.Debug("media: ended call does not own the engine", zap.String("call_id", call.ID))
		return
	}

	b.mu.Lock()
	previewing := b.previewing
	initialized := b.initialized
	b.mu.Unlock()

	if previewing {
		if err := b.engine.StopPreview(); err != nil {
			b.log.Warn("media: stop preview failed", zap.Error(err))
		}
	}
	if err := b.engine.LeaveChannel(ctx); err != nil {
		b.log.Warn("media: leave channel failed", zap.String("call_id", call.ID), zap.Error(err))
	}
	if initialized {
		b.engine.Release()
	}

	b.mu.Lock()
	b.initialized = false
	b.callID = ""
	b.channelID = ""
	b.state = domain.CallIdle
	b.joined = false
	b.previewing = false
	b.video = false
	b.audio = false
	b.remote = make(map[string]struct{})
	b.mu.Unlock()
}

// ToggleVideo flips the local camera track. It has effect only while the
// call is accepted.
func (b *Binder) ToggleVideo() (bool, error) {
	return b.toggle(func() *bool { return &b.video }, b.engine.EnableLocalVideo)
}

func (b *Binder) ToggleAudio() (bool, error) {
	return b.toggle(func() *bool { return &b.audio }, b.engine.EnableLocalAudio)
}

func (b *Binder) toggle(field func() *bool, apply func(bool) error) (bool, error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state != domain.CallAccepted {
		b.mu.Unlock()
		return false, domain.ErrMediaNotInCall
	}
	next := !*field()
	b.mu.Unlock()

	if err := apply(next); err != nil {
		return !next, err
	}

	b.mu.Lock()
	*field() = next
	b.mu.Unlock()

	b.changed()
	return next, nil
}

func (b *Binder) SwitchCamera() error {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	accepted := b.state == domain.CallAccepted
	b.mu.Unlock()
	if !accepted {
		return domain.ErrMediaNotInCall
	}
	return b.engine.SwitchCamera()
}

func (b *Binder) State() AVState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return AVState{
		CallID:            b.callID,
		Joined:            b.joined,
		IsVideoEnabled:    b.video,
		IsAudioEnabled:    b.audio,
		RemotePeerPresent: len(b.remote) > 0,
		Previewing:        b.previewing,
	}
}

func (b *Binder) changed() {
	if b.opts.OnChange != nil {
		b.opts.OnChange(b.State())
	}
}

func (b *Binder) OnJoinChannelSuccess(channelID string) {
	b.mu.Lock()
	if channelID != b.channelID {
		b.mu.Unlock()
		return
	}
	b.joined = true
	b.mu.Unlock()
	b.changed()
}

func (b *Binder) OnUserJoined(uid string) {
	b.mu.Lock()
	if b.state != domain.CallAccepted {
		b.mu.Unlock()
		return
	}
	b.remote[uid] = struct{}{}
	b.mu.Unlock()
	b.changed()
}

func (b *Binder) OnUserOffline(uid string) {
	b.mu.Lock()
	delete(b.remote, uid)
	b.mu.Unlock()
	b.changed()
}

// OnError ends an accepted call; errors outside a call are only logged.
func (b *Binder) OnError(code int) {
	b.mu.Lock()
	callID := b.callID
	accepted := b.state == domain.CallAccepted
	b.mu.Unlock()

	b.log.Warn("media: engine error", zap.Int("code", code), zap.String("call_id", callID))
	if accepted && b.opts.OnFailure != nil {
		b.opts.OnFailure(context.Background(), callID, fmt.Errorf("%w: engine error %d", domain.ErrMediaJoinFailed, code))
	}
}
