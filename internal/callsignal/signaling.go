// Package callsignal runs the two-party call state machine for one local
// identity. Intent travels through Call documents; the change feed delivers
// the peer's writes back as CallCreated and CallUpdated events.
package callsignal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	CreateCall(ctx context.Context, c domain.Call) (domain.Call, error)
	// UpdateCallState writes to while the stored state is one of from, and
	// fails with domain.ErrConflict otherwise.
	UpdateCallState(ctx context.Context, id string, from []domain.CallState, to domain.CallState) (domain.Call, error)
}

var (
	ringingStates = []domain.CallState{domain.CallPending}
	liveStates    = []domain.CallState{domain.CallPending, domain.CallAccepted}
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type Cause string

const (
	CauseLocal        Cause = "local"
	CauseRemote       Cause = "remote"
	CauseUnmount      Cause = "unmount"
	CauseMediaFailure Cause = "media_failure"
	CauseWriteFailure Cause = "write_failure"
)

// Transition is delivered to listeners in the order it happened.
type Transition struct {
	Call  domain.Call
	Role  Role
	From  domain.CallState
	To    domain.CallState
	Cause Cause
}

// View is the call surface a UI renders.
type View struct {
	CallState          domain.CallState `json:"callState"`
	Call               *domain.Call     `json:"call,omitempty"`
	Role               Role             `json:"role,omitempty"`
	IncomingCallPrompt *domain.Call     `json:"incomingCallPrompt"`
}

type callContext struct {
	call domain.Call
	role Role
	seq  uint64
}

type Options struct {
	Log   *zap.Logger
	Now   func() time.Time
	NewID func() string
}

type Signaling struct {
	store   Store
	localID string
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	mu        sync.Mutex
	calls     map[string]*callContext
	ended     map[string]struct{}
	seq       uint64
	listeners []func(Transition)
	queue     []Transition
	draining  bool
	closed    bool
}

func New(store Store, localID string, opts Options) *Signaling {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Signaling{
		store:   store,
		localID: localID,
		log:     log.With(zap.String("local_id", localID)),
		now:     opts.Now,
		newID:   opts.NewID,
		calls:   make(map[string]*callContext),
		ended:   make(map[string]struct{}),
	}
}

// OnTransition registers fn for every future transition.
func (s *Signaling) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// allowed is the transition table. Rejected is reachable only by the callee;
// the caller observes a rejection as pending -> ended.
func allowed(from, to domain.CallState, role Role) bool {
	switch from {
	case domain.CallIdle:
		return to == domain.CallPending
	case domain.CallPending:
		switch to {
		case domain.CallAccepted, domain.CallEnded:
			return true
		case domain.CallRejected:
			return role == RoleCallee
		}
	case domain.CallAccepted:
		return to == domain.CallEnded
	}
	return false
}

func (s *Signaling) transitionLocked(cc *callContext, to domain.CallState, cause Cause) bool {
	from := cc.call.State
	if !allowed(from, to, cc.role) {
		s.log.Debug("callsignal: transition dropped",
			zap.String("call_id", cc.call.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("cause", string(cause)),
		)
		return false
	}

	cc.call.State = to
	cc.call.UpdatedAt = domain.NormalizeTime(s.now())

	switch {
	case to.Terminal():
		delete(s.calls, cc.call.ID)
		s.ended[cc.call.ID] = struct{}{}
	case from == domain.CallIdle:
		s.seq++
		cc.seq = s.seq
		s.calls[cc.call.ID] = cc
	}

	observability.CallTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.log.Info("callsignal: transition",
		zap.String("call_id", cc.call.ID),
		zap.String("channel_id", cc.call.ChannelID),
		zap.String("role", string(cc.role)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("cause", string(cause)),
	)

	s.queue = append(s.queue, Transition{
		Call:  cc.call,
		Role:  cc.role,
		From:  from,
		To:    to,
		Cause: cause,
	})
	return true
}

// flush delivers queued transitions. A transition raised from inside a
// listener is queued and delivered by the outer flush, after the current one.
func (s *Signaling) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		listeners := append([]func(Transition){}, s.listeners...)
		s.mu.Unlock()

		for _, fn := range listeners {
			s.deliver(fn, t)
		}

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Signaling) deliver(fn func(Transition), t Transition) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("callsignal: transition listener panic recovered",
				zap.String("call_id", t.Call.ID),
				zap.Any("error", rec),
			)
		}
	}()
	fn(t)
}

// StartCall creates an outgoing call to peerID. The local state is pending
// before the write so the preview starts immediately; a failed write ends it.
func (s *Signaling) StartCall(ctx context.Context, peerID string) (domain.Call, error) {
	call, err := domain.NewCall(s.newID(), s.localID, peerID, s.now())
	if err != nil {
		return domain.Call{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Call{}, domain.ErrClosed
	}
	cc := &callContext{call: *call, role: RoleCaller}
	cc.call.State = domain.CallIdle
	s.transitionLocked(cc, domain.CallPending, CauseLocal)
	s.mu.Unlock()
	s.flush()

	if _, err := s.store.CreateCall(ctx, *call); err != nil {
		s.mu.Lock()
		if live, ok := s.calls[call.ID]; ok {
			s.transitionLocked(live, domain.CallEnded, CauseWriteFailure)
		}
		s.mu.Unlock()
		s.flush()
		return domain.Call{}, fmt.Errorf("create call: %w", err)
	}
	return s.snapshotCall(call.ID, *call), nil
}

// Accept answers the incoming call currently prompted. The accepted state is
// written before the local transition, so a failed write leaves the prompt.
// If the caller already gave up the write is refused, the prompt is dropped
// and the error wraps domain.ErrCallEnded.
func (s *Signaling) Accept(ctx context.Context) (domain.Call, error) {
	return s.answer(ctx, domain.CallAccepted, "")
}

// AcceptFrom answers the oldest ringing call placed by callerID.
func (s *Signaling) AcceptFrom(ctx context.Context, callerID string) (domain.Call, error) {
	if callerID == "" {
		return domain.Call{}, domain.ErrInvalidInput
	}
	return s.answer(ctx, domain.CallAccepted, callerID)
}

func (s *Signaling) Reject(ctx context.Context) (domain.Call, error) {
	return s.answer(ctx, domain.CallRejected, "")
}

func (s *Signaling) answer(ctx context.Context, to domain.CallState, callerID string) (domain.Call, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Call{}, domain.ErrClosed
	}
	cc := s.promptLocked(callerID)
	if cc == nil {
		s.mu.Unlock()
		return domain.Call{}, domain.ErrNoIncomingCall
	}
	id := cc.call.ID
	s.mu.Unlock()

	if _, err := s.store.UpdateCallState(ctx, id, ringingStates, to); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.mu.Lock()
			if cc, ok := s.calls[id]; ok && cc.call.State == domain.CallPending {
				s.transitionLocked(cc, domain.CallEnded, CauseRemote)
			}
			s.mu.Unlock()
			s.flush()
			return domain.Call{}, fmt.Errorf("call %s: %w", id, domain.ErrCallEnded)
		}
		return domain.Call{}, fmt.Errorf("%s call %s: %w", to, id, err)
	}

	s.mu.Lock()
	cc, ok := s.calls[id]
	if !ok || cc.call.State != domain.CallPending {
		s.mu.Unlock()
		// The caller gave up while the answer was being written.
		if to == domain.CallAccepted {
			s.endRemote(ctx, id)
		}
		return domain.Call{}, fmt.Errorf("call %s: %w", id, domain.ErrInvalidTransition)
	}
	s.transitionLocked(cc, to, CauseLocal)
	out := cc.call
	s.mu.Unlock()
	s.flush()
	return out, nil
}

// EndCall hangs up the accepted call, or cancels an outgoing call that is
// still ringing. The local transition happens first; the remote write is
// best effort and skipped when the call already ended remotely.
func (s *Signaling) EndCall(ctx context.Context) (domain.Call, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Call{}, domain.ErrClosed
	}
	cc := s.activeLocked()
	if cc == nil {
		s.mu.Unlock()
		return domain.Call{}, domain.ErrNoActiveCall
	}
	s.transitionLocked(cc, domain.CallEnded, CauseLocal)
	out := cc.call
	s.mu.Unlock()
	s.flush()

	_, err := s.store.UpdateCallState(ctx, out.ID, liveStates, domain.CallEnded)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return out, fmt.Errorf("end call %s: %w", out.ID, err)
	}
	return out, nil
}

// HandleEvent applies a call event from the change feed. Events about calls
// this identity does not take part in, echoes of its own writes, and events
// that match no transition are dropped.
func (s *Signaling) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.CallCreated:
		s.handleCreated(e.Call)
	case domain.CallUpdated:
		s.handleUpdated(e.Call)
	}
	s.flush()
	return nil
}

func (s *Signaling) handleCreated(call domain.Call) {
	if call.ReceiverID != s.localID || call.CallerID == s.localID {
		return
	}
	if call.State != domain.CallPending {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, done := s.ended[call.ID]; done {
		return
	}
	if _, live := s.calls[call.ID]; live {
		return
	}
	cc := &callContext{call: call, role: RoleCallee}
	cc.call.State = domain.CallIdle
	if cc.call.ChannelID == "" {
		cc.call.ChannelID = domain.ChannelID(call.CallerID, call.ReceiverID)
	}
	s.transitionLocked(cc, domain.CallPending, CauseRemote)
}

func (s *Signaling) handleUpdated(call domain.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	cc, ok := s.calls[call.ID]
	if !ok {
		return
	}
	if cc.call.State == call.State {
		return
	}

	switch cc.role {
	case RoleCaller:
		if call.CallerID != s.localID {
			return
		}
		switch call.State {
		case domain.CallAccepted:
			s.transitionLocked(cc, domain.CallAccepted, CauseRemote)
		case domain.CallRejected, domain.CallEnded:
			s.transitionLocked(cc, domain.CallEnded, CauseRemote)
		}
	case RoleCallee:
		if call.ReceiverID != s.localID {
			return
		}
		// accepted and rejected are this side's own writes.
		if call.State == domain.CallEnded {
			s.transitionLocked(cc, domain.CallEnded, CauseRemote)
		}
	}
}

// ReportMediaFailure ends an accepted call whose media join failed and tells
// the peer, so it does not stay in accepted.
func (s *Signaling) ReportMediaFailure(ctx context.Context, callID string, cause error) {
	observability.MediaJoinFailuresTotal.Inc()

	s.mu.Lock()
	cc, ok := s.calls[callID]
	if !ok || cc.call.State != domain.CallAccepted {
		s.mu.Unlock()
		return
	}
	s.log.Warn("callsignal: media failure, ending call",
		zap.String("call_id", callID),
		zap.Error(cause),
	)
	s.transitionLocked(cc, domain.CallEnded, CauseMediaFailure)
	s.mu.Unlock()
	s.flush()

	s.endRemote(ctx, callID)
}

func (s *Signaling) endRemote(ctx context.Context, callID string) {
	_, err := s.store.UpdateCallState(ctx, callID, liveStates, domain.CallEnded)
	switch {
	case errors.Is(err, domain.ErrConflict):
		s.log.Debug("callsignal: call already ended remotely", zap.String("call_id", callID))
	case err != nil:
		s.log.Error("callsignal: failed to write ended state",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}
}

// Current returns the view of the active call and the incoming prompt.
func (s *Signaling) Current() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{CallState: domain.CallIdle}
	if cc := s.activeLocked(); cc != nil {
		call := cc.call
		v.CallState = call.State
		v.Call = &call
		v.Role = cc.role
	}
	if cc := s.promptLocked(""); cc != nil {
		call := cc.call
		v.IncomingCallPrompt = &call
		if v.Call == nil {
			v.CallState = call.State
			v.Call = &call
			v.Role = cc.role
		}
	}
	return v
}

// Active reports whether this identity is in a call or placing one.
func (s *Signaling) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked() != nil
}

// activeLocked returns the accepted call, else the oldest ringing outgoing
// call.
func (s *Signaling) activeLocked() *callContext {
	var best *callContext
	for _, cc := range s.calls {
		if cc.call.State == domain.CallAccepted {
			return cc
		}
		if cc.role == RoleCaller && cc.call.State == domain.CallPending {
			if best == nil || cc.seq < best.seq {
				best = cc
			}
		}
	}
	return best
}

// promptLocked returns the oldest ringing incoming call, limited to callerID
// when it is set.
func (s *Signaling) promptLocked(callerID string) *callContext {
	var best *callContext
	for _, cc := range s.calls {
		if callerID != "" && cc.call.CallerID != callerID {
			continue
		}
		if cc.role == RoleCallee && cc.call.State == domain.CallPending {
			if best == nil || cc.seq < best.seq {
				best = cc
			}
		}
	}
	return best
}

func (s *Signaling) snapshotCall(id string, fallback domain.Call) domain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cc, ok := s.calls[id]; ok {
		return cc.call
	}
	return fallback
}

// Close ends every live call locally without writing to the store. Later
// events and operations are ignored.
func (s *Signaling) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for _, cc := range s.calls {
		s.transitionLocked(cc, domain.CallEnded, CauseUnmount)
	}
	s.closed = true
	s.mu.Unlock()
	s.flush()
}
