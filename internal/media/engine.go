// Package media drives the real-time media engine from call state
// transitions. The Binder is the only caller of join, leave and track
// operations.
package media

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type JoinOptions struct {
	UID          string
	PublishAudio bool
	PublishVideo bool
}

// EngineEvents are the engine's asynchronous callbacks.
type EngineEvents interface {
	OnJoinChannelSuccess(channelID string)
	OnUserJoined(uid string)
	OnUserOffline(uid string)
	OnError(code int)
}

// Engine is the control surface of a media engine. One instance is shared by
// the process.
type Engine interface {
	Initialize(ctx context.Context, appID string) error
	JoinChannel(ctx context.Context, channelID string, opts JoinOptions) error
	LeaveChannel(ctx context.Context) error
	EnableLocalVideo(enabled bool) error
	EnableLocalAudio(enabled bool) error
	SwitchCamera() error
	StartPreview() error
	StopPreview() error
	Release()
	SetEventHandler(h EngineEvents)
}

// LogEngine records engine calls in the log and reports joins as successful.
// It stands in where the media plane runs on the client.
type LogEngine struct {
	log *zap.Logger

	mu      sync.Mutex
	handler EngineEvents
	channel string
}

func NewLogEngine(log *zap.Logger) *LogEngine {
	return &LogEngine{log: log}
}

func (e *LogEngine) Initialize(ctx context.Context, appID string) error {
	e.log.Info("media: initialize", zap.String("app_id", appID))
	return nil
}

func (e *LogEngine) JoinChannel(ctx context.Context, channelID string, opts JoinOptions) error {
	e.log.Info("media: join channel",
		zap.String("channel_id", channelID),
		zap.String("uid", opts.UID),
	)
	e.mu.Lock()
	e.channel = channelID
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		h.OnJoinChannelSuccess(channelID)
	}
	return nil
}

func (e *LogEngine) LeaveChannel(ctx context.Context) error {
	e.mu.Lock()
	channel := e.channel
	e.channel = ""
	e.mu.Unlock()

	e.log.Info("media: leave channel", zap.String("channel_id", channel))
	return nil
}

func (e *LogEngine) EnableLocalVideo(enabled bool) error {
	e.log.Debug("media: local video", zap.Bool("enabled", enabled))
	return nil
}

func (e *LogEngine) EnableLocalAudio(enabled bool) error {
	e.log.Debug("media: local audio", zap.Bool("enabled", enabled))
	return nil
}

func (e *LogEngine) SwitchCamera() error {
	e.log.Debug("media: switch camera")
	return nil
}

func (e *LogEngine) StartPreview() error {
	e.log.Debug("media: start preview")
	return nil
}

func (e *LogEngine) StopPreview() error {
	e.log.Debug("media: stop preview")
	return nil
}

func (e *LogEngine) Release() {
	e.log.Info("media: release")
}

func (e *LogEngine) SetEventHandler(h EngineEvents) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}
