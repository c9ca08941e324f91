package repository

import (
	"context"
	"fmt"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	fieldCallerID  = "callerId"
	fieldChannelID = "channelId"
	fieldState     = "state"
)

type CallRepository struct {
	store      docstore.Store
	collection string
}

func NewCallRepository(store docstore.Store, collection string) *CallRepository {
	return &CallRepository{store: store, collection: collection}
}

func (r *CallRepository) Collection() string {
	return r.collection
}

func (r *CallRepository) CreateCall(ctx context.Context, c domain.Call) (domain.Call, error) {
	ctx, span := tracer.Start(ctx, "CallRepository.CreateCall")
	defer span.End()
	span.SetAttributes(
		attribute.String("call_id", c.ID),
		attribute.String("channel_id", c.ChannelID),
	)

	d, err := r.store.Create(ctx, r.collection, c.ID, c.CreatedAt, map[string]any{
		fieldCallerID:   c.CallerID,
		fieldReceiverID: c.ReceiverID,
		fieldChannelID:  c.ChannelID,
		fieldState:      string(c.State),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return domain.Call{}, err
	}
	return CallFromDocument(d)
}

// UpdateCallState writes to only while the stored state is one of from. An
// empty from writes unconditionally.
func (r *CallRepository) UpdateCallState(ctx context.Context, id string, from []domain.CallState, to domain.CallState) (domain.Call, error) {
	ctx, span := tracer.Start(ctx, "CallRepository.UpdateCallState")
	defer span.End()
	span.SetAttributes(
		attribute.String("call_id", id),
		attribute.String("state", string(to)),
	)

	var when []docstore.Precondition
	if len(from) > 0 {
		states := make([]string, len(from))
		for i, st := range from {
			states[i] = string(st)
		}
		when = append(when, docstore.Precondition{Field: fieldState, OneOf: states})
	}

	d, err := r.store.Update(ctx, r.collection, id, map[string]any{
		fieldState: string(to),
	}, when...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return domain.Call{}, err
	}
	return CallFromDocument(d)
}

func (r *CallRepository) GetCall(ctx context.Context, id string) (domain.Call, error) {
	ctx, span := tracer.Start(ctx, "CallRepository.GetCall")
	defer span.End()

	d, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		span.RecordError(err)
		return domain.Call{}, err
	}
	return CallFromDocument(d)
}

// CallFromDocument maps a stored call. A missing channel id is derived from
// the participants.
func CallFromDocument(d docstore.Document) (domain.Call, error) {
	c := domain.Call{
		ID:         d.ID,
		CallerID:   d.String(fieldCallerID),
		ReceiverID: d.String(fieldReceiverID),
		ChannelID:  d.String(fieldChannelID),
		State:      domain.CallState(d.String(fieldState)),
		CreatedAt:  domain.NormalizeTime(d.CreatedAt),
		UpdatedAt:  domain.NormalizeTime(d.UpdatedAt),
	}
	if c.ID == "" || c.CallerID == "" || c.ReceiverID == "" || !c.State.Valid() {
		return domain.Call{}, fmt.Errorf("call %q: %w", d.ID, domain.ErrInvalidCall)
	}
	if c.ChannelID == "" {
		c.ChannelID = domain.ChannelID(c.CallerID, c.ReceiverID)
	}
	return c, nil
}
