package repository

import (
	"context"
	"fmt"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("peersync/repository")

const (
	fieldSenderID   = "senderId"
	fieldReceiverID = "receiverId"
	fieldKind       = "kind"
	fieldBody       = "body"
	fieldMediaID    = "mediaId"
)

type MessageRepository struct {
	store      docstore.Store
	collection string
}

func NewMessageRepository(store docstore.Store, collection string) *MessageRepository {
	return &MessageRepository{store: store, collection: collection}
}

func (r *MessageRepository) Collection() string {
	return r.collection
}

// ListDirection returns up to limit messages sent from senderID to receiverID,
// newest first, starting strictly after the message cursorAfter.
func (r *MessageRepository) ListDirection(
	ctx context.Context,
	senderID, receiverID string,
	cursorAfter string,
	limit int,
) ([]domain.Message, error) {

	ctx, span := tracer.Start(ctx, "MessageRepository.ListDirection")
	defer span.End()
	span.SetAttributes(
		attribute.String("sender_id", senderID),
		attribute.String("receiver_id", receiverID),
		attribute.Int("limit", limit),
	)

	docs, err := r.store.Query(ctx, docstore.Query{
		Collection: r.collection,
		Filters: []docstore.Filter{
			{Field: fieldSenderID, Value: senderID},
			{Field: fieldReceiverID, Value: receiverID},
		},
		Desc:        true,
		Limit:       limit,
		CursorAfter: cursorAfter,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}

	out := make([]domain.Message, 0, len(docs))
	for _, d := range docs {
		m, err := MessageFromDocument(d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateMessage stores m under its own id and creation time. Repeating the
// call with the same id returns the stored message.
func (r *MessageRepository) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageRepository.CreateMessage")
	defer span.End()
	span.SetAttributes(attribute.String("message_id", m.ID))

	fields := map[string]any{
		fieldSenderID:   m.SenderID,
		fieldReceiverID: m.ReceiverID,
		fieldKind:       string(m.Kind),
	}
	if m.Body != "" {
		fields[fieldBody] = m.Body
	}
	if m.MediaID != "" {
		fields[fieldMediaID] = m.MediaID
	}

	d, err := r.store.Create(ctx, r.collection, m.ID, m.CreatedAt, fields)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return domain.Message{}, err
	}
	return MessageFromDocument(d)
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageRepository.GetMessage")
	defer span.End()

	d, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		span.RecordError(err)
		return domain.Message{}, err
	}
	return MessageFromDocument(d)
}

func MessageFromDocument(d docstore.Document) (domain.Message, error) {
	m := domain.Message{
		ID:         d.ID,
		SenderID:   d.String(fieldSenderID),
		ReceiverID: d.String(fieldReceiverID),
		Kind:       domain.MessageKind(d.String(fieldKind)),
		Body:       d.String(fieldBody),
		MediaID:    d.String(fieldMediaID),
		CreatedAt:  domain.NormalizeTime(d.CreatedAt),
	}
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	if m.ID == "" || m.SenderID == "" || m.ReceiverID == "" || !m.Kind.Valid() {
		return domain.Message{}, fmt.Errorf("message %q: %w", d.ID, domain.ErrInvalidMessage)
	}
	return m, nil
}
