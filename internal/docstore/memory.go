package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"go.uber.org/zap"
)

// Memory is a process-local Store. Mutations are published to the feed after
// the lock is released.
type Memory struct {
	databaseID string
	publisher  feed.Publisher
	now        func() time.Time

	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemory returns an empty store. A nil publisher disables change events.
func NewMemory(databaseID string, publisher feed.Publisher) *Memory {
	return &Memory{
		databaseID:  databaseID,
		publisher:   publisher,
		now:         time.Now,
		collections: make(map[string]map[string]Document),
	}
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	m.mu.RLock()
	coll := m.collections[q.Collection]
	matched := make([]Document, 0, len(coll))
	for _, d := range coll {
		if matches(d, q.Filters) {
			matched = append(matched, clone(d))
		}
	}
	var cursor *Document
	if q.CursorAfter != "" {
		c, ok := coll[q.CursorAfter]
		if !ok {
			m.mu.RUnlock()
			return nil, fmt.Errorf("cursor %s: %w", q.CursorAfter, domain.ErrDocumentNotFound)
		}
		cursor = &c
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if q.Desc {
			return before(matched[j], matched[i])
		}
		return before(matched[i], matched[j])
	})

	if cursor != nil {
		start := len(matched)
		for i, d := range matched {
			after := before(*cursor, d)
			if q.Desc {
				after = before(d, *cursor)
			}
			if after {
				start = i
				break
			}
		}
		matched = matched[start:]
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.collections[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrDocumentNotFound)
	}
	return clone(d), nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, createdAt time.Time, fields map[string]any) (Document, error) {
	if id == "" {
		return Document{}, domain.ErrInvalidInput
	}
	now := domain.NormalizeTime(m.now())
	if createdAt.IsZero() {
		createdAt = now
	}

	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	if existing, ok := coll[id]; ok {
		m.mu.Unlock()
		return clone(existing), nil
	}
	d := Document{
		ID:         id,
		Collection: collection,
		CreatedAt:  domain.NormalizeTime(createdAt),
		UpdatedAt:  now,
		Fields:     copyFields(fields),
	}
	coll[id] = d
	m.mu.Unlock()

	m.publish(ctx, d, domain.OpCreate)
	return clone(d), nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any, when ...Precondition) (Document, error) {
	m.mu.Lock()
	d, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrDocumentNotFound)
	}
	for _, p := range when {
		if !slices.Contains(p.OneOf, d.String(p.Field)) {
			m.mu.Unlock()
			return Document{}, fmt.Errorf("%s/%s: %s is %q: %w", collection, id, p.Field, d.String(p.Field), domain.ErrConflict)
		}
	}
	d = clone(d)
	for k, v := range fields {
		d.Fields[k] = v
	}
	d.UpdatedAt = domain.NormalizeTime(m.now())
	m.collections[collection][id] = d
	m.mu.Unlock()

	m.publish(ctx, d, domain.OpUpdate)
	return clone(d), nil
}

func (m *Memory) PingContext(ctx context.Context) error {
	return nil
}

func (m *Memory) publish(ctx context.Context, d Document, op domain.Operation) {
	if m.publisher == nil {
		return
	}
	raw, err := EncodeEvent(m.databaseID, d, op, m.now())
	if err != nil {
		observability.GetLogger(ctx).Error("docstore: encode change event", zap.Error(err))
		return
	}
	if err := m.publisher.Publish(ctx, feed.Topic(m.databaseID, d.Collection), raw); err != nil {
		observability.GetLogger(ctx).Warn("docstore: publish change event",
			zap.String("collection", d.Collection),
			zap.String("document_id", d.ID),
			zap.Error(err),
		)
	}
}

// EncodeEvent renders the change notification for one mutation of d made at
// the given instant.
func EncodeEvent(databaseID string, d Document, op domain.Operation, at time.Time) ([]byte, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(feed.NewRawEvent(databaseID, d.Collection, d.ID, op, payload, at))
}

func before(a, b Document) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func matches(d Document, filters []Filter) bool {
	for _, f := range filters {
		if d.String(f.Field) != f.Value {
			return false
		}
	}
	return true
}

func clone(d Document) Document {
	d.Fields = copyFields(d.Fields)
	return d
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
