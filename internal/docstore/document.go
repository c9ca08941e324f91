// Package docstore is the backing document store: collections of JSON
// documents queried by equality filters and ordered by creation time. Every
// mutation is announced on the change feed.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	keyID         = "$id"
	keyCollection = "$collectionId"
	keyCreatedAt  = "$createdAt"
	keyUpdatedAt  = "$updatedAt"
)

type Document struct {
	ID         string
	Collection string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Fields     map[string]any
}

// String returns a string field, or "" when absent or not a string.
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// MarshalJSON flattens system attributes ($-prefixed) and fields into one
// object, the shape change-feed payloads carry.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+4)
	for k, v := range d.Fields {
		out[k] = v
	}
	out[keyID] = d.ID
	out[keyCollection] = d.Collection
	out[keyCreatedAt] = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	out[keyUpdatedAt] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	d.ID, _ = raw[keyID].(string)
	d.Collection, _ = raw[keyCollection].(string)

	var err error
	if d.CreatedAt, err = parseTime(raw[keyCreatedAt]); err != nil {
		return fmt.Errorf("%s: %w", keyCreatedAt, err)
	}
	if d.UpdatedAt, err = parseTime(raw[keyUpdatedAt]); err != nil {
		return fmt.Errorf("%s: %w", keyUpdatedAt, err)
	}

	delete(raw, keyID)
	delete(raw, keyCollection)
	delete(raw, keyCreatedAt)
	delete(raw, keyUpdatedAt)
	d.Fields = raw
	return nil
}

func parseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Filter is an equality match on one string field.
type Filter struct {
	Field string
	Value string
}

// Precondition holds when the stored field equals one of OneOf.
type Precondition struct {
	Field string
	OneOf []string
}

// Query selects documents of one collection ordered by (CreatedAt, ID).
// CursorAfter is a document id; results start strictly after it in the
// requested order.
type Query struct {
	Collection  string
	Filters     []Filter
	Desc        bool
	Limit       int
	CursorAfter string
}

type Store interface {
	Query(ctx context.Context, q Query) ([]Document, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create is idempotent on id: an existing document is returned unchanged
	// and no change event is emitted. A zero createdAt means now.
	Create(ctx context.Context, collection, id string, createdAt time.Time, fields map[string]any) (Document, error)
	// Update merges fields into the stored document. When any precondition
	// does not hold nothing is written and the error wraps ErrConflict.
	Update(ctx context.Context, collection, id string, fields map[string]any, when ...Precondition) (Document, error)
}
