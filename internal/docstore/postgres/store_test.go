package postgres

import (
	"testing"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestBuildQuery(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		q        docstore.Query
		cursor   *docstore.Document
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "collection only",
			q:        docstore.Query{Collection: "calls"},
			wantSQL:  `SELECT id, collection, created_at, updated_at, fields FROM documents WHERE collection = $1 ORDER BY created_at ASC, id COLLATE "C" ASC`,
			wantArgs: []any{"calls"},
		},
		{
			name: "filters desc limit",
			q: docstore.Query{
				Collection: "messages",
				Filters:    []docstore.Filter{{Field: "senderId", Value: "u1"}, {Field: "receiverId", Value: "u2"}},
				Desc:       true,
				Limit:      20,
			},
			wantSQL: `SELECT id, collection, created_at, updated_at, fields FROM documents WHERE collection = $1` +
				` AND fields->>$2 = $3 AND fields->>$4 = $5 ORDER BY created_at DESC, id COLLATE "C" DESC LIMIT $6`,
			wantArgs: []any{"messages", "senderId", "u1", "receiverId", "u2", 20},
		},
		{
			name:   "cursor desc",
			q:      docstore.Query{Collection: "messages", Desc: true, Limit: 5, CursorAfter: "m9"},
			cursor: &docstore.Document{ID: "m9", CreatedAt: at},
			wantSQL: `SELECT id, collection, created_at, updated_at, fields FROM documents WHERE collection = $1` +
				` AND (created_at, id COLLATE "C") < ($2, $3 COLLATE "C") ORDER BY created_at DESC, id COLLATE "C" DESC LIMIT $4`,
			wantArgs: []any{"messages", at, "m9", 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildQuery(tt.q, tt.cursor)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildUpdate(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	body := []byte(`{"state":"accepted"}`)
	const base = `UPDATE documents SET fields = fields || $3::jsonb, updated_at = $4 WHERE collection = $1 AND id = $2`

	tests := []struct {
		name     string
		when     []docstore.Precondition
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "unconditional",
			wantSQL:  base + ` RETURNING id, collection, created_at, updated_at, fields`,
			wantArgs: []any{"calls", "c1", body, at},
		},
		{
			name:     "guarded on state",
			when:     []docstore.Precondition{{Field: "state", OneOf: []string{"pending"}}},
			wantSQL:  base + ` AND fields->>$5 = ANY($6) RETURNING id, collection, created_at, updated_at, fields`,
			wantArgs: []any{"calls", "c1", body, at, "state", pq.StringArray{"pending"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildUpdate("calls", "c1", body, at, tt.when)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestSchemaEmbedded(t *testing.T) {
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS documents")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS outbox_events")
	assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS outbox_dlq")
}
