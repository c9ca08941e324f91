// Package postgres stores documents as JSONB rows. Each mutation writes its
// change event to the outbox in the same transaction; the outbox worker
// forwards it to the feed.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/docstore"
	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/tx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

type Store struct {
	DB         *sql.DB
	Tx         tx.Transactor
	DatabaseID string

	now func() time.Time
}

func New(db *sql.DB, databaseID string) *Store {
	return &Store{
		DB:         db,
		Tx:         &tx.Manager{DB: db},
		DatabaseID: databaseID,
		now:        time.Now,
	}
}

// EnsureSchema creates the documents and outbox tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

func (s *Store) PingContext(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

type queryable interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) getter(tx *sql.Tx) queryable {
	if tx != nil {
		return tx
	}
	return s.DB
}

const selectColumns = `id, collection, created_at, updated_at, fields`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (docstore.Document, error) {
	var (
		d      docstore.Document
		fields []byte
	)
	if err := row.Scan(&d.ID, &d.Collection, &d.CreatedAt, &d.UpdatedAt, &fields); err != nil {
		return docstore.Document{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.Fields = map[string]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &d.Fields); err != nil {
			return docstore.Document{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return d, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	var cursor *docstore.Document
	if q.CursorAfter != "" {
		c, err := s.get(ctx, nil, q.Collection, q.CursorAfter)
		if err != nil {
			return nil, fmt.Errorf("cursor: %w", err)
		}
		cursor = &c
	}

	query, args := buildQuery(q, cursor)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []docstore.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// buildQuery renders q as keyset pagination over (created_at, id). Ids
// compare bytewise so the order matches the in-memory store.
func buildQuery(q docstore.Query, cursor *docstore.Document) (string, []any) {
	var b strings.Builder
	args := []any{q.Collection}

	b.WriteString(`SELECT ` + selectColumns + ` FROM documents WHERE collection = $1`)

	for _, f := range q.Filters {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&b, ` AND fields->>$%d = $%d`, len(args)-1, len(args))
	}

	cmp, dir := ">", "ASC"
	if q.Desc {
		cmp, dir = "<", "DESC"
	}

	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		fmt.Fprintf(&b, ` AND (created_at, id COLLATE "C") %s ($%d, $%d COLLATE "C")`, cmp, len(args)-1, len(args))
	}

	fmt.Fprintf(&b, ` ORDER BY created_at %s, id COLLATE "C" %s`, dir, dir)

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	return s.get(ctx, nil, collection, id)
}

func (s *Store) get(ctx context.Context, tx *sql.Tx, collection, id string) (docstore.Document, error) {
	q := s.getter(tx)
	d, err := scanDocument(q.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id))
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrDocumentNotFound)
	}
	return d, err
}

func (s *Store) Create(ctx context.Context, collection, id string, createdAt time.Time, fields map[string]any) (docstore.Document, error) {
	if id == "" {
		return docstore.Document{}, domain.ErrInvalidInput
	}
	now := s.now()
	if createdAt.IsZero() {
		createdAt = now
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return docstore.Document{}, err
	}

	var out docstore.Document
	err = s.Tx.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := s.getter(tx)
		d, err := scanDocument(q.QueryRowContext(ctx, `
			INSERT INTO documents (collection, id, created_at, updated_at, fields)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING `+selectColumns,
			collection, id, domain.NormalizeTime(createdAt), domain.NormalizeTime(now), encoded,
		))
		if errors.Is(err, sql.ErrNoRows) {
			// Already stored: return it as is, no new change event.
			out, err = s.get(ctx, tx, collection, id)
			return err
		}
		if err != nil {
			return err
		}
		out = d
		return s.insertOutbox(ctx, tx, d, domain.OpCreate, now)
	})
	return out, err
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any, when ...docstore.Precondition) (docstore.Document, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return docstore.Document{}, err
	}
	now := s.now()
	query, args := buildUpdate(collection, id, encoded, domain.NormalizeTime(now), when)

	var out docstore.Document
	err = s.Tx.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		q := s.getter(tx)
		d, err := scanDocument(q.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			if len(when) == 0 {
				return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrDocumentNotFound)
			}
			// Either missing or a precondition failed.
			if _, err := s.get(ctx, tx, collection, id); err != nil {
				return err
			}
			return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrConflict)
		}
		if err != nil {
			return err
		}
		out = d
		return s.insertOutbox(ctx, tx, d, domain.OpUpdate, now)
	})
	return out, err
}

// buildUpdate renders a merge of encoded into the row, guarded by when.
func buildUpdate(collection, id string, encoded []byte, at time.Time, when []docstore.Precondition) (string, []any) {
	var b strings.Builder
	args := []any{collection, id, encoded, at}

	b.WriteString(`UPDATE documents SET fields = fields || $3::jsonb, updated_at = $4 WHERE collection = $1 AND id = $2`)
	for _, p := range when {
		args = append(args, p.Field, pq.StringArray(p.OneOf))
		fmt.Fprintf(&b, ` AND fields->>$%d = ANY($%d)`, len(args)-1, len(args))
	}
	b.WriteString(` RETURNING ` + selectColumns)
	return b.String(), args
}

func (s *Store) insertOutbox(ctx context.Context, tx *sql.Tx, d docstore.Document, op domain.Operation, at time.Time) error {
	payload, err := docstore.EncodeEvent(s.DatabaseID, d, op, at)
	if err != nil {
		return err
	}
	q := s.getter(tx)
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
	`, feed.Topic(s.DatabaseID, d.Collection), d.ID, payload)
	return err
}
