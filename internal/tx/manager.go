// Package tx runs units of work against postgres, retrying the whole unit
// when the database aborts it for a serialization conflict or deadlock.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error
}

const (
	defaultAttempts = 5
	baseBackoff     = 10 * time.Millisecond
)

var ErrRetryExhausted = errors.New("transaction retry exhausted")

// Manager opens read-committed transactions on DB unless Isolation is set.
type Manager struct {
	DB          *sql.DB
	Isolation   sql.IsolationLevel
	MaxAttempts int
}

func (m *Manager) attempts() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return defaultAttempts
}

func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	isolation := m.Isolation
	if isolation == sql.LevelDefault {
		isolation = sql.LevelReadCommitted
	}

	var last error
	for attempt := range m.attempts() {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				return err
			}
		}

		last = m.run(ctx, isolation, fn)
		if !isSerializationError(last) {
			return last
		}
	}
	return fmt.Errorf("%w: %v", ErrRetryExhausted, last)
}

func (m *Manager) run(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := m.DB.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// backoff waits baseBackoff doubled per prior attempt.
func backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(baseBackoff << (attempt - 1))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return strings.Contains(err.Error(), "could not serialize")
}
