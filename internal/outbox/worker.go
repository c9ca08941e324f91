package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/feed"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3

// Worker drains outbox_events to the change feed. A row that keeps failing is
// moved to outbox_dlq after MaxRetries attempts.
type Worker struct {
	DB         *sql.DB
	Publisher  feed.Publisher
	Service    string
	BatchSize  int
	PollDelay  time.Duration
	MaxRetries int
}

func (w *Worker) Start(ctx context.Context) {

	log := observability.GetLogger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			n, err := w.processBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("outbox error", zap.Error(err))
				sleep(ctx, time.Second)
				continue
			}
			if n == 0 {
				sleep(ctx, w.PollDelay)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type event struct {
	id          int64
	topic       string
	aggregateID string
	payload     []byte
	createdAt   time.Time
	retryCount  int
}

func (w *Worker) maxRetries() int {
	if w.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return w.MaxRetries
}

// processBatch publishes up to BatchSize rows in id order and stops at the
// first failure so later events on the same topic are not published ahead of
// it. It returns the number of rows claimed.
func (w *Worker) processBatch(ctx context.Context) (int, error) {

	tx, err := w.DB.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return 0, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic, aggregate_id, payload, created_at, retry_count
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, w.BatchSize)

	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	var events []event

	for rows.Next() {
		var e event
		if err := rows.Scan(&e.id, &e.topic, &e.aggregateID, &e.payload, &e.createdAt, &e.retryCount); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return 0, err
		}
		events = append(events, e)
	}
	rows.Close()

	if len(events) == 0 {
		_ = tx.Rollback()
		return 0, nil
	}

	var batchErr error

	for _, e := range events {
		if err := w.Publisher.Publish(ctx, e.topic, e.payload); err != nil {
			observability.OutboxPublishFailuresTotal.WithLabelValues(w.Service, e.topic).Inc()

			if e.retryCount >= w.maxRetries() {
				if dbErr := w.deadLetter(ctx, tx, e, err); dbErr != nil {
					_ = tx.Rollback()
					return 0, dbErr
				}
			} else {
				_, dbErr := tx.ExecContext(ctx, `
					UPDATE outbox_events
					SET retry_count = retry_count + 1, error = $2
					WHERE id = $1
				`, e.id, err.Error())
				if dbErr != nil {
					_ = tx.Rollback()
					return 0, dbErr
				}
			}

			batchErr = err
			break
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			SET processed_at = now()
			WHERE id = $1
		`, e.id)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(events), batchErr
}

func (w *Worker) deadLetter(ctx context.Context, tx *sql.Tx, e event, cause error) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_dlq (id, topic, aggregate_id, payload, created_at, failed_at, error, retry_count)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7)
	`, e.id, e.topic, e.aggregateID, e.payload, e.createdAt, cause.Error(), e.retryCount+1)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE id = $1
	`, e.id)
	return err
}
