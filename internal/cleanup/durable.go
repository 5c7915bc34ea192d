package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger persists cleanup records across restarts. storage.Store implements
// it on the cleanup_queue table.
type Ledger interface {
	// UpsertCleanupRecord inserts rec or, when the key exists, replaces it
	// with retry_count bumped by one.
	UpsertCleanupRecord(rec Record) error

	// UpdateCleanupRecord overwrites rec by key without accumulation.
	UpdateCleanupRecord(rec Record) error

	// ListCleanupRecords returns all records ordered by failed_at.
	ListCleanupRecords() ([]Record, error)

	// DeleteCleanupRecord removes the record for key.
	DeleteCleanupRecord(key string) error

	// CountCleanupRecords returns the number of persisted records.
	CountCleanupRecords() (int, error)
}

// DurableQueue is a Queue whose records survive restarts by living in a
// storage ledger instead of process memory.
type DurableQueue struct {
	ledger Ledger
	alert  AlertFunc
}

// NewDurableQueue wraps a ledger. alert may be nil.
func NewDurableQueue(ledger Ledger, alert AlertFunc) *DurableQueue {
	return &DurableQueue{ledger: ledger, alert: alert}
}

// Enqueue persists the record; a key already present accumulates its retry
// count inside the ledger upsert.
func (q *DurableQueue) Enqueue(rec Record) error {
	if rec.Key == "" {
		return errors.New("cleanup enqueue: empty key")
	}
	normalize(&rec)
	if err := q.ledger.UpsertCleanupRecord(rec); err != nil {
		return fmt.Errorf("persist cleanup record: %w", err)
	}
	return nil
}

// Process retries every persisted record once. Ledger failures are returned;
// delete failures are not.
func (q *DurableQueue) Process(ctx context.Context, store SecureDeleter) (ProcessResult, error) {
	pending, err := q.ledger.ListCleanupRecords()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("list cleanup records: %w", err)
	}
	var res ProcessResult
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++
		out, errMsg := attempt(rec, store)
		switch out {
		case outcomeDone:
			if err := q.ledger.DeleteCleanupRecord(rec.Key); err != nil {
				return res, fmt.Errorf("remove cleanup record %s: %w", rec.Key, err)
			}
			res.Succeeded++
		case outcomeAbandon:
			if err := q.ledger.DeleteCleanupRecord(rec.Key); err != nil {
				return res, fmt.Errorf("remove cleanup record %s: %w", rec.Key, err)
			}
			res.Abandoned++
			if q.alert != nil {
				if errMsg != "" {
					rec.LastError = errMsg
				}
				q.alert(rec)
			}
		case outcomeRetry:
			rec.RetryCount++
			rec.FailedAt = time.Now().UTC()
			rec.LastError = errMsg
			if err := q.ledger.UpdateCleanupRecord(rec); err != nil {
				return res, fmt.Errorf("requeue cleanup record %s: %w", rec.Key, err)
			}
			res.Requeued++
		}
	}
	return res, nil
}

// Pending returns the persisted records.
func (q *DurableQueue) Pending() ([]Record, error) {
	return q.ledger.ListCleanupRecords()
}

// Len returns the persisted record count, 0 when the ledger is unreachable.
func (q *DurableQueue) Len() int {
	n, err := q.ledger.CountCleanupRecords()
	if err != nil {
		return 0
	}
	return n
}

var _ Queue = (*DurableQueue)(nil)
