// Package cleanup tracks temp-store keys whose secure deletion failed and
// retries them until they are gone or abandoned. Nothing in this package
// ever panics outward: a failed cleanup must not take the engine down.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxRetries bounds delete attempts per record.
const DefaultMaxRetries = 3

// Record is one failed secure deletion awaiting retry.
type Record struct {
	Key           string    `json:"key"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	FailedAt      time.Time `json:"failedAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// ProcessResult summarizes one queue pass.
type ProcessResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
}

// SecureDeleter is the store-side operation the queue retries.
type SecureDeleter interface {
	SecureDelete(key string) (bool, error)
}

// AlertFunc is called once per abandoned record so operators learn about
// keys the queue gave up on.
type AlertFunc func(rec Record)

// Queue is the retry ledger contract. Enqueueing an already-tracked key
// keeps a single entry and accumulates its retry count.
type Queue interface {
	// Enqueue records a failed deletion for retry.
	Enqueue(rec Record) error

	// Process retries every pending record once. Delete failures requeue
	// or abandon the record; they are never returned as errors.
	Process(ctx context.Context, store SecureDeleter) (ProcessResult, error)

	// Pending returns a snapshot of the queued records.
	Pending() ([]Record, error)

	// Len returns the number of queued records.
	Len() int
}

// MemoryQueue is the in-process Queue used when no durable ledger is wired.
type MemoryQueue struct {
	mu    sync.Mutex
	recs  map[string]Record
	order []string
	alert AlertFunc
}

// NewMemoryQueue creates an empty queue. alert may be nil.
func NewMemoryQueue(alert AlertFunc) *MemoryQueue {
	return &MemoryQueue{
		recs:  make(map[string]Record),
		alert: alert,
	}
}

// Enqueue adds or refreshes the record for rec.Key. A key already queued
// keeps one entry with retryCount bumped and failedAt refreshed.
func (q *MemoryQueue) Enqueue(rec Record) error {
	if rec.Key == "" {
		return errors.New("cleanup enqueue: empty key")
	}
	normalize(&rec)

	q.mu.Lock()
	defer q.mu.Unlock()
	if prev, ok := q.recs[rec.Key]; ok {
		rec.RetryCount = prev.RetryCount + 1
		q.recs[rec.Key] = rec
		return nil
	}
	q.recs[rec.Key] = rec
	q.order = append(q.order, rec.Key)
	return nil
}

// Process retries every record pending at call time.
func (q *MemoryQueue) Process(ctx context.Context, store SecureDeleter) (ProcessResult, error) {
	pending, _ := q.Pending()
	var res ProcessResult
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++
		out, errMsg := attempt(rec, store)
		switch out {
		case outcomeDone:
			q.remove(rec.Key)
			res.Succeeded++
		case outcomeAbandon:
			q.remove(rec.Key)
			res.Abandoned++
			if q.alert != nil {
				if errMsg != "" {
					rec.LastError = errMsg
				}
				q.alert(rec)
			}
		case outcomeRetry:
			q.mu.Lock()
			rec.RetryCount++
			rec.FailedAt = time.Now().UTC()
			rec.LastError = errMsg
			q.recs[rec.Key] = rec
			q.mu.Unlock()
			res.Requeued++
		}
	}
	return res, nil
}

// Pending returns queued records in enqueue order.
func (q *MemoryQueue) Pending() ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, 0, len(q.order))
	for _, key := range q.order {
		if rec, ok := q.recs[key]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len returns the number of queued records.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recs)
}

func (q *MemoryQueue) remove(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.recs, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetry
	outcomeAbandon
)

// attempt runs one secure delete, converting panics and failures into
// outcomes. A record out of retries is abandoned without another attempt.
func attempt(rec Record, store SecureDeleter) (result outcome, errMsg string) {
	if rec.RetryCount >= rec.MaxRetries {
		return outcomeAbandon, rec.LastError
	}
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("panic: %v", r)
			if rec.RetryCount+1 >= rec.MaxRetries {
				result = outcomeAbandon
			} else {
				result = outcomeRetry
			}
		}
	}()
	ok, err := store.SecureDelete(rec.Key)
	if err == nil && ok {
		return outcomeDone, ""
	}
	if err != nil {
		errMsg = err.Error()
	} else {
		errMsg = "secure delete refused"
	}
	if rec.RetryCount+1 >= rec.MaxRetries {
		return outcomeAbandon, errMsg
	}
	return outcomeRetry, errMsg
}

func normalize(rec *Record) {
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
}

// LogAlert adapts a slog-style logging function into an AlertFunc.
func LogAlert(logf func(msg string, args ...any)) AlertFunc {
	return func(rec Record) {
		logf("cleanup abandoned",
			"key", rec.Key,
			"category", rec.Category,
			"correlation_id", rec.CorrelationID,
			"retries", rec.RetryCount,
			"last_error", rec.LastError,
		)
	}
}

var _ Queue = (*MemoryQueue)(nil)
