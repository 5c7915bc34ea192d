package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the cleanup queue in the background.
type Worker struct {
	queue  Queue
	store  SecureDeleter
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 30s.
func NewWorker(queue Queue, store SecureDeleter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Worker{
		queue:  queue,
		store:  store,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("cleanup pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce processes every currently pending record.
func (w *Worker) RunOnce(ctx context.Context) (ProcessResult, error) {
	if w.queue.Len() == 0 {
		return ProcessResult{}, nil
	}
	res, err := w.queue.Process(ctx, w.store)
	if err != nil {
		return res, err
	}
	if res.Processed > 0 {
		w.logger.Info("cleanup pass",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"requeued", res.Requeued,
			"abandoned", res.Abandoned,
		)
	}
	return res, nil
}
