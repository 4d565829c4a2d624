package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/medbridge/go-pix/pkg/workerpool"
)

// RevalidateReport summarizes a bulk re-validation pass.
type RevalidateReport struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// RevalidateAll re-validates every active mapping through a bounded
// worker pool, so a large mapping table does not serialize behind two
// REST calls per row.
func (e *Engine) RevalidateAll(ctx context.Context, workers int) (*RevalidateReport, error) {
	ctx, span := e.tracer.Start(ctx, "revalidate_all")
	defer span.End()

	mappings, err := e.store.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list active mappings: %w", err)
	}

	report := &RevalidateReport{Total: len(mappings)}
	if len(mappings) == 0 {
		return report, nil
	}

	var synced, errored, skipped int64
	var wg sync.WaitGroup
	wg.Add(len(mappings))

	pool, err := workerpool.New(workerpool.Config{
		Workers:   workers,
		QueueSize: len(mappings),
		// Validation is idempotent but re-running it on a transient
		// store hiccup just repeats two reads, so one attempt is enough.
		MaxRetries:              0,
		GracefulShutdownTimeout: 30 * time.Second,
	}, func(taskCtx context.Context, task *workerpool.Task) *workerpool.Result {
		defer wg.Done()
		mappingID := task.Payload.(string)

		m, serr := e.SyncMapping(taskCtx, mappingID)
		if serr != nil {
			atomic.AddInt64(&skipped, 1)
			return &workerpool.Result{TaskID: task.ID, Success: false, Error: serr}
		}
		if m.ErrorMessage != nil {
			atomic.AddInt64(&errored, 1)
		} else {
			atomic.AddInt64(&synced, 1)
		}
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	pool.Start()
	for _, m := range mappings {
		if err := pool.Submit(&workerpool.Task{ID: m.ID, Payload: m.ID, Context: ctx}); err != nil {
			wg.Done()
			atomic.AddInt64(&skipped, 1)
			e.logger.Warn("revalidation task not queued",
				zap.String("mapping_id", m.ID),
				zap.Error(err))
		}
	}
	wg.Wait()
	pool.Stop()

	report.Synced = int(atomic.LoadInt64(&synced))
	report.Errored = int(atomic.LoadInt64(&errored))
	report.Skipped = int(atomic.LoadInt64(&skipped))

	e.logger.Info("bulk revalidation finished",
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("errored", report.Errored),
		zap.Int("skipped", report.Skipped))
	return report, nil
}
