package targetvision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelbyklein/targetvision-sub000/store"
	"github.com/shelbyklein/targetvision-sub000/vision"
)

// BatchResult is the outcome of one photo in a batch.
type BatchResult struct {
	PhotoID  string
	Metadata *store.Metadata // nil when the item failed
	Error    string          // empty on success
}

// ProcessBatch runs the pipeline over an ordered id list in consecutive
// groups of maxConcurrent, with the configured pacing pause between groups.
// Items within a group run concurrently; one item's failure never aborts the
// batch. Always returns one outcome per id, in input order. Canceling ctx
// stops scheduling further groups and records the cancellation against the
// unscheduled items, but items already dispatched run to completion.
func (tv *TargetVision) ProcessBatch(ctx context.Context, ids []string, maxConcurrent int, provider string) ([]BatchResult, error) {
	d, err := tv.Describer(provider)
	if err != nil {
		return nil, err
	}

	if maxConcurrent <= 0 {
		maxConcurrent = tv.cfg.Queue.Concurrency
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	log := tv.log.With(zap.String("run", uuid.NewString()), zap.String("provider", d.Name()))
	log.Info("processing batch", zap.Int("photos", len(ids)), zap.Int("concurrency", maxConcurrent))

	results := make([]BatchResult, len(ids))
	for start := 0; start < len(ids); start += maxConcurrent {
		if start > 0 {
			select {
			case <-ctx.Done():
				for i := start; i < len(ids); i++ {
					results[i] = BatchResult{PhotoID: ids[i], Error: ctx.Err().Error()}
					if tv.onOutcome != nil {
						tv.onOutcome(results[i])
					}
				}
				log.Warn("batch canceled", zap.Int("skipped", len(ids)-start))
				return results, nil
			case <-time.After(tv.cfg.Queue.GroupPause):
			}
		}

		end := min(start+maxConcurrent, len(ids))
		tv.runGroup(ctx, d, ids[start:end], true, results[start:end])
	}

	return results, nil
}

// runGroup processes ids concurrently, writing one outcome per id into out.
// When claim is set each photo is enqueued and claimed first; queue-driven
// callers have already claimed theirs. Dispatched items run to completion
// even if ctx is canceled while they are in flight.
func (tv *TargetVision) runGroup(ctx context.Context, d vision.Describer, ids []string, claim bool, out []BatchResult) {
	itemCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := BatchResult{PhotoID: id}
			var err error
			if claim {
				err = tv.claim(itemCtx, id)
			}
			if err == nil {
				r.Metadata, err = tv.processClaimed(itemCtx, d, id)
			}
			if err != nil {
				r.Error = err.Error()
			}

			out[i] = r
			if tv.onOutcome != nil {
				tv.onOutcome(r)
			}
		}()
	}
	wg.Wait()
}

// Enqueue adds photos to the work queue at the given priority. Photos
// already queued keep their existing item untouched.
func (tv *TargetVision) Enqueue(ctx context.Context, ids []string, priority int) error {
	for _, id := range ids {
		if err := tv.store.Enqueue(ctx, id, priority); err != nil {
			return fmt.Errorf("enqueueing %s: %w", id, err)
		}
	}
	return nil
}

// QueueStatus reports item counts for every queue status, including zeroes.
func (tv *TargetVision) QueueStatus(ctx context.Context) (map[store.Status]int, error) {
	counts, err := tv.store.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []store.Status{store.StatusPending, store.StatusProcessing, store.StatusCompleted, store.StatusFailed} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}
