package targetvision

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelbyklein/targetvision-sub000/interpret"
	"github.com/shelbyklein/targetvision-sub000/normalize"
	"github.com/shelbyklein/targetvision-sub000/store"
	"github.com/shelbyklein/targetvision-sub000/vision"
)

// ProcessPhoto runs the full pipeline for one photo: fetch, normalize,
// describe, interpret, embed, persist. The photo is enqueued if absent and
// claimed before work starts; completed and failed photos are requeued so a
// photo can be reprocessed on demand. On success the queue item is marked
// completed and the persisted record returned; on failure it is marked
// failed with the error string and the attempt counter incremented.
func (tv *TargetVision) ProcessPhoto(ctx context.Context, photoID, provider string) (*store.Metadata, error) {
	d, err := tv.Describer(provider)
	if err != nil {
		return nil, err
	}
	if err := tv.claim(ctx, photoID); err != nil {
		return nil, err
	}
	return tv.processClaimed(ctx, d, photoID)
}

// claim moves a photo's queue item to processing, creating the item first if
// the photo was never queued. A photo that is already processing cannot be
// claimed again.
func (tv *TargetVision) claim(ctx context.Context, photoID string) error {
	if err := tv.store.Enqueue(ctx, photoID, 0); err != nil {
		return err
	}

	err := tv.store.MarkProcessing(ctx, photoID)
	if errors.Is(err, store.ErrConflict) {
		if rerr := tv.store.Requeue(ctx, photoID); rerr != nil {
			return rerr
		}
		return tv.store.MarkProcessing(ctx, photoID)
	}
	return err
}

// processClaimed runs the pipeline for an already-claimed photo and records
// the outcome. Status finalizers run even when ctx was canceled mid-flight,
// so an interrupted photo still lands in the failed state. A completion
// write that fails is itself a failure: the item is marked failed rather
// than left in processing.
func (tv *TargetVision) processClaimed(ctx context.Context, d vision.Describer, photoID string) (*store.Metadata, error) {
	m, err := tv.runPipeline(ctx, d, photoID)
	if err != nil {
		tv.finishFailed(ctx, photoID, err)
		return nil, err
	}

	if err := tv.store.MarkCompleted(context.WithoutCancel(ctx), photoID); err != nil {
		tv.finishFailed(ctx, photoID, err)
		return nil, err
	}
	photosProcessed.WithLabelValues("completed").Inc()
	return m, nil
}

// finishFailed records a failed outcome for a claimed photo.
func (tv *TargetVision) finishFailed(ctx context.Context, photoID string, err error) {
	photosProcessed.WithLabelValues("failed").Inc()
	tv.log.Warn("photo failed", zap.String("photo", photoID), zap.Error(err))
	if merr := tv.store.MarkFailed(context.WithoutCancel(ctx), photoID, err.Error()); merr != nil {
		tv.log.Error("marking photo failed", zap.String("photo", photoID), zap.Error(merr))
	}
}

func (tv *TargetVision) runPipeline(ctx context.Context, d vision.Describer, photoID string) (*store.Metadata, error) {
	photo, err := tv.store.Photo(ctx, photoID)
	if err != nil {
		return nil, err
	}

	data, err := tv.source.Fetch(ctx, photo.ImageURL)
	if err != nil {
		return nil, err
	}

	img, err := normalize.Normalize(data, normalize.Options{
		MaxBytes:     tv.cfg.Normalize.MaxBytes,
		MaxDimension: tv.cfg.Normalize.MaxDimension,
	})
	if err != nil {
		return nil, err
	}

	var raw string
	start := time.Now()
	err = tv.retry.Do(ctx, func() error {
		var derr error
		raw, derr = d.Describe(ctx, img.Data, vision.DefaultPrompt)
		return derr
	})
	latency := time.Since(start).Seconds()
	describeSeconds.WithLabelValues(d.Name()).Observe(latency)
	if err != nil {
		if !errors.Is(err, vision.ErrInvalidResponse) {
			return nil, err
		}
		// A structurally invalid reply degrades to the interpreter's
		// fallback result instead of failing the photo.
		raw = ""
	}

	res := interpret.Parse(raw)

	vec, err := tv.embedder.EmbedImage(ctx, img.Data)
	if err != nil {
		return nil, err
	}

	m := &store.Metadata{
		PhotoID:        photoID,
		Description:    res.Description,
		Keywords:       res.Keywords,
		Provider:       d.Name(),
		Model:          d.Model(),
		Prompt:         vision.DefaultPrompt,
		LatencySeconds: latency,
		Vector:         vec,
		VectorModel:    tv.embedder.Model(),
	}
	if err := tv.store.UpsertMetadata(ctx, m); err != nil {
		return nil, err
	}

	return m, nil
}

// RunQueue drains pending queue items for this process, claiming groups of
// the configured concurrency and pausing between groups. It returns the
// number of items attempted, stopping when no pending items remain or ctx
// is canceled. Items already dispatched run to completion.
func (tv *TargetVision) RunQueue(ctx context.Context, provider string) (int, error) {
	d, err := tv.Describer(provider)
	if err != nil {
		return 0, err
	}

	concurrency := tv.cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	log := tv.log.With(zap.String("run", uuid.NewString()), zap.String("provider", d.Name()))

	var done int
	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return done, ctx.Err()
			case <-time.After(tv.cfg.Queue.GroupPause):
			}
		}

		ids, err := tv.store.ClaimPending(ctx, concurrency)
		if err != nil {
			return done, err
		}
		if len(ids) == 0 {
			log.Info("queue drained", zap.Int("attempted", done))
			return done, nil
		}

		log.Info("processing group", zap.Int("size", len(ids)))
		tv.runGroup(ctx, d, ids, false, make([]BatchResult, len(ids)))
		done += len(ids)
	}
}
