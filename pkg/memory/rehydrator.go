package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Rehydrator promotes frequently re-accessed archived items back to the hot
// tier. Promotion copies content back from the cold store and leaves both the
// cold record and the archive index entry in place, so a later demotion is
// cheap and a concurrent promotion converges on the same hot row.
type Rehydrator struct {
	meta     MetadataStore
	cold     ObjectStore
	embedder Embedder
	hotIndex VectorIndex
	metrics  MetricSink
	logger   *slog.Logger

	// AccessThreshold is how many accesses since archiving qualify an item
	// for promotion.
	AccessThreshold int64
}

func NewRehydrator(meta MetadataStore, cold ObjectStore, hotIndex VectorIndex, embedder Embedder, metrics MetricSink, logger *slog.Logger) *Rehydrator {
	if embedder == nil {
		embedder = NewEmbedder("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rehydrator{
		meta:            meta,
		cold:            cold,
		hotIndex:        hotIndex,
		embedder:        embedder,
		metrics:         metrics,
		logger:          logger,
		AccessThreshold: 3,
	}
}

// RunOwner scans archived items for one owner and promotes those whose
// access count since archiving crossed the threshold.
func (r *Rehydrator) RunOwner(ctx context.Context, owner string) (int, error) {
	archived, err := r.meta.QueryItems(ctx, ItemFilter{Owner: owner, Tier: TierArchived})
	if err != nil {
		return 0, fmt.Errorf("rehydrate list archived: %w", err)
	}

	promoted := 0
	for _, it := range archived {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if it.AccessCount-it.AccessAtArchive < r.AccessThreshold {
			continue
		}
		ok, err := r.PromoteItem(ctx, owner, it.ID)
		if err != nil {
			r.logger.Warn("rehydrate item failed", "owner", owner, "item", it.ID, "err", err)
			continue
		}
		if ok {
			promoted++
		}
	}
	if promoted > 0 && r.metrics != nil {
		_ = r.metrics.AddMetric(ctx, "worker.rehydrated", float64(promoted), map[string]string{"owner": owner})
	}
	return promoted, nil
}

// PromoteItem moves one archived item back to hot. Idempotent: an item that
// is already hot, or that a concurrent promotion wins, reports (false, nil).
func (r *Rehydrator) PromoteItem(ctx context.Context, owner, id string) (bool, error) {
	it, err := r.meta.GetItem(ctx, owner, id)
	if err != nil {
		return false, err
	}
	if it.Tier != TierArchived {
		return false, nil
	}

	rec, err := r.cold.Read(ctx, it.Pointer)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, fmt.Errorf("rehydrate %s: cold record missing: %w", id, ErrInconsistentState)
		}
		return false, fmt.Errorf("rehydrate read cold: %w", err)
	}

	it.Tier = TierHot
	it.Content = rec.Content
	it.Embedding = r.embedder.Embed(rec.Content)
	updated, err := r.meta.UpdateItemVersioned(ctx, it)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// A concurrent trigger promoted it first.
			return false, nil
		}
		return false, fmt.Errorf("rehydrate update: %w", err)
	}

	if r.hotIndex != nil && (updated.Type == TypeEpisodic || updated.Type == TypeSemantic) {
		if err := r.hotIndex.Upsert(ctx, VectorEntry{
			ID:        updated.ID,
			Owner:     updated.Owner,
			Type:      updated.Type,
			Summary:   updated.Summary,
			Embedding: updated.Embedding,
		}); err != nil {
			r.logger.Warn("rehydrate hot index upsert failed", "item", updated.ID, "err", err)
		}
	}
	return true, nil
}

// HandleJob processes one queued rehydrate trigger from the retrieval
// pipeline. The threshold still applies; an under-threshold trigger is a
// successful no-op.
func (r *Rehydrator) HandleJob(ctx context.Context, job Job) error {
	id := job.Payload["item_id"]
	if id == "" {
		return validationf("rehydrate job missing item_id")
	}
	it, err := r.meta.GetItem(ctx, job.Owner, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if it.Tier != TierArchived || it.AccessCount-it.AccessAtArchive < r.AccessThreshold {
		return nil
	}
	_, err = r.PromoteItem(ctx, job.Owner, id)
	return err
}
