package memory

import (
	"context"
	"fmt"
	"log/slog"
)

// Archiver demotes cold-eligible hot items. The transition is two-phase:
// construct the cold record and archive index entry first, rewrite the hot
// row to a tombstone last. A crash between phases leaves extra copies, and a
// re-run detects them by id and performs only the missing step.
type Archiver struct {
	meta      MetadataStore
	hotIndex  VectorIndex
	archIndex VectorIndex
	cold      ObjectStore
	embedder  Embedder
	metrics   MetricSink
	logger    *slog.Logger

	// Eligibility: hot, non-working, older than MinAgeMS, and either scored
	// below ConfidenceFloor or touched fewer than AccessFloor times.
	MinAgeMS        int64
	ConfidenceFloor float64
	AccessFloor     int64
}

func NewArchiver(meta MetadataStore, hotIndex, archIndex VectorIndex, cold ObjectStore, embedder Embedder, metrics MetricSink, logger *slog.Logger) *Archiver {
	if embedder == nil {
		embedder = NewEmbedder("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		meta:            meta,
		hotIndex:        hotIndex,
		archIndex:       archIndex,
		cold:            cold,
		embedder:        embedder,
		metrics:         metrics,
		logger:          logger,
		MinAgeMS:        7 * 24 * 60 * 60 * 1000,
		ConfidenceFloor: 0.35,
		AccessFloor:     2,
	}
}

// RunOwner archives eligible items for one owner and returns how many moved.
func (a *Archiver) RunOwner(ctx context.Context, owner string) (int, error) {
	now := nowMS()
	candidates, err := a.meta.QueryItems(ctx, ItemFilter{
		Owner:           owner,
		Types:           []MemoryType{TypeEpisodic, TypeSemantic, TypePerceptual},
		Tier:            TierHot,
		CreatedBeforeMS: now - a.MinAgeMS,
	})
	if err != nil {
		return 0, fmt.Errorf("archive list candidates: %w", err)
	}

	moved := 0
	for _, it := range candidates {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if !a.eligible(it) {
			continue
		}
		if err := a.archiveItem(ctx, it); err != nil {
			a.logger.Warn("archive item failed", "owner", owner, "item", it.ID, "err", err)
			continue
		}
		moved++
	}
	if moved > 0 && a.metrics != nil {
		_ = a.metrics.AddMetric(ctx, "worker.archived", float64(moved), map[string]string{"owner": owner})
	}
	return moved, nil
}

func (a *Archiver) eligible(it MemoryItem) bool {
	return it.Confidence < a.ConfidenceFloor || it.AccessCount < a.AccessFloor
}

func (a *Archiver) archiveItem(ctx context.Context, it MemoryItem) error {
	ptr := ColdPointer{
		Partition: it.Owner + "/" + DateKey(it.CreatedAtMS),
		ItemID:    it.ID,
	}

	// Phase 1a: cold record, skipped if a previous attempt already wrote it.
	exists, err := a.cold.Exists(ctx, ptr)
	if err != nil {
		return fmt.Errorf("archive check cold: %w", err)
	}
	if !exists {
		written, err := a.cold.Append(ctx, it.Owner, DateKey(it.CreatedAtMS), ColdRecord{
			ID:          it.ID,
			Owner:       it.Owner,
			Type:        it.Type,
			Summary:     it.Summary,
			Content:     it.Content,
			Tags:        it.Tags,
			Confidence:  it.Confidence,
			Stability:   it.Stability,
			CreatedAtMS: it.CreatedAtMS,
		})
		if err != nil {
			return fmt.Errorf("archive append cold: %w", err)
		}
		ptr = written
	}

	// Phase 1b: archive index entry. Upsert by id, so re-runs converge.
	emb := it.Embedding
	if len(emb) == 0 {
		emb = a.embedder.Embed(it.Text())
	}
	if err := a.archIndex.Upsert(ctx, VectorEntry{
		ID:        it.ID,
		Owner:     it.Owner,
		Type:      it.Type,
		Summary:   archiveSummary(it),
		Pointer:   ptr,
		Embedding: emb,
	}); err != nil {
		return fmt.Errorf("archive index upsert: %w", err)
	}

	// Phase 2: tombstone the hot row. Only after both copies exist.
	it.Tier = TierArchived
	it.Pointer = ptr
	it.Content = ""
	it.Embedding = nil
	it.AccessAtArchive = it.AccessCount
	if _, err := a.meta.UpdateItemVersioned(ctx, it); err != nil {
		return fmt.Errorf("archive tombstone: %w", err)
	}

	if a.hotIndex != nil {
		if err := a.hotIndex.Delete(ctx, it.Owner, it.ID); err != nil {
			// The hot index entry is now stale but harmless: the retrieval
			// pipeline drops vector hits whose row is no longer hot.
			a.logger.Debug("hot index delete failed", "item", it.ID, "err", err)
		}
	}
	return nil
}

func archiveSummary(it MemoryItem) string {
	if it.Summary != "" {
		return it.Summary
	}
	const maxLen = 160
	if len(it.Content) > maxLen {
		return it.Content[:maxLen]
	}
	return it.Content
}
