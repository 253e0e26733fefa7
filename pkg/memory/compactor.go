package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// CompactionReport counts what one compactor pass did.
type CompactionReport struct {
	ExpiredWorking   int
	PrunedTombstones int
	MergedItems      int
	Inconsistencies  int
}

// Compactor reclaims space: expired working items, stale tombstones and,
// optionally, near-duplicate semantic items. A tombstone is pruned only after
// the cold record behind it is verified; a missing record is an
// inconsistency, reported loudly and never silently dropped.
type Compactor struct {
	meta     MetadataStore
	hotIndex VectorIndex
	cold     ObjectStore
	metrics  MetricSink
	logger   *slog.Logger

	// TombstoneRetentionMS is how long an archived row stays queryable in
	// the metadata store before pruning.
	TombstoneRetentionMS int64

	// Near-duplicate merge of hot semantic items. Off unless enabled.
	MergeEnabled    bool
	MergeSimilarity float64
}

func NewCompactor(meta MetadataStore, hotIndex VectorIndex, cold ObjectStore, metrics MetricSink, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		meta:                 meta,
		hotIndex:             hotIndex,
		cold:                 cold,
		metrics:              metrics,
		logger:               logger,
		TombstoneRetentionMS: 30 * 24 * 60 * 60 * 1000,
		MergeSimilarity:      0.92,
	}
}

func (c *Compactor) RunOwner(ctx context.Context, owner string) (CompactionReport, error) {
	var rep CompactionReport
	if err := c.reapExpiredWorking(ctx, owner, &rep); err != nil {
		return rep, err
	}
	if err := c.pruneTombstones(ctx, owner, &rep); err != nil {
		return rep, err
	}
	if c.MergeEnabled {
		if err := c.mergeDuplicates(ctx, owner, &rep); err != nil {
			return rep, err
		}
	}
	if c.metrics != nil {
		if rep.ExpiredWorking > 0 {
			_ = c.metrics.AddMetric(ctx, "worker.compacted_working", float64(rep.ExpiredWorking), map[string]string{"owner": owner})
		}
		if rep.Inconsistencies > 0 {
			_ = c.metrics.AddMetric(ctx, "worker.inconsistent_tombstones", float64(rep.Inconsistencies), map[string]string{"owner": owner})
		}
	}
	return rep, nil
}

// reapExpiredWorking deletes working items whose TTL passed and that carry no
// unconsolidated turns. Items with pending turns wait for the consolidator.
func (c *Compactor) reapExpiredWorking(ctx context.Context, owner string, rep *CompactionReport) error {
	working, err := c.meta.QueryItems(ctx, ItemFilter{
		Owner: owner,
		Types: []MemoryType{TypeWorking},
	})
	if err != nil {
		return fmt.Errorf("compact list working: %w", err)
	}
	now := nowMS()
	for _, it := range working {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !it.Expired(now) || len(it.Turns) > 0 {
			continue
		}
		if err := c.meta.DeleteItem(ctx, owner, it.ID); err != nil {
			return fmt.Errorf("compact delete working: %w", err)
		}
		rep.ExpiredWorking++
	}
	return nil
}

func (c *Compactor) pruneTombstones(ctx context.Context, owner string, rep *CompactionReport) error {
	now := nowMS()
	archived, err := c.meta.QueryItems(ctx, ItemFilter{Owner: owner, Tier: TierArchived})
	if err != nil {
		return fmt.Errorf("compact list tombstones: %w", err)
	}
	for _, it := range archived {
		if err := ctx.Err(); err != nil {
			return err
		}
		if now-it.UpdatedAtMS < c.TombstoneRetentionMS {
			continue
		}
		exists, err := c.cold.Exists(ctx, it.Pointer)
		if err != nil {
			c.logger.Warn("tombstone verification failed", "owner", owner, "item", it.ID, "err", err)
			continue
		}
		if !exists {
			rep.Inconsistencies++
			c.logger.Error("tombstone points at missing cold record",
				"owner", owner, "item", it.ID, "partition", it.Pointer.Partition,
				"err", ErrInconsistentState)
			continue
		}
		if err := c.meta.DeleteItem(ctx, owner, it.ID); err != nil {
			return fmt.Errorf("compact prune tombstone: %w", err)
		}
		rep.PrunedTombstones++
	}
	return nil
}

// mergeDuplicates folds near-identical hot semantic items with the same tag
// set into the oldest of the pair: max confidence and stability, union of
// tags. Never crosses owners; the candidate list is already owner-scoped.
func (c *Compactor) mergeDuplicates(ctx context.Context, owner string, rep *CompactionReport) error {
	items, err := c.meta.QueryItems(ctx, ItemFilter{
		Owner: owner,
		Types: []MemoryType{TypeSemantic},
		Tier:  TierHot,
	})
	if err != nil {
		return fmt.Errorf("compact list semantic: %w", err)
	}

	groups := map[string][]MemoryItem{}
	for _, it := range items {
		groups[tagKey(it.Tags)] = append(groups[tagKey(it.Tags)], it)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].CreatedAtMS < group[j].CreatedAtMS })

		merged := map[string]bool{}
		for i := 0; i < len(group); i++ {
			if merged[group[i].ID] {
				continue
			}
			winner := group[i]
			changed := false
			for j := i + 1; j < len(group); j++ {
				if merged[group[j].ID] {
					continue
				}
				loser := group[j]
				if cosineSimilarity(winner.Embedding, loser.Embedding) < c.MergeSimilarity {
					continue
				}
				if loser.Confidence > winner.Confidence {
					winner.Confidence = loser.Confidence
				}
				if loser.Stability > winner.Stability {
					winner.Stability = loser.Stability
				}
				winner.Tags = unionTags(winner.Tags, loser.Tags)
				if err := c.meta.DeleteItem(ctx, owner, loser.ID); err != nil {
					return fmt.Errorf("compact merge delete: %w", err)
				}
				if c.hotIndex != nil {
					_ = c.hotIndex.Delete(ctx, owner, loser.ID)
				}
				merged[loser.ID] = true
				changed = true
				rep.MergedItems++
			}
			if changed {
				if _, err := c.meta.UpdateItemVersioned(ctx, winner); err != nil {
					return fmt.Errorf("compact merge update: %w", err)
				}
			}
		}
	}
	return nil
}

func tagKey(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string(nil), a...), b...) {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
