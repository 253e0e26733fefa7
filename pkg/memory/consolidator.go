package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// eventSink writes a derived memory item through the full routing path.
// The service supplies its own create function so worker-derived items get
// the same validation and indexing as direct writes.
type eventSink func(ctx context.Context, ev MemoryEvent) (MemoryItem, error)

// Consolidator promotes accumulated working-item turns into durable
// episodic/semantic items. The working row itself is never deleted; its
// turns are cleared and its consolidation sequence bumped, which makes
// re-runs over the same state no-ops.
type Consolidator struct {
	meta       MetadataStore
	turnPolicy *HeuristicTurnPolicy
	sink       eventSink
	metrics    MetricSink
	logger     *slog.Logger

	// Fraction of the TTL window after which a working item becomes
	// eligible without an explicit flush.
	Fraction float64
}

func NewConsolidator(meta MetadataStore, turnPolicy *HeuristicTurnPolicy, sink eventSink, metrics MetricSink, logger *slog.Logger) *Consolidator {
	if turnPolicy == nil {
		turnPolicy = NewHeuristicTurnPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		meta:       meta,
		turnPolicy: turnPolicy,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		Fraction:   0.5,
	}
}

// RunOwner consolidates eligible working items for one owner. force skips the
// TTL-fraction eligibility check (flush path). Returns the number of derived
// items created.
func (c *Consolidator) RunOwner(ctx context.Context, owner string, force bool) (int, error) {
	working, err := c.meta.QueryItems(ctx, ItemFilter{
		Owner: owner,
		Types: []MemoryType{TypeWorking},
		Tier:  TierHot,
	})
	if err != nil {
		return 0, fmt.Errorf("consolidate list working: %w", err)
	}

	created := 0
	now := nowMS()
	for _, it := range working {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if len(it.Turns) == 0 {
			continue
		}
		if !force && !c.eligible(it, now) {
			continue
		}

		n, err := c.consolidateItem(ctx, it)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// Another round got there first; its clear covers these turns.
				c.logger.Debug("consolidation lost version race", "item", it.ID)
				continue
			}
			return created, err
		}
		created += n
	}
	if created > 0 && c.metrics != nil {
		_ = c.metrics.AddMetric(ctx, "worker.consolidated", float64(created), map[string]string{"owner": owner})
	}
	return created, nil
}

func (c *Consolidator) eligible(it MemoryItem, now int64) bool {
	if it.TTLExpiryMS <= it.CreatedAtMS {
		return true
	}
	window := float64(it.TTLExpiryMS - it.CreatedAtMS)
	elapsed := float64(now - it.CreatedAtMS)
	return elapsed >= c.Fraction*window
}

func (c *Consolidator) consolidateItem(ctx context.Context, it MemoryItem) (int, error) {
	recent, err := c.recentSummaries(ctx, it.Owner)
	if err != nil {
		return 0, err
	}

	decision := c.turnPolicy.Classify(it.Turns, recent)

	created := 0
	if decision.Store {
		ev := MemoryEvent{
			Owner:      it.Owner,
			SessionKey: it.SessionKey,
			Type:       decision.Type,
			Content:    joinTurns(it.Turns),
			Summary:    decision.Summary,
			Tags:       decision.Tags,
			Confidence: 0.6,
			Stability:  stabilityFor(decision.Type),
		}
		if _, err := c.sink(ctx, ev); err != nil {
			return 0, fmt.Errorf("consolidate store derived item: %w", err)
		}
		created = 1
	} else {
		c.logger.Debug("consolidation skipped turns", "item", it.ID, "reasons", decision.Reasons)
	}

	// Clearing the turns is the idempotence marker: a crash before this
	// update re-derives the same item on the next run, a crash after it
	// leaves nothing to re-derive.
	it.Turns = nil
	it.TurnCount = 0
	it.ConsolidatedSeq++
	if _, err := c.meta.UpdateItemVersioned(ctx, it); err != nil {
		return created, fmt.Errorf("consolidate clear working item: %w", err)
	}
	return created, nil
}

func (c *Consolidator) recentSummaries(ctx context.Context, owner string) ([]string, error) {
	items, err := c.meta.QueryItems(ctx, ItemFilter{
		Owner: owner,
		Types: []MemoryType{TypeEpisodic, TypeSemantic},
		Tier:  TierHot,
		Limit: c.turnPolicy.HistoryWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("consolidate recent summaries: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.Summary != "" {
			out = append(out, it.Summary)
		}
	}
	return out, nil
}

// stabilityFor seeds the stability of a derived item. Semantic facts are
// expected to stay true longer than episodic recollections.
func stabilityFor(t MemoryType) float64 {
	if t == TypeSemantic {
		return 0.8
	}
	return 0.5
}
