package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// TieredRetriever runs the confidence-gated pipeline: hot search, archive
// escalation, cold hydration, rerank and budgeted packaging.
type TieredRetriever struct {
	meta       MetadataStore
	hotIndex   VectorIndex
	archIndex  VectorIndex
	cold       ObjectStore
	jobs       JobQueue
	metrics    MetricSink
	scorer     *Scorer
	embedder   Embedder
	logger     *slog.Logger
	defaults   RetrievalPlan
	cache      *ristretto.Cache
	cacheTTL   time.Duration
}

// TieredRetrieverOptions wires the pipeline. Metadata, HotIndex, ArchiveIndex
// and Cold are required; the rest default.
type TieredRetrieverOptions struct {
	Metadata     MetadataStore
	HotIndex     VectorIndex
	ArchiveIndex VectorIndex
	Cold         ObjectStore
	Jobs         JobQueue
	Metrics      MetricSink
	Scorer       *Scorer
	Embedder     Embedder
	Logger       *slog.Logger
	Defaults     RetrievalPlan
	CacheTTL     time.Duration
	DisableCache bool
}

func NewTieredRetriever(opts TieredRetrieverOptions) (*TieredRetriever, error) {
	if opts.Metadata == nil || opts.HotIndex == nil || opts.ArchiveIndex == nil || opts.Cold == nil {
		return nil, validationf("retriever: missing required adapter")
	}
	if opts.Scorer == nil {
		opts.Scorer = NewScorer(DefaultScoreWeights(), 0, 0)
	}
	if opts.Embedder == nil {
		opts.Embedder = NewEmbedder("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 20 * time.Second
	}
	r := &TieredRetriever{
		meta:      opts.Metadata,
		hotIndex:  opts.HotIndex,
		archIndex: opts.ArchiveIndex,
		cold:      opts.Cold,
		jobs:      opts.Jobs,
		metrics:   opts.Metrics,
		scorer:    opts.Scorer,
		embedder:  opts.Embedder,
		logger:    opts.Logger,
		defaults:  fillPlan(opts.Defaults),
		cacheTTL:  opts.CacheTTL,
	}
	if !opts.DisableCache {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     16 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("retriever cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

func fillPlan(p RetrievalPlan) RetrievalPlan {
	if p.HotTopK <= 0 {
		p.HotTopK = 30
	}
	if p.ArchiveTopK <= 0 {
		p.ArchiveTopK = 30
	}
	if p.ColdFetchLimit <= 0 {
		p.ColdFetchLimit = 10
	}
	if p.ArchiveThreshold <= 0 {
		p.ArchiveThreshold = 0.55
	}
	if p.MaxBlocks <= 0 {
		p.MaxBlocks = 8
	}
	if p.MaxChars <= 0 {
		p.MaxChars = 2400
	}
	return p
}

// mergePlan lets a query override individual plan fields.
func (r *TieredRetriever) mergePlan(p RetrievalPlan) RetrievalPlan {
	out := r.defaults
	if p.HotTopK > 0 {
		out.HotTopK = p.HotTopK
	}
	if p.ArchiveTopK > 0 {
		out.ArchiveTopK = p.ArchiveTopK
	}
	if p.ColdFetchLimit > 0 {
		out.ColdFetchLimit = p.ColdFetchLimit
	}
	if p.ArchiveThreshold > 0 {
		out.ArchiveThreshold = p.ArchiveThreshold
	}
	if p.MaxBlocks > 0 {
		out.MaxBlocks = p.MaxBlocks
	}
	if p.MaxChars > 0 {
		out.MaxChars = p.MaxChars
	}
	return out
}

// Retrieve runs the full pipeline for one query. Hot store failures are
// errors; archive and cold failures degrade to a partial bundle.
func (r *TieredRetriever) Retrieve(ctx context.Context, q MemoryQuery) (ContextBundle, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Owner == "" {
		return ContextBundle{}, validationf("retrieve: empty owner")
	}
	if q.Text == "" {
		return ContextBundle{}, validationf("retrieve: empty query text")
	}
	for _, t := range q.Types {
		if !ValidType(t) {
			return ContextBundle{}, validationf("retrieve: unknown type %q", t)
		}
	}
	plan := r.mergePlan(q.Plan)
	now := nowMS()

	r.metric(ctx, "retrieve.requests", 1, map[string]string{"owner": q.Owner})

	key := r.cacheKey(q, plan)
	if r.cache != nil {
		if raw, ok := r.cache.Get(key); ok {
			if bundle, ok := raw.(ContextBundle); ok {
				r.metric(ctx, "retrieve.cache_hit", 1, map[string]string{"owner": q.Owner})
				return bundle, nil
			}
		}
	}

	bundle := ContextBundle{Query: q.Text}
	queryVec := r.embedder.Embed(q.Text)

	// Hot tier.
	scored, err := r.searchHot(ctx, q, plan, queryVec, now, &bundle.Trace)
	if err != nil {
		return ContextBundle{}, err
	}
	if len(scored) > 0 {
		bundle.UsedTiers = append(bundle.UsedTiers, TierHot)
	}
	r.metric(ctx, "retrieve.hot_hits", float64(len(scored)), map[string]string{"owner": q.Owner})

	aggregate := AggregateConfidence(scored)
	bundle.Trace.step(fmt.Sprintf("hot: %d candidates, aggregate %.3f", len(scored), aggregate))

	// Archive escalation.
	if aggregate < plan.ArchiveThreshold || q.Exhaustive {
		reason := fmt.Sprintf("aggregate %.3f below threshold %.3f", aggregate, plan.ArchiveThreshold)
		if q.Exhaustive {
			reason = "exhaustive query"
		}
		bundle.Trace.escalate("archive: " + reason)
		r.metric(ctx, "retrieve.archive_escalations", 1, map[string]string{"owner": q.Owner})

		hydrated := r.searchArchive(ctx, q, plan, queryVec, now, scored, &bundle)
		if len(hydrated) > 0 {
			bundle.UsedTiers = append(bundle.UsedTiers, TierArchived, TierCold)
		}
		scored = append(scored, hydrated...)
	}

	sortForPackaging(scored)
	bundle.Blocks = packageBlocks(scored, plan.MaxBlocks, plan.MaxChars)

	selected := selectByBlocks(scored, bundle.Blocks)
	bundle.Confidence = BuildConfidenceReport(q.Text, selected)

	// Access bookkeeping is best effort; a failed bump never fails retrieval.
	for _, sc := range selected {
		if err := r.meta.TouchAccess(ctx, q.Owner, sc.Item.ID, now); err != nil {
			r.logger.Debug("touch access failed", "item", sc.Item.ID, "err", err)
		}
	}

	if r.cache != nil && !bundle.Partial {
		cost := int64(64)
		for _, b := range bundle.Blocks {
			cost += int64(len(b.Text))
		}
		r.cache.SetWithTTL(key, bundle, cost, r.cacheTTL)
	}
	return bundle, nil
}

// searchHot merges metadata and hot vector candidates, deduped by id.
// Expired working items are invisible even before the compactor removes them.
func (r *TieredRetriever) searchHot(ctx context.Context, q MemoryQuery, plan RetrievalPlan, queryVec []float32, now int64, trace *RetrievalTrace) ([]ScoredItem, error) {
	items, err := r.meta.QueryItems(ctx, ItemFilter{
		Owner: q.Owner,
		Types: q.Types,
		Tags:  q.Tags,
		Tier:  TierHot,
		Limit: plan.HotTopK * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve hot metadata: %w", err)
	}

	byID := make(map[string]MemoryItem, len(items))
	for _, it := range items {
		if it.Type == TypeWorking && it.Expired(now) {
			continue
		}
		byID[it.ID] = it
	}

	matches, err := r.hotIndex.Query(ctx, q.Owner, queryVec, plan.HotTopK, q.Types)
	if err != nil {
		return nil, fmt.Errorf("retrieve hot vector: %w", err)
	}
	for _, m := range matches {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		it, err := r.meta.GetItem(ctx, q.Owner, m.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Index entry outlived its row; skip.
				continue
			}
			return nil, fmt.Errorf("retrieve hot vector resolve: %w", err)
		}
		if it.Tier != TierHot || !hasAllTags(it.Tags, q.Tags) {
			continue
		}
		byID[it.ID] = it
	}

	scored := make([]ScoredItem, 0, len(byID))
	for _, it := range byID {
		scored = append(scored, ScoredItem{
			Item:  it,
			Score: r.scorer.Score(it, queryVec, now),
			Tier:  TierHot,
		})
	}
	sortForPackaging(scored)
	if len(scored) > plan.HotTopK {
		scored = scored[:plan.HotTopK]
	}
	trace.step(fmt.Sprintf("hot: metadata %d, vector %d", len(items), len(matches)))
	return scored, nil
}

// searchArchive queries the archive index and hydrates matches from the cold
// store. Failures here degrade the bundle instead of failing the query.
func (r *TieredRetriever) searchArchive(ctx context.Context, q MemoryQuery, plan RetrievalPlan, queryVec []float32, now int64, already []ScoredItem, bundle *ContextBundle) []ScoredItem {
	matches, err := r.archIndex.Query(ctx, q.Owner, queryVec, plan.ArchiveTopK, q.Types)
	if err != nil {
		bundle.Partial = true
		bundle.Warnings = append(bundle.Warnings, "archive index unavailable: "+err.Error())
		r.logger.Warn("archive query failed", "owner", q.Owner, "err", err)
		return nil
	}
	bundle.Trace.step(fmt.Sprintf("archive: %d matches", len(matches)))

	seen := make(map[string]bool, len(already))
	for _, sc := range already {
		seen[sc.Item.ID] = true
	}

	hydrated := make([]ScoredItem, 0, plan.ColdFetchLimit)
	for _, m := range matches {
		if len(hydrated) >= plan.ColdFetchLimit {
			break
		}
		if seen[m.ID] {
			continue
		}
		if ctx.Err() != nil {
			bundle.Partial = true
			bundle.Warnings = append(bundle.Warnings, "cold hydration canceled")
			break
		}

		item, ok := r.hydrate(ctx, q.Owner, m, bundle)
		if !ok {
			continue
		}
		if !hasAllTags(item.Tags, q.Tags) {
			continue
		}
		seen[m.ID] = true
		r.metric(ctx, "retrieve.cold_fetches", 1, map[string]string{"owner": q.Owner})
		hydrated = append(hydrated, ScoredItem{
			Item:  item,
			Score: r.scorer.Score(item, queryVec, now),
			Tier:  TierCold,
		})
		r.enqueueRehydrate(ctx, q.Owner, item.ID)
	}
	return hydrated
}

// hydrate fetches the full record behind an archive match. A missing cold
// record usually means a tier transition raced this query, so the hot
// metadata row is consulted once before giving up.
func (r *TieredRetriever) hydrate(ctx context.Context, owner string, m VectorMatch, bundle *ContextBundle) (MemoryItem, bool) {
	rec, err := r.cold.Read(ctx, m.Pointer)
	if err == nil {
		return MemoryItem{
			ID:          rec.ID,
			Owner:       rec.Owner,
			Type:        rec.Type,
			Tier:        TierCold,
			Summary:     rec.Summary,
			Content:     rec.Content,
			Tags:        rec.Tags,
			Confidence:  rec.Confidence,
			Stability:   rec.Stability,
			Pointer:     m.Pointer,
			CreatedAtMS: rec.CreatedAtMS,
		}, true
	}

	if errors.Is(err, ErrNotFound) {
		it, metaErr := r.meta.GetItem(ctx, owner, m.ID)
		if metaErr == nil && it.Tier == TierHot {
			bundle.Trace.step("cold miss resolved from hot metadata: " + m.ID)
			return it, true
		}
		bundle.Partial = true
		bundle.Warnings = append(bundle.Warnings, "cold record missing for "+m.ID)
		r.logger.Warn("cold record missing after archive hit", "owner", owner, "item", m.ID)
		return MemoryItem{}, false
	}

	bundle.Partial = true
	bundle.Warnings = append(bundle.Warnings, "cold read failed for "+m.ID+": "+err.Error())
	r.logger.Warn("cold read failed", "owner", owner, "item", m.ID, "err", err)
	return MemoryItem{}, false
}

// enqueueRehydrate flags an archived item as a promotion candidate. Durable
// and idempotent: the job id is derived from the item so repeats collapse.
func (r *TieredRetriever) enqueueRehydrate(ctx context.Context, owner, itemID string) {
	if r.jobs == nil {
		return
	}
	err := r.jobs.EnqueueJob(ctx, Job{
		ID:      "rehydrate-" + itemID,
		JobType: JobRehydrate,
		Owner:   owner,
		Payload: map[string]string{"item_id": itemID},
	})
	if err != nil {
		r.logger.Debug("enqueue rehydrate failed", "item", itemID, "err", err)
	}
}

func selectByBlocks(scored []ScoredItem, blocks []MemoryBlock) []ScoredItem {
	if len(blocks) == 0 {
		return nil
	}
	want := make(map[string]bool, len(blocks))
	for _, b := range blocks {
		want[b.ItemID] = true
	}
	out := make([]ScoredItem, 0, len(blocks))
	for _, sc := range scored {
		if want[sc.Item.ID] {
			out = append(out, sc)
		}
	}
	return out
}

func (r *TieredRetriever) cacheKey(q MemoryQuery, plan RetrievalPlan) string {
	types := make([]string, 0, len(q.Types))
	for _, t := range q.Types {
		types = append(types, string(t))
	}
	payload := fmt.Sprintf("%s|%s|%s|%s|%t|%d|%d|%d|%.3f|%d|%d|%s",
		strings.ToLower(q.Text),
		q.Owner,
		strings.Join(types, ","),
		strings.Join(q.Tags, ","),
		q.Exhaustive,
		plan.HotTopK,
		plan.ArchiveTopK,
		plan.ColdFetchLimit,
		plan.ArchiveThreshold,
		plan.MaxBlocks,
		plan.MaxChars,
		r.embedder.ModelID(),
	)
	h := sha1.Sum([]byte(payload))
	return "retrieve:" + hex.EncodeToString(h[:])
}

func (r *TieredRetriever) metric(ctx context.Context, name string, value float64, labels map[string]string) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.AddMetric(ctx, name, value, labels); err != nil {
		r.logger.Debug("metric write failed", "metric", name, "err", err)
	}
}

// Close releases the in-process cache.
func (r *TieredRetriever) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}
