package memory

import (
	"math"
	"sort"
	"strings"
)

// ScoreWeights are the confidence scorer coefficients. They must sum to 1 for
// the total to stay in [0,1]; Normalize enforces that.
type ScoreWeights struct {
	Similarity float64
	Recency    float64
	Stability  float64
}

// DefaultScoreWeights favor semantic match over freshness.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Similarity: 0.55, Recency: 0.25, Stability: 0.20}
}

// Normalize scales the weights to sum to 1. Zero weights fall back to the
// defaults.
func (w ScoreWeights) Normalize() ScoreWeights {
	sum := w.Similarity + w.Recency + w.Stability
	if sum <= 0 {
		return DefaultScoreWeights()
	}
	return ScoreWeights{
		Similarity: w.Similarity / sum,
		Recency:    w.Recency / sum,
		Stability:  w.Stability / sum,
	}
}

// Scorer computes per-item confidence. It is pure: no clocks, no stores. The
// caller supplies the reference time and the query embedding.
type Scorer struct {
	Weights ScoreWeights
	// HalfLifeMS controls recency decay: an item last touched one half-life
	// ago scores 0.5 on the recency component.
	HalfLifeMS int64
	// DecayRatePerDay erodes the stability term for unstable items as they
	// age. Stability 1.0 never decays.
	DecayRatePerDay float64
}

// NewScorer applies defaults for zero fields.
func NewScorer(weights ScoreWeights, halfLifeMS int64, decayRatePerDay float64) *Scorer {
	if halfLifeMS <= 0 {
		halfLifeMS = int64(6 * 60 * 60 * 1000)
	}
	if decayRatePerDay <= 0 {
		decayRatePerDay = 0.05
	}
	return &Scorer{
		Weights:         weights.Normalize(),
		HalfLifeMS:      halfLifeMS,
		DecayRatePerDay: decayRatePerDay,
	}
}

// Score computes the breakdown for one candidate against a query embedding.
// Items without an embedding get similarity 0, never an error.
func (s *Scorer) Score(item MemoryItem, queryEmbedding []float32, nowMS int64) ScoreBreakdown {
	sim := clamp01(cosineSimilarity(queryEmbedding, item.Embedding))

	ref := item.LastAccessedMS
	if ref == 0 {
		ref = item.CreatedAtMS
	}
	recency := s.recencyWeight(ref, nowMS)

	ageDays := float64(nowMS-item.CreatedAtMS) / float64(24*60*60*1000)
	if ageDays < 0 {
		ageDays = 0
	}
	stab := clamp01(item.Stability) * math.Exp(-s.DecayRatePerDay*(1-clamp01(item.Stability))*ageDays)

	total := clamp01(s.Weights.Similarity*sim + s.Weights.Recency*recency + s.Weights.Stability*stab)
	return ScoreBreakdown{Similarity: sim, Recency: recency, StabilityTerm: stab, Total: total}
}

func (s *Scorer) recencyWeight(refMS, nowMS int64) float64 {
	if refMS <= 0 || nowMS <= refMS {
		return 1
	}
	delta := float64(nowMS - refMS)
	return clamp01(math.Exp(-math.Ln2 * delta / float64(s.HalfLifeMS)))
}

// AggregateConfidence is the hot-tier escalation gate input: the mean of the
// top 5 candidate totals, 0 when there are no candidates. Deterministic for a
// given candidate set.
func AggregateConfidence(scored []ScoredItem) float64 {
	if len(scored) == 0 {
		return 0
	}
	totals := make([]float64, 0, len(scored))
	for _, sc := range scored {
		totals = append(totals, sc.Score.Total)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(totals)))
	n := 5
	if len(totals) < n {
		n = len(totals)
	}
	var sum float64
	for _, t := range totals[:n] {
		sum += t
	}
	return sum / float64(n)
}

// Confidence report component weights.
const (
	reportSemanticWeight  = 0.35
	reportCoverageWeight  = 0.25
	reportTemporalWeight  = 0.20
	reportAuthorityWeight = 0.20
)

// BuildConfidenceReport summarizes a selected result set for the bundle.
// Components: semantic relevance (mean of top totals), query-token coverage,
// temporal fit (mean recency), authority (stability/confidence blend).
func BuildConfidenceReport(queryText string, selected []ScoredItem) ConfidenceReport {
	rep := ConfidenceReport{TierScores: map[Tier]float64{}}
	if len(selected) == 0 {
		return rep
	}

	tierSums := map[Tier]float64{}
	tierCounts := map[Tier]int{}
	var semSum, tempSum, authSum float64
	for _, sc := range selected {
		semSum += sc.Score.Total
		tempSum += sc.Score.Recency
		authSum += 0.5*clamp01(sc.Item.Stability) + 0.5*clamp01(sc.Item.Confidence)
		tierSums[sc.Tier] += sc.Score.Total
		tierCounts[sc.Tier]++
	}
	n := float64(len(selected))
	rep.Semantic = semSum / n
	rep.TemporalFit = tempSum / n
	rep.Authority = authSum / n
	rep.Coverage = tokenCoverage(queryText, selected)
	for tier, sum := range tierSums {
		rep.TierScores[tier] = sum / float64(tierCounts[tier])
	}
	rep.Total = clamp01(reportSemanticWeight*rep.Semantic +
		reportCoverageWeight*rep.Coverage +
		reportTemporalWeight*rep.TemporalFit +
		reportAuthorityWeight*rep.Authority)
	return rep
}

// tokenCoverage is the fraction of query tokens that appear in at least one
// selected item's text.
func tokenCoverage(queryText string, selected []ScoredItem) float64 {
	qTokens := tokenize(queryText)
	if len(qTokens) == 0 {
		return 0
	}
	seen := map[string]bool{}
	for _, sc := range selected {
		for _, tok := range tokenize(sc.Item.Text()) {
			seen[tok] = true
		}
	}
	covered := 0
	unique := map[string]bool{}
	for _, tok := range qTokens {
		if unique[tok] {
			continue
		}
		unique[tok] = true
		if seen[tok] {
			covered++
		}
	}
	return float64(covered) / float64(len(unique))
}

// rerankScore orders final candidates: pipeline score dominates, stored
// confidence nudges ties between near-equal matches.
func rerankScore(sc ScoredItem) float64 {
	return 0.75*sc.Score.Total + 0.25*clamp01(sc.Item.Confidence)
}

// sortForPackaging applies the deterministic final ordering: rerank score
// desc, stability desc, created_at asc, id asc.
func sortForPackaging(scored []ScoredItem) {
	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := rerankScore(scored[i]), rerankScore(scored[j])
		if si != sj {
			return si > sj
		}
		if scored[i].Item.Stability != scored[j].Item.Stability {
			return scored[i].Item.Stability > scored[j].Item.Stability
		}
		if scored[i].Item.CreatedAtMS != scored[j].Item.CreatedAtMS {
			return scored[i].Item.CreatedAtMS < scored[j].Item.CreatedAtMS
		}
		return scored[i].Item.ID < scored[j].Item.ID
	})
}

// packageBlocks walks the ranked candidates and emits blocks until either
// budget is exhausted. A block that would overflow the char budget is skipped
// entirely, never truncated; the walk continues in case a shorter candidate
// still fits.
func packageBlocks(scored []ScoredItem, maxBlocks, maxChars int) []MemoryBlock {
	if maxBlocks <= 0 {
		maxBlocks = 8
	}
	if maxChars <= 0 {
		maxChars = 2400
	}
	blocks := make([]MemoryBlock, 0, maxBlocks)
	used := 0
	for _, sc := range scored {
		if len(blocks) >= maxBlocks {
			break
		}
		text := strings.TrimSpace(sc.Item.Text())
		if text == "" {
			continue
		}
		if used+len(text) > maxChars {
			continue
		}
		used += len(text)
		blocks = append(blocks, MemoryBlock{
			Text:   text,
			ItemID: sc.Item.ID,
			Type:   sc.Item.Type,
			Tier:   sc.Tier,
			Score:  rerankScore(sc),
		})
	}
	return blocks
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
