package memory

import (
	"fmt"
	"strings"
	"time"
)

// RoutingPolicy decides which adapters receive a validated event.
type RoutingPolicy struct {
	WorkingTTL time.Duration
}

// NewRoutingPolicy applies the default working TTL when cfg leaves it zero.
func NewRoutingPolicy(workingTTL time.Duration) *RoutingPolicy {
	if workingTTL <= 0 {
		workingTTL = 30 * time.Minute
	}
	return &RoutingPolicy{WorkingTTL: workingTTL}
}

// Route maps an event to its target adapters. The caller has already
// validated owner and content; Route rejects only unresolvable types.
func (p *RoutingPolicy) Route(ev MemoryEvent) (RoutingDecision, error) {
	var d RoutingDecision
	switch ev.Type {
	case TypeWorking:
		d.HotMetadata = true
		d.Reasons = append(d.Reasons, "working: metadata only, ttl applies")
	case TypeEpisodic, TypeSemantic:
		d.HotMetadata = true
		if len(ev.Embedding) > 0 {
			d.HotVector = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: metadata + hot vector", ev.Type))
		} else {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: metadata only, no embedding", ev.Type))
		}
	case TypePerceptual:
		d.HotMetadata = true
		d.Features = true
		d.Reasons = append(d.Reasons, "perceptual: feature payload + metadata descriptor")
	default:
		return d, validationf("unroutable memory type %q", ev.Type)
	}
	return d, nil
}

// TTLExpiry returns the expiry timestamp for a working item. ev.TTL overrides
// the policy default.
func (p *RoutingPolicy) TTLExpiry(ev MemoryEvent, nowMS int64) int64 {
	ttl := ev.TTL
	if ttl <= 0 {
		ttl = p.WorkingTTL
	}
	return nowMS + ttl.Milliseconds()
}

// preferenceKeywords mark durable user preferences worth promoting to
// semantic memory.
var preferenceKeywords = []string{"prefer", "always", "never", "likes", "dislikes"}

// HeuristicTurnPolicy classifies accumulated conversation turns during
// consolidation: store or skip, and as which type.
type HeuristicTurnPolicy struct {
	// MinChars is the floor below which a conversation chunk is noise.
	MinChars int
	// HistoryWindow is how many recent summaries to check for novelty.
	HistoryWindow int
}

func NewHeuristicTurnPolicy() *HeuristicTurnPolicy {
	return &HeuristicTurnPolicy{MinChars: 24, HistoryWindow: 3}
}

// Classify inspects the turns and recent consolidated summaries for the same
// owner. recentSummaries should be newest-first.
func (p *HeuristicTurnPolicy) Classify(turns []Turn, recentSummaries []string) TurnDecision {
	var d TurnDecision
	text := joinTurns(turns)
	if len(strings.TrimSpace(text)) < p.MinChars {
		d.Reasons = append(d.Reasons, "below minimum content length")
		return d
	}

	lower := strings.ToLower(text)
	for _, kw := range preferenceKeywords {
		if strings.Contains(lower, kw) {
			d.Store = true
			d.Type = TypeSemantic
			d.Tags = append(d.Tags, "preference")
			d.Reasons = append(d.Reasons, "preference keyword: "+kw)
			break
		}
	}
	if !d.Store {
		d.Store = true
		d.Type = TypeEpisodic
		d.Reasons = append(d.Reasons, "default episodic capture")
	}

	d.Summary = summarizeTurns(turns)

	// Near-duplicates of recent consolidations are dropped.
	window := p.HistoryWindow
	if window > len(recentSummaries) {
		window = len(recentSummaries)
	}
	for _, prev := range recentSummaries[:window] {
		if tokenOverlap(d.Summary, prev) >= 0.8 {
			d.Store = false
			d.Reasons = append(d.Reasons, "duplicate of recent consolidation")
			break
		}
	}
	return d
}

func joinTurns(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.User != "" {
			b.WriteString(t.User)
			b.WriteString("\n")
		}
		if t.Assistant != "" {
			b.WriteString(t.Assistant)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// summarizeTurns produces a short extractive summary: the first sentence of
// each user message, capped.
func summarizeTurns(turns []Turn) string {
	const maxLen = 240
	var parts []string
	for _, t := range turns {
		s := firstSentence(t.User)
		if s != "" {
			parts = append(parts, s)
		}
	}
	sum := strings.Join(parts, " ")
	if sum == "" {
		sum = firstSentence(joinTurns(turns))
	}
	if len(sum) > maxLen {
		sum = sum[:maxLen]
	}
	return strings.TrimSpace(sum)
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			return strings.TrimSpace(s[:i+1])
		}
	}
	return s
}

// tokenOverlap is the Jaccard-ish fraction of a's tokens present in b.
func tokenOverlap(a, b string) float64 {
	at := tokenize(a)
	if len(at) == 0 {
		return 0
	}
	bset := map[string]bool{}
	for _, tok := range tokenize(b) {
		bset[tok] = true
	}
	hit := 0
	unique := map[string]bool{}
	for _, tok := range at {
		if unique[tok] {
			continue
		}
		unique[tok] = true
		if bset[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(unique))
}
