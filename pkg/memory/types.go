package memory

import "time"

// MemoryType classifies what a memory item represents.
type MemoryType string

const (
	TypeWorking    MemoryType = "working"
	TypeEpisodic   MemoryType = "episodic"
	TypeSemantic   MemoryType = "semantic"
	TypePerceptual MemoryType = "perceptual"
)

// ValidType reports whether t is one of the four memory types.
func ValidType(t MemoryType) bool {
	switch t {
	case TypeWorking, TypeEpisodic, TypeSemantic, TypePerceptual:
		return true
	}
	return false
}

// Tier is the item's current storage location.
type Tier string

const (
	TierHot      Tier = "hot"
	TierArchived Tier = "archived"
	TierCold     Tier = "cold"
)

// ColdPointer locates an archived item's full record in the object store.
type ColdPointer struct {
	Partition string `json:"partition"` // owner/yyyy/mm/dd
	ItemID    string `json:"item_id"`
}

// IsZero reports whether the pointer references nothing.
func (p ColdPointer) IsZero() bool { return p.Partition == "" && p.ItemID == "" }

// MemoryItem is the canonical memory record. Hot items carry Content inline;
// archived items keep only Summary plus a ColdPointer to the full record.
type MemoryItem struct {
	ID         string
	Owner      string
	SessionKey string
	Type       MemoryType
	Tier       Tier
	Summary    string
	Content    string
	Tags       []string
	Confidence float64
	Stability  float64
	Embedding  []float32
	Pointer    ColdPointer
	Turns      []Turn // accumulated, unconsolidated turns (working items)

	CreatedAtMS      int64
	UpdatedAtMS      int64
	LastAccessedMS   int64
	AccessCount      int64
	AccessAtArchive  int64 // AccessCount captured when the item was archived
	TTLExpiryMS      int64 // only meaningful for working items
	ConsolidatedSeq  int64 // consolidation rounds applied to this working item
	TurnCount        int64 // unconsolidated turns accumulated on a working item
	Version          int64
}

// Expired reports whether a working item's TTL has passed.
func (it MemoryItem) Expired(nowMS int64) bool {
	return it.TTLExpiryMS > 0 && it.TTLExpiryMS <= nowMS
}

// Text returns the best available text payload for scoring and packaging.
func (it MemoryItem) Text() string {
	if it.Content != "" {
		return it.Content
	}
	return it.Summary
}

// MemoryEvent is the write-side input. Type may be left empty, in which case
// the turn policy classifies the content as episodic or semantic.
type MemoryEvent struct {
	Owner      string
	SessionKey string
	Type       MemoryType
	Content    string
	Summary    string
	Tags       []string
	Confidence float64
	Stability  float64
	Embedding  []float32
	Feature    []byte        // perceptual payload
	TTL        time.Duration // working items only; zero means config default
}

// Turn is one conversational exchange accumulated on a working item.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant,omitempty"`
	AtMS      int64  `json:"at_ms"`
}

// MemoryQuery describes one retrieval request.
type MemoryQuery struct {
	Text       string
	Owner      string
	Types      []MemoryType
	Tags       []string
	Exhaustive bool // always search the archive index, regardless of hot confidence
	Plan       RetrievalPlan
}

// RetrievalPlan holds escalation thresholds, per-tier K and the bundle budget.
// Zero fields are filled from configuration defaults.
type RetrievalPlan struct {
	HotTopK          int
	ArchiveTopK      int
	ColdFetchLimit   int
	ArchiveThreshold float64 // escalate to archive when hot aggregate is below this
	MaxBlocks        int
	MaxChars         int
}

// ScoreBreakdown is the confidence scorer output for a single candidate.
type ScoreBreakdown struct {
	Similarity    float64
	Recency       float64
	StabilityTerm float64
	Total         float64
}

// ScoredItem pairs a candidate with its score and the tier it was found in.
type ScoredItem struct {
	Item  MemoryItem
	Score ScoreBreakdown
	Tier  Tier
}

// MemoryBlock is one packaged unit of the retrieval result.
type MemoryBlock struct {
	Text   string
	ItemID string
	Type   MemoryType
	Tier   Tier
	Score  float64
}

// ConfidenceReport aggregates retrieval confidence per tier and overall.
type ConfidenceReport struct {
	Total       float64
	Semantic    float64 // mean top candidate score
	Coverage    float64 // query token coverage by the selected items
	TemporalFit float64
	Authority   float64 // stability/confidence blend of the top items
	TierScores  map[Tier]float64
}

// RetrievalTrace records the pipeline's decisions for one query.
type RetrievalTrace struct {
	Steps       []string
	Escalations []string
}

func (t *RetrievalTrace) step(s string)     { t.Steps = append(t.Steps, s) }
func (t *RetrievalTrace) escalate(s string) { t.Escalations = append(t.Escalations, s) }

// ContextBundle is the retrieval result. It is produced fresh per query and
// never persisted. Partial is set when archive or cold lookups degraded.
type ContextBundle struct {
	Query      string
	Blocks     []MemoryBlock
	Confidence ConfidenceReport
	UsedTiers  []Tier
	Partial    bool
	Warnings   []string
	Trace      RetrievalTrace
}

// RoutingDecision says which adapters receive a new item.
type RoutingDecision struct {
	HotMetadata bool
	HotVector   bool
	Features    bool
	Reasons     []string
}

// TurnDecision is the conversation policy's verdict for accumulated turns.
type TurnDecision struct {
	Store   bool
	Type    MemoryType // episodic or semantic
	Summary string
	Tags    []string
	Reasons []string
}

// Job types for the durable worker queue.
const (
	JobConsolidate = "consolidate"
	JobArchive     = "archive"
	JobRehydrate   = "rehydrate"
	JobCompact     = "compact"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background task (rehydration flags, triggered worker runs).
type Job struct {
	ID            string
	JobType       string
	Owner         string
	Status        string
	Priority      int
	Payload       map[string]string
	Error         string
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}
