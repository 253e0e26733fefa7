package memory

import "context"

// ItemFilter narrows MetadataStore queries. Owner is required; everything
// else is optional. Tags match items carrying all of the given tags.
type ItemFilter struct {
	Owner           string
	Types           []MemoryType
	Tier            Tier
	Tags            []string
	SessionKey      string
	CreatedBeforeMS int64
	Limit           int
}

// MetadataStore is the hot tier: queryable by owner, type, tags and time.
// Implementations must report missing rows as ErrNotFound, distinct from
// adapter failures.
type MetadataStore interface {
	Close() error
	PutItem(ctx context.Context, item MemoryItem) (MemoryItem, error)
	GetItem(ctx context.Context, owner, id string) (MemoryItem, error)
	DeleteItem(ctx context.Context, owner, id string) error
	QueryItems(ctx context.Context, f ItemFilter) ([]MemoryItem, error)

	// UpdateItemVersioned applies the update only if the stored version still
	// matches item.Version; on success the stored version is incremented.
	// Returns ErrVersionConflict otherwise.
	UpdateItemVersioned(ctx context.Context, item MemoryItem) (MemoryItem, error)

	// TouchAccess bumps access_count and last_accessed for a retrieval hit.
	TouchAccess(ctx context.Context, owner, id string, atMS int64) error

	// WorkingItem returns the single live working item for (owner, session).
	WorkingItem(ctx context.Context, owner, sessionKey string) (MemoryItem, error)

	ListOwners(ctx context.Context) ([]string, error)
}

// VectorMatch is one nearest-neighbor result. Archive matches carry only the
// pointer and summary; content stays in the object store.
type VectorMatch struct {
	ID         string
	Owner      string
	Type       MemoryType
	Summary    string
	Pointer    ColdPointer
	Similarity float64
}

// VectorEntry is the indexed form of an item.
type VectorEntry struct {
	ID        string
	Owner     string
	Type      MemoryType
	Summary   string
	Pointer   ColdPointer
	Embedding []float32
}

// VectorIndex is a nearest-neighbor index over embeddings. The system runs
// one instance for the hot tier and one for the archive tier.
type VectorIndex interface {
	Upsert(ctx context.Context, entry VectorEntry) error
	Delete(ctx context.Context, owner, id string) error
	Query(ctx context.Context, owner string, embedding []float32, k int, types []MemoryType) ([]VectorMatch, error)
}

// ColdRecord is the full archived form of an item, written once to the
// object store and never rewritten in place.
type ColdRecord struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Type        MemoryType `json:"type"`
	Summary     string     `json:"summary"`
	Content     string     `json:"content"`
	Tags        []string   `json:"tags,omitempty"`
	Confidence  float64    `json:"confidence"`
	Stability   float64    `json:"stability"`
	CreatedAtMS int64      `json:"created_at_ms"`
}

// ObjectStore is the cold tier: append-only records partitioned by owner and
// calendar date, reachable only by pointer.
type ObjectStore interface {
	Append(ctx context.Context, owner, dateKey string, rec ColdRecord) (ColdPointer, error)
	Read(ctx context.Context, ptr ColdPointer) (ColdRecord, error)
	Exists(ctx context.Context, ptr ColdPointer) (bool, error)
}

// FeatureStore holds perceptual feature payloads keyed by owner and item id.
type FeatureStore interface {
	PutFeature(ctx context.Context, owner, id string, payload []byte) error
	GetFeature(ctx context.Context, owner, id string) ([]byte, error)
}

// JobQueue is the durable trigger channel between the retrieval pipeline and
// the lifecycle workers. Claiming takes a lease; expired leases requeue.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error
}

// MetricSink records operational counters.
type MetricSink interface {
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}
