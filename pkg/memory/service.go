package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/oklog/ulid/v2"
)

// Options configures the memory service.
type Options struct {
	Workspace string // root for db, cold store and vector index files

	EmbedderName string
	WorkingTTL   time.Duration
	Plan         RetrievalPlan
	Weights      ScoreWeights
	HalfLife     time.Duration
	DecayPerDay  float64

	// Archiver thresholds.
	ArchiveMinAge   time.Duration
	ConfidenceFloor float64
	AccessFloor     int64
	ArchiveOnFlush  bool

	// Rehydrator / compactor.
	HydrationThreshold int64
	TombstoneRetention time.Duration
	MergeOnCompact     bool
	MergeSimilarity    float64

	// Worker cron schedules; empty disables the schedule.
	ConsolidateCron string
	ArchiveCron     string
	RehydrateCron   string
	CompactCron     string

	WorkerLease time.Duration
	WorkerPoll  time.Duration
	CacheTTL    time.Duration

	// DisableBackground keeps the worker goroutine off, for deterministic
	// callers that drive RunWorkersOnce themselves.
	DisableBackground bool
	DisableCache      bool

	Logger *slog.Logger
}

// WorkerReport is the result of one explicit worker pass.
type WorkerReport struct {
	Consolidated int
	Archived     int
	Rehydrated   int
	Compaction   CompactionReport
}

// ServiceStats is the operational snapshot.
type ServiceStats struct {
	ItemsByTier map[Tier]int64
	Metrics     map[string]float64
	Owners      []string
}

// Service is the single entry point: writes, retrieval, flush and the four
// lifecycle workers.
type Service struct {
	opts      Options
	store     *SQLiteStore
	hotIndex  VectorIndex
	archIndex VectorIndex
	cold      ObjectStore
	embedder  Embedder
	routing   *RoutingPolicy
	retriever *TieredRetriever

	consolidator *Consolidator
	archiver     *Archiver
	rehydrator   *Rehydrator
	compactor    *Compactor

	logger *slog.Logger
	cron   gronx.Gronx

	mu       sync.Mutex // serializes Append read-modify-write per process
	stopCh   chan struct{}
	wg       sync.WaitGroup
	lastCron map[string]int64

	closeOnce sync.Once
	closeErr  error
}

func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Workspace) == "" {
		return nil, validationf("service: workspace is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WorkingTTL <= 0 {
		opts.WorkingTTL = 30 * time.Minute
	}
	if opts.WorkerLease <= 0 {
		opts.WorkerLease = 45 * time.Second
	}
	if opts.WorkerPoll <= 0 {
		opts.WorkerPoll = 800 * time.Millisecond
	}

	store, err := NewSQLiteStore(filepath.Join(opts.Workspace, "state", "memory.db"))
	if err != nil {
		return nil, err
	}
	hotIndex, err := NewChromemIndex(filepath.Join(opts.Workspace, "vectors", "hot"), "hot")
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	archIndex, err := NewChromemIndex(filepath.Join(opts.Workspace, "vectors", "archive"), "archive")
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cold, err := NewFileObjectStore(filepath.Join(opts.Workspace, "cold"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	embedder := NewEmbedder(opts.EmbedderName)
	scorer := NewScorer(opts.Weights, opts.HalfLife.Milliseconds(), opts.DecayPerDay)

	svc := &Service{
		opts:      opts,
		store:     store,
		hotIndex:  hotIndex,
		archIndex: archIndex,
		cold:      cold,
		embedder:  embedder,
		routing:   NewRoutingPolicy(opts.WorkingTTL),
		logger:    opts.Logger,
		cron:      *gronx.New(),
		stopCh:    make(chan struct{}),
		lastCron:  map[string]int64{},
	}

	svc.retriever, err = NewTieredRetriever(TieredRetrieverOptions{
		Metadata:     store,
		HotIndex:     hotIndex,
		ArchiveIndex: archIndex,
		Cold:         cold,
		Jobs:         store,
		Metrics:      store,
		Scorer:       scorer,
		Embedder:     embedder,
		Logger:       opts.Logger,
		Defaults:     opts.Plan,
		CacheTTL:     opts.CacheTTL,
		DisableCache: opts.DisableCache,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc.consolidator = NewConsolidator(store, NewHeuristicTurnPolicy(), svc.createItem, store, opts.Logger)
	svc.archiver = NewArchiver(store, hotIndex, archIndex, cold, embedder, store, opts.Logger)
	svc.rehydrator = NewRehydrator(store, cold, hotIndex, embedder, store, opts.Logger)
	svc.compactor = NewCompactor(store, hotIndex, cold, store, opts.Logger)

	if opts.ArchiveMinAge > 0 {
		svc.archiver.MinAgeMS = opts.ArchiveMinAge.Milliseconds()
	}
	if opts.ConfidenceFloor > 0 {
		svc.archiver.ConfidenceFloor = opts.ConfidenceFloor
	}
	if opts.AccessFloor > 0 {
		svc.archiver.AccessFloor = opts.AccessFloor
	}
	if opts.HydrationThreshold > 0 {
		svc.rehydrator.AccessThreshold = opts.HydrationThreshold
	}
	if opts.TombstoneRetention > 0 {
		svc.compactor.TombstoneRetentionMS = opts.TombstoneRetention.Milliseconds()
	}
	svc.compactor.MergeEnabled = opts.MergeOnCompact
	if opts.MergeSimilarity > 0 {
		svc.compactor.MergeSimilarity = opts.MergeSimilarity
	}

	if !opts.DisableBackground {
		svc.wg.Add(1)
		go svc.runWorker()
	}
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.retriever.Close()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Write validates and stores one memory event, routing it to the adapters
// the policy names.
func (s *Service) Write(ctx context.Context, ev MemoryEvent) (MemoryItem, error) {
	return s.createItem(ctx, ev)
}

func (s *Service) createItem(ctx context.Context, ev MemoryEvent) (MemoryItem, error) {
	ev.Owner = strings.TrimSpace(ev.Owner)
	if ev.Owner == "" {
		return MemoryItem{}, validationf("write: empty owner")
	}
	if strings.TrimSpace(ev.Content) == "" && len(ev.Feature) == 0 {
		return MemoryItem{}, validationf("write: empty content")
	}
	if ev.Type == "" {
		ev.Type = TypeEpisodic
	}
	if !ValidType(ev.Type) {
		return MemoryItem{}, validationf("write: unknown type %q", ev.Type)
	}
	if ev.Type == TypeWorking && strings.TrimSpace(ev.SessionKey) == "" {
		return MemoryItem{}, validationf("write: working item needs a session key")
	}

	// Episodic and semantic events are embedded here so the routing policy
	// sends them to the hot vector index.
	if (ev.Type == TypeEpisodic || ev.Type == TypeSemantic) && len(ev.Embedding) == 0 && strings.TrimSpace(ev.Content) != "" {
		ev.Embedding = s.embedder.Embed(ev.Content)
	}

	decision, err := s.routing.Route(ev)
	if err != nil {
		return MemoryItem{}, err
	}

	now := nowMS()
	item := MemoryItem{
		ID:          ulid.Make().String(),
		Owner:       ev.Owner,
		SessionKey:  ev.SessionKey,
		Type:        ev.Type,
		Tier:        TierHot,
		Summary:     ev.Summary,
		Content:     ev.Content,
		Tags:        ev.Tags,
		Confidence:  clamp01(ev.Confidence),
		Stability:   clamp01(ev.Stability),
		Embedding:   ev.Embedding,
		CreatedAtMS: now,
		Version:     1,
	}
	if item.Summary == "" {
		item.Summary = firstSentence(item.Content)
	}
	if ev.Type == TypeWorking {
		item.TTLExpiryMS = s.routing.TTLExpiry(ev, now)
	}
	if decision.HotVector && len(item.Embedding) == 0 {
		item.Embedding = s.embedder.Embed(item.Text())
		decision.HotVector = len(item.Embedding) > 0
	}

	stored, err := s.store.PutItem(ctx, item)
	if err != nil {
		return MemoryItem{}, err
	}

	if decision.HotVector {
		err := s.hotIndex.Upsert(ctx, VectorEntry{
			ID:        stored.ID,
			Owner:     stored.Owner,
			Type:      stored.Type,
			Summary:   stored.Summary,
			Embedding: stored.Embedding,
		})
		if err != nil {
			return MemoryItem{}, fmt.Errorf("write hot index: %w", err)
		}
	}
	if decision.Features && len(ev.Feature) > 0 {
		if err := s.store.PutFeature(ctx, stored.Owner, stored.ID, ev.Feature); err != nil {
			return MemoryItem{}, fmt.Errorf("write feature: %w", err)
		}
	}
	_ = s.store.AddMetric(ctx, "write.items", 1, map[string]string{"owner": stored.Owner, "type": string(stored.Type)})
	return stored, nil
}

// Append accumulates one conversational turn on the session's working item,
// creating the item on first use.
func (s *Service) Append(ctx context.Context, owner, sessionKey, userMsg, assistantMsg string) (MemoryItem, error) {
	owner = strings.TrimSpace(owner)
	sessionKey = strings.TrimSpace(sessionKey)
	if owner == "" || sessionKey == "" {
		return MemoryItem{}, validationf("append: owner and session key are required")
	}
	if strings.TrimSpace(userMsg) == "" && strings.TrimSpace(assistantMsg) == "" {
		return MemoryItem{}, validationf("append: empty turn")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{User: userMsg, Assistant: assistantMsg, AtMS: nowMS()}

	it, err := s.store.WorkingItem(ctx, owner, sessionKey)
	if errors.Is(err, ErrNotFound) {
		created, err := s.createItem(ctx, MemoryEvent{
			Owner:      owner,
			SessionKey: sessionKey,
			Type:       TypeWorking,
			Content:    joinTurns([]Turn{turn}),
		})
		if err != nil {
			return MemoryItem{}, err
		}
		created.Turns = []Turn{turn}
		created.TurnCount = 1
		updated, err := s.store.UpdateItemVersioned(ctx, created)
		if err != nil {
			return MemoryItem{}, fmt.Errorf("append first turn: %w", err)
		}
		return updated, nil
	}
	if err != nil {
		return MemoryItem{}, err
	}

	it.Turns = append(it.Turns, turn)
	it.TurnCount++
	it.Content = joinTurns(it.Turns)
	updated, err := s.store.UpdateItemVersioned(ctx, it)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("append turn: %w", err)
	}
	return updated, nil
}

// Retrieve runs the tiered pipeline for one query.
func (s *Service) Retrieve(ctx context.Context, q MemoryQuery) (ContextBundle, error) {
	return s.retriever.Retrieve(ctx, q)
}

// Flush synchronously consolidates an owner's working memory, and archives
// eligible items as well when configured.
func (s *Service) Flush(ctx context.Context, owner string) (WorkerReport, error) {
	var rep WorkerReport
	n, err := s.consolidator.RunOwner(ctx, owner, true)
	rep.Consolidated = n
	if err != nil {
		return rep, err
	}
	if s.opts.ArchiveOnFlush {
		rep.Archived, err = s.archiver.RunOwner(ctx, owner)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Rehydrate promotes threshold-crossing archived items for one owner.
func (s *Service) Rehydrate(ctx context.Context, owner string) (int, error) {
	return s.rehydrator.RunOwner(ctx, owner)
}

// RunWorkersOnce drives a full deterministic worker cycle for one owner, or
// for every known owner when owner is empty.
func (s *Service) RunWorkersOnce(ctx context.Context, owner string) (WorkerReport, error) {
	owners := []string{owner}
	if owner == "" {
		var err error
		owners, err = s.store.ListOwners(ctx)
		if err != nil {
			return WorkerReport{}, err
		}
	}

	var rep WorkerReport
	for _, o := range owners {
		n, err := s.consolidator.RunOwner(ctx, o, false)
		rep.Consolidated += n
		if err != nil {
			return rep, err
		}
		n, err = s.archiver.RunOwner(ctx, o)
		rep.Archived += n
		if err != nil {
			return rep, err
		}
		n, err = s.rehydrator.RunOwner(ctx, o)
		rep.Rehydrated += n
		if err != nil {
			return rep, err
		}
		crep, err := s.compactor.RunOwner(ctx, o)
		rep.Compaction.ExpiredWorking += crep.ExpiredWorking
		rep.Compaction.PrunedTombstones += crep.PrunedTombstones
		rep.Compaction.MergedItems += crep.MergedItems
		rep.Compaction.Inconsistencies += crep.Inconsistencies
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// Stats reports tier populations and metric totals.
func (s *Service) Stats(ctx context.Context) (ServiceStats, error) {
	tiers, err := s.store.CountItemsByTier(ctx)
	if err != nil {
		return ServiceStats{}, err
	}
	metrics, err := s.store.MetricTotals(ctx)
	if err != nil {
		return ServiceStats{}, err
	}
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return ServiceStats{}, err
	}
	return ServiceStats{ItemsByTier: tiers, Metrics: metrics, Owners: owners}, nil
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.WorkerPoll)
	defer ticker.Stop()

	// Run once at startup so jobs pending from a prior process lifetime
	// begin immediately.
	s.processPendingJobs()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processPendingJobs()
			s.runDueSchedules()
		}
	}
}

func (s *Service) processPendingJobs() {
	const maxBatch = 32
	ctx := context.Background()
	_ = s.store.RequeueExpiredJobs(ctx, nowMS())

	leaseForMS := s.opts.WorkerLease.Milliseconds()
	for i := 0; i < maxBatch; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, nowMS(), leaseForMS)
		if err != nil || !ok {
			return
		}

		if err := s.handleJob(ctx, job); err != nil {
			_ = s.store.FailJob(ctx, job.ID, err.Error())
			_ = s.store.AddMetric(ctx, "job.failed", 1, map[string]string{"type": job.JobType})
			s.logger.Warn("job failed", "type", job.JobType, "id", job.ID, "err", err)
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		_ = s.store.AddMetric(ctx, "job.completed", 1, map[string]string{"type": job.JobType})
	}
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobRehydrate:
		return s.rehydrator.HandleJob(ctx, job)
	case JobConsolidate:
		_, err := s.consolidator.RunOwner(ctx, job.Owner, job.Payload["force"] == "true")
		return err
	case JobArchive:
		_, err := s.archiver.RunOwner(ctx, job.Owner)
		return err
	case JobCompact:
		_, err := s.compactor.RunOwner(ctx, job.Owner)
		return err
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// runDueSchedules fires each configured cron schedule at most once per
// minute, running the matching worker across all owners.
func (s *Service) runDueSchedules() {
	ctx := context.Background()
	now := time.Now()
	minute := now.Unix() / 60

	schedules := []struct {
		name string
		expr string
		run  func(ctx context.Context, owner string) error
	}{
		{"consolidate", s.opts.ConsolidateCron, func(ctx context.Context, o string) error {
			_, err := s.consolidator.RunOwner(ctx, o, false)
			return err
		}},
		{"archive", s.opts.ArchiveCron, func(ctx context.Context, o string) error {
			_, err := s.archiver.RunOwner(ctx, o)
			return err
		}},
		{"rehydrate", s.opts.RehydrateCron, func(ctx context.Context, o string) error {
			_, err := s.rehydrator.RunOwner(ctx, o)
			return err
		}},
		{"compact", s.opts.CompactCron, func(ctx context.Context, o string) error {
			_, err := s.compactor.RunOwner(ctx, o)
			return err
		}},
	}

	for _, sched := range schedules {
		if sched.expr == "" || s.lastCron[sched.name] == minute {
			continue
		}
		due, err := s.cron.IsDue(sched.expr, now)
		if err != nil {
			s.logger.Warn("bad cron expression", "worker", sched.name, "expr", sched.expr, "err", err)
			s.lastCron[sched.name] = minute
			continue
		}
		if !due {
			continue
		}
		s.lastCron[sched.name] = minute

		owners, err := s.store.ListOwners(ctx)
		if err != nil {
			s.logger.Warn("list owners failed", "worker", sched.name, "err", err)
			continue
		}
		for _, owner := range owners {
			if err := sched.run(ctx, owner); err != nil {
				s.logger.Warn("scheduled worker failed", "worker", sched.name, "owner", owner, "err", err)
			}
		}
	}
}
