package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dotsetgreg/memtier/pkg/memory"
)

type Config struct {
	Workspace string          `json:"workspace" env:"MEMTIER_WORKSPACE"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Scoring   ScoringConfig   `json:"scoring"`
	Workers   WorkersConfig   `json:"workers"`
}

type RetrievalConfig struct {
	HotTopK          int     `json:"hot_top_k" env:"MEMTIER_RETRIEVAL_HOT_TOP_K"`
	ArchiveTopK      int     `json:"archive_top_k" env:"MEMTIER_RETRIEVAL_ARCHIVE_TOP_K"`
	ColdFetchLimit   int     `json:"cold_fetch_limit" env:"MEMTIER_RETRIEVAL_COLD_FETCH_LIMIT"`
	ArchiveThreshold float64 `json:"archive_threshold" env:"MEMTIER_RETRIEVAL_ARCHIVE_THRESHOLD"`
	MaxBlocks        int     `json:"max_blocks" env:"MEMTIER_RETRIEVAL_MAX_BLOCKS"`
	MaxChars         int     `json:"max_chars" env:"MEMTIER_RETRIEVAL_MAX_CHARS"`
	CacheSeconds     int     `json:"cache_seconds" env:"MEMTIER_RETRIEVAL_CACHE_SECONDS"`
	EmbeddingModel   string  `json:"embedding_model" env:"MEMTIER_RETRIEVAL_EMBEDDING_MODEL"`
}

type ScoringConfig struct {
	SimilarityWeight float64 `json:"similarity_weight" env:"MEMTIER_SCORING_SIMILARITY_WEIGHT"`
	RecencyWeight    float64 `json:"recency_weight" env:"MEMTIER_SCORING_RECENCY_WEIGHT"`
	StabilityWeight  float64 `json:"stability_weight" env:"MEMTIER_SCORING_STABILITY_WEIGHT"`
	HalfLifeHours    int     `json:"half_life_hours" env:"MEMTIER_SCORING_HALF_LIFE_HOURS"`
	DecayPerDay      float64 `json:"decay_per_day" env:"MEMTIER_SCORING_DECAY_PER_DAY"`
}

type WorkersConfig struct {
	WorkingTTLSeconds      int     `json:"working_ttl_seconds" env:"MEMTIER_WORKERS_WORKING_TTL_SECONDS"`
	ArchiveMinAgeHours     int     `json:"archive_min_age_hours" env:"MEMTIER_WORKERS_ARCHIVE_MIN_AGE_HOURS"`
	ConfidenceFloor        float64 `json:"confidence_floor" env:"MEMTIER_WORKERS_CONFIDENCE_FLOOR"`
	AccessFloor            int64   `json:"access_floor" env:"MEMTIER_WORKERS_ACCESS_FLOOR"`
	HydrationThreshold     int64   `json:"hydration_threshold" env:"MEMTIER_WORKERS_HYDRATION_THRESHOLD"`
	TombstoneRetentionDays int     `json:"tombstone_retention_days" env:"MEMTIER_WORKERS_TOMBSTONE_RETENTION_DAYS"`
	ArchiveOnFlush         bool    `json:"archive_on_flush" env:"MEMTIER_WORKERS_ARCHIVE_ON_FLUSH"`
	MergeOnCompact         bool    `json:"merge_on_compact" env:"MEMTIER_WORKERS_MERGE_ON_COMPACT"`
	MergeSimilarity        float64 `json:"merge_similarity" env:"MEMTIER_WORKERS_MERGE_SIMILARITY"`
	ConsolidateCron        string  `json:"consolidate_cron" env:"MEMTIER_WORKERS_CONSOLIDATE_CRON"`
	ArchiveCron            string  `json:"archive_cron" env:"MEMTIER_WORKERS_ARCHIVE_CRON"`
	RehydrateCron          string  `json:"rehydrate_cron" env:"MEMTIER_WORKERS_REHYDRATE_CRON"`
	CompactCron            string  `json:"compact_cron" env:"MEMTIER_WORKERS_COMPACT_CRON"`
	LeaseSeconds           int     `json:"lease_seconds" env:"MEMTIER_WORKERS_LEASE_SECONDS"`
	PollMS                 int     `json:"poll_ms" env:"MEMTIER_WORKERS_POLL_MS"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.memtier",
		Retrieval: RetrievalConfig{
			HotTopK:          30,
			ArchiveTopK:      30,
			ColdFetchLimit:   10,
			ArchiveThreshold: 0.55,
			MaxBlocks:        8,
			MaxChars:         2400,
			CacheSeconds:     20,
			EmbeddingModel:   "memtier-chargram-384-v1",
		},
		Scoring: ScoringConfig{
			SimilarityWeight: 0.55,
			RecencyWeight:    0.25,
			StabilityWeight:  0.20,
			HalfLifeHours:    6,
			DecayPerDay:      0.05,
		},
		Workers: WorkersConfig{
			WorkingTTLSeconds:      1800,
			ArchiveMinAgeHours:     168,
			ConfidenceFloor:        0.35,
			AccessFloor:            2,
			HydrationThreshold:     3,
			TombstoneRetentionDays: 30,
			ArchiveOnFlush:         false,
			MergeOnCompact:         false,
			MergeSimilarity:        0.92,
			ConsolidateCron:        "*/5 * * * *",
			ArchiveCron:            "0 * * * *",
			RehydrateCron:          "*/10 * * * *",
			CompactCron:            "30 3 * * *",
			LeaseSeconds:           45,
			PollMS:                 800,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	return expandHome(c.Workspace)
}

// ServiceOptions maps the file/env config onto the engine's option struct.
func (c *Config) ServiceOptions() memory.Options {
	return memory.Options{
		Workspace:    c.WorkspacePath(),
		EmbedderName: c.Retrieval.EmbeddingModel,
		WorkingTTL:   time.Duration(c.Workers.WorkingTTLSeconds) * time.Second,
		Plan: memory.RetrievalPlan{
			HotTopK:          c.Retrieval.HotTopK,
			ArchiveTopK:      c.Retrieval.ArchiveTopK,
			ColdFetchLimit:   c.Retrieval.ColdFetchLimit,
			ArchiveThreshold: c.Retrieval.ArchiveThreshold,
			MaxBlocks:        c.Retrieval.MaxBlocks,
			MaxChars:         c.Retrieval.MaxChars,
		},
		Weights: memory.ScoreWeights{
			Similarity: c.Scoring.SimilarityWeight,
			Recency:    c.Scoring.RecencyWeight,
			Stability:  c.Scoring.StabilityWeight,
		},
		HalfLife:           time.Duration(c.Scoring.HalfLifeHours) * time.Hour,
		DecayPerDay:        c.Scoring.DecayPerDay,
		ArchiveMinAge:      time.Duration(c.Workers.ArchiveMinAgeHours) * time.Hour,
		ConfidenceFloor:    c.Workers.ConfidenceFloor,
		AccessFloor:        c.Workers.AccessFloor,
		ArchiveOnFlush:     c.Workers.ArchiveOnFlush,
		HydrationThreshold: c.Workers.HydrationThreshold,
		TombstoneRetention: time.Duration(c.Workers.TombstoneRetentionDays) * 24 * time.Hour,
		MergeOnCompact:     c.Workers.MergeOnCompact,
		MergeSimilarity:    c.Workers.MergeSimilarity,
		ConsolidateCron:    c.Workers.ConsolidateCron,
		ArchiveCron:        c.Workers.ArchiveCron,
		RehydrateCron:      c.Workers.RehydrateCron,
		CompactCron:        c.Workers.CompactCron,
		WorkerLease:        time.Duration(c.Workers.LeaseSeconds) * time.Second,
		WorkerPoll:         time.Duration(c.Workers.PollMS) * time.Millisecond,
		CacheTTL:           time.Duration(c.Retrieval.CacheSeconds) * time.Second,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
