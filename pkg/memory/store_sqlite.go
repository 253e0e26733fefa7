package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore backs the hot tier: item metadata, perceptual feature payloads,
// the durable job queue and metrics, all in one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_items (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			session_key TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			tier TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tags_json TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			stability REAL NOT NULL DEFAULT 0,
			embedding_json TEXT NOT NULL DEFAULT '[]',
			pointer_partition TEXT NOT NULL DEFAULT '',
			pointer_item_id TEXT NOT NULL DEFAULT '',
			turns_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			last_accessed_ms INTEGER NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			access_at_archive INTEGER NOT NULL DEFAULT 0,
			ttl_expiry_ms INTEGER NOT NULL DEFAULT 0,
			consolidated_seq INTEGER NOT NULL DEFAULT 0,
			turn_count INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memory_items_working_unique ON memory_items(owner, session_key) WHERE type = 'working';`,
		`CREATE INDEX IF NOT EXISTS memory_items_scope_idx ON memory_items(owner, tier, type, created_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS memory_items_ttl_idx ON memory_items(type, ttl_expiry_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_features (
			owner TEXT NOT NULL,
			item_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(owner, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeTurns(turns []Turn) string {
	if len(turns) == 0 {
		return "[]"
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTurns(raw string) []Turn {
	if raw == "" {
		return nil
	}
	out := []Turn{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

const itemColumns = `id, owner, session_key, type, tier, summary, content, tags_json, confidence, stability,
	embedding_json, pointer_partition, pointer_item_id, turns_json,
	created_at_ms, updated_at_ms, last_accessed_ms, access_count, access_at_archive,
	ttl_expiry_ms, consolidated_seq, turn_count, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (MemoryItem, error) {
	var it MemoryItem
	var typ, tier, tagsRaw, embRaw, turnsRaw string
	if err := row.Scan(
		&it.ID, &it.Owner, &it.SessionKey, &typ, &tier, &it.Summary, &it.Content, &tagsRaw,
		&it.Confidence, &it.Stability, &embRaw, &it.Pointer.Partition, &it.Pointer.ItemID, &turnsRaw,
		&it.CreatedAtMS, &it.UpdatedAtMS, &it.LastAccessedMS, &it.AccessCount, &it.AccessAtArchive,
		&it.TTLExpiryMS, &it.ConsolidatedSeq, &it.TurnCount, &it.Version,
	); err != nil {
		return MemoryItem{}, err
	}
	it.Type = MemoryType(typ)
	it.Tier = Tier(tier)
	it.Tags = decodeStrings(tagsRaw)
	it.Embedding = decodeVector(embRaw)
	it.Turns = decodeTurns(turnsRaw)
	return it, nil
}

// PutItem inserts or fully replaces the row for item.ID. Missing timestamps
// and version are filled in; the stored item is returned.
func (s *SQLiteStore) PutItem(ctx context.Context, item MemoryItem) (MemoryItem, error) {
	now := nowMS()
	if item.CreatedAtMS == 0 {
		item.CreatedAtMS = now
	}
	item.UpdatedAtMS = now
	if item.Version <= 0 {
		item.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_items(`+itemColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner = excluded.owner,
	session_key = excluded.session_key,
	type = excluded.type,
	tier = excluded.tier,
	summary = excluded.summary,
	content = excluded.content,
	tags_json = excluded.tags_json,
	confidence = excluded.confidence,
	stability = excluded.stability,
	embedding_json = excluded.embedding_json,
	pointer_partition = excluded.pointer_partition,
	pointer_item_id = excluded.pointer_item_id,
	turns_json = excluded.turns_json,
	updated_at_ms = excluded.updated_at_ms,
	last_accessed_ms = excluded.last_accessed_ms,
	access_count = excluded.access_count,
	access_at_archive = excluded.access_at_archive,
	ttl_expiry_ms = excluded.ttl_expiry_ms,
	consolidated_seq = excluded.consolidated_seq,
	turn_count = excluded.turn_count,
	version = excluded.version`,
		item.ID, item.Owner, item.SessionKey, string(item.Type), string(item.Tier),
		item.Summary, item.Content, encodeStrings(item.Tags), item.Confidence, item.Stability,
		encodeVector(item.Embedding), item.Pointer.Partition, item.Pointer.ItemID, encodeTurns(item.Turns),
		item.CreatedAtMS, item.UpdatedAtMS, item.LastAccessedMS, item.AccessCount, item.AccessAtArchive,
		item.TTLExpiryMS, item.ConsolidatedSeq, item.TurnCount, item.Version)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("put item: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, owner, id string) (MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM memory_items WHERE owner = ? AND id = ?`, owner, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryItem{}, fmt.Errorf("get item %s: %w", id, ErrNotFound)
		}
		return MemoryItem{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, owner, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE owner = ? AND id = ?`, owner, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// QueryItems returns matching items newest-first. Tag filtering happens in Go
// after the scan; the SQL limit is applied only when no tag filter is set.
func (s *SQLiteStore) QueryItems(ctx context.Context, f ItemFilter) ([]MemoryItem, error) {
	if strings.TrimSpace(f.Owner) == "" {
		return nil, validationf("query items: empty owner")
	}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + itemColumns + ` FROM memory_items WHERE owner = ?`)
	args := []any{f.Owner}

	if len(f.Types) > 0 {
		sb.WriteString(` AND type IN (` + strings.TrimRight(strings.Repeat("?,", len(f.Types)), ",") + `)`)
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.Tier != "" {
		sb.WriteString(` AND tier = ?`)
		args = append(args, string(f.Tier))
	}
	if f.SessionKey != "" {
		sb.WriteString(` AND session_key = ?`)
		args = append(args, f.SessionKey)
	}
	if f.CreatedBeforeMS > 0 {
		sb.WriteString(` AND created_at_ms < ?`)
		args = append(args, f.CreatedBeforeMS)
	}
	sb.WriteString(` ORDER BY created_at_ms DESC, id ASC`)
	if f.Limit > 0 && len(f.Tags) == 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	out := []MemoryItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if !hasAllTags(it.Tags, f.Tags) {
			continue
		}
		out = append(out, it)
		if f.Limit > 0 && len(f.Tags) > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// UpdateItemVersioned applies the full update only if the stored version
// still equals item.Version. The returned item carries the new version.
func (s *SQLiteStore) UpdateItemVersioned(ctx context.Context, item MemoryItem) (MemoryItem, error) {
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
UPDATE memory_items
SET session_key = ?, type = ?, tier = ?, summary = ?, content = ?, tags_json = ?,
	confidence = ?, stability = ?, embedding_json = ?,
	pointer_partition = ?, pointer_item_id = ?, turns_json = ?,
	updated_at_ms = ?, last_accessed_ms = ?, access_count = ?, access_at_archive = ?,
	ttl_expiry_ms = ?, consolidated_seq = ?, turn_count = ?, version = version + 1
WHERE owner = ? AND id = ? AND version = ?`,
		item.SessionKey, string(item.Type), string(item.Tier), item.Summary, item.Content, encodeStrings(item.Tags),
		item.Confidence, item.Stability, encodeVector(item.Embedding),
		item.Pointer.Partition, item.Pointer.ItemID, encodeTurns(item.Turns),
		now, item.LastAccessedMS, item.AccessCount, item.AccessAtArchive,
		item.TTLExpiryMS, item.ConsolidatedSeq, item.TurnCount,
		item.Owner, item.ID, item.Version)
	if err != nil {
		return MemoryItem{}, fmt.Errorf("update item versioned: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.GetItem(ctx, item.Owner, item.ID); err != nil {
			return MemoryItem{}, err
		}
		return MemoryItem{}, fmt.Errorf("update item %s: %w", item.ID, ErrVersionConflict)
	}
	item.UpdatedAtMS = now
	item.Version++
	return item, nil
}

func (s *SQLiteStore) TouchAccess(ctx context.Context, owner, id string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_items
SET access_count = access_count + 1, last_accessed_ms = ?
WHERE owner = ? AND id = ?`, atMS, owner, id)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WorkingItem(ctx context.Context, owner, sessionKey string) (MemoryItem, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+itemColumns+` FROM memory_items
WHERE owner = ? AND session_key = ? AND type = 'working'`, owner, sessionKey)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryItem{}, fmt.Errorf("working item %s/%s: %w", owner, sessionKey, ErrNotFound)
		}
		return MemoryItem{}, fmt.Errorf("working item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM memory_items ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		out = append(out, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return out, nil
}

// CountItemsByTier feeds the stats surface.
func (s *SQLiteStore) CountItemsByTier(ctx context.Context) (map[Tier]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM memory_items GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("count items by tier: %w", err)
	}
	defer rows.Close()

	out := map[Tier]int64{}
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		out[Tier(tier)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier counts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PutFeature(ctx context.Context, owner, id string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_features(owner, item_id, payload, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(owner, item_id) DO UPDATE SET
	payload = excluded.payload,
	updated_at_ms = excluded.updated_at_ms`, owner, id, payload, nowMS())
	if err != nil {
		return fmt.Errorf("put feature: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFeature(ctx context.Context, owner, id string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT payload FROM memory_features WHERE owner = ? AND item_id = ?`, owner, id)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get feature %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get feature: %w", err)
	}
	return payload, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, owner, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms`,
		job.ID,
		job.JobType,
		job.Owner,
		job.Status,
		job.Priority,
		encodeMap(job.Payload),
		job.Error,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, owner, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.Owner, &job.Status, &job.Priority, &payloadRaw, &job.Error, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// MetricTotals sums every recorded metric, for the stats surface.
func (s *SQLiteStore) MetricTotals(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metric, SUM(value) FROM memory_metrics GROUP BY metric`)
	if err != nil {
		return nil, fmt.Errorf("metric totals: %w", err)
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var metric string
		var total float64
		if err := rows.Scan(&metric, &total); err != nil {
			return nil, fmt.Errorf("scan metric total: %w", err)
		}
		out[metric] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric totals: %w", err)
	}
	return out, nil
}
