package memory

import (
	"context"
	"errors"
	"testing"
)

type rehydratorFixture struct {
	store    *SQLiteStore
	hotIndex *memIndex
	cold     *FileObjectStore
	worker   *Rehydrator
}

func newRehydratorFixture(t *testing.T) *rehydratorFixture {
	t.Helper()
	f := &rehydratorFixture{
		store:    newTestStore(t),
		hotIndex: newMemIndex(),
		cold:     newTestObjectStore(t),
	}
	f.worker = NewRehydrator(f.store, f.cold, f.hotIndex, NewEmbedder(""), f.store, nil)
	return f
}

// seedArchivedItem writes a tombstone whose cold record exists, with the given
// access counts.
func (f *rehydratorFixture) seedArchivedItem(t *testing.T, id string, accessCount, accessAtArchive int64) MemoryItem {
	t.Helper()
	ctx := context.Background()
	createdAt := nowMS() - 10*24*60*60*1000
	ptr, err := f.cold.Append(ctx, "alice", DateKey(createdAt), ColdRecord{
		ID:          id,
		Owner:       "alice",
		Type:        TypeEpisodic,
		Summary:     "summary of " + id,
		Content:     "full content of " + id,
		CreatedAtMS: createdAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	stored, err := f.store.PutItem(ctx, MemoryItem{
		ID:              id,
		Owner:           "alice",
		Type:            TypeEpisodic,
		Tier:            TierArchived,
		Summary:         "summary of " + id,
		Pointer:         ptr,
		AccessCount:     accessCount,
		AccessAtArchive: accessAtArchive,
		CreatedAtMS:     createdAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

func TestRehydrator_PromotesHotItems(t *testing.T) {
	f := newRehydratorFixture(t)
	ctx := context.Background()

	// Three accesses since archiving: meets the default threshold.
	f.seedArchivedItem(t, "popular", 5, 2)
	// One access since archiving: stays archived.
	f.seedArchivedItem(t, "quiet", 3, 2)

	promoted, err := f.worker.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOwner failed: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("promoted = %d, want 1", promoted)
	}

	got, err := f.store.GetItem(ctx, "alice", "popular")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierHot {
		t.Fatalf("tier = %s, want hot", got.Tier)
	}
	if got.Content != "full content of popular" {
		t.Errorf("content not restored: %q", got.Content)
	}
	if len(got.Embedding) == 0 {
		t.Error("promotion should re-embed the content")
	}
	if _, ok := f.hotIndex.entries["alice"]["popular"]; !ok {
		t.Error("promoted item missing from the hot index")
	}

	quiet, err := f.store.GetItem(ctx, "alice", "quiet")
	if err != nil {
		t.Fatal(err)
	}
	if quiet.Tier != TierArchived {
		t.Error("under-threshold item should stay archived")
	}
}

func TestRehydrator_ConcurrentPromotionConverges(t *testing.T) {
	f := newRehydratorFixture(t)
	ctx := context.Background()

	f.seedArchivedItem(t, "raced", 5, 0)

	first, err := f.worker.PromoteItem(ctx, "alice", "raced")
	if err != nil || !first {
		t.Fatalf("first promotion: ok=%v err=%v", first, err)
	}

	// The second trigger sees the row already hot and reports a clean no-op.
	second, err := f.worker.PromoteItem(ctx, "alice", "raced")
	if err != nil {
		t.Fatalf("second promotion errored: %v", err)
	}
	if second {
		t.Fatal("second promotion should be a no-op")
	}

	got, err := f.store.GetItem(ctx, "alice", "raced")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierHot {
		t.Fatalf("tier = %s", got.Tier)
	}
}

func TestRehydrator_MissingColdRecordIsInconsistent(t *testing.T) {
	f := newRehydratorFixture(t)
	ctx := context.Background()

	_, err := f.store.PutItem(ctx, MemoryItem{
		ID:      "broken",
		Owner:   "alice",
		Type:    TypeEpisodic,
		Tier:    TierArchived,
		Pointer: ColdPointer{Partition: "alice/2026/01/01", ItemID: "broken"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.worker.PromoteItem(ctx, "alice", "broken"); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestRehydrator_HandleJob(t *testing.T) {
	f := newRehydratorFixture(t)
	ctx := context.Background()

	f.seedArchivedItem(t, "target", 5, 0)

	err := f.worker.HandleJob(ctx, Job{
		JobType: JobRehydrate,
		Owner:   "alice",
		Payload: map[string]string{"item_id": "target"},
	})
	if err != nil {
		t.Fatalf("HandleJob failed: %v", err)
	}
	got, err := f.store.GetItem(ctx, "alice", "target")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierHot {
		t.Errorf("tier = %s, want hot", got.Tier)
	}
}

func TestRehydrator_HandleJobNoOps(t *testing.T) {
	f := newRehydratorFixture(t)
	ctx := context.Background()

	// Missing payload is a validation error.
	if err := f.worker.HandleJob(ctx, Job{Owner: "alice"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// A deleted item is a successful no-op, not a failed job.
	err := f.worker.HandleJob(ctx, Job{Owner: "alice", Payload: map[string]string{"item_id": "gone"}})
	if err != nil {
		t.Fatalf("missing item should no-op: %v", err)
	}

	// Under the access threshold the trigger does nothing.
	f.seedArchivedItem(t, "cool", 1, 0)
	if err := f.worker.HandleJob(ctx, Job{Owner: "alice", Payload: map[string]string{"item_id": "cool"}}); err != nil {
		t.Fatalf("under-threshold trigger should no-op: %v", err)
	}
	got, err := f.store.GetItem(ctx, "alice", "cool")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierArchived {
		t.Error("under-threshold item should stay archived")
	}
}
