package memory

import (
	"context"
	"errors"
	"testing"
)

type archiverFixture struct {
	store     *SQLiteStore
	hotIndex  *memIndex
	archIndex *memIndex
	cold      *FileObjectStore
	worker    *Archiver
}

func newArchiverFixture(t *testing.T) *archiverFixture {
	t.Helper()
	f := &archiverFixture{
		store:     newTestStore(t),
		hotIndex:  newMemIndex(),
		archIndex: newMemIndex(),
		cold:      newTestObjectStore(t),
	}
	f.worker = NewArchiver(f.store, f.hotIndex, f.archIndex, f.cold, NewEmbedder(""), f.store, nil)
	return f
}

func (f *archiverFixture) seedHotItem(t *testing.T, id string, ageDays int, confidence float64, accessCount int64) MemoryItem {
	t.Helper()
	ctx := context.Background()
	createdAt := nowMS() - int64(ageDays)*24*60*60*1000
	item := MemoryItem{
		ID:          id,
		Owner:       "alice",
		Type:        TypeEpisodic,
		Tier:        TierHot,
		Summary:     "summary of " + id,
		Content:     "full content of " + id,
		Confidence:  confidence,
		AccessCount: accessCount,
		Stability:   0.5,
		CreatedAtMS: createdAt,
	}
	stored, err := f.store.PutItem(ctx, item)
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	err = f.hotIndex.Upsert(ctx, VectorEntry{ID: id, Owner: "alice", Type: item.Type, Summary: item.Summary, Embedding: []float32{1}})
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

func TestArchiver_MovesEligibleItems(t *testing.T) {
	f := newArchiverFixture(t)
	ctx := context.Background()

	// Old, rarely touched, low confidence: eligible.
	f.seedHotItem(t, "cold-worthy", 10, 0.2, 1)
	// Old but confidently held and frequently accessed: stays hot.
	f.seedHotItem(t, "keeper", 10, 0.9, 50)
	// Recent: below the age floor regardless of score.
	f.seedHotItem(t, "recent", 1, 0.1, 0)

	moved, err := f.worker.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("RunOwner failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	got, err := f.store.GetItem(ctx, "alice", "cold-worthy")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierArchived {
		t.Fatalf("tier = %s, want archived", got.Tier)
	}
	if got.Content != "" || len(got.Embedding) != 0 {
		t.Error("tombstone should drop content and embedding")
	}
	if got.Summary == "" {
		t.Error("tombstone keeps the summary")
	}
	if got.Pointer.IsZero() {
		t.Fatal("tombstone must carry a cold pointer")
	}
	if got.AccessAtArchive != 1 {
		t.Errorf("AccessAtArchive = %d, want the archived-at count", got.AccessAtArchive)
	}

	// Full record is in the cold store.
	rec, err := f.cold.Read(ctx, got.Pointer)
	if err != nil {
		t.Fatalf("cold record missing: %v", err)
	}
	if rec.Content != "full content of cold-worthy" {
		t.Errorf("cold content = %q", rec.Content)
	}

	// Archive index has the pointer entry; the hot index entry is gone.
	if _, ok := f.archIndex.entries["alice"]["cold-worthy"]; !ok {
		t.Error("archive index entry missing")
	}
	if _, ok := f.hotIndex.entries["alice"]["cold-worthy"]; ok {
		t.Error("hot index entry should be deleted")
	}

	keeper, err := f.store.GetItem(ctx, "alice", "keeper")
	if err != nil {
		t.Fatal(err)
	}
	if keeper.Tier != TierHot {
		t.Error("keeper should stay hot")
	}
}

func TestArchiver_RerunConverges(t *testing.T) {
	f := newArchiverFixture(t)
	ctx := context.Background()

	f.seedHotItem(t, "once", 10, 0.2, 0)

	if _, err := f.worker.RunOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	moved, err := f.worker.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("second run moved %d items, want 0", moved)
	}
}

func TestArchiver_ResumesAfterPartialFailure(t *testing.T) {
	f := newArchiverFixture(t)
	ctx := context.Background()

	item := f.seedHotItem(t, "crashed", 10, 0.2, 0)

	// Simulate a crash after phase 1a: the cold record exists but the hot
	// row was never tombstoned.
	ptr := ColdPointer{Partition: "alice/" + DateKey(item.CreatedAtMS), ItemID: item.ID}
	_, err := f.cold.Append(ctx, "alice", DateKey(item.CreatedAtMS), ColdRecord{
		ID:          item.ID,
		Owner:       "alice",
		Type:        item.Type,
		Summary:     item.Summary,
		Content:     item.Content,
		CreatedAtMS: item.CreatedAtMS,
	})
	if err != nil {
		t.Fatal(err)
	}

	moved, err := f.worker.RunOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("re-run after crash failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("moved = %d, want 1", moved)
	}

	// Exactly one record behind the pointer, and the tombstone landed.
	got, err := f.store.GetItem(ctx, "alice", "crashed")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierArchived || got.Pointer != ptr {
		t.Fatalf("tombstone = %+v", got)
	}
	if _, err := f.cold.Read(ctx, ptr); err != nil {
		t.Fatalf("cold record unreadable: %v", err)
	}
}

func TestArchiver_StaleSnapshotLosesVersionCheck(t *testing.T) {
	f := newArchiverFixture(t)
	ctx := context.Background()

	item := f.seedHotItem(t, "raced", 10, 0.2, 0)

	// A concurrent writer updates the row after the worker read it.
	fresh, err := f.store.GetItem(ctx, "alice", "raced")
	if err != nil {
		t.Fatal(err)
	}
	fresh.Confidence = 0.95
	if _, err := f.store.UpdateItemVersioned(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := f.worker.archiveItem(ctx, item); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale tombstone write should conflict, got %v", err)
	}

	// The row is untouched by the losing attempt.
	got, err := f.store.GetItem(ctx, "alice", "raced")
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != TierHot || got.Content == "" {
		t.Errorf("losing archive attempt mutated the row: %+v", got)
	}
}

func TestArchiver_EmbedsSummaryWhenItemHasNoVector(t *testing.T) {
	f := newArchiverFixture(t)
	ctx := context.Background()

	f.seedHotItem(t, "no-vec", 10, 0.2, 0)

	if _, err := f.worker.RunOwner(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	entry := f.archIndex.entries["alice"]["no-vec"]
	if len(entry.Embedding) == 0 {
		t.Fatal("archive entry should carry a computed embedding")
	}
	if entry.Pointer.IsZero() {
		t.Fatal("archive entry must carry the cold pointer")
	}
}
