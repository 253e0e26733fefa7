package memory

import (
	"context"
	"fmt"
	"testing"
)

type consolidatorFixture struct {
	store  *SQLiteStore
	worker *Consolidator
	events []MemoryEvent
}

func newConsolidatorFixture(t *testing.T) *consolidatorFixture {
	t.Helper()
	f := &consolidatorFixture{store: newTestStore(t)}
	sink := func(ctx context.Context, ev MemoryEvent) (MemoryItem, error) {
		f.events = append(f.events, ev)
		return f.store.PutItem(ctx, MemoryItem{
			ID:         fmt.Sprintf("derived-%d", len(f.events)),
			Owner:      ev.Owner,
			SessionKey: ev.SessionKey,
			Type:       ev.Type,
			Tier:       TierHot,
			Summary:    ev.Summary,
			Content:    ev.Content,
			Tags:       ev.Tags,
			Confidence: ev.Confidence,
			Stability:  ev.Stability,
		})
	}
	f.worker = NewConsolidator(f.store, NewHeuristicTurnPolicy(), sink, f.store, nil)
	return f
}

func (f *consolidatorFixture) seedWorking(t *testing.T, id, session string, turns []Turn, createdAt, ttlExpiry int64) MemoryItem {
	t.Helper()
	item := MemoryItem{
		ID:          id,
		Owner:       "alice",
		SessionKey:  session,
		Type:        TypeWorking,
		Tier:        TierHot,
		Content:     joinTurns(turns),
		Turns:       turns,
		TurnCount:   int64(len(turns)),
		CreatedAtMS: createdAt,
		TTLExpiryMS: ttlExpiry,
	}
	stored, err := f.store.PutItem(context.Background(), item)
	if err != nil {
		t.Fatalf("seed working %s: %v", id, err)
	}
	return stored
}

func TestConsolidator_DerivesAndClearsTurns(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	turns := []Turn{{User: "We shipped the billing migration to production today.", AtMS: now}}
	f.seedWorking(t, "w1", "s1", turns, now, now+60_000)

	created, err := f.worker.RunOwner(ctx, "alice", true)
	if err != nil {
		t.Fatalf("RunOwner failed: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if len(f.events) != 1 || f.events[0].Type != TypeEpisodic {
		t.Fatalf("events = %+v", f.events)
	}

	got, err := f.store.GetItem(ctx, "alice", "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 || got.TurnCount != 0 {
		t.Errorf("turns not cleared: %+v", got)
	}
	if got.ConsolidatedSeq != 1 {
		t.Errorf("ConsolidatedSeq = %d, want 1", got.ConsolidatedSeq)
	}
}

func TestConsolidator_RerunIsNoOp(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	f.seedWorking(t, "w1", "s1", []Turn{{User: "We shipped the billing migration to production today.", AtMS: now}}, now, now+60_000)

	if _, err := f.worker.RunOwner(ctx, "alice", true); err != nil {
		t.Fatal(err)
	}
	created, err := f.worker.RunOwner(ctx, "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("second run created %d items, want 0", created)
	}
	if len(f.events) != 1 {
		t.Fatalf("re-run derived duplicate items: %d events", len(f.events))
	}
}

func TestConsolidator_PreferenceBecomesSemantic(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	f.seedWorking(t, "w1", "s1", []Turn{{User: "Remember that I always prefer concise answers without preamble.", AtMS: now}}, now, now+60_000)

	if _, err := f.worker.RunOwner(ctx, "alice", true); err != nil {
		t.Fatal(err)
	}
	if len(f.events) != 1 {
		t.Fatalf("events = %d", len(f.events))
	}
	ev := f.events[0]
	if ev.Type != TypeSemantic {
		t.Errorf("type = %s, want semantic", ev.Type)
	}
	if ev.Stability != 0.8 {
		t.Errorf("semantic stability = %v, want 0.8", ev.Stability)
	}
	found := false
	for _, tag := range ev.Tags {
		if tag == "preference" {
			found = true
		}
	}
	if !found {
		t.Error("preference tag missing")
	}
}

func TestConsolidator_EligibilityFraction(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	// Created just now with a long TTL: not yet eligible without force.
	f.seedWorking(t, "young", "s1", []Turn{{User: "A fresh conversation about the incident postmortem."}}, now, now+60*60*1000)
	// More than half the TTL window elapsed: eligible.
	f.seedWorking(t, "ripe", "s2", []Turn{{User: "An older conversation about the incident postmortem details."}}, now-40*60*1000, now+20*60*1000)

	created, err := f.worker.RunOwner(ctx, "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want only the ripe item", created)
	}

	young, err := f.store.GetItem(ctx, "alice", "young")
	if err != nil {
		t.Fatal(err)
	}
	if len(young.Turns) == 0 {
		t.Error("young item should keep its turns")
	}
}

func TestConsolidator_SkipsEmptyWorkingItems(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	f.seedWorking(t, "empty", "s1", nil, now, now+60_000)

	created, err := f.worker.RunOwner(ctx, "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 || len(f.events) != 0 {
		t.Fatalf("empty item should be skipped: created=%d events=%d", created, len(f.events))
	}
}

func TestConsolidator_NoiseClearsWithoutDeriving(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	f.seedWorking(t, "noise", "s1", []Turn{{User: "ok"}}, now, now+60_000)

	created, err := f.worker.RunOwner(ctx, "alice", true)
	if err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Fatalf("noise should not derive an item, created %d", created)
	}

	// The turns are still consumed so the same noise is not revisited.
	got, err := f.store.GetItem(ctx, "alice", "noise")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Turns) != 0 || got.ConsolidatedSeq != 1 {
		t.Errorf("noise turns not consumed: %+v", got)
	}
}

func TestConsolidator_VersionRaceSkipsItem(t *testing.T) {
	f := newConsolidatorFixture(t)
	ctx := context.Background()
	now := nowMS()

	stored := f.seedWorking(t, "raced", "s1", []Turn{{User: "A conversation that a concurrent writer will touch first."}}, now, now+60_000)
	stale := stored

	// A concurrent append bumps the version before the worker's clear lands.
	concurrent := stored
	concurrent.Turns = []Turn{
		stored.Turns[0],
		{User: "Separately we also rewired the ingestion workers for the new broker topology.", AtMS: now},
	}
	concurrent.TurnCount = 2
	if _, err := f.store.UpdateItemVersioned(ctx, concurrent); err != nil {
		t.Fatal(err)
	}

	// The worker's snapshot still carries the old version; its clear loses
	// and the run continues without error.
	if _, err := f.worker.consolidateItem(ctx, stale); err == nil {
		t.Fatal("stale consolidation should hit a version conflict")
	}
	created, err := f.worker.RunOwner(ctx, "alice", true)
	if err != nil {
		t.Fatalf("RunOwner should absorb version conflicts: %v", err)
	}
	if created == 0 {
		t.Error("the re-read item should consolidate on the fresh version")
	}
}
