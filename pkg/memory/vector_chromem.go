package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is a VectorIndex on chromem-go with one collection per owner.
// The engine runs two instances: one for hot embeddings, one for archive
// pointers. Embeddings are always precomputed by the caller.
type ChromemIndex struct {
	db     *chromem.DB
	prefix string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex opens a persistent index at path, or an in-memory one when
// path is empty. prefix namespaces the two instances within one process.
func NewChromemIndex(path, prefix string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}
	return &ChromemIndex{
		db:          db,
		prefix:      prefix,
		collections: map[string]*chromem.Collection{},
	}, nil
}

// noEmbedFunc rejects implicit embedding; every document arrives with its
// vector attached.
func noEmbedFunc(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("embedding must be precomputed")
}

func (x *ChromemIndex) collection(owner string) (*chromem.Collection, error) {
	name := x.prefix + "-" + owner

	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(name, map[string]string{"owner": owner}, noEmbedFunc)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", name, err)
	}
	x.collections[name] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, entry VectorEntry) error {
	if entry.ID == "" || entry.Owner == "" {
		return validationf("vector upsert: missing id or owner")
	}
	if len(entry.Embedding) == 0 {
		return validationf("vector upsert: missing embedding for %s", entry.ID)
	}
	col, err := x.collection(entry.Owner)
	if err != nil {
		return unavailable("vector upsert", err)
	}
	doc := chromem.Document{
		ID:        entry.ID,
		Embedding: entry.Embedding,
		Content:   entry.Summary,
		Metadata: map[string]string{
			"type":              string(entry.Type),
			"pointer_partition": entry.Pointer.Partition,
			"pointer_item_id":   entry.Pointer.ItemID,
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return unavailable("vector upsert", err)
	}
	return nil
}

func (x *ChromemIndex) Delete(ctx context.Context, owner, id string) error {
	col, err := x.collection(owner)
	if err != nil {
		return unavailable("vector delete", err)
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return unavailable("vector delete", err)
	}
	return nil
}

// Query returns up to k nearest matches for owner. Type filtering happens
// after the nearest-neighbor pass, so the underlying query over-fetches when
// a filter is set.
func (x *ChromemIndex) Query(ctx context.Context, owner string, embedding []float32, k int, types []MemoryType) ([]VectorMatch, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	col, err := x.collection(owner)
	if err != nil {
		return nil, unavailable("vector query", err)
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	fetch := k
	if len(types) > 0 {
		fetch = k * 4
	}
	if fetch > count {
		fetch = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, fetch, nil, nil)
	if err != nil {
		return nil, unavailable("vector query", err)
	}

	wantType := map[MemoryType]bool{}
	for _, t := range types {
		wantType[t] = true
	}

	out := make([]VectorMatch, 0, k)
	for _, res := range results {
		typ := MemoryType(res.Metadata["type"])
		if len(wantType) > 0 && !wantType[typ] {
			continue
		}
		out = append(out, VectorMatch{
			ID:      res.ID,
			Owner:   owner,
			Type:    typ,
			Summary: res.Content,
			Pointer: ColdPointer{
				Partition: res.Metadata["pointer_partition"],
				ItemID:    res.Metadata["pointer_item_id"],
			},
			Similarity: float64(res.Similarity),
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}
