package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const coldFileName = "records.jsonl"

// FileObjectStore is the cold tier: one append-only JSONL file per
// owner/date partition. Records are written once and located by pointer; a
// rewritten record for the same id appends a new line, and Read returns the
// latest one.
type FileObjectStore struct {
	root string
	mu   sync.Mutex
}

func NewFileObjectStore(root string) (*FileObjectStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, validationf("object store: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FileObjectStore{root: root}, nil
}

// DateKey formats a creation timestamp into the partition date segment.
func DateKey(atMS int64) string {
	t := time.UnixMilli(atMS).UTC()
	return t.Format("2006/01/02")
}

func (f *FileObjectStore) partitionPath(partition string) (string, error) {
	clean := filepath.Clean(partition)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", validationf("object store: bad partition %q", partition)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean), coldFileName), nil
}

func (f *FileObjectStore) Append(ctx context.Context, owner, dateKey string, rec ColdRecord) (ColdPointer, error) {
	if rec.ID == "" || owner == "" {
		return ColdPointer{}, validationf("object store append: missing id or owner")
	}
	if err := ctx.Err(); err != nil {
		return ColdPointer{}, err
	}
	partition := owner + "/" + dateKey
	path, err := f.partitionPath(partition)
	if err != nil {
		return ColdPointer{}, err
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return ColdPointer{}, fmt.Errorf("object store append marshal: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ColdPointer{}, unavailable("object store append", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ColdPointer{}, unavailable("object store append", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return ColdPointer{}, unavailable("object store append", err)
	}
	if err := file.Sync(); err != nil {
		return ColdPointer{}, unavailable("object store append", err)
	}
	return ColdPointer{Partition: partition, ItemID: rec.ID}, nil
}

func (f *FileObjectStore) Read(ctx context.Context, ptr ColdPointer) (ColdRecord, error) {
	if ptr.IsZero() {
		return ColdRecord{}, validationf("object store read: empty pointer")
	}
	rec, found, err := f.scan(ctx, ptr)
	if err != nil {
		return ColdRecord{}, err
	}
	if !found {
		return ColdRecord{}, fmt.Errorf("object store read %s: %w", ptr.ItemID, ErrNotFound)
	}
	return rec, nil
}

func (f *FileObjectStore) Exists(ctx context.Context, ptr ColdPointer) (bool, error) {
	if ptr.IsZero() {
		return false, nil
	}
	_, found, err := f.scan(ctx, ptr)
	if err != nil {
		return false, err
	}
	return found, nil
}

// scan walks the partition file and keeps the last record with the pointer's
// id. Corrupt lines are skipped, not fatal.
func (f *FileObjectStore) scan(ctx context.Context, ptr ColdPointer) (ColdRecord, bool, error) {
	path, err := f.partitionPath(ptr.Partition)
	if err != nil {
		return ColdRecord{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return ColdRecord{}, false, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ColdRecord{}, false, nil
		}
		return ColdRecord{}, false, unavailable("object store scan", err)
	}
	defer file.Close()

	var last ColdRecord
	found := false
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec ColdRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.ID == ptr.ItemID {
			last = rec
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return ColdRecord{}, false, unavailable("object store scan", err)
	}
	return last, found, nil
}
