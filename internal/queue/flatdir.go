package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// FlatDir stores one file per message directly under a single directory.
// Identifiers are random UUIDs so operators can pair sender and receiver
// log lines by message id. Single-writer is assumed: Lock always succeeds
// and Purge has nothing to do.
type FlatDir struct {
	path string
}

// NewFlatDir opens (and if necessary creates) a FlatDir at path.
func NewFlatDir(path string) (*FlatDir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &FlatDir{path: path}, nil
}

// Path returns the store's directory.
func (q *FlatDir) Path() string { return q.path }

func (q *FlatDir) Add(body []byte) (string, error) {
	id := uuid.NewString()
	tmp := filepath.Join(q.path, id+tmpSuffix)
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := os.Rename(tmp, filepath.Join(q.path, id)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return id, nil
}

func (q *FlatDir) Count() (int, error) {
	ids, err := q.Enumerate()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Enumerate returns identifiers ordered by modification time, oldest
// first, so the longest-waiting message is drained first. The filesystem
// records no creation time, so mtime is the best available proxy.
func (q *FlatDir) Enumerate() ([]string, error) {
	entries, err := os.ReadDir(q.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	type stamped struct {
		name  string
		mtime int64
	}
	msgs := make([]stamped, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || isWorkFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed underneath us
		}
		msgs = append(msgs, stamped{entry.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].mtime != msgs[j].mtime {
			return msgs[i].mtime < msgs[j].mtime
		}
		return msgs[i].name < msgs[j].name
	})

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.name
	}
	return ids, nil
}

// Lock reports success without doing anything; this backend assumes a
// single writer.
func (q *FlatDir) Lock(string) (bool, error) { return true, nil }

func (q *FlatDir) Get(id string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(q.path, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return body, nil
}

func (q *FlatDir) Remove(id string) error {
	if err := os.Remove(filepath.Join(q.path, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Purge does nothing; there are no buckets or locks to tidy.
func (q *FlatDir) Purge() error { return nil }
