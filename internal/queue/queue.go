// Package queue implements the on-disk message stores drained by senders
// and filled by receivers.
//
// Queue semantics:
//   - At-least-once handling. An entry disappears only when Remove is
//     called; a crash between Get and Remove means redelivery.
//   - Multi-writer safety comes from atomic link/rename operations only;
//     there is no flock and no daemon. Independent producer and consumer
//     processes may operate on the same store concurrently.
//   - A reader that fails to acquire an entry's lock skips it without
//     blocking. Stale locks are released by Purge after a grace period.
//
// Two backends implement Store: DirQueue (bucketed, lockable, multi-writer)
// and FlatDir (one file per message, single writer). The receive path uses
// EntryQueue, which shares DirQueue's layout but stores named fields per
// entry.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Standard errors.
var (
	ErrStore    = errors.New("queue: store failure")
	ErrNotFound = errors.New("queue: no such entry")
	ErrPathType = errors.New("queue: path does not match path_type")
)

// Path types accepted by Open.
const (
	PathTypeDirq      = "dirq"
	PathTypeDirectory = "directory"
)

// Store is the outbound-queue contract shared by both backends.
type Store interface {
	// Add appends a message and returns its generated identifier.
	Add(body []byte) (string, error)
	// Count returns the number of entries regardless of lock state.
	Count() (int, error)
	// Enumerate returns identifiers in drain order.
	Enumerate() ([]string, error)
	// Lock claims an entry. False means another reader holds it.
	Lock(id string) (bool, error)
	Get(id string) ([]byte, error)
	Remove(id string) error
	// Purge drops empty bucket directories and releases stale locks.
	Purge() error
}

var bucketName = regexp.MustCompile(`^[0-9a-f]{8}$`)

// Open selects a backend by the configured path type, creating the
// directory if needed. It refuses to open a store whose on-disk layout
// belongs to the other backend, to prevent silent data loss.
func Open(path, pathType string) (Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	switch pathType {
	case PathTypeDirq:
		for _, entry := range entries {
			if !entry.IsDir() && !isWorkFile(entry.Name()) {
				return nil, fmt.Errorf("%w: %s holds plain files; should path_type be %q?",
					ErrPathType, path, PathTypeDirectory)
			}
		}
		return NewDirQueue(path)
	case PathTypeDirectory:
		for _, entry := range entries {
			if entry.IsDir() && bucketName.MatchString(entry.Name()) {
				return nil, fmt.Errorf("%w: %s holds bucket directories; should path_type be %q?",
					ErrPathType, path, PathTypeDirq)
			}
		}
		return NewFlatDir(path)
	default:
		return nil, fmt.Errorf("%w: unsupported path_type %q", ErrPathType, pathType)
	}
}

// isWorkFile reports whether a name is transient bookkeeping rather than
// queue content (temp files mid-rename, stray locks at the top level).
func isWorkFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".tmp" || ext == ".lck"
}
