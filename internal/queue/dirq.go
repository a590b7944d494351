package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// bucketGranularity groups entries into time buckets: one directory
	// per minute of insertion time.
	bucketGranularity = 60

	// DefaultLockLifetime is how old a lock marker must be before Purge
	// treats it as abandoned and releases it.
	DefaultLockLifetime = 5 * time.Minute

	lockSuffix = ".lck"
	tmpSuffix  = ".tmp"
)

// addCounter disambiguates entries created in the same second by one
// process; cross-process collisions are resolved by link retry.
var addCounter uint32

func nextSeq() uint32 { return atomic.AddUint32(&addCounter, 1) }

// DirQueue is the atomic multi-writer directory queue. Entries are files
// in time-bucket subdirectories; identifiers are "bucket/name". A sibling
// "<name>.lck" marker, created by link, locks an entry.
type DirQueue struct {
	path string

	// LockLifetime overrides DefaultLockLifetime when set.
	LockLifetime time.Duration
}

// NewDirQueue opens (and if necessary creates) a DirQueue rooted at path.
func NewDirQueue(path string) (*DirQueue, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &DirQueue{path: path}, nil
}

// Path returns the queue's root directory.
func (q *DirQueue) Path() string { return q.path }

func (q *DirQueue) Add(body []byte) (string, error) {
	bucket, err := q.ensureBucket()
	if err != nil {
		return "", err
	}

	tmp := filepath.Join(q.path, bucket, uniqueTempName())
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer os.Remove(tmp)

	name, err := linkIntoBucket(filepath.Join(q.path, bucket), tmp)
	if err != nil {
		return "", err
	}
	return bucket + "/" + name, nil
}

func (q *DirQueue) Count() (int, error) {
	ids, err := q.Enumerate()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Enumerate returns ids in insertion order: buckets sort chronologically
// because their names encode insertion time, and names sort lexically
// within a bucket.
func (q *DirQueue) Enumerate() ([]string, error) {
	return enumerateBuckets(q.path, func(bucket string, entry os.DirEntry) (string, bool) {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, lockSuffix) || strings.Contains(name, tmpSuffix) {
			return "", false
		}
		return bucket + "/" + name, true
	})
}

func (q *DirQueue) Lock(id string) (bool, error) {
	return lockEntry(q.path, id)
}

func (q *DirQueue) Get(id string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(q.path, filepath.FromSlash(id)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return body, nil
}

func (q *DirQueue) Remove(id string) error {
	full := filepath.Join(q.path, filepath.FromSlash(id))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	// Dropping the lock marker after the entry keeps a crashed Remove
	// recoverable: a marker without an entry is just a stale lock.
	if err := os.Remove(full + lockSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (q *DirQueue) Purge() error {
	grace := q.LockLifetime
	if grace <= 0 {
		grace = DefaultLockLifetime
	}
	return purgeBuckets(q.path, grace, false)
}

// ensureBucket returns the current time bucket's name, creating its
// directory if needed.
func (q *DirQueue) ensureBucket() (string, error) {
	bucket := fmt.Sprintf("%08x", time.Now().Unix()/bucketGranularity)
	if err := os.MkdirAll(filepath.Join(q.path, bucket), 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return bucket, nil
}

// uniqueTempName is collision-free across processes.
func uniqueTempName() string {
	return uuid.NewString() + tmpSuffix
}

// linkIntoBucket publishes tmp under a generated element name, retrying on
// collision with concurrent writers. Link-then-unlink rather than rename
// so an existing element is never overwritten.
func linkIntoBucket(bucketDir, tmp string) (string, error) {
	now := time.Now().Unix()
	for attempt := 0; attempt < 10000; attempt++ {
		seq := nextSeq()
		name := fmt.Sprintf("%08x%05x", now, seq&0xfffff)
		err := os.Link(tmp, filepath.Join(bucketDir, name))
		if err == nil {
			return name, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("%w: %v", ErrStore, err)
		}
	}
	return "", fmt.Errorf("%w: cannot find a free element name in %s", ErrStore, bucketDir)
}

// lockEntry creates the entry's lock marker by linking a fresh temp file
// onto the marker path. A pre-existing marker means another reader holds
// the entry.
func lockEntry(root, id string) (bool, error) {
	full := filepath.Join(root, filepath.FromSlash(id))
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}

	tmp := filepath.Join(filepath.Dir(full), uniqueTempName())
	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, full+lockSuffix); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return true, nil
}

// enumerateBuckets walks the bucket directories in name order and collects
// ids chosen by pick, preserving lexical order within each bucket.
func enumerateBuckets(root string, pick func(bucket string, entry os.DirEntry) (string, bool)) ([]string, error) {
	top, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var buckets []string
	for _, entry := range top {
		if entry.IsDir() && bucketName.MatchString(entry.Name()) {
			buckets = append(buckets, entry.Name())
		}
	}
	sort.Strings(buckets)

	var ids []string
	for _, bucket := range buckets {
		elems, err := os.ReadDir(filepath.Join(root, bucket))
		if err != nil {
			if os.IsNotExist(err) {
				continue // purged underneath us
			}
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		names := make([]string, 0, len(elems))
		for _, elem := range elems {
			if id, ok := pick(bucket, elem); ok {
				names = append(names, id)
			}
		}
		sort.Strings(names)
		ids = append(ids, names...)
	}
	return ids, nil
}

// purgeBuckets releases locks older than grace and removes empty buckets.
// entryDirs selects the EntryQueue layout, where elements are directories.
func purgeBuckets(root string, grace time.Duration, entryDirs bool) error {
	top, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	cutoff := time.Now().Add(-grace)
	for _, bucket := range top {
		if !bucket.IsDir() || !bucketName.MatchString(bucket.Name()) {
			continue
		}
		bucketDir := filepath.Join(root, bucket.Name())
		elems, err := os.ReadDir(bucketDir)
		if err != nil {
			continue
		}

		remaining := 0
		for _, elem := range elems {
			name := elem.Name()
			switch {
			case strings.HasSuffix(name, lockSuffix):
				info, err := elem.Info()
				if err != nil {
					continue
				}
				if info.ModTime().Before(cutoff) {
					os.Remove(filepath.Join(bucketDir, name))
				} else {
					remaining++
				}
			case strings.Contains(name, tmpSuffix):
				// Abandoned temp files age out with the same grace.
				info, err := elem.Info()
				if err != nil {
					continue
				}
				if info.ModTime().Before(cutoff) {
					remove := os.Remove
					if entryDirs && elem.IsDir() {
						remove = os.RemoveAll
					}
					remove(filepath.Join(bucketDir, name))
				} else {
					remaining++
				}
			default:
				remaining++
			}
		}

		if remaining == 0 {
			// Rmdir, not RemoveAll: a concurrent writer may have just
			// added an entry, in which case this must fail.
			os.Remove(bucketDir)
		}
	}
	return nil
}
