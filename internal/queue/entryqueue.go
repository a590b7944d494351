package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Schema declares the named fields an EntryQueue records per entry. A
// trailing '?' marks a field optional. Schema is advisory to readers; the
// store simply refuses entries that do not fit it.
type Schema map[string]bool

// ParseSchema builds a Schema from field declarations such as
// "body", "signer", "empaid?".
func ParseSchema(fields ...string) Schema {
	s := make(Schema, len(fields))
	for _, f := range fields {
		if opt := strings.HasSuffix(f, "?"); opt {
			s[strings.TrimSuffix(f, "?")] = true
		} else {
			s[f] = false
		}
	}
	return s
}

// Schemas used by the receive path.
var (
	// InboxSchema is the accepted-queue entry shape.
	InboxSchema = ParseSchema("body", "signer", "empaid?")
	// RejectSchema is the reject-queue entry shape.
	RejectSchema = ParseSchema("body", "signer?", "empaid?", "error")
)

// EntryQueue shares DirQueue's bucket layout but stores each entry as a
// directory holding one file per named field. Used for the incoming and
// reject queues, whose records carry more than a body.
type EntryQueue struct {
	path   string
	schema Schema

	LockLifetime time.Duration
}

// NewEntryQueue opens (and if necessary creates) an EntryQueue at path
// with the given schema.
func NewEntryQueue(path string, schema Schema) (*EntryQueue, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: entry queue needs a schema", ErrStore)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &EntryQueue{path: path, schema: schema}, nil
}

// Path returns the queue's root directory.
func (q *EntryQueue) Path() string { return q.path }

// Add appends an entry after checking it against the schema and returns
// its identifier. The entry directory is assembled under a temp name and
// renamed into place, so concurrent readers never observe partial entries.
func (q *EntryQueue) Add(fields map[string]string) (string, error) {
	for name, optional := range q.schema {
		if _, ok := fields[name]; !ok && !optional {
			return "", fmt.Errorf("%w: entry missing required field %q", ErrStore, name)
		}
	}
	for name := range fields {
		if _, ok := q.schema[name]; !ok {
			return "", fmt.Errorf("%w: entry has undeclared field %q", ErrStore, name)
		}
	}

	bucket := fmt.Sprintf("%08x", time.Now().Unix()/bucketGranularity)
	bucketDir := filepath.Join(q.path, bucket)
	if err := os.MkdirAll(bucketDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}

	tmp := filepath.Join(bucketDir, uniqueTempName())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	for name, value := range fields {
		if err := os.WriteFile(filepath.Join(tmp, name), []byte(value), 0o644); err != nil {
			return "", fmt.Errorf("%w: %v", ErrStore, err)
		}
	}

	now := time.Now().Unix()
	for attempt := 0; attempt < 10000; attempt++ {
		seq := nextSeq()
		name := fmt.Sprintf("%08x%05x", now, seq&0xfffff)
		dst := filepath.Join(bucketDir, name)
		if err := os.Rename(tmp, dst); err == nil {
			cleanup = false
			return bucket + "/" + name, nil
		} else if !os.IsExist(err) && !isNotEmpty(err) {
			return "", fmt.Errorf("%w: %v", ErrStore, err)
		}
	}
	return "", fmt.Errorf("%w: cannot find a free entry name in %s", ErrStore, bucketDir)
}

func (q *EntryQueue) Count() (int, error) {
	ids, err := q.Enumerate()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *EntryQueue) Enumerate() ([]string, error) {
	return enumerateBuckets(q.path, func(bucket string, entry os.DirEntry) (string, bool) {
		name := entry.Name()
		if !entry.IsDir() || strings.Contains(name, tmpSuffix) {
			return "", false
		}
		return bucket + "/" + name, true
	})
}

func (q *EntryQueue) Lock(id string) (bool, error) {
	return lockEntry(q.path, id)
}

// GetEntry reads the named fields of an entry.
func (q *EntryQueue) GetEntry(id string) (map[string]string, error) {
	dir := filepath.Join(q.path, filepath.FromSlash(id))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	fields := make(map[string]string, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		value, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		fields[f.Name()] = string(value)
	}
	return fields, nil
}

func (q *EntryQueue) Remove(id string) error {
	full := filepath.Join(q.path, filepath.FromSlash(id))
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := os.Remove(full + lockSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func (q *EntryQueue) Purge() error {
	grace := q.LockLifetime
	if grace <= 0 {
		grace = DefaultLockLifetime
	}
	return purgeBuckets(q.path, grace, true)
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}
