// ABOUTME: File-system backend for template records and snapshots
// ABOUTME: Framed files written via temp file, fsync, rename and directory fsync

package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
)

const (
	recordDir   = "templates"
	snapshotDir = "backups"
	recordExt   = ".tpl"
	snapshotExt = ".snap"
	tempPrefix  = ".tmp-"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// errSuperseded is returned by a record write that lost to a newer one
var errSuperseded = errors.New("fs: superseded by a newer write")

// Store keeps one framed file per record under <Root>/templates and one per
// snapshot under <Root>/backups/<id>
type Store struct {
	Root string

	closed atomic.Bool
	writes sequencer
}

var _ persist.Backend = (*Store)(nil)

// Open creates the directory layout under root and returns a ready store
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, recordDir), filepath.Join(root, snapshotDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("fs: create %s: %w", dir, err)
		}
	}
	return &Store{Root: root}, nil
}

// Close marks the store closed; later calls fail with persist.ErrClosed
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// Put atomically replaces the record for id
func (s *Store) Put(ctx context.Context, id string, record []byte) error {
	if err := s.check(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ticket := s.writes.issue(id)
	return run(ctx, func() error {
		frame := Frame{Payload: record, WrittenAt: time.Now()}
		return s.replace(id, ticket, frame.Encode())
	})
}

// Get reads and verifies the record for id
func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return call(ctx, func() ([]byte, error) {
		return readFrame(s.recordPath(id))
	})
}

// Delete removes the record for id
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.check(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ticket := s.writes.issue(id)
	return run(ctx, func() error {
		path := s.recordPath(id)
		err := s.writes.commit(id, ticket, func() error {
			if err := os.Remove(path); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return persist.ErrNotExist
				}
				return fmt.Errorf("fs: remove %s: %w", path, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return syncDir(filepath.Dir(path))
	})
}

// ListIDs returns the ids of every record file, sorted
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, persist.ErrClosed
	}
	return call(ctx, func() ([]string, error) {
		entries, err := os.ReadDir(filepath.Join(s.Root, recordDir))
		if err != nil {
			return nil, fmt.Errorf("fs: list records: %w", err)
		}
		var ids []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, recordExt) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, recordExt))
		}
		sort.Strings(ids)
		return ids, nil
	})
}

// PutSnapshot writes a new snapshot for (id, ts); an existing one is never replaced
func (s *Store) PutSnapshot(ctx context.Context, id string, ts time.Time, data []byte) error {
	if err := s.check(id); err != nil {
		return err
	}
	return run(ctx, func() error {
		dir := filepath.Join(s.Root, snapshotDir, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("fs: create %s: %w", dir, err)
		}
		frame := Frame{Payload: data, WrittenAt: ts}
		return writeAtomic(s.snapshotPath(id, ts), frame.Encode())
	})
}

// ListSnapshots returns the snapshot timestamps for id, oldest first
func (s *Store) ListSnapshots(ctx context.Context, id string) ([]time.Time, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return call(ctx, func() ([]time.Time, error) {
		entries, err := os.ReadDir(filepath.Join(s.Root, snapshotDir, id))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("fs: list snapshots: %w", err)
		}
		var names []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, snapshotExt) {
				continue
			}
			names = append(names, strings.TrimSuffix(name, snapshotExt))
		}
		sort.Strings(names)

		out := make([]time.Time, 0, len(names))
		for _, name := range names {
			ts, err := persist.ParseTimestamp(name)
			if err != nil {
				continue
			}
			out = append(out, ts)
		}
		return out, nil
	})
}

// GetSnapshot reads and verifies the snapshot for (id, ts)
func (s *Store) GetSnapshot(ctx context.Context, id string, ts time.Time) ([]byte, error) {
	if err := s.check(id); err != nil {
		return nil, err
	}
	return call(ctx, func() ([]byte, error) {
		return readFrame(s.snapshotPath(id, ts))
	})
}

func (s *Store) check(id string) error {
	if s.closed.Load() {
		return persist.ErrClosed
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("fs: invalid id %q", id)
	}
	return nil
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.Root, recordDir, id+recordExt)
}

func (s *Store) snapshotPath(id string, ts time.Time) string {
	return filepath.Join(s.Root, snapshotDir, id, persist.FormatTimestamp(ts)+snapshotExt)
}

func readFrame(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persist.ErrNotExist
		}
		return nil, fmt.Errorf("fs: read %s: %w", path, err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("fs: %s: %w", filepath.Base(path), err)
	}
	return frame.Payload, nil
}

// replace moves a new record for id into place unless a later Put or
// Delete was issued while this one was in flight
func (s *Store) replace(id string, ticket uint64, data []byte) error {
	path := s.recordPath(id)
	dir := filepath.Dir(path)
	tmpName, err := writeTemp(dir, data)
	if err != nil {
		s.writes.abandon(id, ticket)
		return err
	}
	defer os.Remove(tmpName)

	err = s.writes.commit(id, ticket, func() error {
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("fs: rename %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return syncDir(dir)
}

// writeAtomic writes data to a temp file and hard-links it into place,
// failing if the target exists
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpName, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return persist.ErrSnapshotExists
		}
		return fmt.Errorf("fs: link %s: %w", path, err)
	}
	return syncDir(dir)
}

// writeTemp writes data to a fsynced temp file in dir and returns its name
func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("fs: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("fs: close temp: %w", err)
	}
	return tmpName, nil
}

// sequencer orders record mutations per id. Each Put or Delete takes a
// ticket when issued; only the newest ticket for an id may commit.
type sequencer struct {
	mu     sync.Mutex
	next   uint64
	latest map[string]uint64
}

func (q *sequencer) issue(id string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest == nil {
		q.latest = make(map[string]uint64)
	}
	q.next++
	q.latest[id] = q.next
	return q.next
}

// commit runs fn if ticket is still the newest for id
func (q *sequencer) commit(id string, ticket uint64, fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest[id] != ticket {
		return errSuperseded
	}
	delete(q.latest, id)
	return fn()
}

func (q *sequencer) abandon(id string, ticket uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest[id] == ticket {
		delete(q.latest, id)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fs: open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fs: fsync directory: %w", err)
	}
	return nil
}

// run executes fn off the caller's goroutine so a blocked syscall cannot
// outlive ctx. The work itself is not interrupted.
func run(ctx context.Context, fn func() error) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
