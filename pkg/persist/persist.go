// ABOUTME: Durable storage boundaries for template records and snapshots
// ABOUTME: Backends are dumb byte stores keyed by id and (id, timestamp)

package persist

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist indicates no record or snapshot is stored under the key
	ErrNotExist = errors.New("persist: not exist")

	// ErrSnapshotExists indicates a snapshot already occupies (id, timestamp)
	ErrSnapshotExists = errors.New("persist: snapshot exists")

	// ErrCorrupted indicates a stored payload failed its checksum
	ErrCorrupted = errors.New("persist: corrupted record")

	// ErrTruncated indicates a stored payload is shorter than its header claims
	ErrTruncated = errors.New("persist: truncated record")

	// ErrClosed indicates an operation on a closed backend
	ErrClosed = errors.New("persist: closed")
)

// Adapter stores serialized template records keyed by template id
type Adapter interface {
	Put(ctx context.Context, id string, record []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	ListIDs(ctx context.Context) ([]string, error)
}

// SnapshotStore stores immutable snapshots keyed by (id, timestamp).
// PutSnapshot never overwrites; ListSnapshots returns ascending timestamps.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, id string, ts time.Time, data []byte) error
	ListSnapshots(ctx context.Context, id string) ([]time.Time, error)
	GetSnapshot(ctx context.Context, id string, ts time.Time) ([]byte, error)
}

// Backend is a store that serves both boundaries
type Backend interface {
	Adapter
	SnapshotStore
	Close() error
}

// TimestampLayout is fixed-width so that lexical and temporal order agree
const TimestampLayout = "20060102T150405.000000000Z"

// FormatTimestamp renders ts in UTC using TimestampLayout
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a value produced by FormatTimestamp
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}
