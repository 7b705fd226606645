// ABOUTME: Backup manager writing immutable timestamped template snapshots
// ABOUTME: Restores the latest snapshot for an id when a live record is unusable

package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// Recorder receives snapshot outcomes ("ok" or "error")
type Recorder interface {
	RecordSnapshot(status string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSnapshot(string) {}

// Encoder and decoder are safe for concurrent use and reused across calls
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("backup: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("backup: zstd decoder initialization failed: " + err.Error())
	}
}

// Manager snapshots templates into a persist.SnapshotStore
type Manager struct {
	store    persist.SnapshotStore
	log      zerolog.Logger
	recorder Recorder
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time // newest timestamp issued per id
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager's logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a backup manager over store
func NewManager(store persist.SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		log:      zerolog.Nop(),
		recorder: nopRecorder{},
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot writes a new immutable copy of t. Timestamps are kept strictly
// increasing per id, so two snapshots never share a key.
func (m *Manager) Snapshot(ctx context.Context, t *template.Template) error {
	record, err := template.EncodeRecord(t)
	if err != nil {
		m.recorder.RecordSnapshot("error")
		return fmt.Errorf("backup: encode %s: %w", t.ID, err)
	}
	data := zstdEncoder.EncodeAll(record, nil)

	for attempt := 0; attempt < 3; attempt++ {
		ts := m.nextTimestamp(t.ID)
		err = m.store.PutSnapshot(ctx, t.ID, ts, data)
		if !errors.Is(err, persist.ErrSnapshotExists) {
			break
		}
		// Another process wrote the same instant; move past it
	}
	if err != nil {
		m.recorder.RecordSnapshot("error")
		return fmt.Errorf("backup: snapshot %s: %w", t.ID, err)
	}

	m.recorder.RecordSnapshot("ok")
	m.log.Debug().Str("id", t.ID).Int("version", t.Version).Msg("snapshot written")
	return nil
}

func (m *Manager) nextTimestamp(id string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now().UTC()
	if last, ok := m.last[id]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	m.last[id] = ts
	return ts
}

// Restore returns the template held by the newest readable snapshot for
// id. Snapshots that cannot be read or decoded are passed over in favour of
// older ones; template.ErrNoBackupAvailable is returned when none is usable.
func (m *Manager) Restore(ctx context.Context, id string) (*template.Template, error) {
	history, err := m.store.ListSnapshots(ctx, id)
	if err != nil {
		return nil, template.NoBackupAvailable("restore", id, err)
	}
	if len(history) == 0 {
		return nil, template.NoBackupAvailable("restore", id, nil)
	}

	var errs []error
	for i := len(history) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, template.NoBackupAvailable("restore", id, err)
		}
		ts := history[i]
		t, err := m.readSnapshot(ctx, id, ts)
		if err != nil {
			m.log.Warn().Err(err).Str("id", id).Time("snapshot", ts).Msg("snapshot unusable")
			errs = append(errs, err)
			continue
		}
		m.log.Info().Str("id", id).Time("snapshot", ts).Int("version", t.Version).Msg("restored from snapshot")
		return t, nil
	}
	return nil, template.NoBackupAvailable("restore", id, errors.Join(errs...))
}

func (m *Manager) readSnapshot(ctx context.Context, id string, ts time.Time) (*template.Template, error) {
	data, err := m.store.GetSnapshot(ctx, id, ts)
	if err != nil {
		return nil, err
	}
	record, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress %s: %w", persist.FormatTimestamp(ts), err)
	}
	t, err := template.DecodeRecord(record)
	if err != nil {
		return nil, err
	}
	if t.ID != id {
		return nil, fmt.Errorf("snapshot %s holds id %s", persist.FormatTimestamp(ts), t.ID)
	}
	return t, nil
}

// Forget drops the timestamp bookkeeping for id. Stored snapshots are kept.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, id)
}

// History returns the snapshot timestamps for id, oldest first
func (m *Manager) History(ctx context.Context, id string) ([]time.Time, error) {
	history, err := m.store.ListSnapshots(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("backup: history %s: %w", id, err)
	}
	return history, nil
}
