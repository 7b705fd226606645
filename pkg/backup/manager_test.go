// ABOUTME: Tests for snapshot creation and restore
// ABOUTME: Verifies immutability, latest-wins restore and failure kinds

package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

func testTemplate(version int, content string) *template.Template {
	created := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	return &template.Template{
		ID:        "tpl1",
		Name:      "lembrete",
		Content:   content,
		Variables: []string{"nome"},
		Category:  "avisos",
		Version:   version,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Duration(version) * time.Minute),
	}
}

func TestSnapshotAndRestoreLatest(t *testing.T) {
	store := persist.NewMemory()
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	v1 := testTemplate(1, "Oi {{nome}}")
	v2 := testTemplate(2, "Olá {{nome}}")

	if err := m.Snapshot(ctx, v1); err != nil {
		t.Fatalf("Snapshot v1 failed: %v", err)
	}
	// Same clock reading: the manager must still produce a distinct key
	if err := m.Snapshot(ctx, v2); err != nil {
		t.Fatalf("Snapshot v2 failed: %v", err)
	}

	history, err := m.History(ctx, "tpl1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(history))
	}
	if !history[1].After(history[0]) {
		t.Errorf("Expected strictly increasing timestamps, got %v", history)
	}

	restored, err := m.Restore(ctx, "tpl1")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if diff := cmp.Diff(v2, restored); diff != "" {
		t.Errorf("Restored mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreWithoutSnapshots(t *testing.T) {
	m := NewManager(persist.NewMemory())
	_, err := m.Restore(context.Background(), "missing")
	if !errors.Is(err, template.ErrNoBackupAvailable) {
		t.Fatalf("Expected ErrNoBackupAvailable, got %v", err)
	}
}

func TestRestoreUndecodableSnapshot(t *testing.T) {
	store := persist.NewMemory()
	ctx := context.Background()
	if err := store.PutSnapshot(ctx, "tpl1", time.Now(), []byte("not zstd")); err != nil {
		t.Fatal(err)
	}

	_, err := NewManager(store).Restore(ctx, "tpl1")
	if !errors.Is(err, template.ErrNoBackupAvailable) {
		t.Fatalf("Expected ErrNoBackupAvailable, got %v", err)
	}
}

func TestRestoreFallsBackPastCorruptSnapshot(t *testing.T) {
	store := persist.NewMemory()
	fixed := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	m := NewManager(store, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	v1 := testTemplate(1, "Oi {{nome}}")
	if err := m.Snapshot(ctx, v1); err != nil {
		t.Fatalf("Snapshot v1 failed: %v", err)
	}
	if err := store.PutSnapshot(ctx, "tpl1", fixed.Add(time.Hour), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	other := testTemplate(2, "Olá {{nome}}")
	other.ID = "tpl2"
	record, err := template.EncodeRecord(other)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutSnapshot(ctx, "tpl1", fixed.Add(2*time.Hour), zstdEncoder.EncodeAll(record, nil)); err != nil {
		t.Fatal(err)
	}

	restored, err := m.Restore(ctx, "tpl1")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if diff := cmp.Diff(v1, restored); diff != "" {
		t.Errorf("Restored mismatch (-want +got):\n%s", diff)
	}
}

func TestForgetKeepsSnapshots(t *testing.T) {
	store := persist.NewMemory()
	m := NewManager(store)
	ctx := context.Background()

	if err := m.Snapshot(ctx, testTemplate(1, "x")); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	m.Forget("tpl1")
	if len(m.last) != 0 {
		t.Errorf("Expected no timestamp bookkeeping, got %v", m.last)
	}
	if _, err := m.Restore(ctx, "tpl1"); err != nil {
		t.Errorf("Expected snapshot to survive Forget, got %v", err)
	}
}

type countingRecorder struct{ ok, failed int }

func (c *countingRecorder) RecordSnapshot(status string) {
	if status == "ok" {
		c.ok++
	} else {
		c.failed++
	}
}

func TestSnapshotFailureIsReported(t *testing.T) {
	store := persist.NewMemory()
	boom := errors.New("disk full")
	store.FailSnapshot = func(string) error { return boom }
	rec := &countingRecorder{}

	err := NewManager(store, WithRecorder(rec)).Snapshot(context.Background(), testTemplate(1, "x"))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped cause, got %v", err)
	}
	if rec.failed != 1 || rec.ok != 0 {
		t.Errorf("Unexpected recorder counts %+v", rec)
	}
}
