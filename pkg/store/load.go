// ABOUTME: Startup load of the catalog from durable records
// ABOUTME: Falls back to the latest snapshot for records that fail to decode or validate

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// LoadReport summarizes a Load pass
type LoadReport struct {
	Loaded   int      // records admitted as stored
	Restored []string // ids admitted from a snapshot
	Skipped  []string // ids left out of the catalog
}

// Load replaces the catalog with every usable durable record. A record that
// cannot be read, decoded or validated is replaced by its latest snapshot;
// when that fails too it is skipped. Only enumeration failure is an error.
// Creates, updates and deletes wait for Load to finish.
func (s *Store) Load(ctx context.Context) (_ LoadReport, err error) {
	defer s.observe("load", time.Now(), &err)
	var report LoadReport

	s.gate.Lock()
	defer s.gate.Unlock()

	lctx, cancel := s.ioContext(ctx)
	ids, err := s.adapter.ListIDs(lctx)
	cancel()
	if err != nil {
		return report, template.Persistence("load", "", err)
	}

	admitted := make([]*template.Template, 0, len(ids))
	restored := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		t, readErr := s.readRecord(ctx, id)
		if readErr == nil {
			admitted = append(admitted, t)
			continue
		}

		s.log.Warn().Err(readErr).Str("id", id).Msg("stored record unusable, trying snapshot")
		t, restoreErr := s.restore(ctx, id)
		if restoreErr != nil {
			s.log.Error().Err(restoreErr).Str("id", id).Msg("record skipped")
			report.Skipped = append(report.Skipped, id)
			continue
		}
		admitted = append(admitted, t)
		restored[id] = true
	}

	// Oldest first, so the earliest holder of duplicate content wins
	sort.SliceStable(admitted, func(i, j int) bool {
		a, b := admitted[i], admitted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	s.mu.Lock()
	previous := make([]string, 0, len(s.byID))
	for id := range s.byID {
		previous = append(previous, id)
	}
	s.byID = make(map[string]*entry, len(admitted))
	s.byCategory = make(map[string][]string)
	s.byHash = make(map[contentHash][]string, len(admitted))
	s.nextSeq = 0

	for _, t := range admitted {
		hash := hashContent(t.Content)
		if existing := s.findContentLocked(hash, t.Content); existing != "" {
			s.log.Warn().Str("id", t.ID).Str("duplicate_of", existing).Msg("record skipped")
			report.Skipped = append(report.Skipped, t.ID)
			delete(restored, t.ID)
			continue
		}
		s.insertLocked(t, hash)
		if restored[t.ID] {
			report.Restored = append(report.Restored, t.ID)
		} else {
			report.Loaded++
		}
	}
	count := len(s.byID)
	invalidates := s.invalidates
	s.mu.Unlock()

	s.recorder.SetTemplateCount(count)
	for _, inv := range invalidates {
		for _, id := range previous {
			inv.Invalidate(id)
		}
		for _, t := range admitted {
			inv.Invalidate(t.ID)
		}
	}

	// Heal the live records we recovered
	for _, id := range report.Restored {
		s.mu.RLock()
		e, ok := s.byID[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.write(ctx, "load", e.tpl); err != nil {
			s.log.Warn().Err(err).Str("id", id).Msg("restored record not written back")
		}
	}

	sort.Strings(report.Restored)
	sort.Strings(report.Skipped)
	s.log.Info().
		Int("loaded", report.Loaded).
		Int("restored", len(report.Restored)).
		Int("skipped", len(report.Skipped)).
		Msg("catalog loaded")
	return report, nil
}

func (s *Store) readRecord(ctx context.Context, id string) (*template.Template, error) {
	rctx, cancel := s.ioContext(ctx)
	defer cancel()
	data, err := s.adapter.Get(rctx, id)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	t, err := template.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if err := s.check(id, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) restore(ctx context.Context, id string) (*template.Template, error) {
	if s.backups == nil {
		return nil, template.NoBackupAvailable("load", id, nil)
	}
	rctx, cancel := s.ioContext(ctx)
	defer cancel()
	t, err := s.backups.Restore(rctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.check(id, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) check(id string, t *template.Template) error {
	if err := template.ValidateRecord(t, s.maxContent); err != nil {
		return relabel(err, "load", id)
	}
	if t.ID != id {
		return template.InvalidStructure("load", "id")
	}
	return nil
}
