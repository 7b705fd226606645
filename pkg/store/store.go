// ABOUTME: Template store owning the in-memory catalog and its indexes
// ABOUTME: Coordinates validation, durable writes, snapshots and cache invalidation

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// DefaultIOTimeout bounds every durable read or write issued by the store
const DefaultIOTimeout = 5 * time.Second

// Snapshotter is the backup side of the store; *backup.Manager implements it
type Snapshotter interface {
	Snapshot(ctx context.Context, t *template.Template) error
	Restore(ctx context.Context, id string) (*template.Template, error)
}

// Invalidator is told when a template's cached renders are no longer valid
type Invalidator interface {
	Invalidate(id string)
}

// Recorder receives operation outcomes and catalog size
type Recorder interface {
	RecordOperation(op, status string, d time.Duration)
	SetTemplateCount(n int)
}

// forgetter is implemented by snapshotters that keep per-id bookkeeping
type forgetter interface {
	Forget(id string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string, time.Duration) {}
func (nopRecorder) SetTemplateCount(int)                          {}

type contentHash [32]byte

// entry is a catalog slot; seq is the insertion sequence used for ordering
type entry struct {
	tpl  *template.Template
	seq  uint64
	hash contentHash
}

// Store is the template catalog. All methods are safe for concurrent use.
type Store struct {
	adapter    persist.Adapter
	backups    Snapshotter
	log        zerolog.Logger
	recorder   Recorder
	now        func() time.Time
	newID      func() string
	maxContent int
	ioTimeout  time.Duration

	// gate is held shared by create, update and delete and exclusively by
	// Load, so a rebuild never interleaves with a mutation
	gate sync.RWMutex

	mu         sync.RWMutex
	byID       map[string]*entry
	byCategory map[string][]string // ids ordered by seq
	byHash     map[contentHash][]string
	pending    map[contentHash]struct{} // contents reserved by in-flight creates
	nextSeq    uint64

	locks       keyedMutex
	invalidates []Invalidator
}

// Option configures a Store
type Option func(*Store)

// WithBackups sets the snapshotter used on writes and during Load
func WithBackups(b Snapshotter) Option {
	return func(s *Store) { s.backups = b }
}

// WithLogger sets the store's logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides id assignment
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithMaxContentBytes sets the content size limit
func WithMaxContentBytes(n int) Option {
	return func(s *Store) { s.maxContent = n }
}

// WithIOTimeout bounds each durable operation
func WithIOTimeout(d time.Duration) Option {
	return func(s *Store) { s.ioTimeout = d }
}

// New creates an empty store persisting through adapter
func New(adapter persist.Adapter, opts ...Option) *Store {
	s := &Store{
		adapter:    adapter,
		log:        zerolog.Nop(),
		recorder:   nopRecorder{},
		now:        time.Now,
		newID:      func() string { return xid.New().String() },
		maxContent: template.DefaultMaxContentBytes,
		ioTimeout:  DefaultIOTimeout,
		byID:       make(map[string]*entry),
		byCategory: make(map[string][]string),
		byHash:     make(map[contentHash][]string),
		pending:    make(map[contentHash]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers inv to be told about updated and deleted ids
func (s *Store) Subscribe(inv Invalidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidates = append(s.invalidates, inv)
}

// Create admits a new template. Identical content already in the catalog,
// or reserved by a concurrent create, fails with ErrDuplicateContent.
func (s *Store) Create(ctx context.Context, req template.CreateRequest) (_ *template.Template, err error) {
	defer s.observe("create", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	variables := req.Variables
	if variables == nil {
		variables = template.Placeholders(req.Content)
	}
	candidate := &template.Template{
		Name:      req.Name,
		Content:   req.Content,
		Variables: slices.Clone(variables),
		Category:  req.Category,
	}
	if err := template.Validate(candidate, s.maxContent); err != nil {
		return nil, relabel(err, "create", "")
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	hash := hashContent(candidate.Content)

	// Duplicate check and reservation form one atomic step
	s.mu.Lock()
	if existing := s.findContentLocked(hash, candidate.Content); existing != "" {
		s.mu.Unlock()
		return nil, template.DuplicateContent("create", existing)
	}
	if _, inFlight := s.pending[hash]; inFlight {
		s.mu.Unlock()
		return nil, template.DuplicateContent("create", "pending create")
	}
	s.pending[hash] = struct{}{}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.pending, hash)
		s.mu.Unlock()
	}

	now := s.now().Round(0)
	candidate.ID = s.newID()
	candidate.Version = 1
	candidate.CreatedAt = now
	candidate.UpdatedAt = now

	if err := s.write(ctx, "create", candidate); err != nil {
		release()
		return nil, err
	}

	s.mu.Lock()
	delete(s.pending, hash)
	s.insertLocked(candidate, hash)
	count := len(s.byID)
	s.mu.Unlock()
	s.recorder.SetTemplateCount(count)

	s.snapshot(ctx, candidate)
	return candidate.Clone(), nil
}

// Update merges patch onto the template, validates the merged result and
// bumps its version by one. Content is not checked for duplicates here.
func (s *Store) Update(ctx context.Context, id string, patch template.Patch) (_ *template.Template, err error) {
	defer s.observe("update", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, template.NotFound("update", id)
	}

	merged := patch.Apply(cur.tpl)
	if err := template.Validate(merged, s.maxContent); err != nil {
		return nil, relabel(err, "update", id)
	}
	merged.Version = cur.tpl.Version + 1
	merged.UpdatedAt = s.now().Round(0)

	if err := s.write(ctx, "update", merged); err != nil {
		return nil, err
	}

	hash := hashContent(merged.Content)
	s.mu.Lock()
	s.replaceLocked(cur, merged, hash)
	invalidates := s.invalidates
	s.mu.Unlock()

	for _, inv := range invalidates {
		inv.Invalidate(id)
	}

	s.snapshot(ctx, merged)
	return merged.Clone(), nil
}

// Delete removes the template and its cached renders. Snapshots are kept.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	defer s.observe("delete", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	_, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return template.NotFound("delete", id)
	}

	wctx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.adapter.Delete(wctx, id); err != nil && !errors.Is(err, persist.ErrNotExist) {
		return template.Persistence("delete", id, err)
	}

	s.mu.Lock()
	s.removeLocked(id)
	count := len(s.byID)
	invalidates := s.invalidates
	s.mu.Unlock()
	s.recorder.SetTemplateCount(count)

	for _, inv := range invalidates {
		inv.Invalidate(id)
	}
	if f, ok := s.backups.(forgetter); ok {
		f.Forget(id)
	}
	return nil
}

// Get returns a copy of the template with id
func (s *Store) Get(ctx context.Context, id string) (*template.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, template.NotFound("get", id)
	}
	return e.tpl.Clone(), nil
}

// All returns copies of every template in insertion order
func (s *Store) All(ctx context.Context) ([]*template.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*template.Template, len(entries))
	for i, e := range entries {
		out[i] = e.tpl.Clone()
	}
	return out, nil
}

// ByCategory returns copies of the templates in category, in insertion order
func (s *Store) ByCategory(ctx context.Context, category string) ([]*template.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byCategory[category]
	out := make([]*template.Template, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].tpl.Clone())
	}
	return out, nil
}

// Categories returns the distinct non-empty categories, sorted
func (s *Store) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byCategory))
	for c := range s.byCategory {
		if c != "" {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live templates
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// write serializes t and stores it under a bounded timeout that callers
// cannot cancel once issued
func (s *Store) write(ctx context.Context, op string, t *template.Template) error {
	record, err := template.EncodeRecord(t)
	if err != nil {
		return template.Persistence(op, t.ID, err)
	}
	wctx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.adapter.Put(wctx, t.ID, record); err != nil {
		return template.Persistence(op, t.ID, err)
	}
	return nil
}

// snapshot is best effort: failures are logged, never returned
func (s *Store) snapshot(ctx context.Context, t *template.Template) {
	if s.backups == nil {
		return
	}
	sctx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.backups.Snapshot(sctx, t); err != nil {
		s.log.Warn().Err(err).Str("id", t.ID).Int("version", t.Version).Msg("snapshot failed")
	}
}

func (s *Store) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.ioTimeout)
}

func (s *Store) observe(op string, start time.Time, err *error) {
	status := "ok"
	if *err != nil {
		status = errorStatus(*err)
	}
	s.recorder.RecordOperation(op, status, time.Since(start))
}

func (s *Store) findContentLocked(hash contentHash, content string) string {
	for _, id := range s.byHash[hash] {
		if e, ok := s.byID[id]; ok && e.tpl.Content == content {
			return id
		}
	}
	return ""
}

func (s *Store) insertLocked(t *template.Template, hash contentHash) {
	s.nextSeq++
	e := &entry{tpl: t, seq: s.nextSeq, hash: hash}
	s.byID[t.ID] = e
	s.byCategory[t.Category] = append(s.byCategory[t.Category], t.ID)
	s.byHash[hash] = append(s.byHash[hash], t.ID)
}

func (s *Store) replaceLocked(cur *entry, t *template.Template, hash contentHash) {
	next := &entry{tpl: t, seq: cur.seq, hash: hash}
	s.byID[t.ID] = next

	if cur.tpl.Category != t.Category {
		s.byCategory[cur.tpl.Category] = removeID(s.byCategory[cur.tpl.Category], t.ID)
		if len(s.byCategory[cur.tpl.Category]) == 0 {
			delete(s.byCategory, cur.tpl.Category)
		}
		s.byCategory[t.Category] = s.insertBySeqLocked(s.byCategory[t.Category], t.ID, cur.seq)
	}
	if cur.hash != hash {
		s.byHash[cur.hash] = removeID(s.byHash[cur.hash], t.ID)
		if len(s.byHash[cur.hash]) == 0 {
			delete(s.byHash, cur.hash)
		}
		s.byHash[hash] = append(s.byHash[hash], t.ID)
	}
}

func (s *Store) removeLocked(id string) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)

	cat := e.tpl.Category
	s.byCategory[cat] = removeID(s.byCategory[cat], id)
	if len(s.byCategory[cat]) == 0 {
		delete(s.byCategory, cat)
	}
	s.byHash[e.hash] = removeID(s.byHash[e.hash], id)
	if len(s.byHash[e.hash]) == 0 {
		delete(s.byHash, e.hash)
	}
}

// insertBySeqLocked keeps a category list ordered by insertion sequence
func (s *Store) insertBySeqLocked(ids []string, id string, seq uint64) []string {
	pos := sort.Search(len(ids), func(i int) bool {
		return s.byID[ids[i]].seq > seq
	})
	return slices.Insert(ids, pos, id)
}

func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}

func hashContent(content string) contentHash {
	return blake3.Sum256([]byte(content))
}

// relabel stamps a template error with the operation and id it surfaced from
func relabel(err error, op, id string) error {
	var te *template.Error
	if !errors.As(err, &te) {
		return err
	}
	c := *te
	c.Op = op
	if id != "" {
		c.ID = id
	}
	return &c
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, template.ErrNotFound):
		return "not_found"
	case errors.Is(err, template.ErrInvalidStructure), errors.Is(err, template.ErrContentTooLarge):
		return "invalid"
	case errors.Is(err, template.ErrDuplicateContent):
		return "duplicate"
	case errors.Is(err, template.ErrPersistence):
		return "persistence_error"
	default:
		return "error"
	}
}
