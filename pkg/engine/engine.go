// ABOUTME: Engine facade wiring store, backups, render cache and queries
// ABOUTME: Opens the configured persistence backend and owns background sweeping

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/backup"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist/fs"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/persist/sqlite"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/query"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/render"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/store"
	"github.com/RsousaIA/agentewhatsappia-sub001/pkg/template"
)

// Backend names accepted in Config.Backend
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds engine tuning and backend selection
type Config struct {
	Backend         string
	Path            string // directory for fs, database file for sqlite
	MaxContentBytes int
	CacheTTL        time.Duration
	SweepInterval   time.Duration
	IOTimeout       time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Backend:         BackendFS,
		Path:            "./data",
		MaxContentBytes: template.DefaultMaxContentBytes,
		CacheTTL:        render.DefaultTTL,
		SweepInterval:   render.DefaultSweepInterval,
		IOTimeout:       store.DefaultIOTimeout,
	}
}

// Recorder is the union of the component metric hooks;
// *metrics.Metrics implements it
type Recorder interface {
	store.Recorder
	render.Recorder
	backup.Recorder
}

type options struct {
	log      zerolog.Logger
	recorder Recorder
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine
type Option func(*options)

// WithLogger sets the parent logger; components log with a component field
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRecorder wires metrics into every component
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithClock overrides the time source of every component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides template id assignment
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

// Engine is the caller-facing template management API
type Engine struct {
	backend persist.Backend
	store   *store.Store
	backups *backup.Manager
	cache   *render.Cache
	query   *query.Engine
	sweeper *render.Sweeper
	log     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the backend named in cfg and builds an engine over it.
// The catalog is empty until Load is called.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, cfg, opts...), nil
}

func openBackend(cfg Config) (persist.Backend, error) {
	switch cfg.Backend {
	case BackendFS:
		b, err := fs.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: open fs backend: %w", err)
		}
		return b, nil
	case BackendSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("engine: create sqlite directory: %w", err)
			}
		}
		b, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("engine: open sqlite backend: %w", err)
		}
		return b, nil
	case BackendMemory:
		return persist.NewMemory(), nil
	default:
		return nil, fmt.Errorf("engine: unknown backend %q", cfg.Backend)
	}
}

// New builds an engine over an already open backend and starts its sweeper
func New(backend persist.Backend, cfg Config, opts ...Option) *Engine {
	o := options{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	backupOpts := []backup.Option{
		backup.WithLogger(o.log.With().Str("component", "backup").Logger()),
		backup.WithClock(o.now),
	}
	storeOpts := []store.Option{
		store.WithLogger(o.log.With().Str("component", "store").Logger()),
		store.WithClock(o.now),
		store.WithMaxContentBytes(cfg.MaxContentBytes),
	}
	cacheOpts := []render.Option{
		render.WithLogger(o.log.With().Str("component", "render").Logger()),
		render.WithClock(o.now),
	}
	if cfg.IOTimeout > 0 {
		storeOpts = append(storeOpts, store.WithIOTimeout(cfg.IOTimeout))
	}
	if cfg.CacheTTL > 0 {
		cacheOpts = append(cacheOpts, render.WithTTL(cfg.CacheTTL))
	}
	if o.newID != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(o.newID))
	}
	if o.recorder != nil {
		backupOpts = append(backupOpts, backup.WithRecorder(o.recorder))
		storeOpts = append(storeOpts, store.WithRecorder(o.recorder))
		cacheOpts = append(cacheOpts, render.WithRecorder(o.recorder))
	}

	backups := backup.NewManager(backend, backupOpts...)
	s := store.New(backend, append(storeOpts, store.WithBackups(backups))...)
	cache := render.New(s, cacheOpts...)
	s.Subscribe(cache)

	e := &Engine{
		backend: backend,
		store:   s,
		backups: backups,
		cache:   cache,
		query:   query.NewEngine(s),
		sweeper: render.NewSweeper(cache, cfg.SweepInterval, o.log.With().Str("component", "sweeper").Logger()),
		log:     o.log,
	}
	e.sweeper.Start()
	return e
}

// Create admits a new template
func (e *Engine) Create(ctx context.Context, req template.CreateRequest) (*template.Template, error) {
	return e.store.Create(ctx, req)
}

// Update applies patch to the template with id
func (e *Engine) Update(ctx context.Context, id string, patch template.Patch) (*template.Template, error) {
	return e.store.Update(ctx, id, patch)
}

// Delete removes the template with id
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}

// Get returns the template with id
func (e *Engine) Get(ctx context.Context, id string) (*template.Template, error) {
	return e.store.Get(ctx, id)
}

// List returns the templates matching f in insertion order
func (e *Engine) List(ctx context.Context, f template.Filter) ([]*template.Template, error) {
	return e.query.List(ctx, f)
}

// Query returns one page of templates matching q
func (e *Engine) Query(ctx context.Context, q query.Query) (*query.Result, error) {
	return e.query.Execute(ctx, q)
}

// Categories returns the distinct non-empty categories
func (e *Engine) Categories() []string {
	return e.store.Categories()
}

// Render substitutes bindings into the template with id
func (e *Engine) Render(ctx context.Context, id string, bindings map[string]string) (string, error) {
	return e.cache.Render(ctx, id, bindings)
}

// Load rebuilds the catalog from durable storage
func (e *Engine) Load(ctx context.Context) (store.LoadReport, error) {
	return e.store.Load(ctx)
}

// History lists the snapshot timestamps kept for id, oldest first
func (e *Engine) History(ctx context.Context, id string) ([]time.Time, error) {
	return e.backups.History(ctx, id)
}

// CacheStats returns render cache counters
func (e *Engine) CacheStats() render.Stats {
	return e.cache.Stats()
}

// Len returns the number of live templates
func (e *Engine) Len() int {
	return e.store.Len()
}

// Close stops the sweeper and closes the backend
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.sweeper.Stop()
		e.closeErr = e.backend.Close()
		e.log.Info().Msg("engine closed")
	})
	return e.closeErr
}
