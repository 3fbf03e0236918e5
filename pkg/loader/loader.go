package loader

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/iter"

	"github.com/harun/exprtools/internal/metrics"
	"github.com/harun/exprtools/pkg/compiler"
	"github.com/harun/exprtools/pkg/descriptor"
	"github.com/harun/exprtools/pkg/registry"
)

// DefaultExtensions are the file extensions treated as descriptor sources
var DefaultExtensions = []string{".yaml", ".yml"}

// Loader discovers descriptor sources in a file system, compiles them and
// publishes the resulting tools to a registry
type Loader struct {
	fsys        fs.FS
	registry    *registry.Registry
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	concurrency int
	extensions  []string

	// mu serializes load passes
	mu sync.Mutex
}

// Option configures a Loader
type Option func(*Loader)

// WithRegistry sets the target registry. The default is registry.Default().
func WithRegistry(r *registry.Registry) Option {
	return func(l *Loader) {
		l.registry = r
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger.With().Str("component", "loader").Logger()
	}
}

// WithMetrics records load passes in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithConcurrency bounds the number of sources compiled in parallel
func WithConcurrency(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithExtensions replaces DefaultExtensions
func WithExtensions(exts ...string) Option {
	return func(l *Loader) {
		if len(exts) > 0 {
			l.extensions = exts
		}
	}
}

// New creates a loader reading descriptor sources from fsys
func New(fsys fs.FS, opts ...Option) *Loader {
	l := &Loader{
		fsys:        fsys,
		registry:    registry.Default(),
		logger:      log.With().Str("component", "loader").Logger(),
		concurrency: runtime.GOMAXPROCS(0),
		extensions:  DefaultExtensions,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the registry the loader publishes to
func (l *Loader) Registry() *registry.Registry {
	return l.registry
}

// IsSource reports whether name has a descriptor extension and is not a
// hidden file
func (l *Loader) IsSource(name string) bool {
	base := path.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(path.Ext(base))
	for _, e := range l.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Discover returns every descriptor source path, sorted. Hidden files and
// directories are skipped.
func (l *Loader) Discover() ([]string, error) {
	var sources []string

	err := fs.WalkDir(l.fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if l.IsSource(p) {
			sources = append(sources, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan descriptor sources: %w", err)
	}

	sort.Strings(sources)
	return sources, nil
}

// Load compiles every discovered source and registers the successes in one
// batch, in sorted source order, on top of the current registry contents.
// Per-source failures are reported in the Report; the error is only set when
// discovery fails or ctx is cancelled.
func (l *Loader) Load(ctx context.Context) (*Report, error) {
	return l.loadAll(ctx, false)
}

// Reload is like Load but replaces the registry contents with the tools
// compiled in this pass
func (l *Loader) Reload(ctx context.Context) (*Report, error) {
	return l.loadAll(ctx, true)
}

// LoadSource compiles and registers a single source
func (l *Loader) LoadSource(ctx context.Context, source string) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.run(ctx, []string{source}, false)
}

func (l *Loader) loadAll(ctx context.Context, replace bool) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sources, err := l.Discover()
	if err != nil {
		return nil, err
	}
	return l.run(ctx, sources, replace)
}

type result struct {
	source string
	desc   *descriptor.Descriptor
	tool   *compiler.Tool
	err    error
}

func (l *Loader) run(ctx context.Context, sources []string, replace bool) (*Report, error) {
	start := time.Now()
	report := &Report{
		Generation: uuid.NewString(),
		Sources:    sources,
	}

	logger := l.logger.With().Str("generation", report.Generation).Logger()
	logger.Debug().Int("sources", len(sources)).Bool("replace", replace).Msg("Loading descriptors")

	mapper := iter.Mapper[string, result]{MaxGoroutines: l.concurrency}
	results := mapper.Map(sources, func(source *string) result {
		return l.compile(ctx, *source)
	})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("load cancelled: %w", err)
	}

	snap := l.registry.Update(func(b *registry.Batch) {
		if replace {
			b.Reset()
		}

		// name -> source within this pass
		seen := make(map[string]string)

		for _, res := range results {
			if res.err != nil {
				report.Failures = append(report.Failures, &SourceError{
					Source: res.source,
					Tool:   toolName(res.err),
					Err:    res.err,
				})
				continue
			}

			for _, p := range res.desc.Parameters {
				if p.Fallback() {
					report.Warnings = append(report.Warnings, &TypeFallbackWarning{
						Source:       res.source,
						Tool:         res.desc.Name,
						Param:        p.Name,
						DeclaredType: p.DeclaredType,
					})
				}
			}

			name := res.tool.Name()
			if prev, ok := seen[name]; ok {
				report.Warnings = append(report.Warnings, &DuplicateNameWarning{
					Tool:           name,
					Source:         res.source,
					PreviousSource: prev,
				})
			} else if existing, ok := b.Get(name); ok && existing.Source() != res.source {
				report.Warnings = append(report.Warnings, &DuplicateNameWarning{
					Tool:           name,
					Source:         res.source,
					PreviousSource: existing.Source(),
				})
			}

			b.Register(res.tool)
			seen[name] = res.source
			report.Registered = append(report.Registered, name)
		}
	})

	report.Version = snap.Version()
	report.Duration = time.Since(start)

	for _, f := range report.Failures {
		logger.Error().
			Err(f.Err).
			Str("source", f.Source).
			Str("kind", f.Kind()).
			Msg("Failed to load descriptor")
	}
	for _, w := range report.Warnings {
		logger.Warn().
			Str("kind", w.Kind()).
			Msg(w.Error())
	}

	l.metrics.ObserveLoad(report.failureKinds(), report.warningKinds(), report.Duration)
	l.metrics.SetToolsRegistered(snap.Len())

	logger.Info().
		Int("sources", len(report.Sources)).
		Int("registered", len(report.Registered)).
		Int("failures", len(report.Failures)).
		Int("warnings", len(report.Warnings)).
		Int("tools", snap.Len()).
		Dur("duration", report.Duration).
		Msg("Descriptors loaded")

	return report, nil
}

func (l *Loader) compile(ctx context.Context, source string) result {
	res := result{source: source}

	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	d, err := descriptor.ParseFile(l.fsys, source)
	if err != nil {
		res.err = err
		return res
	}

	tool, err := compiler.Compile(d)
	if err != nil {
		res.err = err
		return res
	}

	res.desc = d
	res.tool = tool
	return res
}
