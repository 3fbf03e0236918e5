package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/exprtools/pkg/compiler"
)

// State is the registry lifecycle stage
type State int32

const (
	StateEmpty State = iota
	StatePopulating
	StateStable
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePopulating:
		return "populating"
	case StateStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Info describes a registered tool for front-ends
type Info struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Source      string                 `json:"source,omitempty"`
}

// Registry maps tool names to compiled tools. Readers load an immutable
// snapshot without locking; writers serialize on mu and publish a new
// snapshot atomically.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	state    atomic.Int32
	logger   zerolog.Logger
	watchers map[int]func(*Snapshot)
	nextID   int
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger used for overwrite warnings
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger.With().Str("component", "registry").Logger()
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:   log.With().Str("component", "registry").Logger(),
		watchers: make(map[int]func(*Snapshot)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot())
	return r
}

var defaultRegistry = New()

// Default returns the process-wide registry
func Default() *Registry {
	return defaultRegistry
}

// State reports the lifecycle stage
func (r *Registry) State() State {
	return State(r.state.Load())
}

// Register inserts or overwrites the tool under its name. It reports whether
// an existing entry was replaced.
func (r *Registry) Register(tool *compiler.Tool) bool {
	var replaced bool
	r.Update(func(b *Batch) {
		replaced = b.Register(tool)
	})
	return replaced
}

// Unregister removes name and reports whether it was present
func (r *Registry) Unregister(name string) bool {
	var removed bool
	r.Update(func(b *Batch) {
		removed = b.Unregister(name)
	})
	return removed
}

// Get looks up a tool by name in the current snapshot
func (r *Registry) Get(name string) (*compiler.Tool, bool) {
	return r.current.Load().Get(name)
}

// All returns the current snapshot. Later registrations do not affect it.
func (r *Registry) All() *Snapshot {
	return r.current.Load()
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	return r.current.Load().Len()
}

// Describe lists every tool, sorted by name
func (r *Registry) Describe() []Info {
	tools := r.current.Load().Tools()
	infos := make([]Info, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
			Source:      t.Source(),
		})
	}
	return infos
}

// Update applies fn to a working copy of the registry and publishes the
// result as one snapshot. Readers see either the old or the new set, never a
// mix. The published snapshot is returned.
func (r *Registry) Update(fn func(*Batch)) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.State()
	r.state.Store(int32(StatePopulating))
	published := false
	defer func() {
		if !published {
			r.state.Store(int32(prev))
		}
	}()

	cur := r.current.Load()
	b := &Batch{
		tools:  cur.Map(),
		logger: r.logger,
	}
	fn(b)

	next := newSnapshot(b.tools, cur.version+1)
	r.current.Store(next)
	r.state.Store(int32(StateStable))
	published = true

	r.logger.Debug().
		Uint64("version", next.version).
		Int("tools", next.Len()).
		Int("replaced", len(b.replaced)).
		Msg("Registry updated")

	for _, fn := range r.watchers {
		fn(next)
	}

	return next
}

// Replace swaps in tools as the complete tool set
func (r *Registry) Replace(tools []*compiler.Tool) *Snapshot {
	return r.Update(func(b *Batch) {
		b.Reset()
		for _, t := range tools {
			b.Register(t)
		}
	})
}

// OnChange registers fn to be called with every published snapshot. fn runs
// while the writer lock is held and must not modify the registry. The
// returned function removes the callback.
func (r *Registry) OnChange(fn func(*Snapshot)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.watchers[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}
}

// Batch is a working copy handed to Update
type Batch struct {
	tools    map[string]*compiler.Tool
	replaced []string
	logger   zerolog.Logger
}

// Register inserts or overwrites a tool and reports whether a tool with the
// same name was already present
func (b *Batch) Register(tool *compiler.Tool) bool {
	name := tool.Name()
	prev, exists := b.tools[name]
	if exists {
		b.replaced = append(b.replaced, name)
		b.logger.Warn().
			Str("tool", name).
			Str("previous_source", prev.Source()).
			Str("source", tool.Source()).
			Msg("Tool already registered, overwriting")
	}
	b.tools[name] = tool
	return exists
}

// Unregister removes name and reports whether it was present
func (b *Batch) Unregister(name string) bool {
	if _, ok := b.tools[name]; !ok {
		return false
	}
	delete(b.tools, name)
	return true
}

// Get looks up a tool in the working copy
func (b *Batch) Get(name string) (*compiler.Tool, bool) {
	t, ok := b.tools[name]
	return t, ok
}

// Reset removes every tool from the working copy
func (b *Batch) Reset() {
	b.tools = make(map[string]*compiler.Tool)
}

// Replaced returns the names overwritten so far, in registration order
func (b *Batch) Replaced() []string {
	out := make([]string, len(b.replaced))
	copy(out, b.replaced)
	return out
}

// Snapshot is an immutable view of the registry
type Snapshot struct {
	tools   map[string]*compiler.Tool
	names   []string
	version uint64
}

func emptySnapshot() *Snapshot {
	return newSnapshot(map[string]*compiler.Tool{}, 0)
}

func newSnapshot(tools map[string]*compiler.Tool, version uint64) *Snapshot {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{tools: tools, names: names, version: version}
}

// Get looks up a tool by name
func (s *Snapshot) Get(name string) (*compiler.Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the tool names, sorted
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Tools returns the tools sorted by name
func (s *Snapshot) Tools() []*compiler.Tool {
	out := make([]*compiler.Tool, len(s.names))
	for i, name := range s.names {
		out[i] = s.tools[name]
	}
	return out
}

// Map returns a copy of the name to tool mapping
func (s *Snapshot) Map() map[string]*compiler.Tool {
	out := make(map[string]*compiler.Tool, len(s.tools))
	for name, t := range s.tools {
		out[name] = t
	}
	return out
}

// Len returns the number of tools
func (s *Snapshot) Len() int {
	return len(s.tools)
}

// Version increases by one with every published update
func (s *Snapshot) Version() uint64 {
	return s.version
}
