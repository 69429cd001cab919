// Package regen owns the single current brick model. It decides when the
// geometry is rebuilt (only on an explicit generate action, never on mere
// parameter edits) and replaces its cache atomically on success.
package regen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the controller's lifecycle state.
type State int

const (
	// Empty holds no model; the initial state.
	Empty State = iota
	// Ready holds a valid snapshot.
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "empty"
}

var (
	// ErrBusy is returned by TryGenerate while another build is in flight.
	ErrBusy = errors.New("regen: build already in progress")
	// ErrNoCandidate is returned by GenerateCandidate before any Edit.
	ErrNoCandidate = errors.New("regen: no candidate parameters")
)

// Builder produces a model from parameters. *brick.Builder satisfies it.
type Builder interface {
	Build(p brick.Parameters) (*brick.Model, error)
}

// Recorder receives build telemetry.
type Recorder interface {
	BuildFinished(outcome string, d time.Duration)
	GenerationChanged(gen uint64)
}

// Snapshot is one cached build. It is never mutated after publication; a
// new build replaces it wholesale.
type Snapshot struct {
	Model      *brick.Model
	Params     brick.Parameters
	Generation uint64
	BuildID    uuid.UUID
	BuiltAt    time.Time
	Duration   time.Duration
}

// Controller serializes builds and holds the current snapshot.
// It is safe for concurrent use.
type Controller struct {
	b   Builder
	log *zap.Logger
	rec Recorder
	now func() time.Time

	// slot admits one build at a time.
	slot chan struct{}

	mu         sync.RWMutex
	current    *Snapshot
	generation uint64
	candidate  *brick.Parameters

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRecorder attaches build telemetry.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithCandidate seeds the candidate parameters.
func WithCandidate(p brick.Parameters) Option {
	return func(c *Controller) { c.candidate = &p }
}

// New returns an Empty controller that builds with b.
func New(b Builder, opts ...Option) *Controller {
	c := &Controller{
		b:    b,
		log:  zap.NewNop(),
		now:  time.Now,
		slot: make(chan struct{}, 1),
		subs: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate builds p and, on success, replaces the current snapshot and
// advances the generation. A call made while another build is running
// waits its turn; ctx bounds only that wait. On failure the previous
// snapshot, state and generation are left exactly as they were.
func (c *Controller) Generate(ctx context.Context, p brick.Parameters) (*Snapshot, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("regen: waiting for build slot: %w", ctx.Err())
	}
	defer func() { <-c.slot }()
	return c.run(p)
}

// TryGenerate is Generate that rejects with ErrBusy instead of waiting.
func (c *Controller) TryGenerate(p brick.Parameters) (*Snapshot, error) {
	select {
	case c.slot <- struct{}{}:
	default:
		return nil, ErrBusy
	}
	defer func() { <-c.slot }()
	return c.run(p)
}

// GenerateCandidate confirms the candidate parameters recorded by Edit.
func (c *Controller) GenerateCandidate(ctx context.Context) (*Snapshot, error) {
	p, ok := c.Candidate()
	if !ok {
		return nil, ErrNoCandidate
	}
	return c.Generate(ctx, p)
}

// run performs one build. The caller holds the slot.
func (c *Controller) run(p brick.Parameters) (*Snapshot, error) {
	start := c.now()
	model, err := c.build(p)
	elapsed := c.now().Sub(start)

	if err != nil {
		c.log.Warn("build failed",
			zap.Stringer("params", p),
			zap.String("kind", brick.KindOf(err).String()),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		if c.rec != nil {
			c.rec.BuildFinished(brick.KindOf(err).String(), elapsed)
		}
		c.publish(Event{Type: EventFailed, Params: p, Err: err, At: c.now()})
		return nil, err
	}

	c.mu.Lock()
	c.generation++
	snap := &Snapshot{
		Model:      model,
		Params:     p,
		Generation: c.generation,
		BuildID:    uuid.New(),
		BuiltAt:    c.now(),
		Duration:   elapsed,
	}
	c.current = snap
	c.mu.Unlock()

	c.log.Info("build complete",
		zap.Stringer("params", p),
		zap.Uint64("generation", snap.Generation),
		zap.String("build_id", snap.BuildID.String()),
		zap.Int("studs", len(model.Studs)),
		zap.Int("tubes", len(model.Tubes)),
		zap.Duration("duration", elapsed),
	)
	if c.rec != nil {
		c.rec.BuildFinished("ok", elapsed)
		c.rec.GenerationChanged(snap.Generation)
	}
	c.publish(Event{Type: EventBuilt, Params: p, Snapshot: snap, At: snap.BuiltAt})
	return snap, nil
}

// build calls the builder, converting a panic into a KernelFailure.
func (c *Controller) build(p brick.Parameters) (m *brick.Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = brick.KernelFailure("panic", fmt.Errorf("panic during build: %v", r))
		}
	}()
	m, err = c.b.Build(p)
	if err == nil && m == nil {
		err = brick.KernelFailure("result", errors.New("builder returned no model"))
	}
	return m, err
}

// Current returns the cached snapshot, if any.
func (c *Controller) Current() (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.current != nil
}

// State reports Empty until the first successful build.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Empty
	}
	return Ready
}

// Generation returns the number of successful builds so far.
func (c *Controller) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Edit records unconfirmed candidate parameters. It never builds, and
// never changes the state or the cached snapshot.
func (c *Controller) Edit(p brick.Parameters) {
	c.mu.Lock()
	c.candidate = &p
	c.mu.Unlock()
	c.publish(Event{Type: EventEdited, Params: p, At: c.now()})
}

// Candidate returns the last edited parameters.
func (c *Controller) Candidate() (brick.Parameters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.candidate == nil {
		return brick.Parameters{}, false
	}
	return *c.candidate, true
}

// Dirty reports whether the candidate differs from the cached parameters.
func (c *Controller) Dirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.candidate == nil {
		return false
	}
	return c.current == nil || c.current.Params != *c.candidate
}
