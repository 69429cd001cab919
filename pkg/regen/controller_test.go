package regen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/kernel/kerneltest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	p1 = brick.Parameters{Length: 3, Width: 2, Height: 3, WithStuds: true}
	p2 = brick.Parameters{Length: 2, Width: 2, Height: 1, Tolerance: 0.45} // inverts the tube wall
	p3 = brick.Parameters{Length: 1, Width: 1, Height: 1}
)

func newController(t *testing.T, opts ...Option) (*Controller, *kerneltest.Kernel) {
	t.Helper()
	k := kerneltest.New()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(brick.NewBuilder(k), opts...), k
}

func TestInitialState(t *testing.T) {
	c, _ := newController(t)
	assert.Equal(t, Empty, c.State())
	assert.Equal(t, uint64(0), c.Generation())
	snap, ok := c.Current()
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestGenerateTransitionsToReady(t *testing.T) {
	c, _ := newController(t)

	snap, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, uint64(1), snap.Generation)
	assert.Equal(t, p1, snap.Params)
	assert.Equal(t, p1, snap.Model.Params)
	assert.NotEqual(t, [16]byte{}, [16]byte(snap.BuildID))

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Same(t, snap, cur)
}

func TestGenerationIncrementsEvenForIdenticalParameters(t *testing.T) {
	c, _ := newController(t)
	a, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	b, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)

	assert.Equal(t, a.Generation+1, b.Generation)
	assert.NotEqual(t, a.BuildID, b.BuildID)
	assert.NotSame(t, a.Model, b.Model)
}

func TestFailedBuildKeepsPreviousCache(t *testing.T) {
	c, _ := newController(t)

	first, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)

	snap, err := c.Generate(context.Background(), p2)
	assert.Nil(t, snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, brick.ErrInvalidParameters)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Same(t, first, cur)
	assert.Equal(t, p1, cur.Params)
	assert.Equal(t, uint64(1), cur.Generation)
	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, Ready, c.State())
}

func TestFailedFirstBuildStaysEmpty(t *testing.T) {
	c, _ := newController(t)
	_, err := c.Generate(context.Background(), brick.Parameters{})
	require.Error(t, err)
	assert.Equal(t, Empty, c.State())
	assert.Equal(t, uint64(0), c.Generation())
}

func TestKernelFailureKeepsPreviousCache(t *testing.T) {
	c, k := newController(t)
	first, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)

	k.Fail[kerneltest.OpUnion] = errors.New("non-manifold")
	_, err = c.Generate(context.Background(), p1)
	assert.ErrorIs(t, err, brick.ErrKernelFailure)

	cur, _ := c.Current()
	assert.Same(t, first, cur)
}

type panickyBuilder struct{}

func (panickyBuilder) Build(brick.Parameters) (*brick.Model, error) { panic("kaboom") }

func TestBuilderPanicBecomesKernelFailure(t *testing.T) {
	c := New(panickyBuilder{}, WithLogger(zaptest.NewLogger(t)))
	_, err := c.Generate(context.Background(), p1)
	require.Error(t, err)
	assert.ErrorIs(t, err, brick.ErrKernelFailure)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, Empty, c.State())
}

func TestEditDoesNotRebuild(t *testing.T) {
	c, k := newController(t)
	first, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	ops := len(k.Ops())

	c.Edit(p3)
	c.Edit(p2)

	assert.Len(t, k.Ops(), ops, "edits must not touch the kernel")
	cur, _ := c.Current()
	assert.Same(t, first, cur)
	assert.True(t, c.Dirty())

	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, p2, cand)
}

func TestGenerateCandidate(t *testing.T) {
	c, _ := newController(t)
	_, err := c.GenerateCandidate(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidate)

	c.Edit(p3)
	snap, err := c.GenerateCandidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p3, snap.Params)
	assert.False(t, c.Dirty())
}

func TestWithCandidate(t *testing.T) {
	c, _ := newController(t, WithCandidate(p1))
	cand, ok := c.Candidate()
	require.True(t, ok)
	assert.Equal(t, p1, cand)
	assert.True(t, c.Dirty())
}

// gateBuilder blocks inside Build until released.
type gateBuilder struct {
	inner   Builder
	entered chan struct{}
	release chan struct{}
}

func (g *gateBuilder) Build(p brick.Parameters) (*brick.Model, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Build(p)
}

func newGate() *gateBuilder {
	return &gateBuilder{
		inner:   brick.NewBuilder(kerneltest.New()),
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
}

func TestTryGenerateRejectsWhileBusy(t *testing.T) {
	g := newGate()
	c := New(g)

	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(context.Background(), p1)
		done <- err
	}()
	<-g.entered

	_, err := c.TryGenerate(p3)
	assert.ErrorIs(t, err, ErrBusy)

	close(g.release)
	require.NoError(t, <-done)

	snap, err := c.TryGenerate(p3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Generation)
}

func TestGenerateQueuesBehindInFlightBuild(t *testing.T) {
	g := newGate()
	c := New(g)

	var wg sync.WaitGroup
	results := make(chan *Snapshot, 2)
	for _, p := range []brick.Parameters{p1, p3} {
		wg.Add(1)
		go func(p brick.Parameters) {
			defer wg.Done()
			snap, err := c.Generate(context.Background(), p)
			assert.NoError(t, err)
			results <- snap
		}(p)
	}

	<-g.entered
	select {
	case <-g.entered:
		t.Fatal("second build started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	wg.Wait()
	close(results)

	var gens []uint64
	for s := range results {
		gens = append(gens, s.Generation)
	}
	assert.ElementsMatch(t, []uint64{1, 2}, gens)
	assert.Equal(t, uint64(2), c.Generation())
}

func TestGenerateWaitHonoursContext(t *testing.T) {
	g := newGate()
	c := New(g)

	go func() { _, _ = c.Generate(context.Background(), p1) }()
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, p3)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(g.release)
}

func TestSubscribe(t *testing.T) {
	c, _ := newController(t)

	var mu sync.Mutex
	var events []Event
	unsubscribe := c.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	_, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), p2)
	require.Error(t, err)
	c.Edit(p3)

	unsubscribe()
	_, err = c.Generate(context.Background(), p1)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventBuilt, events[0].Type)
	assert.Equal(t, uint64(1), events[0].Snapshot.Generation)
	assert.Equal(t, EventFailed, events[1].Type)
	assert.ErrorIs(t, events[1].Err, brick.ErrInvalidParameters)
	assert.Equal(t, p2, events[1].Params)
	assert.Equal(t, EventEdited, events[2].Type)
}

func TestPanickingListenerIsContained(t *testing.T) {
	c, _ := newController(t)
	c.Subscribe(func(Event) { panic("listener") })

	snap, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Generation)
}

type fakeRecorder struct {
	outcomes []string
	gen      uint64
}

func (r *fakeRecorder) BuildFinished(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *fakeRecorder) GenerationChanged(gen uint64) { r.gen = gen }

func TestRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	c, _ := newController(t, WithRecorder(rec))

	_, _ = c.Generate(context.Background(), p1)
	_, _ = c.Generate(context.Background(), p2)

	assert.Equal(t, []string{"ok", "invalid_parameters"}, rec.outcomes)
	assert.Equal(t, uint64(1), rec.gen)
}

func TestClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newController(t, WithClock(func() time.Time { return at }))
	snap, err := c.Generate(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, at, snap.BuiltAt)
	assert.Zero(t, snap.Duration)
}
