package brick

import (
	"fmt"
	"math"

	"github.com/chazu/brickforge/pkg/kernel"
)

// envelopeTolerance bounds how far the kernel's bounding box may drift
// from the analytic envelope before the result is rejected.
const envelopeTolerance = 1e-6

// Model is the immutable result of a successful build.
type Model struct {
	Solid  kernel.Solid
	Params Parameters
	// Studs and Tubes are the axis positions actually placed, in build
	// coordinates (brick corner at the origin, before centring).
	Studs  []Point2
	Tubes  []Point2
	Kernel string
}

// Builder turns Parameters into a Model using a geometry kernel. It holds
// no state between calls and may be shared.
type Builder struct {
	k        kernel.Kernel
	segments int
}

// Option configures a Builder.
type Option func(*Builder)

// WithSegments overrides the cylinder resolution passed to the kernel.
func WithSegments(n int) Option {
	return func(b *Builder) {
		if n >= 3 {
			b.segments = n
		}
	}
}

// NewBuilder returns a Builder backed by k.
func NewBuilder(k kernel.Kernel, opts ...Option) *Builder {
	b := &Builder{k: k, segments: CylinderSegments}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Kernel returns the backend the builder composes with.
func (b *Builder) Kernel() kernel.Kernel { return b.k }

// Build validates p and composes the brick solid:
//
//  1. outer box
//  2. minus the cavity, leaving the roof and side walls
//  3. plus studs on the roof, when WithStuds
//  4. plus hollow under-tubes at interior grid intersections, when the
//     brick is at least 2x2
//  5. translated so the footprint is centred on the origin, base on Z=0
//
// Invalid parameters are reported before the kernel is touched. Any
// kernel error, kernel panic, or result whose bounding box disagrees with
// the analytic envelope is reported as a KernelFailure.
func (b *Builder) Build(p Parameters) (m *Model, err error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = KernelFailure("panic", fmt.Errorf("panic during build: %v", r))
		}
	}()

	d := p.Dimensions()

	solid, err := b.shell(d)
	if err != nil {
		return nil, err
	}

	studs := p.StudCenters()
	for _, c := range studs {
		if solid, err = b.addStud(solid, d, c); err != nil {
			return nil, err
		}
	}

	var tubes []Point2
	if p.HasTubes() {
		tubes = p.TubeCenters()
		for _, c := range tubes {
			if solid, err = b.addTube(solid, d, c); err != nil {
				return nil, err
			}
		}
	}

	solid = b.k.Translate(solid, -d.OuterLength/2, -d.OuterWidth/2, 0)

	if err := checkEnvelope(p, solid); err != nil {
		return nil, err
	}

	return &Model{
		Solid:  solid,
		Params: p,
		Studs:  studs,
		Tubes:  tubes,
		Kernel: b.k.Name(),
	}, nil
}

// shell is the outer box minus the cavity. The cavity starts below Z=0 by
// the anti-coincidence margin so the two boxes never share the floor plane.
func (b *Builder) shell(d Dimensions) (kernel.Solid, error) {
	outer, err := b.k.Box(d.OuterLength, d.OuterWidth, d.OuterHeight)
	if err != nil {
		return nil, KernelFailure("outer_box", err)
	}
	cavity, err := b.k.Box(d.CavityLength, d.CavityWidth, d.CavityHeight+AntiCoincidenceMargin)
	if err != nil {
		return nil, KernelFailure("cavity_box", err)
	}
	cavity = b.k.Translate(cavity, d.CavityInset, d.CavityInset, -AntiCoincidenceMargin)

	shell, err := b.k.Difference(outer, cavity)
	if err != nil {
		return nil, KernelFailure("cavity_difference", err)
	}
	return shell, nil
}

// addStud unions one stud onto the roof. The stud is sunk into the roof by
// the margin; its top stays at OuterHeight+StudHeight.
func (b *Builder) addStud(solid kernel.Solid, d Dimensions, c Point2) (kernel.Solid, error) {
	stud, err := b.k.Cylinder(StudHeight+AntiCoincidenceMargin, d.StudRadius, b.segments)
	if err != nil {
		return nil, KernelFailure("stud", err)
	}
	stud = b.k.Translate(stud, c.X, c.Y, d.OuterHeight-AntiCoincidenceMargin)
	out, err := b.k.Union(solid, stud)
	if err != nil {
		return nil, KernelFailure("stud_union", err)
	}
	return out, nil
}

// addTube unions one hollow tube. The tube overshoots into the roof by the
// margin and its bore starts the same margin below Z=0.
func (b *Builder) addTube(solid kernel.Solid, d Dimensions, c Point2) (kernel.Solid, error) {
	outer, err := b.k.Cylinder(d.TubeHeight, d.TubeOuterRadius, b.segments)
	if err != nil {
		return nil, KernelFailure("tube_outer", err)
	}
	outer = b.k.Translate(outer, c.X, c.Y, 0)

	bore, err := b.k.Cylinder(d.TubeHeight, d.TubeInnerRadius, b.segments)
	if err != nil {
		return nil, KernelFailure("tube_inner", err)
	}
	bore = b.k.Translate(bore, c.X, c.Y, -AntiCoincidenceMargin)

	tube, err := b.k.Difference(outer, bore)
	if err != nil {
		return nil, KernelFailure("tube_difference", err)
	}
	out, err := b.k.Union(solid, tube)
	if err != nil {
		return nil, KernelFailure("tube_union", err)
	}
	return out, nil
}

// checkEnvelope rejects results the kernel built in the wrong place or
// with non-finite bounds.
func checkEnvelope(p Parameters, s kernel.Solid) error {
	wantMin, wantMax := p.Envelope()
	gotMin, gotMax := s.BoundingBox()
	for i := 0; i < 3; i++ {
		for _, v := range []float64{gotMin[i], gotMax[i]} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return KernelFailure("result", fmt.Errorf("non-finite bounding box %v..%v", gotMin, gotMax))
			}
		}
		if math.Abs(gotMin[i]-wantMin[i]) > envelopeTolerance || math.Abs(gotMax[i]-wantMax[i]) > envelopeTolerance {
			return KernelFailure("result", fmt.Errorf("bounding box %v..%v does not match envelope %v..%v",
				gotMin, gotMax, wantMin, wantMax))
		}
	}
	return nil
}
