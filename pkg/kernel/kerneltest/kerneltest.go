// Package kerneltest provides an analytic, recording kernel.Kernel for
// tests. Solids only carry bounding boxes; every call is logged so tests
// can assert on the exact sequence of primitives and booleans issued.
package kerneltest

import (
	"fmt"
	"sync"

	"github.com/chazu/brickforge/pkg/kernel"
)

// Compile-time interface checks.
var _ kernel.Kernel = (*Kernel)(nil)
var _ kernel.Solid = (*Solid)(nil)

// Op kinds recorded by Kernel.
const (
	OpBox        = "box"
	OpCylinder   = "cylinder"
	OpUnion      = "union"
	OpDifference = "difference"
	OpTranslate  = "translate"
	OpToMesh     = "mesh"
)

// Op is one recorded kernel call.
type Op struct {
	Kind string
	Args []float64
}

// Solid is a bounding-box-only solid.
type Solid struct {
	Min, Max [3]float64
}

// BoundingBox returns the axis-aligned bounding box.
func (s *Solid) BoundingBox() (min, max [3]float64) {
	return s.Min, s.Max
}

// Kernel records calls and computes bounding boxes analytically.
// Difference keeps the bounding box of its first operand, Union merges both.
type Kernel struct {
	mu  sync.Mutex
	ops []Op

	// Fail makes the named op kind return the given error.
	Fail map[string]error
	// Panic makes the named op kind panic.
	Panic string
	// EmptyMesh makes ToMesh return a mesh with no geometry.
	EmptyMesh bool
}

// New returns an empty recording kernel.
func New() *Kernel {
	return &Kernel{Fail: make(map[string]error)}
}

func (k *Kernel) record(kind string, args ...float64) error {
	k.mu.Lock()
	k.ops = append(k.ops, Op{Kind: kind, Args: args})
	k.mu.Unlock()
	if k.Panic == kind {
		panic(fmt.Sprintf("kerneltest: %s exploded", kind))
	}
	return k.Fail[kind]
}

// Ops returns a copy of the recorded calls.
func (k *Kernel) Ops() []Op {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]Op(nil), k.ops...)
}

// Count returns how many calls of the given kind were recorded.
func (k *Kernel) Count(kind string) int {
	n := 0
	for _, op := range k.Ops() {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// OfKind returns the recorded calls of one kind, in order.
func (k *Kernel) OfKind(kind string) []Op {
	var out []Op
	for _, op := range k.Ops() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Reset clears the call log.
func (k *Kernel) Reset() {
	k.mu.Lock()
	k.ops = nil
	k.mu.Unlock()
}

// Name identifies the backend.
func (k *Kernel) Name() string { return "kerneltest" }

// Box creates a box with its minimum corner at the origin.
func (k *Kernel) Box(x, y, z float64) (kernel.Solid, error) {
	if err := k.record(OpBox, x, y, z); err != nil {
		return nil, err
	}
	return &Solid{Max: [3]float64{x, y, z}}, nil
}

// Cylinder creates a +Z cylinder with its base centred on the origin.
func (k *Kernel) Cylinder(height, radius float64, segments int) (kernel.Solid, error) {
	if err := k.record(OpCylinder, height, radius, float64(segments)); err != nil {
		return nil, err
	}
	return &Solid{
		Min: [3]float64{-radius, -radius, 0},
		Max: [3]float64{radius, radius, height},
	}, nil
}

// Union merges the bounding boxes of a and b.
func (k *Kernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	if err := k.record(OpUnion); err != nil {
		return nil, err
	}
	amin, amax := a.BoundingBox()
	bmin, bmax := b.BoundingBox()
	out := &Solid{}
	for i := 0; i < 3; i++ {
		out.Min[i] = min(amin[i], bmin[i])
		out.Max[i] = max(amax[i], bmax[i])
	}
	return out, nil
}

// Difference keeps the bounding box of a.
func (k *Kernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	if err := k.record(OpDifference); err != nil {
		return nil, err
	}
	amin, amax := a.BoundingBox()
	return &Solid{Min: amin, Max: amax}, nil
}

// Translate shifts the bounding box.
func (k *Kernel) Translate(s kernel.Solid, x, y, z float64) kernel.Solid {
	_ = k.record(OpTranslate, x, y, z)
	smin, smax := s.BoundingBox()
	d := [3]float64{x, y, z}
	out := &Solid{}
	for i := 0; i < 3; i++ {
		out.Min[i] = smin[i] + d[i]
		out.Max[i] = smax[i] + d[i]
	}
	return out
}

// ToMesh returns the 12-triangle mesh of the solid's bounding box.
func (k *Kernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	if err := k.record(OpToMesh); err != nil {
		return nil, err
	}
	if k.EmptyMesh {
		return &kernel.Mesh{}, nil
	}
	lo, hi := s.BoundingBox()
	return BoxMesh(lo, hi), nil
}

// BoxMesh builds a closed, outward-wound triangle mesh of the box [lo, hi].
func BoxMesh(lo, hi [3]float64) *kernel.Mesh {
	corner := func(i int) [3]float32 {
		var p [3]float32
		for axis := 0; axis < 3; axis++ {
			if i&(1<<axis) != 0 {
				p[axis] = float32(hi[axis])
			} else {
				p[axis] = float32(lo[axis])
			}
		}
		return p
	}
	m := &kernel.Mesh{}
	for i := 0; i < 8; i++ {
		p := corner(i)
		m.Vertices = append(m.Vertices, p[0], p[1], p[2])
	}
	// Corner index bits: 1 = +X, 2 = +Y, 4 = +Z.
	m.Indices = []uint32{
		0, 2, 1, 1, 2, 3, // -Z
		4, 5, 6, 5, 7, 6, // +Z
		0, 1, 4, 1, 5, 4, // -Y
		2, 6, 3, 3, 6, 7, // +Y
		0, 4, 2, 2, 4, 6, // -X
		1, 3, 5, 3, 7, 5, // +X
	}
	m.Normals = make([]float32, len(m.Vertices))
	return m
}
