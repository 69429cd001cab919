// Package sdfx implements the kernel.Kernel interface using the
// github.com/deadsy/sdfx SDF-based CAD library.
//
// Booleans on signed distance fields are min/max compositions, so they
// cannot fail topologically; meshes are produced by marching cubes and
// are closed by construction.
package sdfx

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/brickforge/pkg/kernel"
	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

// Compile-time interface checks.
var (
	_ kernel.Kernel        = (*SdfxKernel)(nil)
	_ kernel.FeatureMesher = (*SdfxKernel)(nil)
)

const (
	// DefaultMeshCells controls marching cubes tessellation resolution:
	// the number of cells along the longest axis of the bounding box.
	DefaultMeshCells = 200
	// DefaultMaxMeshCells is the finest resolution ToMeshFeature will
	// choose.
	DefaultMaxMeshCells = 1024
	// cellsPerFeature is how many cells ToMeshFeature puts across the
	// thinnest wall or gap.
	cellsPerFeature = 2
)

// ErrResolution is returned when a feature is too thin to mesh within the
// cell limit.
var ErrResolution = errors.New("sdfx: mesh resolution limit exceeded")

// sdfxSolid wraps an sdf.SDF3 to implement kernel.Solid.
type sdfxSolid struct {
	s sdf.SDF3
}

// BoundingBox returns the axis-aligned bounding box.
func (s *sdfxSolid) BoundingBox() (min, max [3]float64) {
	bb := s.s.BoundingBox()
	min = [3]float64{bb.Min.X, bb.Min.Y, bb.Min.Z}
	max = [3]float64{bb.Max.X, bb.Max.Y, bb.Max.Z}
	return min, max
}

// Contains reports whether p lies inside or on the surface of the solid.
func (s *sdfxSolid) Contains(p [3]float64) bool {
	return s.s.Evaluate(v3.Vec{X: p[0], Y: p[1], Z: p[2]}) <= 0
}

// SdfxKernel implements kernel.Kernel using sdfx.
type SdfxKernel struct {
	meshCells    int
	maxMeshCells int
}

// Option configures an SdfxKernel.
type Option func(*SdfxKernel)

// WithMeshCells overrides the marching cubes resolution.
func WithMeshCells(cells int) Option {
	return func(k *SdfxKernel) {
		if cells > 0 {
			k.meshCells = cells
		}
	}
}

// WithMaxMeshCells caps the resolution ToMeshFeature may pick. The cap
// never drops below the mesh cell count.
func WithMaxMeshCells(cells int) Option {
	return func(k *SdfxKernel) {
		if cells > 0 {
			k.maxMeshCells = cells
		}
	}
}

// New returns a new SdfxKernel.
func New(opts ...Option) *SdfxKernel {
	k := &SdfxKernel{meshCells: DefaultMeshCells, maxMeshCells: DefaultMaxMeshCells}
	for _, opt := range opts {
		opt(k)
	}
	if k.maxMeshCells < k.meshCells {
		k.maxMeshCells = k.meshCells
	}
	return k
}

// Name identifies the backend.
func (k *SdfxKernel) Name() string { return "sdfx" }

// MeshCells returns the configured marching cubes resolution.
func (k *SdfxKernel) MeshCells() int { return k.meshCells }

// MaxMeshCells returns the resolution cap of ToMeshFeature.
func (k *SdfxKernel) MaxMeshCells() int { return k.maxMeshCells }

// unwrap extracts the underlying sdf.SDF3 from a kernel.Solid.
func unwrap(s kernel.Solid) (sdf.SDF3, error) {
	ss, ok := s.(*sdfxSolid)
	if !ok || ss == nil {
		return nil, fmt.Errorf("sdfx: foreign solid %T", s)
	}
	return ss.s, nil
}

// wrap creates a kernel.Solid from an sdf.SDF3.
func wrap(s sdf.SDF3) kernel.Solid {
	return &sdfxSolid{s: s}
}

// Box creates a box with the given dimensions. sdf.Box3D centers the box
// at the origin, so it is shifted by half-dimensions to put the minimum
// corner there.
func (k *SdfxKernel) Box(x, y, z float64) (kernel.Solid, error) {
	if x <= 0 || y <= 0 || z <= 0 {
		return nil, fmt.Errorf("sdfx: box dimensions must be positive, got %gx%gx%g", x, y, z)
	}
	s, err := sdf.Box3D(v3.Vec{X: x, Y: y, Z: z}, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Box3D: %w", err)
	}
	m := sdf.Translate3d(v3.Vec{X: x / 2, Y: y / 2, Z: z / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Cylinder creates a +Z cylinder whose base disc is centred on the origin.
// The segments parameter is ignored since SDF represents smooth surfaces.
func (k *SdfxKernel) Cylinder(height, radius float64, segments int) (kernel.Solid, error) {
	if height <= 0 || radius <= 0 {
		return nil, fmt.Errorf("sdfx: cylinder height and radius must be positive, got h=%g r=%g", height, radius)
	}
	s, err := sdf.Cylinder3D(height, radius, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx.Cylinder3D: %w", err)
	}
	m := sdf.Translate3d(v3.Vec{X: 0, Y: 0, Z: height / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Union returns the union of two solids. Repeated unions flatten into a
// single indexed node, so a brick with hundreds of studs and tubes costs a
// handful of child evaluations per sample rather than a walk down the
// whole chain.
func (k *SdfxKernel) Union(a, b kernel.Solid) (kernel.Solid, error) {
	sa, err := unwrap(a)
	if err != nil {
		return nil, err
	}
	sb, err := unwrap(b)
	if err != nil {
		return nil, err
	}
	return wrap(newUnion(sa, sb)), nil
}

// Difference returns the difference a - b.
func (k *SdfxKernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	sa, err := unwrap(a)
	if err != nil {
		return nil, err
	}
	sb, err := unwrap(b)
	if err != nil {
		return nil, err
	}
	return wrap(sdf.Difference3D(sa, sb)), nil
}

// Translate moves a solid by (x, y, z). Translate has no error return, so
// a solid from another kernel is a programming error and panics.
func (k *SdfxKernel) Translate(s kernel.Solid, x, y, z float64) kernel.Solid {
	ss, err := unwrap(s)
	if err != nil {
		panic(fmt.Sprintf("sdfx.Translate: %v", err))
	}
	m := sdf.Translate3d(v3.Vec{X: x, Y: y, Z: z})
	return wrap(sdf.Transform3D(ss, m))
}

// CellsFor returns the resolution ToMeshFeature uses for s: enough cells
// along the longest axis to put cellsPerFeature cells across minFeature,
// and never fewer than MeshCells. It fails with ErrResolution when that
// exceeds MaxMeshCells.
func (k *SdfxKernel) CellsFor(s kernel.Solid, minFeature float64) (int, error) {
	if minFeature <= 0 || math.IsNaN(minFeature) || math.IsInf(minFeature, 0) {
		return 0, fmt.Errorf("sdfx: feature size must be positive, got %g", minFeature)
	}
	min, max := s.BoundingBox()
	longest := math.Max(max[0]-min[0], math.Max(max[1]-min[1], max[2]-min[2]))
	cells := int(math.Ceil(longest * cellsPerFeature / minFeature))
	if cells < k.meshCells {
		cells = k.meshCells
	}
	if cells > k.maxMeshCells {
		return 0, fmt.Errorf("%w: a %.3f mm feature on a %.1f mm part needs %d cells, limit %d",
			ErrResolution, minFeature, longest, cells, k.maxMeshCells)
	}
	return cells, nil
}

// ToMesh converts a solid to a triangle mesh at the configured
// resolution.
func (k *SdfxKernel) ToMesh(s kernel.Solid) (*kernel.Mesh, error) {
	return k.toMesh(s, k.meshCells)
}

// ToMeshFeature converts a solid to a triangle mesh fine enough that walls
// and gaps of minFeature survive marching cubes.
func (k *SdfxKernel) ToMeshFeature(s kernel.Solid, minFeature float64) (*kernel.Mesh, error) {
	if _, err := unwrap(s); err != nil {
		return nil, err
	}
	cells, err := k.CellsFor(s, minFeature)
	if err != nil {
		return nil, err
	}
	return k.toMesh(s, cells)
}

// toMesh runs octree marching cubes: only cubes the surface passes through
// are refined down to the cell size.
func (k *SdfxKernel) toMesh(s kernel.Solid, cells int) (*kernel.Mesh, error) {
	sdf3, err := unwrap(s)
	if err != nil {
		return nil, err
	}

	renderer := render.NewMarchingCubesOctree(cells)
	triangles := render.ToTriangles(sdf3, renderer)

	numTri := len(triangles)
	numVerts := numTri * 3

	vertices := make([]float32, 0, numVerts*3)
	normals := make([]float32, 0, numVerts*3)
	indices := make([]uint32, 0, numVerts)

	for i, tri := range triangles {
		// Compute face normal.
		n := tri.Normal()
		nx := float32(n.X)
		ny := float32(n.Y)
		nz := float32(n.Z)

		for j := 0; j < 3; j++ {
			v := tri[j]
			vertices = append(vertices, float32(v.X), float32(v.Y), float32(v.Z))
			normals = append(normals, nx, ny, nz)
			indices = append(indices, uint32(i*3+j))
		}
	}

	return &kernel.Mesh{
		Vertices: vertices,
		Normals:  normals,
		Indices:  indices,
	}, nil
}
