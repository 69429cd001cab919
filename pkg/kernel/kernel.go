// Package kernel defines the abstract geometry kernel interface.
// Implementations (sdfx, manifold) provide solid primitives and
// boolean operations behind this interface, so the brick builder never
// depends on a particular backend.
package kernel

// Solid is an opaque handle to a geometry kernel solid.
// Implementations wrap their internal representation. A Solid is never
// mutated once created; every operation returns a new handle.
type Solid interface {
	// BoundingBox returns the axis-aligned bounding box.
	BoundingBox() (min, max [3]float64)
}

// Sampler is implemented by solids that can answer point membership
// queries without tessellating.
type Sampler interface {
	Contains(p [3]float64) bool
}

// Kernel is the abstract geometry kernel interface.
//
// Placement conventions shared by all backends:
//   - Box has its minimum corner at the origin.
//   - Cylinder is aligned with +Z, its base disc centred on the origin.
type Kernel interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Primitives
	Box(x, y, z float64) (Solid, error)
	Cylinder(height, radius float64, segments int) (Solid, error)

	// Boolean operations
	Union(a, b Solid) (Solid, error)
	Difference(a, b Solid) (Solid, error)

	// Transforms
	Translate(s Solid, x, y, z float64) Solid

	// Mesh output
	ToMesh(s Solid) (*Mesh, error)
}

// FeatureMesher is implemented by kernels that tessellate by sampling.
// minFeature is the thinnest wall or gap the mesh must keep; a kernel
// that cannot resolve it returns an error rather than dropping geometry.
type FeatureMesher interface {
	ToMeshFeature(s Solid, minFeature float64) (*Mesh, error)
}
