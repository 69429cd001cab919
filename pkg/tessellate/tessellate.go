// Package tessellate turns a built brick model into a triangle mesh
// using the geometry kernel that built it.
package tessellate

import (
	"errors"
	"fmt"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/kernel"
)

// PartName returns the mesh name used for a brick: "brick-LxWxH", with a
// "-smooth" suffix for studless bricks.
func PartName(p brick.Parameters) string {
	name := fmt.Sprintf("brick-%dx%dx%d", p.Length, p.Width, p.Height)
	if !p.WithStuds {
		name += "-smooth"
	}
	return name
}

// Tessellate meshes m.Solid with k. The tessellator is read-only and never
// mutates the model. Sampling kernels are told the brick's thinnest
// feature so tube walls and roofs survive at every size. A kernel error
// or an empty mesh is a KernelFailure.
func Tessellate(k kernel.Kernel, m *brick.Model) (*kernel.Mesh, error) {
	if m == nil || m.Solid == nil {
		return nil, errors.New("tessellate: no model")
	}

	var mesh *kernel.Mesh
	var err error
	if fm, ok := k.(kernel.FeatureMesher); ok {
		mesh, err = fm.ToMeshFeature(m.Solid, m.Params.MinFeature())
	} else {
		mesh, err = k.ToMesh(m.Solid)
	}
	if err != nil {
		return nil, brick.KernelFailure("mesh", fmt.Errorf("tessellate: ToMesh failed for %s: %w", m.Params, err))
	}
	if mesh == nil || mesh.IsEmpty() {
		return nil, brick.KernelFailure("mesh", fmt.Errorf("tessellate: empty mesh for %s", m.Params))
	}
	if len(mesh.Indices)%3 != 0 {
		return nil, brick.KernelFailure("mesh", fmt.Errorf("tessellate: %d indices is not a whole number of triangles", len(mesh.Indices)))
	}

	mesh.PartName = PartName(m.Params)
	return mesh, nil
}

// Stats summarizes a mesh for logs and API responses.
type Stats struct {
	Vertices  int        `json:"vertices"`
	Triangles int        `json:"triangles"`
	Volume    float64    `json:"volume"`
	Min       [3]float64 `json:"min"`
	Max       [3]float64 `json:"max"`
}

// Summarize computes Stats for mesh.
func Summarize(mesh *kernel.Mesh) Stats {
	min, max := mesh.Bounds()
	return Stats{
		Vertices:  mesh.VertexCount(),
		Triangles: mesh.TriangleCount(),
		Volume:    mesh.Volume(),
		Min:       min,
		Max:       max,
	}
}
