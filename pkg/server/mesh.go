package server

import (
	"sync"

	"github.com/chazu/brickforge/pkg/kernel"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/chazu/brickforge/pkg/tessellate"
	"github.com/google/uuid"
)

// colorPalette cycles per generation so consecutive builds are easy to
// tell apart in the viewer.
var colorPalette = []string{
	"#C91A09", "#0055BF", "#F2CD37", "#237841",
	"#FE8A18", "#A0A5A9", "#05131D", "#FFFFFF",
}

func colorFor(gen uint64) string {
	if gen == 0 {
		return colorPalette[0]
	}
	return colorPalette[(gen-1)%uint64(len(colorPalette))]
}

// MeshData is the JSON mesh sent to the viewer.
type MeshData struct {
	Vertices   []float32        `json:"vertices"`
	Normals    []float32        `json:"normals"`
	Indices    []uint32         `json:"indices"`
	PartName   string           `json:"partName"`
	Color      string           `json:"color"`
	Generation uint64           `json:"generation"`
	BuildID    string           `json:"buildId"`
	Stats      tessellate.Stats `json:"stats"`
}

// NewMeshData wraps mesh for the viewer. Nil slices become empty arrays.
func NewMeshData(snap *regen.Snapshot, mesh *kernel.Mesh) MeshData {
	d := MeshData{
		Vertices:   mesh.Vertices,
		Normals:    mesh.Normals,
		Indices:    mesh.Indices,
		PartName:   mesh.PartName,
		Color:      colorFor(snap.Generation),
		Generation: snap.Generation,
		BuildID:    snap.BuildID.String(),
		Stats:      tessellate.Summarize(mesh),
	}
	if d.Vertices == nil {
		d.Vertices = []float32{}
	}
	if d.Normals == nil {
		d.Normals = []float32{}
	}
	if d.Indices == nil {
		d.Indices = []uint32{}
	}
	return d
}

// meshMemo keeps the mesh of the most recently requested snapshot.
// Concurrent requests for one build share a single tessellation; the lock
// only guards which build is current, so a slow mesh never blocks requests
// for another build.
type meshMemo struct {
	mu    sync.Mutex
	entry *meshEntry
}

type meshEntry struct {
	id   uuid.UUID
	once sync.Once
	mesh *kernel.Mesh
	err  error
}

func (m *meshMemo) get(k kernel.Kernel, snap *regen.Snapshot) (*kernel.Mesh, error) {
	m.mu.Lock()
	e := m.entry
	if e == nil || e.id != snap.BuildID {
		e = &meshEntry{id: snap.BuildID}
		m.entry = e
	}
	m.mu.Unlock()

	e.once.Do(func() {
		e.mesh, e.err = tessellate.Tessellate(k, snap.Model)
	})
	if e.err != nil {
		// Forget failures so the next request retries.
		m.mu.Lock()
		if m.entry == e {
			m.entry = nil
		}
		m.mu.Unlock()
		return nil, e.err
	}
	return e.mesh, nil
}
