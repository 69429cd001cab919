package sdfx

import (
	"math"
	"sync"

	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

const (
	// minIndexed is the child count below which a union is scanned
	// linearly.
	minIndexed = 8
	// maxGridSide caps the bucket grid along X and Y.
	maxGridSide = 256
)

// union is an n-ary sdf.SDF3 union. Nested unions are flattened, and
// children are bucketed on an XY grid so a sample only evaluates the
// children that can still lower the distance. The result is the same
// minimum sdf.Union3D computes.
type union struct {
	children []sdf.SDF3
	boxes    []sdf.Box3
	bb       sdf.Box3

	once sync.Once
	grid *bucketGrid
}

type bucketGrid struct {
	x0, y0 float64
	cell   float64
	nx, ny int
	cells  [][]int // child indices whose XY box overlaps the cell, x-major
}

// newUnion flattens parts into one union. The parts are not modified.
func newUnion(parts ...sdf.SDF3) *union {
	u := &union{}
	for _, s := range parts {
		if su, ok := s.(*union); ok {
			u.children = append(u.children, su.children...)
			u.boxes = append(u.boxes, su.boxes...)
			continue
		}
		u.children = append(u.children, s)
		u.boxes = append(u.boxes, s.BoundingBox())
	}
	u.bb = u.boxes[0]
	for _, b := range u.boxes[1:] {
		u.bb = u.bb.Extend(b)
	}
	return u
}

// BoundingBox returns the bounding box of all children.
func (u *union) BoundingBox() sdf.Box3 { return u.bb }

// Evaluate returns the minimum child distance at p.
func (u *union) Evaluate(p v3.Vec) float64 {
	u.once.Do(u.index)

	d := math.Inf(1)
	if g := u.grid; g != nil {
		ix := int(math.Floor((p.X - g.x0) / g.cell))
		iy := int(math.Floor((p.Y - g.y0) / g.cell))
		if ix >= 0 && ix < g.nx && iy >= 0 && iy < g.ny {
			for _, i := range g.cells[ix*g.ny+iy] {
				d = u.visit(i, p, d)
			}
			// A child outside this cell is at least as far away as the
			// nearest cell edge, so it cannot beat d.
			x0 := g.x0 + float64(ix)*g.cell
			y0 := g.y0 + float64(iy)*g.cell
			edge := math.Min(
				math.Min(p.X-x0, x0+g.cell-p.X),
				math.Min(p.Y-y0, y0+g.cell-p.Y),
			)
			if d <= edge {
				return d
			}
		}
	}
	for i := range u.children {
		d = u.visit(i, p, d)
	}
	return d
}

// visit folds child i into d. A child whose box is strictly outside p and
// no nearer than d is skipped: its distance is at least the box distance.
func (u *union) visit(i int, p v3.Vec, d float64) float64 {
	if bd := boxDistance(u.boxes[i], p); bd > 0 && bd >= d {
		return d
	}
	return math.Min(d, u.children[i].Evaluate(p))
}

// index builds the bucket grid. The cell size is the XY extent of the
// largest child that is small compared to the whole union; children
// spanning most of the union (a shell, say) land in every cell.
func (u *union) index() {
	if len(u.children) < minIndexed {
		return
	}
	size := u.bb.Size()
	span := math.Max(size.X, size.Y)
	var cell float64
	for _, b := range u.boxes {
		s := b.Size()
		if ext := math.Max(s.X, s.Y); ext < span/2 {
			cell = math.Max(cell, ext)
		}
	}
	if cell <= 0 {
		return
	}
	cell = math.Max(cell, span/maxGridSide)

	g := &bucketGrid{
		x0:   u.bb.Min.X,
		y0:   u.bb.Min.Y,
		cell: cell,
		nx:   int(math.Ceil(size.X/cell)) + 1,
		ny:   int(math.Ceil(size.Y/cell)) + 1,
	}
	g.cells = make([][]int, g.nx*g.ny)
	for i, b := range u.boxes {
		x1, x2 := g.clamp(b.Min.X, g.x0, g.nx), g.clamp(b.Max.X, g.x0, g.nx)
		y1, y2 := g.clamp(b.Min.Y, g.y0, g.ny), g.clamp(b.Max.Y, g.y0, g.ny)
		for x := x1; x <= x2; x++ {
			for y := y1; y <= y2; y++ {
				g.cells[x*g.ny+y] = append(g.cells[x*g.ny+y], i)
			}
		}
	}
	u.grid = g
}

func (g *bucketGrid) clamp(v, origin float64, n int) int {
	i := int(math.Floor((v - origin) / g.cell))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// boxDistance returns the Euclidean distance from p to b, zero inside.
func boxDistance(b sdf.Box3, p v3.Vec) float64 {
	dx := math.Max(math.Max(b.Min.X-p.X, p.X-b.Max.X), 0)
	dy := math.Max(math.Max(b.Min.Y-p.Y, p.Y-b.Max.Y), 0)
	dz := math.Max(math.Max(b.Min.Z-p.Z, p.Z-b.Max.Z), 0)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
