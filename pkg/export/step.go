package export

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chazu/brickforge/pkg/kernel"
)

// weld merges vertices with bitwise identical positions and drops
// triangles that collapse or have no area. Marching cubes emits each
// triangle with its own three vertices; a B-rep needs them shared.
func weld(mesh *kernel.Mesh) (points [][3]float64, tris [][3]int) {
	index := make(map[[3]float32]int, mesh.VertexCount())
	lookup := func(i uint32) int {
		key := [3]float32{mesh.Vertices[i*3], mesh.Vertices[i*3+1], mesh.Vertices[i*3+2]}
		if id, ok := index[key]; ok {
			return id
		}
		id := len(points)
		index[key] = id
		points = append(points, mesh.Vertex(i))
		return id
	}

	for t := 0; t < mesh.TriangleCount(); t++ {
		a := lookup(mesh.Indices[t*3])
		b := lookup(mesh.Indices[t*3+1])
		c := lookup(mesh.Indices[t*3+2])
		if a == b || b == c || a == c {
			continue
		}
		if mesh.FaceNormal(t) == ([3]float64{}) {
			continue
		}
		tris = append(tris, [3]int{a, b, c})
	}
	return points, tris
}

// stepWriter numbers entity instances as they are written.
type stepWriter struct {
	w    *bufio.Writer
	next int
}

func (s *stepWriter) entity(format string, args ...any) int {
	s.next++
	fmt.Fprintf(s.w, "#%d=", s.next)
	fmt.Fprintf(s.w, format, args...)
	s.w.WriteString(";\n")
	return s.next
}

// stepReal formats a REAL at the given float precision; Part 21 requires
// the decimal point.
func stepReal(v float64, bits int) string {
	if v == 0 {
		return "0."
	}
	s := strconv.FormatFloat(v, 'f', -1, bits)
	if !strings.Contains(s, ".") {
		s += "."
	}
	return s
}

func stepTriple(v [3]float64, bits int) string {
	return "(" + stepReal(v[0], bits) + "," + stepReal(v[1], bits) + "," + stepReal(v[2], bits) + ")"
}

func stepString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func refList(ids []int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("#")
		b.WriteString(strconv.Itoa(id))
	}
	b.WriteByte(')')
	return b.String()
}

// writeSTEP writes an ISO 10303-21 file with AP214 schema holding one
// FACETED_BREP. Each triangle is a FACE_SURFACE on its own PLANE bounded
// by a POLY_LOOP over shared CARTESIAN_POINTs; all faces form one
// CLOSED_SHELL. Units are millimetres.
func writeSTEP(w io.Writer, mesh *kernel.Mesh, opts Options) error {
	points, tris := weld(mesh)
	if len(tris) == 0 {
		return fmt.Errorf("step: mesh has no non-degenerate triangles")
	}

	bw := bufio.NewWriter(w)
	name := stepString(opts.Name)

	bw.WriteString("ISO-10303-21;\n")
	bw.WriteString("HEADER;\n")
	bw.WriteString("FILE_DESCRIPTION(('brickforge faceted brep'),'2;1');\n")
	fmt.Fprintf(bw, "FILE_NAME(%s,'%s',(''),(''),'brickforge','brickforge','');\n",
		stepString(opts.Name+".step"), opts.Timestamp.UTC().Format(time.RFC3339))
	bw.WriteString("FILE_SCHEMA(('AUTOMOTIVE_DESIGN { 1 0 10303 214 1 1 1 1 }'));\n")
	bw.WriteString("ENDSEC;\n")
	bw.WriteString("DATA;\n")

	s := &stepWriter{w: bw}

	appCtx := s.entity("APPLICATION_CONTEXT('automotive design')")
	s.entity("APPLICATION_PROTOCOL_DEFINITION('international standard','automotive_design',2000,#%d)", appCtx)
	prodCtx := s.entity("PRODUCT_CONTEXT('',#%d,'mechanical')", appCtx)
	product := s.entity("PRODUCT(%s,%s,'',(#%d))", name, name, prodCtx)
	formation := s.entity("PRODUCT_DEFINITION_FORMATION('','',#%d)", product)
	defCtx := s.entity("PRODUCT_DEFINITION_CONTEXT('part definition',#%d,'design')", appCtx)
	definition := s.entity("PRODUCT_DEFINITION('design','',#%d,#%d)", formation, defCtx)
	shapeDef := s.entity("PRODUCT_DEFINITION_SHAPE('','',#%d)", definition)

	length := s.entity("(LENGTH_UNIT()NAMED_UNIT(*)SI_UNIT(.MILLI.,.METRE.))")
	angle := s.entity("(NAMED_UNIT(*)PLANE_ANGLE_UNIT()SI_UNIT($,.RADIAN.))")
	solidAngle := s.entity("(NAMED_UNIT(*)SI_UNIT($,.STERADIAN.)SOLID_ANGLE_UNIT())")
	uncertainty := s.entity("UNCERTAINTY_MEASURE_WITH_UNIT(LENGTH_MEASURE(1.E-06),#%d,'distance_accuracy_value','confusion accuracy')", length)
	geomCtx := s.entity("(GEOMETRIC_REPRESENTATION_CONTEXT(3)GLOBAL_UNCERTAINTY_ASSIGNED_CONTEXT((#%d))"+
		"GLOBAL_UNIT_ASSIGNED_CONTEXT((#%d,#%d,#%d))REPRESENTATION_CONTEXT('Context #1','3D Context with UNIT and UNCERTAINTY'))",
		uncertainty, length, angle, solidAngle)

	origin := s.entity("CARTESIAN_POINT('',(0.,0.,0.))")
	zAxis := s.entity("DIRECTION('',(0.,0.,1.))")
	xAxis := s.entity("DIRECTION('',(1.,0.,0.))")
	placement := s.entity("AXIS2_PLACEMENT_3D('',#%d,#%d,#%d)", origin, zAxis, xAxis)

	pointIDs := make([]int, len(points))
	for i, p := range points {
		pointIDs[i] = s.entity("CARTESIAN_POINT('',%s)", stepTriple(p, 32))
	}

	faces := make([]int, 0, len(tris))
	for _, tri := range tris {
		a, b, c := points[tri[0]], points[tri[1]], points[tri[2]]
		normal, ref := planeFrame(a, b, c)

		loop := s.entity("POLY_LOOP('',%s)", refList([]int{pointIDs[tri[0]], pointIDs[tri[1]], pointIDs[tri[2]]}))
		bound := s.entity("FACE_OUTER_BOUND('',#%d,.T.)", loop)
		nDir := s.entity("DIRECTION('',%s)", stepTriple(normal, 64))
		rDir := s.entity("DIRECTION('',%s)", stepTriple(ref, 64))
		frame := s.entity("AXIS2_PLACEMENT_3D('',#%d,#%d,#%d)", pointIDs[tri[0]], nDir, rDir)
		plane := s.entity("PLANE('',#%d)", frame)
		faces = append(faces, s.entity("FACE_SURFACE('',(#%d),#%d,.T.)", bound, plane))
	}

	shell := s.entity("CLOSED_SHELL('',%s)", refList(faces))
	brep := s.entity("FACETED_BREP(%s,#%d)", name, shell)
	rep := s.entity("FACETED_BREP_SHAPE_REPRESENTATION(%s,(#%d,#%d),#%d)", name, brep, placement, geomCtx)
	s.entity("SHAPE_DEFINITION_REPRESENTATION(#%d,#%d)", shapeDef, rep)

	bw.WriteString("ENDSEC;\n")
	bw.WriteString("END-ISO-10303-21;\n")
	return bw.Flush()
}

// planeFrame returns the unit normal of triangle abc and a unit reference
// direction in its plane along edge ab.
func planeFrame(a, b, c [3]float64) (normal, ref [3]float64) {
	e1 := [3]float64{b[0] - a[0], b[1] - a[1], b[2] - a[2]}
	e2 := [3]float64{c[0] - a[0], c[1] - a[1], c[2] - a[2]}
	normal = unit([3]float64{
		e1[1]*e2[2] - e1[2]*e2[1],
		e1[2]*e2[0] - e1[0]*e2[2],
		e1[0]*e2[1] - e1[1]*e2[0],
	})
	return normal, unit(e1)
}

func unit(v [3]float64) [3]float64 {
	l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if l == 0 {
		return v
	}
	return [3]float64{v[0] / l, v[1] / l, v[2] / l}
}
