package export

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chazu/brickforge/pkg/kernel"
)

// Binary STL layout: 80-byte header, uint32 triangle count, then per
// triangle 12 little-endian float32s (normal, three corners) and a
// uint16 attribute count.
const (
	stlHeaderSize   = 80
	stlTriangleSize = 50
)

func writeBinarySTL(w io.Writer, mesh *kernel.Mesh, opts Options) error {
	bw := bufio.NewWriter(w)

	var header [stlHeaderSize]byte
	// A binary header must not start with "solid" or readers take it for ASCII.
	copy(header[:], fmt.Sprintf("brickforge binary stl: %s", opts.Name))
	if _, err := bw.Write(header[:]); err != nil {
		return err
	}

	n := mesh.TriangleCount()
	if uint64(n) > math.MaxUint32 {
		return fmt.Errorf("stl: %d triangles exceed the format limit", n)
	}
	var buf [stlTriangleSize]byte
	binary.LittleEndian.PutUint32(buf[:4], uint32(n))
	if _, err := bw.Write(buf[:4]); err != nil {
		return err
	}

	for t := 0; t < n; t++ {
		normal := mesh.FaceNormal(t)
		a, b, c := mesh.Triangle(t)
		off := 0
		for _, v := range [][3]float64{normal, a, b, c} {
			for i := 0; i < 3; i++ {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v[i])))
				off += 4
			}
		}
		binary.LittleEndian.PutUint16(buf[off:], 0)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeASCIISTL(w io.Writer, mesh *kernel.Mesh, opts Options) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "solid %s\n", opts.Name)
	for t := 0; t < mesh.TriangleCount(); t++ {
		n := mesh.FaceNormal(t)
		a, b, c := mesh.Triangle(t)
		fmt.Fprintf(bw, "  facet normal %e %e %e\n", n[0], n[1], n[2])
		fmt.Fprintf(bw, "    outer loop\n")
		for _, v := range [][3]float64{a, b, c} {
			fmt.Fprintf(bw, "      vertex %e %e %e\n", v[0], v[1], v[2])
		}
		fmt.Fprintf(bw, "    endloop\n")
		fmt.Fprintf(bw, "  endfacet\n")
	}
	fmt.Fprintf(bw, "endsolid %s\n", opts.Name)
	return bw.Flush()
}
