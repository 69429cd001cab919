// Package export serializes brick meshes to exchange formats: binary and
// ASCII STL for printing and viewing, and STEP AP214 faceted B-rep for
// CAD interchange. Output may be zstd-compressed.
//
// Every failure is reported as a brick.ExportFailure. Exporters only read
// the mesh they are given.
package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/kernel"
	"github.com/klauspost/compress/zstd"
)

// Format names an output file format.
type Format string

const (
	STL      Format = "stl"
	STLASCII Format = "stl-ascii"
	STEP     Format = "step"
)

// Formats lists every supported format.
func Formats() []Format { return []Format{STL, STLASCII, STEP} }

// ParseFormat accepts a format name, case-insensitively. "stp" is an alias
// for STEP.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stl":
		return STL, nil
	case "stl-ascii", "ascii-stl":
		return STLASCII, nil
	case "step", "stp":
		return STEP, nil
	}
	return "", fmt.Errorf("export: unknown format %q", s)
}

// Extension returns the file extension, including the dot.
func (f Format) Extension() string {
	if f == STEP {
		return ".step"
	}
	return ".stl"
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == STEP {
		return "application/step"
	}
	return "model/stl"
}

// Compression selects an output stream codec.
type Compression string

const (
	None Compression = "none"
	Zstd Compression = "zstd"
)

// ParseCompression accepts "", "none" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return "", fmt.Errorf("export: unknown compression %q", s)
}

// Options controls one export.
type Options struct {
	Format      Format
	Compression Compression
	// Name is the solid name written into the file.
	Name string
	// Timestamp is written into STEP headers. Zero means time.Now.
	Timestamp time.Time
}

// FileName returns base with the extensions implied by opts.
func FileName(base string, opts Options) string {
	name := base + opts.Format.Extension()
	if opts.Compression == Zstd {
		name += ".zst"
	}
	return name
}

// Write encodes mesh to w.
func Write(w io.Writer, mesh *kernel.Mesh, opts Options) error {
	if err := write(w, mesh, opts); err != nil {
		return brick.ExportFailure(string(opts.Format), err)
	}
	return nil
}

func write(w io.Writer, mesh *kernel.Mesh, opts Options) error {
	if mesh == nil || mesh.IsEmpty() {
		return errors.New("nothing to export: empty mesh")
	}
	if opts.Name == "" {
		opts.Name = mesh.PartName
	}
	if opts.Name == "" {
		opts.Name = "brick"
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now()
	}

	var encode func(io.Writer, *kernel.Mesh, Options) error
	switch opts.Format {
	case STL:
		encode = writeBinarySTL
	case STLASCII:
		encode = writeASCIISTL
	case STEP:
		encode = writeSTEP
	default:
		return fmt.Errorf("unknown format %q", opts.Format)
	}

	switch opts.Compression {
	case "", None:
		return encode(w, mesh, opts)
	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		if err := encode(enc, mesh, opts); err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown compression %q", opts.Compression)
	}
}

// WriteFile writes mesh to path. The file is written under a temporary
// name and renamed into place, so a failed export never leaves a partial
// file behind.
func WriteFile(path string, mesh *kernel.Mesh, opts Options) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".brickforge-*")
	if err != nil {
		return brick.ExportFailure(string(opts.Format), err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, mesh, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return brick.ExportFailure(string(opts.Format), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return brick.ExportFailure(string(opts.Format), err)
	}
	return nil
}
