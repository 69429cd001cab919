// Package brick builds the solid model of an interlocking toy brick from
// five parameters: stud counts along X and Y, height in plates, whether
// studs are generated, and a signed fit tolerance.
//
// All lengths are millimetres. The geometry profile is fixed; only the
// tolerance adjusts clearance-critical dimensions, and a positive
// tolerance always loosens a fit.
package brick

import (
	"fmt"
	"math"
)

// Geometry profile.
const (
	UnitPitch              = 8.0  // stud-to-stud distance along X and Y
	PlateHeight            = 3.2  // one height unit
	RoofThickness          = 1.0  // solid top above the cavity
	WallThickness          = 1.5  // nominal side wall
	StudDiameter           = 4.8  // top connector
	StudHeight             = 1.8  // top connector
	UnderTubeOuterDiameter = 6.41 // underside socket
	UnderTubeInnerDiameter = 4.8  // underside socket
	Play                   = 0.2  // assembly clearance added to the cavity
)

// AntiCoincidenceMargin is the overshoot applied wherever two boolean
// operands would otherwise share a coplanar face: cavity floor, stud base,
// tube top and tube bore.
const AntiCoincidenceMargin = 0.01

// CylinderSegments is the circular resolution requested from polygonal
// kernels. Implicit kernels ignore it.
const CylinderSegments = 64

// Parameters describes one brick. The zero value is invalid; use
// DefaultParameters or fill every field.
type Parameters struct {
	Length    int     `json:"length" mapstructure:"length"`
	Width     int     `json:"width" mapstructure:"width"`
	Height    int     `json:"height" mapstructure:"height"`
	WithStuds bool    `json:"withStuds" mapstructure:"with_studs"`
	Tolerance float64 `json:"tolerance" mapstructure:"tolerance"`
}

// DefaultParameters returns the classic 3x2 brick.
func DefaultParameters() Parameters {
	return Parameters{Length: 3, Width: 2, Height: 3, WithStuds: true}
}

func (p Parameters) String() string {
	studs := "studs"
	if !p.WithStuds {
		studs = "smooth"
	}
	return fmt.Sprintf("%dx%dx%d %s tol=%+.3f", p.Length, p.Width, p.Height, studs, p.Tolerance)
}

// HasTubes reports whether under-tubes are generated. Tubes need at least
// one interior grid intersection in both directions.
func (p Parameters) HasTubes() bool {
	return p.Length > 1 && p.Width > 1
}

// StudCount returns the number of studs Build places.
func (p Parameters) StudCount() int {
	if !p.WithStuds {
		return 0
	}
	return p.Length * p.Width
}

// TubeCount returns the number of under-tubes Build places.
func (p Parameters) TubeCount() int {
	if !p.HasTubes() {
		return 0
	}
	return (p.Length - 1) * (p.Width - 1)
}

// Dimensions holds every length derived from Parameters.
type Dimensions struct {
	OuterLength float64
	OuterWidth  float64
	OuterHeight float64

	CavityLength float64
	CavityWidth  float64
	CavityHeight float64
	CavityInset  float64 // per side, equals the effective wall thickness

	StudRadius      float64
	TubeOuterRadius float64
	TubeInnerRadius float64
	TubeHeight      float64
}

// Dimensions computes the derived lengths. It does not validate.
func (p Parameters) Dimensions() Dimensions {
	d := Dimensions{
		OuterLength: float64(p.Length) * UnitPitch,
		OuterWidth:  float64(p.Width) * UnitPitch,
		OuterHeight: float64(p.Height) * PlateHeight,
	}
	shrink := 2*WallThickness + Play - 2*p.Tolerance
	d.CavityLength = d.OuterLength - shrink
	d.CavityWidth = d.OuterWidth - shrink
	d.CavityHeight = d.OuterHeight - RoofThickness
	d.CavityInset = shrink / 2

	d.StudRadius = (StudDiameter - 2*p.Tolerance) / 2
	d.TubeOuterRadius = (UnderTubeOuterDiameter - 2*p.Tolerance) / 2
	d.TubeInnerRadius = (UnderTubeInnerDiameter + 2*p.Tolerance) / 2
	d.TubeHeight = d.OuterHeight - RoofThickness + AntiCoincidenceMargin
	return d
}

// Envelope returns the bounding box of the finished, centred brick.
func (p Parameters) Envelope() (min, max [3]float64) {
	d := p.Dimensions()
	top := d.OuterHeight
	if p.WithStuds {
		top += StudHeight
	}
	min = [3]float64{-d.OuterLength / 2, -d.OuterWidth / 2, 0}
	max = [3]float64{d.OuterLength / 2, d.OuterWidth / 2, top}
	return min, max
}

// Validate checks every precondition of Build. Derived dimensions are only
// checked for features that are actually generated: stud radius when
// studs are on, tube radii when tubes are on.
func (p Parameters) Validate() error {
	if p.Length < 1 {
		return invalid("length", "must be at least 1, got %d", p.Length)
	}
	if p.Width < 1 {
		return invalid("width", "must be at least 1, got %d", p.Width)
	}
	if p.Height < 1 {
		return invalid("height", "must be at least 1, got %d", p.Height)
	}
	if math.IsNaN(p.Tolerance) || math.IsInf(p.Tolerance, 0) {
		return invalid("tolerance", "must be finite, got %v", p.Tolerance)
	}

	d := p.Dimensions()
	if d.CavityInset <= 0 {
		return invalid("wall", "tolerance %.3f leaves no side wall (inset %.3f)", p.Tolerance, d.CavityInset)
	}
	if d.CavityLength <= 0 {
		return invalid("cavity_length", "non-positive cavity length %.3f", d.CavityLength)
	}
	if d.CavityWidth <= 0 {
		return invalid("cavity_width", "non-positive cavity width %.3f", d.CavityWidth)
	}
	if d.CavityHeight <= 0 {
		return invalid("cavity_height", "non-positive cavity height %.3f", d.CavityHeight)
	}

	if p.WithStuds {
		if d.StudRadius <= 0 {
			return invalid("stud_radius", "tolerance %.3f gives stud radius %.3f", p.Tolerance, d.StudRadius)
		}
		if 2*d.StudRadius > UnitPitch {
			return invalid("stud_radius", "stud diameter %.3f exceeds the unit pitch", 2*d.StudRadius)
		}
	}

	if p.HasTubes() {
		if d.TubeOuterRadius <= 0 {
			return invalid("tube_outer_radius", "tolerance %.3f gives tube outer radius %.3f", p.Tolerance, d.TubeOuterRadius)
		}
		if d.TubeInnerRadius <= 0 {
			return invalid("tube_inner_radius", "tolerance %.3f gives tube inner radius %.3f", p.Tolerance, d.TubeInnerRadius)
		}
		if d.TubeInnerRadius >= d.TubeOuterRadius {
			return invalid("tube_wall", "inner radius %.3f is not below outer radius %.3f", d.TubeInnerRadius, d.TubeOuterRadius)
		}
	}
	return nil
}

// MinFeature returns the thinnest wall or gap Build produces: the roof and
// side walls, plus the tube wall and the gap between neighbouring tubes
// when tubes are generated. Tubes tight enough to touch merge and leave
// no gap.
func (p Parameters) MinFeature() float64 {
	d := p.Dimensions()
	m := math.Min(RoofThickness, d.CavityInset)
	if p.HasTubes() {
		m = math.Min(m, d.TubeOuterRadius-d.TubeInnerRadius)
		if gap := UnitPitch - 2*d.TubeOuterRadius; gap > 0 && (p.Length > 2 || p.Width > 2) {
			m = math.Min(m, gap)
		}
	}
	return m
}

// Point2 is a position on the XY plane.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StudCenters returns the stud axis positions in build coordinates (brick
// corner at the origin), x-major. Empty when studs are off.
func (p Parameters) StudCenters() []Point2 {
	if !p.WithStuds {
		return nil
	}
	out := make([]Point2, 0, p.StudCount())
	for x := 0; x < p.Length; x++ {
		for y := 0; y < p.Width; y++ {
			out = append(out, Point2{
				X: (float64(x) + 0.5) * UnitPitch,
				Y: (float64(y) + 0.5) * UnitPitch,
			})
		}
	}
	return out
}

// TubeCenters returns the under-tube axis positions in build coordinates,
// x-major: the interior grid intersections. Empty unless HasTubes.
func (p Parameters) TubeCenters() []Point2 {
	if !p.HasTubes() {
		return nil
	}
	out := make([]Point2, 0, p.TubeCount())
	for x := 1; x < p.Length; x++ {
		for y := 1; y < p.Width; y++ {
			out = append(out, Point2{
				X: float64(x) * UnitPitch,
				Y: float64(y) * UnitPitch,
			})
		}
	}
	return out
}
