// Package stimulus pre-generates the four directional drifting-bar sweeps
// used to map cortical retinotopy: a dense per-pixel spherical projection of
// the monitor, a moving iso-contour bar in spherical coordinates, and an
// in-bar counter-phase checkerboard.
package stimulus

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry is the canonicalized spatial configuration a library was
// generated from: monitor size and placement relative to the mouse eye.
type Geometry struct {
	WidthPx, HeightPx     int
	WidthCm, HeightCm     float64
	DistanceCm            float64
	LateralAngleDeg       float64
	TiltAngleDeg          float64
}

// StimulusParams is the subset of the `stimulus` parameter group that
// determines library contents.
type StimulusParams struct {
	BarWidthDegrees      float64
	DriftSpeedDegPerSec  float64
	CheckerSizeDegrees   float64
	FlickerHz            float64
	BackgroundLuminance  float64
	TransformMode        string
}

// FieldPoint is the spherical coordinate of one screen pixel relative to the
// eye, expressed as elevation/azimuth in degrees.
type FieldPoint struct {
	ElevationDeg, AzimuthDeg float64
}

// SphericalField maps every pixel of a WidthPx x HeightPx monitor to its
// elevation/azimuth relative to a mouse eye positioned DistanceCm in front
// of the screen center, offset by the lateral and tilt angles. This is the
// spherical correction: it lets a drifting bar subtend a constant visual
// angle at any position on a flat, off-axis screen.
//
// The eye is placed at the origin; the screen plane is rotated by
// LateralAngleDeg about the vertical axis and TiltAngleDeg about the
// horizontal axis, then translated DistanceCm along its own normal.
func SphericalField(g Geometry) [][]FieldPoint {
	field := make([][]FieldPoint, g.HeightPx)

	pxToCmX := g.WidthCm / float64(g.WidthPx)
	pxToCmY := g.HeightCm / float64(g.HeightPx)

	lateral := g.LateralAngleDeg * math.Pi / 180
	tilt := g.TiltAngleDeg * math.Pi / 180

	// Screen-local basis vectors after rotation, in eye space.
	normal := r3.Vec{X: 0, Y: 0, Z: 1}
	right := r3.Vec{X: 1, Y: 0, Z: 0}
	up := r3.Vec{X: 0, Y: 1, Z: 0}

	normal = rotateY(normal, lateral)
	right = rotateY(right, lateral)
	normal = rotateX(normal, tilt)
	right = rotateX(right, tilt)
	up = rotateX(up, tilt)

	center := r3.Scale(g.DistanceCm, normal)

	for row := 0; row < g.HeightPx; row++ {
		field[row] = make([]FieldPoint, g.WidthPx)
		yCm := (float64(row)-float64(g.HeightPx)/2.0 + 0.5) * pxToCmY
		for col := 0; col < g.WidthPx; col++ {
			xCm := (float64(col)-float64(g.WidthPx)/2.0 + 0.5) * pxToCmX

			p := r3.Add(center, r3.Add(r3.Scale(xCm, right), r3.Scale(yCm, up)))
			field[row][col] = cartesianToSpherical(p)
		}
	}
	return field
}

func cartesianToSpherical(p r3.Vec) FieldPoint {
	horizRange := math.Hypot(p.X, p.Z)
	azimuth := math.Atan2(p.X, p.Z) * 180 / math.Pi
	elevation := math.Atan2(p.Y, horizRange) * 180 / math.Pi
	return FieldPoint{ElevationDeg: elevation, AzimuthDeg: azimuth}
}

func rotateY(v r3.Vec, theta float64) r3.Vec {
	c, s := math.Cos(theta), math.Sin(theta)
	return r3.Vec{
		X: c*v.X + s*v.Z,
		Y: v.Y,
		Z: -s*v.X + c*v.Z,
	}
}

func rotateX(v r3.Vec, theta float64) r3.Vec {
	c, s := math.Cos(theta), math.Sin(theta)
	return r3.Vec{
		X: v.X,
		Y: c*v.Y - s*v.Z,
		Z: s*v.Y + c*v.Z,
	}
}

// barMask reports whether the field point at (elevation, azimuth) lies
// inside a bar of barWidthDeg centered at centerDeg, sweeping along axis
// ("azimuth" for LR/RL, "elevation" for TB/BT).
func barMask(fp FieldPoint, axis string, centerDeg, barWidthDeg float64) bool {
	var coord float64
	switch axis {
	case "azimuth":
		coord = fp.AzimuthDeg
	case "elevation":
		coord = fp.ElevationDeg
	}
	half := barWidthDeg / 2
	return coord >= centerDeg-half && coord <= centerDeg+half
}

// checkerPhase returns +1/-1 for the counter-phase checkerboard cell that
// (elevation, azimuth) falls in at the given flicker phase (radians).
func checkerPhase(fp FieldPoint, checkerSizeDeg, flickerPhase float64) float64 {
	ei := math.Floor(fp.ElevationDeg / checkerSizeDeg)
	ai := math.Floor(fp.AzimuthDeg / checkerSizeDeg)
	parity := math.Mod(ei+ai, 2)
	sign := 1.0
	if parity != 0 {
		sign = -1.0
	}
	if math.Sin(flickerPhase) < 0 {
		sign = -sign
	}
	return sign
}
