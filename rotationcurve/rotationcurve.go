package rotationcurve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sandeepkv93/parallel-galaxy-simulation/barneshutsim"
)

// Derives galaxy rotation curves from simulation snapshots: for each
// body, its distance from the disc center and its tangential speed
// about the disc normal. Flat curves at large radii are the classic
// observational signature this simulation reproduces.

// Point pairs one body's disc radius with its tangential speed.
type Point struct {
	Radius float64
	Speed  float64
}

// DiscNormal returns the unit normal of a disc rotated by ascendingNode
// (alpha) and tilted by inclination (beta), the orientation galaxyinit
// embeds discs with. The construction requires |tan(alpha)| <= 1.
func DiscNormal(ascendingNode, inclination float64) (barneshutsim.Vector3D, error) {
	t := math.Tan(ascendingNode)
	if t*t > 1 {
		return barneshutsim.Vector3D{}, fmt.Errorf("rotationcurve: ascending node %g has |tan| > 1, no disc normal", ascendingNode)
	}
	return barneshutsim.Vector3D{
		X: math.Sqrt(1-t*t) * math.Sin(inclination),
		Y: t * math.Sin(inclination),
		Z: math.Cos(inclination),
	}, nil
}

// Compute returns the per-body rotation-curve points of a snapshot.
// Both radius and speed are multiplied by scale, which converts
// simulation units to physical ones (pass 1 to keep them as-is).
func Compute(positions, velocities []barneshutsim.Vector3D, center, normal barneshutsim.Vector3D, scale float64) ([]Point, error) {
	if len(positions) != len(velocities) {
		return nil, fmt.Errorf("rotationcurve: %d positions but %d velocities", len(positions), len(velocities))
	}
	if scale <= 0 {
		return nil, fmt.Errorf("rotationcurve: scale must be positive, got %g", scale)
	}

	points := make([]Point, len(positions))
	for i := range positions {
		radial := positions[i].Sub(center)
		r := radial.Magnitude()
		if r == 0 {
			// A body sitting exactly at the center (the black hole) has
			// no defined tangent direction.
			continue
		}
		vt := math.Abs(velocities[i].Dot(radial.Cross(normal))) / r
		points[i] = Point{Radius: r * scale, Speed: vt * scale}
	}
	return points, nil
}

// Columns splits points into parallel radius and speed slices, the
// layout the snapshot tables are written in.
func Columns(points []Point) (radii, speeds []float64) {
	radii = make([]float64, len(points))
	speeds = make([]float64, len(points))
	for i, p := range points {
		radii[i] = p.Radius
		speeds[i] = p.Speed
	}
	return radii, speeds
}

// Curve is a binned rotation curve: bin-center radii with the mean
// tangential speed of the bodies falling in each bin. Empty bins are
// omitted.
type Curve struct {
	Radii  []float64
	Speeds []float64
}

// Bin averages points into numBins equal-width radial bins spanning
// [0, max radius].
func Bin(points []Point, numBins int) (Curve, error) {
	if numBins <= 0 {
		return Curve{}, fmt.Errorf("rotationcurve: number of bins must be positive, got %d", numBins)
	}
	if len(points) == 0 {
		return Curve{}, fmt.Errorf("rotationcurve: no points to bin")
	}

	radii, _ := Columns(points)
	maxRadius := floats.Max(radii)
	if maxRadius <= 0 {
		return Curve{}, fmt.Errorf("rotationcurve: all points at zero radius")
	}
	width := maxRadius / float64(numBins)

	binned := make([][]float64, numBins)
	for _, p := range points {
		idx := int(p.Radius / width)
		if idx >= numBins {
			idx = numBins - 1
		}
		binned[idx] = append(binned[idx], p.Speed)
	}

	var curve Curve
	for i, speeds := range binned {
		if len(speeds) == 0 {
			continue
		}
		curve.Radii = append(curve.Radii, (float64(i)+0.5)*width)
		curve.Speeds = append(curve.Speeds, stat.Mean(speeds, nil))
	}
	return curve, nil
}
