package galaxyinit

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/integrate"

	"github.com/sandeepkv93/parallel-galaxy-simulation/barneshutsim"
)

// Model selects the surface-brightness profile the disc is sampled from.
type Model int

const (
	// Kepler is a uniform disc of stars on circular orbits around a
	// central black hole.
	Kepler Model = iota
	// Exponential is a Freeman exponential disc; circular speeds come
	// from the Bessel-function rotation law of the disc's own mass.
	Exponential
	// Spiral combines a de Vaucouleurs bulge with an exponential disc of
	// finite thickness around a central black hole.
	Spiral
)

func ParseModel(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "kepler", "kepler_galaxy":
		return Kepler, nil
	case "exponential", "bessel", "bessel_galaxy":
		return Exponential, nil
	case "spiral", "spiral_galaxy":
		return Spiral, nil
	}
	return 0, fmt.Errorf("galaxyinit: unknown galaxy model %q", name)
}

func (m Model) String() string {
	switch m {
	case Kepler:
		return "kepler"
	case Exponential:
		return "exponential"
	case Spiral:
		return "spiral"
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

const (
	MinStarMass   = 1.0
	MaxStarMass   = 50.0
	BlackHoleMass = 4e6

	// Samplers work in a unit cube; the physical disc size is applied by
	// rescaling the gravitational constant, not the coordinates.
	keplerDiscRadius      = 0.4
	exponentialDiscRadius = 0.5
	spiralDiscRadius      = 0.4

	// Radii below this fraction of the cube are clamped to keep circular
	// speeds finite at the center.
	minSampledRadius = 1e-3
)

// DiscCenter is the galaxy origin inside the unit cube.
func DiscCenter() barneshutsim.Vector3D {
	return barneshutsim.Vector3D{X: 0.5, Y: 0.5, Z: 0.5}
}

type DiscConfig struct {
	NumBodies int
	Model     Model
	// Inclination tilts the disc plane; AscendingNode rotates the line of
	// nodes. Both in radians.
	Inclination           float64
	AscendingNode         float64
	GravitationalConstant float64
	Seed                  int64
}

// Generate samples the initial body collection for the configured galaxy
// model. The result is deterministic for a given seed.
func Generate(config DiscConfig) ([]*barneshutsim.Body, error) {
	if config.NumBodies < 2 {
		return nil, fmt.Errorf("galaxyinit: need at least 2 bodies, got %d", config.NumBodies)
	}
	if config.GravitationalConstant <= 0 {
		return nil, fmt.Errorf("galaxyinit: gravitational constant must be positive, got %g",
			config.GravitationalConstant)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	switch config.Model {
	case Kepler:
		return keplerGalaxy(config, rng), nil
	case Exponential:
		return exponentialGalaxy(config, rng), nil
	case Spiral:
		return spiralGalaxy(config, rng), nil
	}
	return nil, fmt.Errorf("galaxyinit: unknown galaxy model %v", config.Model)
}

// sampleRadii draws n radii on (0, 1] with density proportional to f,
// by inverse-transform sampling on a tabulated CDF.
func sampleRadii(rng *rand.Rand, f func(float64) float64, n int) []float64 {
	const gridSize = 2048

	xs := make([]float64, gridSize)
	ys := make([]float64, gridSize)
	for i := range xs {
		xs[i] = float64(i) / float64(gridSize-1)
		ys[i] = f(xs[i])
	}

	norm := integrate.Trapezoidal(xs, ys)
	cdf := make([]float64, gridSize)
	for i := 1; i < gridSize; i++ {
		cdf[i] = cdf[i-1] + 0.5*(ys[i]+ys[i-1])*(xs[i]-xs[i-1])
	}
	for i := range cdf {
		cdf[i] /= norm
	}

	out := make([]float64, n)
	for i := range out {
		u := rng.Float64()
		j := sort.SearchFloat64s(cdf, u)
		switch {
		case j <= 0:
			out[i] = xs[0]
		case j >= gridSize:
			out[i] = xs[gridSize-1]
		default:
			// Linear interpolation inside the bracketing grid cell.
			span := cdf[j] - cdf[j-1]
			frac := 0.0
			if span > 0 {
				frac = (u - cdf[j-1]) / span
			}
			out[i] = xs[j-1] + frac*(xs[j]-xs[j-1])
		}
		if out[i] < minSampledRadius {
			out[i] = minSampledRadius
		}
	}
	return out
}

// discPosition maps disc-plane polar coordinates (r, gamma) into the 3D
// frame tilted by inclination beta and rotated by ascending node alpha.
func discPosition(r, gamma, alpha, beta float64) barneshutsim.Vector3D {
	return barneshutsim.Vector3D{
		X: r * (math.Cos(gamma)*math.Cos(alpha) + math.Sin(gamma)*math.Cos(beta)*math.Sin(alpha)),
		Y: r * (math.Sin(gamma)*math.Cos(beta)*math.Cos(alpha) - math.Cos(gamma)*math.Sin(alpha)),
		Z: r * math.Sin(gamma) * math.Sin(beta),
	}
}

// discTangent is the unit vector of circular motion at disc angle gamma.
func discTangent(gamma, alpha, beta float64) barneshutsim.Vector3D {
	return barneshutsim.Vector3D{
		X: -(math.Sin(gamma)*math.Cos(alpha) - math.Cos(gamma)*math.Cos(beta)*math.Sin(alpha)),
		Y: math.Cos(gamma)*math.Cos(beta)*math.Cos(alpha) + math.Sin(gamma)*math.Sin(alpha),
		Z: math.Cos(gamma) * math.Sin(beta),
	}
}

func keplerGalaxy(config DiscConfig, rng *rand.Rand) []*barneshutsim.Body {
	n := config.NumBodies
	alpha, beta := config.AscendingNode, config.Inclination
	center := DiscCenter()

	radii := sampleRadii(rng, func(x float64) float64 { return x }, n-1)

	bodies := make([]*barneshutsim.Body, n)
	for i := 0; i < n-1; i++ {
		mass := MinStarMass + rng.Float64()*(MaxStarMass-MinStarMass)
		gamma := rng.Float64() * 2 * math.Pi
		r := radii[i] * keplerDiscRadius

		speed := math.Sqrt(config.GravitationalConstant * BlackHoleMass / r)
		position := center.Add(discPosition(r, gamma, alpha, beta))
		velocity := discTangent(gamma, alpha, beta).Mul(speed)
		bodies[i] = barneshutsim.NewBody(i, mass, position, velocity)
	}

	bodies[n-1] = barneshutsim.NewBody(n-1, BlackHoleMass, center, barneshutsim.Vector3D{})
	return bodies
}

func exponentialGalaxy(config DiscConfig, rng *rand.Rand) []*barneshutsim.Body {
	n := config.NumBodies
	alpha, beta := config.AscendingNode, config.Inclination
	center := DiscCenter()

	const scaleLength = 0.1
	radii := sampleRadii(rng, func(x float64) float64 {
		return x * math.Exp(-x/scaleLength)
	}, n)

	masses := make([]float64, n)
	totalMass := 0.0
	for i := range masses {
		masses[i] = MinStarMass + rng.Float64()*(MaxStarMass-MinStarMass)
		totalMass += masses[i]
	}

	// Surface density of the truncated exponential disc.
	rd := scaleLength * exponentialDiscRadius
	rMax := exponentialDiscRadius
	sigma := totalMass / (2 * math.Pi * (rd*rd - rd*(rMax+rd)*math.Exp(-rMax/rd)))

	bodies := make([]*barneshutsim.Body, n)
	for i := 0; i < n; i++ {
		gamma := rng.Float64() * 2 * math.Pi
		r := radii[i] * exponentialDiscRadius

		// Freeman rotation law for an exponential disc.
		y := r / (2 * rd)
		v2 := 4 * math.Pi * config.GravitationalConstant * sigma * y * y *
			(besselI0(y)*besselK0(y) - besselI1(y)*besselK1(y))
		speed := math.Sqrt(math.Max(v2, 0))

		position := center.Add(discPosition(r, gamma, alpha, beta))
		velocity := discTangent(gamma, alpha, beta).Mul(speed)
		bodies[i] = barneshutsim.NewBody(i, masses[i], position, velocity)
	}
	return bodies
}

func spiralGalaxy(config DiscConfig, rng *rand.Rand) []*barneshutsim.Body {
	n := config.NumBodies
	alpha, beta := config.AscendingNode, config.Inclination
	center := DiscCenter()

	const (
		bulgeShape  = 2.5
		discScale   = 0.2
		bulgeRadius = 0.2
		discWidth   = 0.02
		bulgeHeight = 0.072
	)

	bulge := func(x float64) float64 {
		return math.Exp(-math.Pow(x, 0.25) / bulgeShape)
	}
	profile := func(x float64) float64 {
		if x < bulgeRadius {
			return x * bulge(x)
		}
		return x * bulge(bulgeRadius) * math.Exp(-(x-bulgeRadius)/discScale)
	}

	radii := sampleRadii(rng, profile, n-1)

	bodies := make([]*barneshutsim.Body, n)
	for i := 0; i < n-1; i++ {
		gamma := rng.Float64() * 2 * math.Pi
		r := radii[i] * spiralDiscRadius

		// Vertical scatter: an ellipsoidal bulge inside bulgeRadius, a thin
		// slab outside.
		thickness := rng.Float64()*2*discWidth - discWidth
		if r < bulgeRadius*spiralDiscRadius {
			contour := bulgeHeight * math.Sqrt(1-(r/(bulgeRadius*spiralDiscRadius))*(r/(bulgeRadius*spiralDiscRadius)))
			thickness = rng.Float64()*2*contour - contour
		}
		tilted := beta + math.Atan(thickness/r)
		r = math.Sqrt(r*r + thickness*thickness)

		speed := math.Sqrt(config.GravitationalConstant * BlackHoleMass / r)
		position := center.Add(discPosition(r, gamma, alpha, tilted))
		velocity := discTangent(gamma, alpha, tilted).Mul(speed)
		bodies[i] = barneshutsim.NewBody(i, MinStarMass, position, velocity)
	}

	bodies[n-1] = barneshutsim.NewBody(n-1, BlackHoleMass, center, barneshutsim.Vector3D{})
	return bodies
}

// Modified Bessel functions of the first and second kind, orders 0 and 1,
// via the Abramowitz & Stegun 9.8 polynomial approximations. Neither the
// standard library nor gonum provides these.

func besselI0(x float64) float64 {
	ax := math.Abs(x)
	if ax < 3.75 {
		t := x / 3.75
		t *= t
		return 1.0 + t*(3.5156229+t*(3.0899424+t*(1.2067492+
			t*(0.2659732+t*(0.0360768+t*0.0045813)))))
	}
	t := 3.75 / ax
	return (math.Exp(ax) / math.Sqrt(ax)) * (0.39894228 + t*(0.01328592+
		t*(0.00225319+t*(-0.00157565+t*(0.00916281+t*(-0.02057706+
			t*(0.02635537+t*(-0.01647633+t*0.00392377))))))))
}

func besselI1(x float64) float64 {
	ax := math.Abs(x)
	var result float64
	if ax < 3.75 {
		t := x / 3.75
		t *= t
		result = ax * (0.5 + t*(0.87890594+t*(0.51498869+t*(0.15084934+
			t*(0.02658733+t*(0.00301532+t*0.00032411))))))
	} else {
		t := 3.75 / ax
		result = (math.Exp(ax) / math.Sqrt(ax)) * (0.39894228 + t*(-0.03988024+
			t*(-0.00362018+t*(0.00163801+t*(-0.01031555+t*(0.02282967+
				t*(-0.02895312+t*(0.01787654+t*(-0.00420059)))))))))
	}
	if x < 0 {
		return -result
	}
	return result
}

func besselK0(x float64) float64 {
	if x <= 2.0 {
		t := x * x / 4.0
		return -math.Log(x/2.0)*besselI0(x) + (-0.57721566 + t*(0.42278420+
			t*(0.23069756+t*(0.03488590+t*(0.00262698+t*(0.00010750+t*0.0000074))))))
	}
	t := 2.0 / x
	return (math.Exp(-x) / math.Sqrt(x)) * (1.25331414 + t*(-0.07832358+
		t*(0.02189568+t*(-0.01062446+t*(0.00587872+t*(-0.00251540+t*0.00053208))))))
}

func besselK1(x float64) float64 {
	if x <= 2.0 {
		t := x * x / 4.0
		return math.Log(x/2.0)*besselI1(x) + (1.0/x)*(1.0+t*(0.15443144+
			t*(-0.67278579+t*(-0.18156897+t*(-0.01919402+t*(-0.00110404+t*(-0.00004686)))))))
	}
	t := 2.0 / x
	return (math.Exp(-x) / math.Sqrt(x)) * (1.25331414 + t*(0.23498619+
		t*(-0.03655620+t*(0.01504268+t*(-0.00780353+t*(0.00325614+t*(-0.00068245)))))))
}
