package barneshutsim

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// GravitationalConstantKpcGyr is Newton's constant in kpc^3 Msun^-1 Gyr^-2,
// the unit system used by the galaxy models.
const GravitationalConstantKpcGyr = 4.4985022e-6

// DefaultMaxOctreeDepth bounds subdivision so that numerically coincident
// bodies end up sharing a leaf instead of recursing forever.
const DefaultMaxOctreeDepth = 40

type Vector3D struct {
	X, Y, Z float64
}

func (v Vector3D) Add(other Vector3D) Vector3D {
	return Vector3D{v.X + other.X, v.Y + other.Y, v.Z + other.Z}
}

func (v Vector3D) Sub(other Vector3D) Vector3D {
	return Vector3D{v.X - other.X, v.Y - other.Y, v.Z - other.Z}
}

func (v Vector3D) Mul(scalar float64) Vector3D {
	return Vector3D{v.X * scalar, v.Y * scalar, v.Z * scalar}
}

func (v Vector3D) Div(scalar float64) Vector3D {
	return Vector3D{v.X / scalar, v.Y / scalar, v.Z / scalar}
}

func (v Vector3D) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector3D) MagnitudeSq() float64 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

func (v Vector3D) Normalize() Vector3D {
	mag := v.Magnitude()
	if mag == 0 {
		return Vector3D{0, 0, 0}
	}
	return v.Div(mag)
}

func (v Vector3D) Distance(other Vector3D) float64 {
	return v.Sub(other).Magnitude()
}

func (v Vector3D) DistanceSq(other Vector3D) float64 {
	return v.Sub(other).MagnitudeSq()
}

func (v Vector3D) Dot(other Vector3D) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

func (v Vector3D) Cross(other Vector3D) Vector3D {
	return Vector3D{
		v.Y*other.Z - v.Z*other.Y,
		v.Z*other.X - v.X*other.Z,
		v.X*other.Y - v.Y*other.X,
	}
}

func (v Vector3D) IsFinite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

type Body struct {
	ID           int
	Mass         float64
	Position     Vector3D
	Velocity     Vector3D
	Acceleration Vector3D
}

func NewBody(id int, mass float64, position, velocity Vector3D) *Body {
	return &Body{
		ID:       id,
		Mass:     mass,
		Position: position,
		Velocity: velocity,
	}
}

func (b *Body) KineticEnergy() float64 {
	return 0.5 * b.Mass * b.Velocity.MagnitudeSq()
}

func (b *Body) Momentum() Vector3D {
	return b.Velocity.Mul(b.Mass)
}

type nodeKind uint8

const (
	emptyNode nodeKind = iota
	leafNode
	internalNode
)

// octreeNode is one arena slot. A leaf normally holds exactly one body
// index; only a leaf at the maximum depth may hold several (numerically
// coincident bodies). massPos accumulates mass-weighted positions so the
// center of mass is massPos/mass.
type octreeNode struct {
	kind      nodeKind
	center    Vector3D
	halfWidth float64
	mass      float64
	massPos   Vector3D
	bodies    []int32
	children  [8]int32
}

type Octree struct {
	nodes    []octreeNode
	bodies   []*Body
	maxDepth int
	root     int32
}

// BuildOctree constructs a fresh octree over the current body positions.
// The root cube encloses all bodies with a margin so no position lands
// exactly on a boundary. The tree borrows the body slice read-only and
// must not outlive the iteration that built it.
func BuildOctree(bodies []*Body, maxDepth int) (*Octree, error) {
	if len(bodies) == 0 {
		return nil, fmt.Errorf("octree: cannot build from zero bodies")
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxOctreeDepth
	}

	min := bodies[0].Position
	max := bodies[0].Position
	for i, b := range bodies {
		if !b.Position.IsFinite() {
			return nil, fmt.Errorf("octree: body %d has non-finite position %+v", i, b.Position)
		}
		min.X = math.Min(min.X, b.Position.X)
		min.Y = math.Min(min.Y, b.Position.Y)
		min.Z = math.Min(min.Z, b.Position.Z)
		max.X = math.Max(max.X, b.Position.X)
		max.Y = math.Max(max.Y, b.Position.Y)
		max.Z = math.Max(max.Z, b.Position.Z)
	}

	center := min.Add(max).Mul(0.5)
	extent := math.Max(max.X-min.X, math.Max(max.Y-min.Y, max.Z-min.Z))
	halfWidth := 0.5*extent*1.0001 + 1e-12
	if halfWidth <= 0 || math.IsInf(halfWidth, 0) {
		return nil, fmt.Errorf("octree: degenerate bounding cube (extent %g)", extent)
	}

	t := &Octree{
		nodes:    make([]octreeNode, 0, 2*len(bodies)),
		bodies:   bodies,
		maxDepth: maxDepth,
	}
	t.root = t.newNode(center, halfWidth)

	for i := range bodies {
		if err := t.insert(t.root, int32(i), 0); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Octree) newNode(center Vector3D, halfWidth float64) int32 {
	n := octreeNode{kind: emptyNode, center: center, halfWidth: halfWidth}
	for i := range n.children {
		n.children[i] = -1
	}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1)
}

func (t *Octree) insert(nodeIdx, bodyIdx int32, depth int) error {
	b := t.bodies[bodyIdx]
	n := &t.nodes[nodeIdx]
	n.mass += b.Mass
	n.massPos = n.massPos.Add(b.Position.Mul(b.Mass))

	switch n.kind {
	case emptyNode:
		n.kind = leafNode
		n.bodies = append(n.bodies, bodyIdx)
		return nil

	case leafNode:
		if depth >= t.maxDepth {
			// Colocated bodies share the leaf instead of subdividing further.
			n.bodies = append(n.bodies, bodyIdx)
			return nil
		}
		resident := n.bodies[0]
		if len(n.bodies) != 1 {
			return fmt.Errorf("octree: leaf below depth cap holds %d bodies (first body %d)",
				len(n.bodies), t.bodies[resident].ID)
		}
		n.kind = internalNode
		n.bodies = nil
		if err := t.insertIntoOctant(nodeIdx, resident, depth); err != nil {
			return err
		}
		return t.insertIntoOctant(nodeIdx, bodyIdx, depth)

	case internalNode:
		return t.insertIntoOctant(nodeIdx, bodyIdx, depth)
	}
	return fmt.Errorf("octree: node %d has invalid kind %d", nodeIdx, n.kind)
}

// insertIntoOctant descends into the child octant containing the body,
// creating the child node on first use. Aggregates of the current node are
// untouched: insert adds them at the child level.
func (t *Octree) insertIntoOctant(parentIdx, bodyIdx int32, parentDepth int) error {
	p := t.nodes[parentIdx]
	pos := t.bodies[bodyIdx].Position

	oct := 0
	if pos.X >= p.center.X {
		oct |= 1
	}
	if pos.Y >= p.center.Y {
		oct |= 2
	}
	if pos.Z >= p.center.Z {
		oct |= 4
	}

	child := p.children[oct]
	if child < 0 {
		quarter := 0.5 * p.halfWidth
		childCenter := p.center
		if oct&1 != 0 {
			childCenter.X += quarter
		} else {
			childCenter.X -= quarter
		}
		if oct&2 != 0 {
			childCenter.Y += quarter
		} else {
			childCenter.Y -= quarter
		}
		if oct&4 != 0 {
			childCenter.Z += quarter
		} else {
			childCenter.Z -= quarter
		}
		child = t.newNode(childCenter, quarter)
		t.nodes[parentIdx].children[oct] = child
	}
	return t.insert(child, bodyIdx, parentDepth+1)
}

// TotalMass is the aggregate mass held by the root.
func (t *Octree) TotalMass() float64 {
	return t.nodes[t.root].mass
}

// CenterOfMass is the mass-weighted mean position of all inserted bodies.
func (t *Octree) CenterOfMass() Vector3D {
	root := t.nodes[t.root]
	return root.massPos.Div(root.mass)
}

func (t *Octree) NodeCount() int {
	return len(t.nodes)
}

// Leaves enumerates the body indices stored in all occupied leaves, in
// traversal order. Every inserted body appears exactly once.
func (t *Octree) Leaves() []int {
	out := make([]int, 0, len(t.bodies))
	stack := []int32{t.root}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[idx]
		switch n.kind {
		case leafNode:
			for _, bi := range n.bodies {
				out = append(out, int(bi))
			}
		case internalNode:
			for _, c := range n.children {
				if c >= 0 {
					stack = append(stack, c)
				}
			}
		}
	}
	return out
}

// ForceEvaluator computes approximate gravitational accelerations by
// traversing an octree under the theta criterion. Theta = 0 disables the
// approximation entirely and reproduces the exact pairwise sum.
type ForceEvaluator struct {
	Theta                 float64
	GravitationalConstant float64
	SofteningLength       float64
}

func (fe *ForceEvaluator) AccelerationOn(tree *Octree, target int) Vector3D {
	return fe.accelerate(tree, tree.root, int32(target))
}

func (fe *ForceEvaluator) accelerate(t *Octree, nodeIdx, target int32) Vector3D {
	n := &t.nodes[nodeIdx]
	pos := t.bodies[target].Position

	switch n.kind {
	case emptyNode:
		return Vector3D{}

	case leafNode:
		var acc Vector3D
		for _, bi := range n.bodies {
			if bi == target {
				continue
			}
			src := t.bodies[bi]
			acc = acc.Add(fe.pointAcceleration(pos, src.Position, src.Mass))
		}
		return acc

	default:
		com := n.massPos.Div(n.mass)
		d := pos.Distance(com)
		// s/d < theta: the whole subtree acts as one point mass at its
		// center of mass. Strict inequality keeps theta = 0 exact.
		if 2*n.halfWidth < d*fe.Theta {
			return fe.pointAcceleration(pos, com, n.mass)
		}
		var acc Vector3D
		for _, c := range n.children {
			if c >= 0 {
				acc = acc.Add(fe.accelerate(t, c, target))
			}
		}
		return acc
	}
}

// DirectAcceleration is the O(N^2) pairwise sum over all other bodies,
// kept as a correctness oracle for the tree traversal.
func (fe *ForceEvaluator) DirectAcceleration(bodies []*Body, target int) Vector3D {
	var acc Vector3D
	pos := bodies[target].Position
	for i, src := range bodies {
		if i == target {
			continue
		}
		acc = acc.Add(fe.pointAcceleration(pos, src.Position, src.Mass))
	}
	return acc
}

func (fe *ForceEvaluator) pointAcceleration(at, source Vector3D, mass float64) Vector3D {
	r := source.Sub(at)
	// Softening in quadrature keeps the force finite at near-zero separation.
	dist2 := r.MagnitudeSq() + fe.SofteningLength*fe.SofteningLength
	if dist2 == 0 {
		return Vector3D{}
	}
	return r.Normalize().Mul(fe.GravitationalConstant * mass / dist2)
}

type SimulationConfig struct {
	NumWorkers            int
	TimeStep              float64
	Theta                 float64
	GravitationalConstant float64
	SofteningLength       float64
	MaxOctreeDepth        int
	NumIterations         int
	OutputFrequency       int
	LogEvery              int
}

// Snapshot is an immutable copy of the body state handed to the
// persistence collaborator. Writers must not mutate it.
type Snapshot struct {
	Iteration  int
	Time       float64
	Masses     []float64
	Positions  []Vector3D
	Velocities []Vector3D
}

type SnapshotWriter interface {
	WriteSnapshot(snap Snapshot) error
}

// Simulation owns the body collection for the lifetime of a run and
// advances it with a kick-drift-kick leapfrog, rebuilding the octree from
// scratch every step.
type Simulation struct {
	bodies         []*Body
	config         SimulationConfig
	evaluator      ForceEvaluator
	writer         SnapshotWriter
	currentTime    float64
	completedSteps int
	primed         bool
}

func NewSimulation(config SimulationConfig, bodies []*Body) (*Simulation, error) {
	if len(bodies) == 0 {
		return nil, fmt.Errorf("simulation: no bodies")
	}
	if config.TimeStep <= 0 {
		return nil, fmt.Errorf("simulation: time step must be positive, got %g", config.TimeStep)
	}
	if config.Theta < 0 {
		return nil, fmt.Errorf("simulation: theta must be non-negative, got %g", config.Theta)
	}
	if config.GravitationalConstant <= 0 {
		return nil, fmt.Errorf("simulation: gravitational constant must be positive, got %g", config.GravitationalConstant)
	}
	if config.SofteningLength < 0 {
		return nil, fmt.Errorf("simulation: softening length must be non-negative, got %g", config.SofteningLength)
	}
	if config.NumIterations < 0 {
		return nil, fmt.Errorf("simulation: iteration count must be non-negative, got %d", config.NumIterations)
	}
	for i, b := range bodies {
		if b.Mass <= 0 {
			return nil, fmt.Errorf("simulation: body %d has non-positive mass %g", i, b.Mass)
		}
		if !b.Position.IsFinite() || !b.Velocity.IsFinite() {
			return nil, fmt.Errorf("simulation: body %d has non-finite state", i)
		}
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.MaxOctreeDepth <= 0 {
		config.MaxOctreeDepth = DefaultMaxOctreeDepth
	}
	if config.OutputFrequency <= 0 {
		config.OutputFrequency = 1
	}

	return &Simulation{
		bodies: bodies,
		config: config,
		evaluator: ForceEvaluator{
			Theta:                 config.Theta,
			GravitationalConstant: config.GravitationalConstant,
			SofteningLength:       config.SofteningLength,
		},
	}, nil
}

func (s *Simulation) SetSnapshotWriter(writer SnapshotWriter) {
	s.writer = writer
}

func (s *Simulation) BodyCount() int {
	return len(s.bodies)
}

func (s *Simulation) CurrentTime() float64 {
	return s.currentTime
}

func (s *Simulation) CompletedSteps() int {
	return s.completedSteps
}

func (s *Simulation) NumWorkers() int {
	return s.config.NumWorkers
}

// Step advances every body by one kick-drift-kick iteration:
//
//	v += a*dt/2
//	x += v*dt
//	rebuild tree, a = force(x)
//	v += a*dt/2
//
// Force evaluation and integration fan out over index-range chunks; the
// tree build itself stays single threaded.
func (s *Simulation) Step() error {
	if !s.primed {
		if err := s.refreshAccelerations(); err != nil {
			return err
		}
		s.primed = true
	}

	halfDt := 0.5 * s.config.TimeStep
	s.forEachBody(func(b *Body) {
		b.Velocity = b.Velocity.Add(b.Acceleration.Mul(halfDt))
		b.Position = b.Position.Add(b.Velocity.Mul(s.config.TimeStep))
	})

	if err := s.refreshAccelerations(); err != nil {
		return err
	}

	s.forEachBody(func(b *Body) {
		b.Velocity = b.Velocity.Add(b.Acceleration.Mul(halfDt))
	})

	s.currentTime += s.config.TimeStep
	s.completedSteps++
	return nil
}

func (s *Simulation) refreshAccelerations() error {
	tree, err := BuildOctree(s.bodies, s.config.MaxOctreeDepth)
	if err != nil {
		return fmt.Errorf("simulation step %d: %w", s.completedSteps, err)
	}
	s.forEachIndex(func(i int) {
		s.bodies[i].Acceleration = s.evaluator.AccelerationOn(tree, i)
	})
	return nil
}

func (s *Simulation) forEachBody(fn func(*Body)) {
	s.forEachIndex(func(i int) { fn(s.bodies[i]) })
}

func (s *Simulation) forEachIndex(fn func(int)) {
	n := len(s.bodies)
	workers := s.config.NumWorkers
	if workers <= 1 || n < 2*workers {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Run executes the configured number of iterations. Cancellation is
// observed only at iteration boundaries so a step never operates on a
// half-updated snapshot. Snapshots are copied and handed to the writer
// through a buffered channel so persistence does not serialize the next
// tree rebuild.
func (s *Simulation) Run(ctx context.Context) error {
	var snapshots chan Snapshot
	var writerDone chan error
	if s.writer != nil {
		snapshots = make(chan Snapshot, 4)
		writerDone = make(chan error, 1)
		go func() {
			for snap := range snapshots {
				if err := s.writer.WriteSnapshot(snap); err != nil {
					writerDone <- fmt.Errorf("snapshot writer: %w", err)
					for range snapshots {
					}
					return
				}
			}
			writerDone <- nil
		}()
		snapshots <- s.TakeSnapshot()
	}

	finish := func(runErr error) error {
		if snapshots == nil {
			return runErr
		}
		close(snapshots)
		writeErr := <-writerDone
		if runErr != nil {
			return runErr
		}
		return writeErr
	}

	for i := 1; i <= s.config.NumIterations; i++ {
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		default:
		}

		if err := s.Step(); err != nil {
			return finish(err)
		}

		if snapshots != nil && i%s.config.OutputFrequency == 0 {
			snapshots <- s.TakeSnapshot()
		}
		if s.config.LogEvery > 0 && i%s.config.LogEvery == 0 {
			log.Printf("simulation: iteration %d/%d, t=%.4f", i, s.config.NumIterations, s.currentTime)
		}
	}
	return finish(nil)
}

// TakeSnapshot copies the current body state into an immutable Snapshot.
func (s *Simulation) TakeSnapshot() Snapshot {
	snap := Snapshot{
		Iteration:  s.completedSteps,
		Time:       s.currentTime,
		Masses:     make([]float64, len(s.bodies)),
		Positions:  make([]Vector3D, len(s.bodies)),
		Velocities: make([]Vector3D, len(s.bodies)),
	}
	for i, b := range s.bodies {
		snap.Masses[i] = b.Mass
		snap.Positions[i] = b.Position
		snap.Velocities[i] = b.Velocity
	}
	return snap
}

type Statistics struct {
	TotalMass       float64
	KineticEnergy   float64
	PotentialEnergy float64
	TotalEnergy     float64
	TotalMomentum   Vector3D
	CenterOfMass    Vector3D
}

// CalculateStatistics reports conserved quantities using the softened
// potential, for drift monitoring in tests and long runs.
func (s *Simulation) CalculateStatistics() Statistics {
	var stats Statistics
	eps2 := s.config.SofteningLength * s.config.SofteningLength

	for _, b := range s.bodies {
		stats.TotalMass += b.Mass
		stats.KineticEnergy += b.KineticEnergy()
		stats.TotalMomentum = stats.TotalMomentum.Add(b.Momentum())
		stats.CenterOfMass = stats.CenterOfMass.Add(b.Position.Mul(b.Mass))
	}
	if stats.TotalMass > 0 {
		stats.CenterOfMass = stats.CenterOfMass.Div(stats.TotalMass)
	}

	for i := 0; i < len(s.bodies); i++ {
		for j := i + 1; j < len(s.bodies); j++ {
			b1, b2 := s.bodies[i], s.bodies[j]
			dist := math.Sqrt(b1.Position.DistanceSq(b2.Position) + eps2)
			if dist > 0 {
				stats.PotentialEnergy -= s.config.GravitationalConstant * b1.Mass * b2.Mass / dist
			}
		}
	}

	stats.TotalEnergy = stats.KineticEnergy + stats.PotentialEnergy
	return stats
}

// CreateKeplerPair builds a heavy central body with a light companion on a
// circular orbit of the given radius, a standard integrator test case.
func CreateKeplerPair(g, centralMass, orbitMass, radius float64) []*Body {
	speed := math.Sqrt(g * centralMass / radius)
	central := NewBody(0, centralMass, Vector3D{}, Vector3D{})
	orbiter := NewBody(1, orbitMass, Vector3D{X: radius}, Vector3D{Y: speed})
	return []*Body{central, orbiter}
}

// CreateRandomCluster scatters bodies uniformly in a cube, deterministic
// under the given seed.
func CreateRandomCluster(numBodies int, size float64, seed int64) []*Body {
	rng := rand.New(rand.NewSource(seed))
	bodies := make([]*Body, numBodies)
	for i := 0; i < numBodies; i++ {
		position := Vector3D{
			X: (rng.Float64() - 0.5) * size,
			Y: (rng.Float64() - 0.5) * size,
			Z: (rng.Float64() - 0.5) * size,
		}
		velocity := Vector3D{
			X: (rng.Float64() - 0.5) * 0.01 * size,
			Y: (rng.Float64() - 0.5) * 0.01 * size,
			Z: (rng.Float64() - 0.5) * 0.01 * size,
		}
		bodies[i] = NewBody(i, 1+rng.Float64()*49, position, velocity)
	}
	return bodies
}
