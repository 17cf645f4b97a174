package barneshutsim

import (
	"context"
	"math"
	"sort"
	"strings"
	"testing"
)

func TestVector3DOperations(t *testing.T) {
	v1 := Vector3D{1, 2, 3}
	v2 := Vector3D{4, 5, 6}

	if got := v1.Add(v2); got != (Vector3D{5, 7, 9}) {
		t.Errorf("Add: expected {5 7 9}, got %v", got)
	}

	if got := v2.Sub(v1); got != (Vector3D{3, 3, 3}) {
		t.Errorf("Sub: expected {3 3 3}, got %v", got)
	}

	if got := v1.Mul(2); got != (Vector3D{2, 4, 6}) {
		t.Errorf("Mul: expected {2 4 6}, got %v", got)
	}

	if got := v2.Div(2); got != (Vector3D{2, 2.5, 3}) {
		t.Errorf("Div: expected {2 2.5 3}, got %v", got)
	}

	if mag := (Vector3D{3, 4, 0}).Magnitude(); math.Abs(mag-5.0) > 1e-12 {
		t.Errorf("Magnitude: expected 5.0, got %f", mag)
	}

	if dot := v1.Dot(v2); math.Abs(dot-32) > 1e-12 {
		t.Errorf("Dot: expected 32, got %f", dot)
	}

	cross := (Vector3D{1, 0, 0}).Cross(Vector3D{0, 1, 0})
	if cross != (Vector3D{0, 0, 1}) {
		t.Errorf("Cross: expected {0 0 1}, got %v", cross)
	}

	norm := (Vector3D{3, 4, 0}).Normalize()
	if math.Abs(norm.Magnitude()-1.0) > 1e-12 {
		t.Errorf("Normalize: expected unit magnitude, got %f", norm.Magnitude())
	}

	if (Vector3D{}).Normalize() != (Vector3D{}) {
		t.Error("Normalize of zero vector should be zero")
	}
}

func TestBuildOctreeSingleBody(t *testing.T) {
	bodies := []*Body{NewBody(0, 5.0, Vector3D{1, 2, 3}, Vector3D{})}

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	if tree.NodeCount() != 1 {
		t.Errorf("Expected a root-only tree, got %d nodes", tree.NodeCount())
	}

	if math.Abs(tree.TotalMass()-5.0) > 1e-12 {
		t.Errorf("Expected total mass 5.0, got %f", tree.TotalMass())
	}

	com := tree.CenterOfMass()
	if com.Distance(bodies[0].Position) > 1e-12 {
		t.Errorf("Expected center of mass at body position, got %v", com)
	}
}

func TestBuildOctreeErrors(t *testing.T) {
	if _, err := BuildOctree(nil, 0); err == nil {
		t.Error("Expected error for zero bodies")
	}

	bodies := []*Body{
		NewBody(0, 1.0, Vector3D{0, 0, 0}, Vector3D{}),
		NewBody(1, 1.0, Vector3D{math.NaN(), 0, 0}, Vector3D{}),
	}
	_, err := BuildOctree(bodies, 0)
	if err == nil {
		t.Fatal("Expected error for non-finite position")
	}
	if !strings.Contains(err.Error(), "body 1") {
		t.Errorf("Error should identify the offending body index, got: %v", err)
	}
}

func TestOctreeMassConservation(t *testing.T) {
	bodies := CreateRandomCluster(500, 10.0, 42)

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	expected := 0.0
	for _, b := range bodies {
		expected += b.Mass
	}

	if math.Abs(tree.TotalMass()-expected) > 1e-9*expected {
		t.Errorf("Expected total mass %f, got %f", expected, tree.TotalMass())
	}
}

func TestOctreeCenterOfMass(t *testing.T) {
	bodies := []*Body{
		NewBody(0, 1.0, Vector3D{-1, 0, 0}, Vector3D{}),
		NewBody(1, 3.0, Vector3D{1, 0, 0}, Vector3D{}),
	}

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	com := tree.CenterOfMass()
	expected := Vector3D{0.5, 0, 0}
	if com.Distance(expected) > 1e-12 {
		t.Errorf("Expected center of mass %v, got %v", expected, com)
	}
}

func TestOctreeLeavesRoundTrip(t *testing.T) {
	bodies := CreateRandomCluster(300, 5.0, 7)

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	leaves := tree.Leaves()
	if len(leaves) != len(bodies) {
		t.Fatalf("Expected %d bodies in leaves, got %d", len(bodies), len(leaves))
	}

	sort.Ints(leaves)
	for i, idx := range leaves {
		if idx != i {
			t.Fatalf("Leaf enumeration has duplicates or omissions at %d: %v", i, idx)
		}
	}
}

func TestOctreeColocatedBodies(t *testing.T) {
	pos := Vector3D{0.25, 0.25, 0.25}
	bodies := []*Body{
		NewBody(0, 1.0, pos, Vector3D{}),
		NewBody(1, 2.0, pos, Vector3D{}),
		NewBody(2, 3.0, pos, Vector3D{}),
		NewBody(3, 4.0, Vector3D{0.75, 0.75, 0.75}, Vector3D{}),
	}

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree should handle coincident positions, got: %v", err)
	}

	leaves := tree.Leaves()
	if len(leaves) != len(bodies) {
		t.Errorf("Expected %d bodies in leaves, got %d", len(bodies), len(leaves))
	}

	// Subdivision stops at the depth cap, so the node count stays bounded.
	maxNodes := 8 * (DefaultMaxOctreeDepth + 1)
	if tree.NodeCount() > maxNodes {
		t.Errorf("Node count %d exceeds depth-capped bound %d", tree.NodeCount(), maxNodes)
	}

	if math.Abs(tree.TotalMass()-10.0) > 1e-12 {
		t.Errorf("Expected total mass 10.0, got %f", tree.TotalMass())
	}
}

func TestThetaZeroMatchesDirectSummation(t *testing.T) {
	bodies := CreateRandomCluster(80, 4.0, 99)

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	fe := &ForceEvaluator{
		Theta:                 0,
		GravitationalConstant: 1.0,
		SofteningLength:       1e-3,
	}

	meanMag := 0.0
	direct := make([]Vector3D, len(bodies))
	for i := range bodies {
		direct[i] = fe.DirectAcceleration(bodies, i)
		meanMag += direct[i].Magnitude()
	}
	meanMag /= float64(len(bodies))

	for i := range bodies {
		treeAcc := fe.AccelerationOn(tree, i)
		diff := treeAcc.Sub(direct[i]).Magnitude()
		if diff/(direct[i].Magnitude()+meanMag) > 1e-10 {
			t.Errorf("Body %d: theta=0 traversal %v differs from direct sum %v", i, treeAcc, direct[i])
		}
	}
}

func TestThetaApproximationAccuracy(t *testing.T) {
	bodies := CreateRandomCluster(400, 8.0, 3)

	tree, err := BuildOctree(bodies, 0)
	if err != nil {
		t.Fatalf("BuildOctree failed: %v", err)
	}

	fe := &ForceEvaluator{
		Theta:                 0.3,
		GravitationalConstant: 1.0,
		SofteningLength:       1e-3,
	}

	meanMag := 0.0
	exact := make([]Vector3D, len(bodies))
	for i := range bodies {
		exact[i] = fe.DirectAcceleration(bodies, i)
		meanMag += exact[i].Magnitude()
	}
	meanMag /= float64(len(bodies))

	worst := 0.0
	for i := range bodies {
		approx := fe.AccelerationOn(tree, i)
		rel := approx.Sub(exact[i]).Magnitude() / meanMag
		if rel > worst {
			worst = rel
		}
	}

	if worst > 0.02 {
		t.Errorf("theta=0.3 worst-case error %f of the mean acceleration exceeds 2%%", worst)
	}
}

func TestTwoBodySymmetricAttraction(t *testing.T) {
	bodies := []*Body{
		NewBody(0, 1.0, Vector3D{-1, 0, 0}, Vector3D{}),
		NewBody(1, 1.0, Vector3D{1, 0, 0}, Vector3D{}),
	}

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              1e-3,
		Theta:                 0.3,
		GravitationalConstant: 1.0,
		SofteningLength:       1e-4,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}
	if err := sim.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	if bodies[0].Velocity.X <= 0 {
		t.Errorf("Left body should accelerate toward +x, velocity %v", bodies[0].Velocity)
	}
	if bodies[1].Velocity.X >= 0 {
		t.Errorf("Right body should accelerate toward -x, velocity %v", bodies[1].Velocity)
	}

	if math.Abs(bodies[0].Velocity.X+bodies[1].Velocity.X) > 1e-15 {
		t.Errorf("Velocities should be equal and opposite: %v vs %v",
			bodies[0].Velocity, bodies[1].Velocity)
	}

	if bodies[0].Velocity.Y != 0 || bodies[0].Velocity.Z != 0 ||
		bodies[1].Velocity.Y != 0 || bodies[1].Velocity.Z != 0 {
		t.Error("Attraction should act only along the x axis")
	}
}

func TestKeplerOrbitReturnsToStart(t *testing.T) {
	const (
		g           = 1.0
		centralMass = 1000.0
		radius      = 1.0
		steps       = 2000
	)

	bodies := CreateKeplerPair(g, centralMass, 1e-9, radius)
	start := *bodies[1]

	speed := math.Sqrt(g * centralMass / radius)
	period := 2 * math.Pi * radius / speed

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              period / steps,
		Theta:                 0.3,
		GravitationalConstant: g,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	for i := 0; i < steps; i++ {
		if err := sim.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	posErr := bodies[1].Position.Distance(start.Position)
	velErr := bodies[1].Velocity.Distance(start.Velocity)

	if posErr > 0.02*radius {
		t.Errorf("After one period, position error %f exceeds tolerance", posErr)
	}
	if velErr > 0.02*speed {
		t.Errorf("After one period, velocity error %f exceeds tolerance", velErr)
	}
}

func TestMomentumConservation(t *testing.T) {
	bodies := CreateRandomCluster(60, 4.0, 11)

	config := SimulationConfig{
		NumWorkers:            2,
		TimeStep:              1e-3,
		Theta:                 0, // exact summation keeps forces pairwise antisymmetric
		GravitationalConstant: 1.0,
		SofteningLength:       0.05,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	before := sim.CalculateStatistics().TotalMomentum

	for i := 0; i < 50; i++ {
		if err := sim.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	after := sim.CalculateStatistics().TotalMomentum
	drift := after.Sub(before).Magnitude()

	scale := 0.0
	for _, b := range bodies {
		scale += b.Momentum().Magnitude()
	}
	if scale == 0 {
		scale = 1
	}

	if drift/scale > 1e-9 {
		t.Errorf("Momentum drift %g (relative %g) too large", drift, drift/scale)
	}
}

func TestEnergyDriftBounded(t *testing.T) {
	const (
		g           = 1.0
		centralMass = 1000.0
		radius      = 1.0
		steps       = 1000
	)

	bodies := CreateKeplerPair(g, centralMass, 1.0, radius)

	speed := math.Sqrt(g * centralMass / radius)
	period := 2 * math.Pi * radius / speed

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              period / steps,
		Theta:                 0.3,
		GravitationalConstant: g,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	initial := sim.CalculateStatistics().TotalEnergy

	for i := 0; i < steps; i++ {
		if err := sim.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}

	final := sim.CalculateStatistics().TotalEnergy
	drift := math.Abs(final-initial) / math.Abs(initial)

	if drift > 0.01 {
		t.Errorf("Energy drift %f exceeds 1%% over %d steps", drift, steps)
	}
}

func TestSimulationValidation(t *testing.T) {
	good := func() (SimulationConfig, []*Body) {
		return SimulationConfig{
			TimeStep:              0.01,
			Theta:                 0.3,
			GravitationalConstant: 1.0,
		}, []*Body{NewBody(0, 1.0, Vector3D{}, Vector3D{})}
	}

	config, bodies := good()
	if _, err := NewSimulation(config, bodies); err != nil {
		t.Fatalf("Valid config rejected: %v", err)
	}

	config, bodies = good()
	config.TimeStep = 0
	if _, err := NewSimulation(config, bodies); err == nil {
		t.Error("Expected error for non-positive time step")
	}

	config, bodies = good()
	config.Theta = -0.1
	if _, err := NewSimulation(config, bodies); err == nil {
		t.Error("Expected error for negative theta")
	}

	config, _ = good()
	if _, err := NewSimulation(config, nil); err == nil {
		t.Error("Expected error for zero bodies")
	}

	config, bodies = good()
	bodies[0].Mass = -1
	if _, err := NewSimulation(config, bodies); err == nil {
		t.Error("Expected error for non-positive mass")
	}

	config, bodies = good()
	config.GravitationalConstant = 0
	if _, err := NewSimulation(config, bodies); err == nil {
		t.Error("Expected error for non-positive gravitational constant")
	}
}

type capturingWriter struct {
	snapshots []Snapshot
}

func (cw *capturingWriter) WriteSnapshot(snap Snapshot) error {
	cw.snapshots = append(cw.snapshots, snap)
	return nil
}

func TestRunSnapshotCadence(t *testing.T) {
	bodies := CreateRandomCluster(10, 2.0, 5)

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              1e-4,
		Theta:                 0.5,
		GravitationalConstant: 1.0,
		SofteningLength:       0.01,
		NumIterations:         10,
		OutputFrequency:       5,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	writer := &capturingWriter{}
	sim.SetSnapshotWriter(writer)

	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Initial state plus iterations 5 and 10.
	if len(writer.snapshots) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(writer.snapshots))
	}

	iterations := []int{writer.snapshots[0].Iteration, writer.snapshots[1].Iteration, writer.snapshots[2].Iteration}
	if iterations[0] != 0 || iterations[1] != 5 || iterations[2] != 10 {
		t.Errorf("Expected snapshots at iterations [0 5 10], got %v", iterations)
	}

	// The snapshot must be a copy, immune to further mutation.
	recorded := writer.snapshots[2].Positions[0]
	bodies[0].Position = Vector3D{999, 999, 999}
	if writer.snapshots[2].Positions[0] != recorded {
		t.Error("Snapshot should not alias live body state")
	}
}

func TestRunCancellation(t *testing.T) {
	bodies := CreateRandomCluster(10, 2.0, 5)

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              1e-4,
		Theta:                 0.5,
		GravitationalConstant: 1.0,
		NumIterations:         1000,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sim.Run(ctx); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if sim.CompletedSteps() != 0 {
		t.Errorf("Cancelled run should not have stepped, got %d steps", sim.CompletedSteps())
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	seqBodies := CreateRandomCluster(200, 6.0, 17)
	parBodies := CreateRandomCluster(200, 6.0, 17)

	base := SimulationConfig{
		TimeStep:              1e-3,
		Theta:                 0.5,
		GravitationalConstant: 1.0,
		SofteningLength:       0.01,
	}

	seqConfig := base
	seqConfig.NumWorkers = 1
	parConfig := base
	parConfig.NumWorkers = 8

	seq, err := NewSimulation(seqConfig, seqBodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}
	par, err := NewSimulation(parConfig, parBodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := seq.Step(); err != nil {
			t.Fatalf("Sequential step failed: %v", err)
		}
		if err := par.Step(); err != nil {
			t.Fatalf("Parallel step failed: %v", err)
		}
	}

	for i := range seqBodies {
		if seqBodies[i].Position != parBodies[i].Position {
			t.Fatalf("Body %d: parallel position %v differs from sequential %v",
				i, parBodies[i].Position, seqBodies[i].Position)
		}
		if seqBodies[i].Velocity != parBodies[i].Velocity {
			t.Fatalf("Body %d: parallel velocity %v differs from sequential %v",
				i, parBodies[i].Velocity, seqBodies[i].Velocity)
		}
	}
}

func TestStatistics(t *testing.T) {
	bodies := []*Body{
		NewBody(0, 2.0, Vector3D{0, 0, 0}, Vector3D{3, 4, 0}),
		NewBody(1, 1.0, Vector3D{1, 0, 0}, Vector3D{0, 0, 0}),
	}

	config := SimulationConfig{
		NumWorkers:            1,
		TimeStep:              0.01,
		Theta:                 0.3,
		GravitationalConstant: 1.0,
	}

	sim, err := NewSimulation(config, bodies)
	if err != nil {
		t.Fatalf("NewSimulation failed: %v", err)
	}

	stats := sim.CalculateStatistics()

	if math.Abs(stats.TotalMass-3.0) > 1e-12 {
		t.Errorf("Expected total mass 3.0, got %f", stats.TotalMass)
	}

	expectedKE := 0.5 * 2.0 * 25.0
	if math.Abs(stats.KineticEnergy-expectedKE) > 1e-12 {
		t.Errorf("Expected kinetic energy %f, got %f", expectedKE, stats.KineticEnergy)
	}

	expectedPE := -1.0 * 2.0 * 1.0 / 1.0
	if math.Abs(stats.PotentialEnergy-expectedPE) > 1e-12 {
		t.Errorf("Expected potential energy %f, got %f", expectedPE, stats.PotentialEnergy)
	}

	expectedMomentum := Vector3D{6, 8, 0}
	if stats.TotalMomentum.Distance(expectedMomentum) > 1e-12 {
		t.Errorf("Expected momentum %v, got %v", expectedMomentum, stats.TotalMomentum)
	}

	expectedCOM := Vector3D{1.0 / 3.0, 0, 0}
	if stats.CenterOfMass.Distance(expectedCOM) > 1e-12 {
		t.Errorf("Expected center of mass %v, got %v", expectedCOM, stats.CenterOfMass)
	}
}

func BenchmarkBuildOctree(b *testing.B) {
	bodies := CreateRandomCluster(1000, 10.0, 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := BuildOctree(bodies, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStep(b *testing.B) {
	for _, workers := range []int{1, 4} {
		b.Run(map[int]string{1: "sequential", 4: "parallel"}[workers], func(b *testing.B) {
			bodies := CreateRandomCluster(1000, 10.0, 1)
			config := SimulationConfig{
				NumWorkers:            workers,
				TimeStep:              1e-4,
				Theta:                 0.5,
				GravitationalConstant: 1.0,
				SofteningLength:       0.01,
			}
			sim, err := NewSimulation(config, bodies)
			if err != nil {
				b.Fatal(err)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := sim.Step(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
