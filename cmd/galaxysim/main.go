package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sandeepkv93/parallel-galaxy-simulation/barneshutsim"
	"github.com/sandeepkv93/parallel-galaxy-simulation/galaxyinit"
	"github.com/sandeepkv93/parallel-galaxy-simulation/rotationcurve"
	"github.com/sandeepkv93/parallel-galaxy-simulation/snapshotstore"
	"github.com/sandeepkv93/parallel-galaxy-simulation/snapshotstream"
)

// The gravitational constant is calibrated for a disc of this radius in
// kpc; other initial radii rescale it by (reference/radius)^3 so the
// unit-cube coordinates keep working unchanged.
const referenceRadius = 0.4

const (
	initialStateFile    = "initial_state.npy"
	evolutionFile       = "evolution.npy"
	tangentVelocityFile = "tangent_velocity.npy"
)

// Config collects every tunable of a simulation run. A JSON file sets
// the base values and command-line flags override individual fields.
type Config struct {
	NumBodies       int     `json:"num_bodies"`
	Model           string  `json:"model"`
	InitialRadius   float64 `json:"initial_radius"` // kpc
	Inclination     float64 `json:"inclination"`    // rad
	AscendingNode   float64 `json:"ascending_node"` // rad
	TimeStep        float64 `json:"time_step"`      // Gyr
	Theta           float64 `json:"theta"`
	Softening       float64 `json:"softening"`
	MaxOctreeDepth  int     `json:"max_octree_depth"`
	Iterations      int     `json:"iterations"`
	OutputFrequency int     `json:"output_frequency"`
	Workers         int     `json:"workers"`
	Seed            int64   `json:"seed"`
	DataFolder      string  `json:"data_folder"`
	ListenAddr      string  `json:"listen_addr"` // empty disables streaming
	RotationBins    int     `json:"rotation_bins"`
}

func defaultConfig() Config {
	return Config{
		NumBodies:       1000,
		Model:           "kepler",
		InitialRadius:   referenceRadius,
		TimeStep:        0.01,
		Theta:           0.3,
		Softening:       1e-4,
		Iterations:      1000,
		OutputFrequency: 10,
		Seed:            10,
		DataFolder:      "data",
	}
}

func loadConfig(path string) (Config, error) {
	config := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.NumBodies < 2 {
		return fmt.Errorf("num_bodies must be at least 2, got %d", c.NumBodies)
	}
	if _, err := galaxyinit.ParseModel(c.Model); err != nil {
		return err
	}
	if c.InitialRadius <= 0 {
		return fmt.Errorf("initial_radius must be positive, got %g", c.InitialRadius)
	}
	if c.TimeStep <= 0 {
		return fmt.Errorf("time_step must be positive, got %g", c.TimeStep)
	}
	if c.Theta < 0 {
		return fmt.Errorf("theta must be non-negative, got %g", c.Theta)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.OutputFrequency <= 0 {
		return fmt.Errorf("output_frequency must be positive, got %d", c.OutputFrequency)
	}
	if c.DataFolder == "" {
		return fmt.Errorf("data_folder must not be empty")
	}
	return nil
}

// scaledG rescales the gravitational constant for the configured disc
// radius, keeping the unit-cube coordinate system.
func (c Config) scaledG() float64 {
	return barneshutsim.GravitationalConstantKpcGyr * math.Pow(referenceRadius/c.InitialRadius, 3)
}

func main() {
	log.SetFlags(log.LstdFlags)

	configPath := flag.String("config", "", "JSON config file (flags override its fields)")
	mode := flag.String("mode", "evolve", "init, evolve or rotation")
	numBodies := flag.Int("n", 0, "number of bodies")
	model := flag.String("model", "", "galaxy model: kepler, exponential or spiral")
	radius := flag.Float64("radius", 0, "initial disc radius in kpc")
	iterations := flag.Int("iterations", 0, "number of time steps")
	outputFreq := flag.Int("output-freq", 0, "iterations between saved snapshots")
	workers := flag.Int("workers", 0, "worker goroutines (0 = all CPUs)")
	seed := flag.Int64("seed", 0, "random seed for initial conditions")
	dataFolder := flag.String("data", "", "output folder")
	listenAddr := flag.String("listen", "", "websocket listen address, e.g. :8080")
	flag.Parse()

	config := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			log.Fatalf("galaxysim: %v", err)
		}
		config = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "n":
			config.NumBodies = *numBodies
		case "model":
			config.Model = *model
		case "radius":
			config.InitialRadius = *radius
		case "iterations":
			config.Iterations = *iterations
		case "output-freq":
			config.OutputFrequency = *outputFreq
		case "workers":
			config.Workers = *workers
		case "seed":
			config.Seed = *seed
		case "data":
			config.DataFolder = *dataFolder
		case "listen":
			config.ListenAddr = *listenAddr
		}
	})
	if err := config.validate(); err != nil {
		log.Fatalf("galaxysim: %v", err)
	}

	var err error
	switch *mode {
	case "init":
		err = runInit(config)
	case "evolve":
		err = runEvolve(config)
	case "rotation":
		err = runRotation(config)
	default:
		err = fmt.Errorf("unknown mode %q, want init, evolve or rotation", *mode)
	}
	if err != nil {
		log.Fatalf("galaxysim: %v", err)
	}
}

// runInit samples the configured galaxy model and stores the initial
// state.
func runInit(config Config) error {
	model, err := galaxyinit.ParseModel(config.Model)
	if err != nil {
		return err
	}

	log.Printf("Generating %s galaxy with %d bodies (radius %g kpc)",
		model, config.NumBodies, config.InitialRadius)

	bodies, err := galaxyinit.Generate(galaxyinit.DiscConfig{
		NumBodies:             config.NumBodies,
		Model:                 model,
		Inclination:           config.Inclination,
		AscendingNode:         config.AscendingNode,
		GravitationalConstant: config.scaledG(),
		Seed:                  config.Seed,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(config.DataFolder, initialStateFile)
	if err := snapshotstore.WriteBodies(path, bodies); err != nil {
		return err
	}
	log.Printf("Initial state written to %s", path)
	return nil
}

// runEvolve loads the initial state and runs the simulation, appending
// snapshot frames to the evolution file and optionally streaming them
// over WebSocket.
func runEvolve(config Config) error {
	initialPath := filepath.Join(config.DataFolder, initialStateFile)
	bodies, err := snapshotstore.ReadBodies(initialPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no initial state at %s, run -mode init first", initialPath)
		}
		return err
	}
	if len(bodies) != config.NumBodies {
		log.Printf("Initial state holds %d bodies, overriding configured %d",
			len(bodies), config.NumBodies)
	}

	store, err := snapshotstore.Create(filepath.Join(config.DataFolder, evolutionFile))
	if err != nil {
		return err
	}
	defer store.Close()

	writers := []barneshutsim.SnapshotWriter{store}

	var server *http.Server
	if config.ListenAddr != "" {
		hub := snapshotstream.NewHub(snapshotstream.HubConfig{})
		defer hub.Close()
		writers = append(writers, hub)

		mux := http.NewServeMux()
		mux.Handle("/stream", hub)
		server = &http.Server{Addr: config.ListenAddr, Handler: mux}
		go func() {
			log.Printf("Streaming snapshots on ws://%s/stream", config.ListenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Stream server: %v", err)
			}
		}()
	}

	sim, err := barneshutsim.NewSimulation(barneshutsim.SimulationConfig{
		NumWorkers:            config.Workers,
		TimeStep:              config.TimeStep,
		Theta:                 config.Theta,
		GravitationalConstant: config.scaledG(),
		SofteningLength:       config.Softening,
		MaxOctreeDepth:        config.MaxOctreeDepth,
		NumIterations:         config.Iterations,
		OutputFrequency:       config.OutputFrequency,
		LogEvery:              config.OutputFrequency * 10,
	}, bodies)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Evolving %d bodies for %d steps of %g Gyr (theta=%g, %d workers)",
		len(bodies), config.Iterations, config.TimeStep, config.Theta, sim.NumWorkers())
	start := time.Now()
	sim.SetSnapshotWriter(multiWriter(writers))
	if err := sim.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("Interrupted after %s, evolution file is valid up to the last frame", time.Since(start))
		} else {
			return err
		}
	} else {
		log.Printf("Evolution finished in %s", time.Since(start))
	}

	stats := sim.CalculateStatistics()
	log.Printf("Final state: KE=%.6g PE=%.6g E=%.6g", stats.KineticEnergy, stats.PotentialEnergy, stats.TotalEnergy)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	return nil
}

// runRotation derives per-frame tangent-velocity tables from a stored
// evolution, converting radii and speeds back to physical units.
func runRotation(config Config) error {
	normal, err := rotationcurve.DiscNormal(config.AscendingNode, config.Inclination)
	if err != nil {
		return err
	}

	reader, err := snapshotstore.Open(filepath.Join(config.DataFolder, evolutionFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no evolution file in %s, run -mode evolve first", config.DataFolder)
		}
		return err
	}
	defer reader.Close()

	outPath := filepath.Join(config.DataFolder, tangentVelocityFile)
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	scale := config.InitialRadius / referenceRadius
	center := galaxyinit.DiscCenter()
	frames := 0
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		points, err := rotationcurve.Compute(frame.Positions, frame.Velocities, center, normal, scale)
		if err != nil {
			return err
		}
		radii, speeds := rotationcurve.Columns(points)
		if err := snapshotstore.AppendTable(out, radii, speeds); err != nil {
			return err
		}
		frames++
	}

	log.Printf("Wrote %d tangent-velocity frames to %s", frames, outPath)
	return nil
}

// multiWriter fans one snapshot out to several writers, stopping at the
// first error.
type multiWriter []barneshutsim.SnapshotWriter

func (m multiWriter) WriteSnapshot(snap barneshutsim.Snapshot) error {
	for _, w := range m {
		if err := w.WriteSnapshot(snap); err != nil {
			return err
		}
	}
	return nil
}
