package backend

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimulatorName identifies the local simulator.
const SimulatorName = "simulator"

// DefaultMaxQubits bounds the state vector at 2^16 amplitudes.
const DefaultMaxQubits = 16

// NoiseModel describes readout errors applied after sampling.
type NoiseModel struct {
	// ReadoutError is the probability that each measured bit is flipped.
	ReadoutError float64
}

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Seed      uint64
	MaxQubits int
	Noise     NoiseModel
}

// Simulator executes circuits on an in-memory state vector and samples
// outcomes from the resulting probabilities.
type Simulator struct {
	seed      uint64
	maxQubits int
	noise     NoiseModel
	calls     atomic.Uint64
	log       zerolog.Logger
}

// NewSimulator creates a simulator. It is safe for concurrent use.
func NewSimulator(cfg SimulatorConfig, log zerolog.Logger) (*Simulator, error) {
	if cfg.MaxQubits == 0 {
		cfg.MaxQubits = DefaultMaxQubits
	}
	if cfg.MaxQubits < 1 || cfg.MaxQubits > 24 {
		return nil, domain.NewConfigurationError("max qubits must be in [1, 24], got %d", cfg.MaxQubits)
	}
	if cfg.Noise.ReadoutError < 0 || cfg.Noise.ReadoutError > 1 {
		return nil, domain.NewConfigurationError("readout error must be in [0, 1], got %g", cfg.Noise.ReadoutError)
	}
	return &Simulator{
		seed:      cfg.Seed,
		maxQubits: cfg.MaxQubits,
		noise:     cfg.Noise,
		log:       log.With().Str("component", "simulator").Logger(),
	}, nil
}

// Name implements Backend.
func (s *Simulator) Name() string {
	return SimulatorName
}

// Execute runs the circuit and samples req.Shots outcomes. A request seed makes
// the result reproducible; otherwise each call draws from the simulator seed
// advanced by a call counter.
func (s *Simulator) Execute(ctx context.Context, req ExecutionRequest) (*Distribution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Circuit.Qubits > s.maxQubits {
		return nil, domain.NewConfigurationError("circuit has %d qubits, simulator supports %d", req.Circuit.Qubits, s.maxQubits)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := req.Seed
	if seed == 0 {
		seed = s.seed + s.calls.Add(1)
	}

	state := newStateVector(req.Circuit.Qubits)
	for _, op := range req.Circuit.Operations {
		state.apply(op)
	}
	measured := req.Circuit.Measurement.Qubits
	probs := state.outcomeProbabilities(measured)

	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	sampler := distuv.NewCategorical(probs, src)
	flip := rand.New(rand.NewPCG(seed^0xbf58476d1ce4e5b9, seed))

	width := len(measured)
	counts := make(map[string]int)
	for i := 0; i < req.Shots; i++ {
		outcome := int(sampler.Rand())
		if s.noise.ReadoutError > 0 {
			for k := 0; k < width; k++ {
				if flip.Float64() < s.noise.ReadoutError {
					outcome ^= 1 << k
				}
			}
		}
		counts[formatOutcome(outcome, width)]++
	}

	s.log.Debug().
		Str("circuit", req.Circuit.Name).
		Int("qubits", req.Circuit.Qubits).
		Int("shots", req.Shots).
		Uint64("seed", seed).
		Msg("Circuit simulated")

	return NewDistribution(counts)
}

// Probabilities returns the exact outcome probabilities of a circuit, keyed by
// bitstring. Outcomes with zero probability are omitted.
func (s *Simulator) Probabilities(req ExecutionRequest) (map[string]float64, error) {
	if err := circuit.Validate(req.Circuit); err != nil {
		return nil, err
	}
	state := newStateVector(req.Circuit.Qubits)
	for _, op := range req.Circuit.Operations {
		state.apply(op)
	}
	width := len(req.Circuit.Measurement.Qubits)
	out := make(map[string]float64)
	for outcome, p := range state.outcomeProbabilities(req.Circuit.Measurement.Qubits) {
		if p > 1e-12 {
			out[formatOutcome(outcome, width)] = p
		}
	}
	return out, nil
}
