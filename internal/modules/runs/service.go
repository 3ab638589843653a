package runs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/events"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/aristath/qloop/internal/modules/objective"
	"github.com/aristath/qloop/internal/modules/optimizer"
	"github.com/aristath/qloop/pkg/formulas"
	"github.com/rs/zerolog"
)

// ErrNotActive is returned when cancelling a run that is not executing
var ErrNotActive = errors.New("run is not active")

const persistTimeout = 10 * time.Second

// defaultRealProbability is the real data of a qgan run without its own.
const defaultRealProbability = 0.8

// Defaults fill the zero values of a StartRequest.
type Defaults struct {
	Backend  string
	Layout   string
	Qubits   int
	Rule     string
	Target   string
	Shots    int
	Settings Settings
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Service starts optimization runs in the background, persists their
// progress and publishes run events.
type Service struct {
	repo      *Repository
	optimizer *optimizer.Optimizer
	backends  map[string]backend.Backend
	bus       *events.Bus
	defaults  Defaults
	log       zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewService creates a run service. bus may be nil.
func NewService(
	repo *Repository,
	opt *optimizer.Optimizer,
	backends []backend.Backend,
	bus *events.Bus,
	defaults Defaults,
	log zerolog.Logger,
) *Service {
	byName := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		optimizer: opt,
		backends:  byName,
		bus:       bus,
		defaults:  defaults,
		log:       log.With().Str("service", "runs").Logger(),
		baseCtx:   ctx,
		stop:      stop,
		active:    make(map[string]*activeRun),
	}
}

// Backends lists the registered backend names
func (s *Service) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// plan is a validated StartRequest ready to execute.
type plan struct {
	run         *Run
	loss        optimizer.Objective
	adversarial *objective.Adversarial // qgan runs only
	initial     domain.ParameterVector
	settings    optimizer.Settings
}

// Start validates req, stores a pending run and optimizes it in the
// background. The returned run is the stored record.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Run, error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p.run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	handle := &activeRun{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active[p.run.ID] = handle
	s.mu.Unlock()

	s.emit(&events.RunStartedData{
		RunID:   p.run.ID,
		Backend: p.run.Backend,
		Layout:  p.run.Layout,
		Params:  p.initial.Len(),
		Shots:   p.run.Shots,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		defer cancel()
		s.execute(runCtx, p)

		s.mu.Lock()
		delete(s.active, p.run.ID)
		s.mu.Unlock()
	}()

	created := *p.run
	return &created, nil
}

func (s *Service) prepare(req StartRequest) (*plan, error) {
	d := s.defaults
	if req.Backend == "" {
		req.Backend = d.Backend
	}
	if req.Layout == "" {
		req.Layout = d.Layout
	}
	if req.Qubits == 0 {
		req.Qubits = d.Qubits
	}
	if req.Rule == "" {
		req.Rule = d.Rule
	}
	if req.Target == "" {
		req.Target = d.Target
	}
	if req.Shots == 0 {
		req.Shots = d.Shots
	}
	settings := d.Settings
	if req.Settings != nil {
		settings = mergeSettings(d.Settings, *req.Settings)
	}

	b, ok := s.backends[req.Backend]
	if !ok {
		return nil, domain.NewConfigurationError("unknown backend %q (available: %v)", req.Backend, s.Backends())
	}
	if req.Shots < 1 {
		return nil, domain.NewConfigurationError("shot count must be at least 1, got %d", req.Shots)
	}

	mode := ModeSingle
	if req.Objective != nil && req.Objective.Mode != "" {
		mode = strings.ToLower(strings.TrimSpace(req.Objective.Mode))
	}

	run := &Run{
		Name:     req.Name,
		Backend:  b.Name(),
		Shots:    req.Shots,
		Settings: settings,
	}
	p := &plan{run: run}
	var count int
	switch mode {
	case ModeSingle:
		layout, err := s.layout(req.Layout, req.Qubits)
		if err != nil {
			return nil, err
		}
		if err := objective.ValidateTarget(req.Target, req.Qubits); err != nil {
			return nil, err
		}
		rule, err := objective.RuleByName(req.Rule, req.Target)
		if err != nil {
			return nil, err
		}
		evaluator, err := objective.NewEvaluator(b, objective.LayoutBuilder(layout, req.Qubits), rule, req.Shots, s.log)
		if err != nil {
			return nil, err
		}
		p.loss = evaluator.Loss
		count = layout.ParameterCount(req.Qubits)
		run.Layout, run.Qubits, run.Target, run.Rule = layout.Name(), req.Qubits, req.Target, req.Rule

	case ModeMultiTask:
		mt, total, err := s.multiTask(b, req.Objective, req.Shots)
		if err != nil {
			return nil, err
		}
		p.loss = mt.Loss
		count = total
		run.Layout, run.Rule = ModeMultiTask, "weighted_sum"
		for _, t := range req.Objective.Tasks {
			run.Qubits = max(run.Qubits, t.Qubits)
		}
		run.Objective = req.Objective

	case ModeAdversarial:
		layout, err := s.layout(req.Layout, req.Qubits)
		if err != nil {
			return nil, err
		}
		spec := req.Objective.QGAN
		if spec == nil {
			spec = &QGANSpec{RealProbability: defaultRealProbability}
		}
		adv, err := objective.NewAdversarial(b, objective.LayoutBuilder(layout, req.Qubits), req.Shots, objective.AdversarialConfig{
			RealProbability: spec.RealProbability,
			TrainEpochs:     spec.TrainEpochs,
			LearningRate:    spec.LearningRate,
		}, s.log)
		if err != nil {
			return nil, err
		}
		p.loss, p.adversarial = adv.Loss, adv
		count = layout.ParameterCount(req.Qubits)
		run.Layout, run.Qubits, run.Rule = layout.Name(), req.Qubits, "discriminator_score"
		run.Objective = &ObjectiveSpec{Mode: ModeAdversarial, QGAN: spec}

	default:
		return nil, domain.NewConfigurationError("unknown objective mode %q (known: %s, %s, %s)",
			mode, ModeSingle, ModeMultiTask, ModeAdversarial)
	}

	initial := domain.NewParameterVector(req.InitialParams...)
	if len(req.InitialParams) == 0 {
		initial = domain.Zeros(count)
	}
	if initial.Len() != count {
		return nil, domain.NewConfigurationError("%s run on %s needs %d parameters, got %d",
			mode, run.Layout, count, initial.Len())
	}

	optSettings := settings.toOptimizer()
	if err := optSettings.Validate(); err != nil {
		return nil, err
	}

	run.InitialParams = initial.Values()
	p.initial = initial
	p.settings = optSettings
	return p, nil
}

// layout resolves a parameterized layout for a qubit count.
func (s *Service) layout(name string, qubits int) (circuit.Layout, error) {
	layout, err := circuit.LayoutByName(name)
	if err != nil {
		return nil, domain.NewConfigurationError("%v", err)
	}
	if qubits < 1 {
		return nil, domain.NewConfigurationError("qubit count must be at least 1, got %d", qubits)
	}
	if layout.ParameterCount(qubits) == 0 {
		return nil, domain.NewConfigurationError("layout %s has no parameters to optimize", layout.Name())
	}
	return layout, nil
}

// multiTask turns task specs into a weighted multi-task objective over one
// shared parameter vector. It returns the vector length the tasks need.
func (s *Service) multiTask(b backend.Backend, spec *ObjectiveSpec, shots int) (*objective.MultiTask, int, error) {
	if len(spec.Tasks) == 0 {
		return nil, 0, domain.NewConfigurationError("multitask objective needs at least one task")
	}
	aliasing := circuit.Partition
	switch strings.ToLower(spec.Aliasing) {
	case "", "partition":
	case "shared":
		aliasing = circuit.Shared
	default:
		return nil, 0, domain.NewConfigurationError("unknown aliasing %q (known: partition, shared)", spec.Aliasing)
	}

	subs := make([]circuit.SubCircuit, len(spec.Tasks))
	tasks := make([]objective.Task, len(spec.Tasks))
	total := 0
	for i, ts := range spec.Tasks {
		name := ts.Name
		if name == "" {
			name = fmt.Sprintf("task%d", i)
		}
		layout, err := s.layout(ts.Layout, ts.Qubits)
		if err != nil {
			return nil, 0, fmt.Errorf("task %s: %w", name, err)
		}
		if ts.Offset < 0 {
			return nil, 0, domain.NewConfigurationError("task %s: negative offset %d", name, ts.Offset)
		}
		if ts.Weight < 0 {
			return nil, 0, domain.NewConfigurationError("task %s: negative weight %g", name, ts.Weight)
		}
		if err := objective.ValidateTarget(ts.Target, ts.Qubits); err != nil {
			return nil, 0, fmt.Errorf("task %s: %w", name, err)
		}
		rule, err := objective.RuleByName(ts.Rule, ts.Target)
		if err != nil {
			return nil, 0, fmt.Errorf("task %s: %w", name, err)
		}

		n := layout.ParameterCount(ts.Qubits)
		slice := circuit.ParameterSlice{Offset: ts.Offset, Length: n}
		adapters := []objective.ParamAdapter{objective.SliceOf(slice)}
		if len(ts.Shift) > 0 {
			if len(ts.Shift) != n {
				return nil, 0, domain.NewConfigurationError("task %s: shift has %d values, layout needs %d", name, len(ts.Shift), n)
			}
			adapters = append(adapters, objective.Shift(domain.NewParameterVector(ts.Shift...)))
		}
		switch {
		case len(ts.TransferBase) > 0:
			if len(ts.TransferBase) != n {
				return nil, 0, domain.NewConfigurationError("task %s: transfer base has %d values, layout needs %d",
					name, len(ts.TransferBase), n)
			}
			adapters = append(adapters, objective.Transfer(domain.NewParameterVector(ts.TransferBase...), ts.TransferRate))
		case ts.TransferRate != 0:
			return nil, 0, domain.NewConfigurationError("task %s: transfer rate needs a transfer base", name)
		}

		subs[i] = circuit.SubCircuit{Name: name, Layout: layout, Qubits: ts.Qubits, Slice: slice}
		tasks[i] = objective.Task{
			Name:   name,
			Adapt:  objective.Chain(adapters...),
			Build:  objective.LayoutBuilder(layout, ts.Qubits),
			Rule:   rule,
			Weight: ts.Weight,
		}
		total = max(total, slice.End())
	}

	// Slice ownership does not depend on values, so one build on zeros checks it.
	if _, err := circuit.BuildModular(domain.Zeros(total), subs, aliasing); err != nil {
		return nil, 0, err
	}
	mt, err := objective.NewMultiTask(b, shots, tasks...)
	if err != nil {
		return nil, 0, err
	}
	return mt, total, nil
}

// execute runs the optimization and persists its outcome. Persistence uses
// its own context so a cancelled run is still recorded.
func (s *Service) execute(ctx context.Context, p *plan) {
	id := p.run.ID
	log := s.log.With().Str("run_id", id).Logger()

	if err := s.withStore(func(c context.Context) error { return s.repo.UpdateStatus(c, id, StatusRunning) }); err != nil {
		log.Error().Err(err).Msg("Failed to mark run as running")
	}

	settings := p.settings
	settings.OnIteration = func(rep optimizer.IterationReport) {
		progress := Progress{
			Iterations:  rep.Iteration,
			Evaluations: rep.Evaluations,
			Failed:      rep.Failed,
		}
		if !math.IsInf(rep.BestLoss, 0) {
			loss := rep.BestLoss
			progress.BestLoss = &loss
			progress.BestParams = rep.Best.Values()
		}
		if err := s.withStore(func(c context.Context) error { return s.repo.UpdateProgress(c, id, progress) }); err != nil {
			log.Warn().Err(err).Msg("Failed to persist run progress")
		}
		s.emit(&events.IterationCompletedData{
			RunID:       id,
			Iteration:   rep.Iteration,
			Evaluations: rep.Evaluations,
			Failed:      rep.Failed,
			BestLoss:    progress.BestLoss,
			Best:        progress.BestParams,
		})
		if p.adversarial != nil {
			// The discriminator catches up with the generator's best point.
			if _, err := p.adversarial.Train(ctx, rep.Best); err != nil {
				log.Warn().Err(err).Msg("Failed to update discriminator")
			}
		}
	}

	var (
		state *optimizer.State
		err   error
	)
	if p.adversarial != nil {
		_, err = p.adversarial.Train(ctx, p.initial)
	}
	if err == nil {
		state, err = s.optimizer.Minimize(ctx, p.loss, p.initial, settings)
	}
	outcome, records := buildOutcome(state, err)

	if err := s.withStore(func(c context.Context) error { return s.repo.AppendEvaluations(c, id, records) }); err != nil {
		log.Error().Err(err).Msg("Failed to persist evaluations")
	}
	if err := s.withStore(func(c context.Context) error { return s.repo.Complete(c, id, outcome) }); err != nil {
		log.Error().Err(err).Msg("Failed to persist run outcome")
	}

	s.emit(&events.RunFinishedData{
		RunID:       id,
		Status:      outcome.Status,
		BestLoss:    outcome.BestLoss,
		Best:        outcome.BestParams,
		Iterations:  outcome.Iterations,
		Evaluations: outcome.Evaluations,
		Error:       outcome.Error,
	})

	log.Info().
		Str("status", outcome.Status).
		Int("iterations", outcome.Iterations).
		Int("evaluations", outcome.Evaluations).
		Msg("Run finished")
}

// buildOutcome converts the optimizer state into stored records.
func buildOutcome(state *optimizer.State, err error) (Outcome, []EvaluationRecord) {
	if state == nil {
		msg := "optimization did not start"
		if err != nil {
			msg = err.Error()
		}
		return Outcome{Status: string(optimizer.StatusFailed), Error: msg}, nil
	}

	outcome := Outcome{
		Status:            string(state.Status),
		Iterations:        state.Iterations,
		Evaluations:       state.Evaluations,
		FailedEvaluations: state.Failed,
	}
	if err != nil {
		outcome.Error = err.Error()
	}
	if state.HasBest {
		loss := state.BestLoss
		outcome.BestLoss = &loss
		outcome.BestParams = state.Best.Values()
	}

	records := make([]EvaluationRecord, 0, len(state.History))
	losses := make([]float64, 0, len(state.History))
	for _, e := range state.History {
		rec := EvaluationRecord{
			Index:      e.Index,
			Iteration:  e.Iteration,
			Params:     e.Params.Values(),
			DurationMs: float64(e.Duration.Microseconds()) / 1000,
		}
		if e.Failed() {
			rec.Error = e.Err.Error()
		} else {
			loss := e.Loss
			rec.Loss = &loss
			losses = append(losses, loss)
		}
		records = append(records, rec)
	}
	outcome.Summary = formulas.SummarizeLosses(losses, formulas.DefaultTrendPeriod)
	return outcome, records
}

// Cancel stops an active run. The run is recorded with status cancelled once
// the optimizer returns.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	handle, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		handle.cancel()
		s.log.Info().Str("run_id", id).Msg("Run cancellation requested")
		return nil
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotActive, id)
}

// Wait blocks until the run stops or ctx ends. Runs that are not active
// return immediately.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	handle, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of runs currently executing
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Get returns a stored run
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	return s.repo.Get(ctx, id)
}

// List returns recent runs
func (s *Service) List(ctx context.Context, limit int) ([]*Run, error) {
	return s.repo.List(ctx, limit)
}

// Evaluations returns the evaluation history of a run
func (s *Service) Evaluations(ctx context.Context, id string) ([]EvaluationRecord, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Evaluations(ctx, id)
}

// Close cancels every active run and waits for them to be recorded
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Service) withStore(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *Service) emit(data events.EventData) {
	if s.bus != nil {
		s.bus.Emit("runs", data)
	}
}

// mergeSettings overlays the non-zero fields of o on base.
func mergeSettings(base, o Settings) Settings {
	if o.MaxIterations != 0 {
		base.MaxIterations = o.MaxIterations
	}
	if o.StallIterations != 0 {
		base.StallIterations = o.StallIterations
	}
	if o.Tolerance != 0 {
		base.Tolerance = o.Tolerance
	}
	if o.MaxEvaluations != 0 {
		base.MaxEvaluations = o.MaxEvaluations
	}
	if o.Repeats != 0 {
		base.Repeats = o.Repeats
	}
	if o.SimplexSize != 0 {
		base.SimplexSize = o.SimplexSize
	}
	return base
}
