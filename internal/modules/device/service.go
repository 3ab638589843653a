// Package device emulates a shared quantum device: jobs are queued, executed
// by a fixed worker pool on a local backend and charged against a credit pool.
// It is the server side of backend.RemoteDevice.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/qloop/internal/domain"
	"github.com/aristath/qloop/internal/modules/backend"
	"github.com/aristath/qloop/internal/modules/circuit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when no queue slot is free. Clients retry.
	ErrQueueFull = errors.New("device queue is full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device is shut down")
	// ErrJobNotFound is returned for unknown or expired job IDs.
	ErrJobNotFound = errors.New("job not found")
)

// Config configures the device service
type Config struct {
	Workers        int
	QueueSize      int
	CreditsPerShot int64
	// JobTTL is how long finished jobs stay queryable.
	JobTTL time.Duration
}

type job struct {
	id          string
	seq         uint64
	req         backend.JobRequest
	cost        int64
	reservation *backend.Reservation
	status      backend.JobStatus
	counts      map[string]int
	err         string
	errKind     backend.FailureKind
	submittedAt time.Time
	finishedAt  time.Time
}

// Status is a point-in-time view of the device
type Status struct {
	Workers       int                     `json:"workers"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Running       int                     `json:"running"`
	Completed     int64                   `json:"completed"`
	Failed        int64                   `json:"failed"`
	Credits       backend.CreditsSnapshot `json:"credits"`
}

// Service runs device jobs
type Service struct {
	executor backend.Backend
	credits  *backend.CreditPool
	cfg      Config
	log      zerolog.Logger

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	jobs      map[string]*job
	nextSeq   uint64
	running   int
	completed int64
	failed    int64
	closed    bool
}

// NewService starts cfg.Workers workers executing on executor
func NewService(executor backend.Backend, credits *backend.CreditPool, cfg Config, log zerolog.Logger) (*Service, error) {
	if executor == nil || credits == nil {
		return nil, domain.NewConfigurationError("device needs an executor and a credit pool")
	}
	if cfg.Workers < 1 {
		return nil, domain.NewConfigurationError("device workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 1 {
		return nil, domain.NewConfigurationError("device queue size must be at least 1, got %d", cfg.QueueSize)
	}
	if cfg.CreditsPerShot < 0 {
		return nil, domain.NewConfigurationError("credits per shot must not be negative")
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		executor: executor,
		credits:  credits,
		cfg:      cfg,
		log:      log.With().Str("service", "device").Logger(),
		queue:    make(chan *job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.log.Info().
		Int("workers", cfg.Workers).
		Int("queue_size", cfg.QueueSize).
		Int64("credits", credits.Balance()).
		Msg("Device service started")
	return s, nil
}

// Submit validates and queues a job. Credits are reserved up front and
// refunded if the job does not complete.
func (s *Service) Submit(req backend.JobRequest) (backend.JobView, error) {
	if req.Shots < 1 {
		return backend.JobView{}, domain.NewConfigurationError("shot count must be at least 1, got %d", req.Shots)
	}
	if err := circuit.Validate(req.Circuit); err != nil {
		return backend.JobView{}, err
	}

	cost := int64(req.Shots) * s.cfg.CreditsPerShot
	reservation, err := s.credits.Reserve(cost)
	if err != nil {
		return backend.JobView{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		reservation.Release()
		return backend.JobView{}, ErrClosed
	}
	s.pruneLocked(time.Now())

	s.nextSeq++
	j := &job{
		id:          uuid.New().String(),
		seq:         s.nextSeq,
		req:         req,
		cost:        cost,
		reservation: reservation,
		status:      backend.JobQueued,
		submittedAt: time.Now(),
	}

	select {
	case s.queue <- j:
	default:
		reservation.Release()
		return backend.JobView{}, ErrQueueFull
	}
	s.jobs[j.id] = j

	s.log.Debug().
		Str("job_id", j.id).
		Str("client", req.Client).
		Int("shots", req.Shots).
		Int64("cost", cost).
		Msg("Job queued")
	return s.viewLocked(j), nil
}

// Job returns the current view of a job
func (s *Service) Job(id string) (backend.JobView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return backend.JobView{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.viewLocked(j), nil
}

// Status reports queue and credit state
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Workers:       s.cfg.Workers,
		QueueDepth:    len(s.queue),
		QueueCapacity: cap(s.queue),
		Running:       s.running,
		Completed:     s.completed,
		Failed:        s.failed,
		Credits:       s.credits.Snapshot(),
	}
}

// Credits exposes the device credit pool
func (s *Service) Credits() *backend.CreditPool {
	return s.credits
}

// Close stops accepting jobs, fails everything still queued and waits for the
// workers to exit. Running jobs observe the cancellation.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("Device service stopped")
}

func (s *Service) worker(n int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker", n).Logger()

	for j := range s.queue {
		if s.ctx.Err() != nil {
			s.finish(j, nil, ErrClosed)
			continue
		}

		s.mu.Lock()
		j.status = backend.JobRunning
		s.running++
		s.mu.Unlock()

		start := time.Now()
		dist, err := s.executor.Execute(s.ctx, backend.ExecutionRequest{
			Circuit: j.req.Circuit,
			Shots:   j.req.Shots,
			Seed:    j.req.Seed,
		})
		s.finish(j, dist, err)

		log.Debug().
			Str("job_id", j.id).
			Dur("elapsed", time.Since(start)).
			Bool("ok", err == nil).
			Msg("Job finished")
	}
}

func (s *Service) finish(j *job, dist *backend.Distribution, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.status == backend.JobRunning {
		s.running--
	}
	j.finishedAt = time.Now()
	if err != nil {
		j.status = backend.JobFailed
		j.err = err.Error()
		j.errKind = backend.ClassifyFailure(err)
		j.reservation.Release()
		s.failed++
		return
	}
	j.status = backend.JobCompleted
	j.counts = dist.Counts()
	j.reservation.Commit()
	s.completed++
}

// viewLocked renders a job. Queue position counts queued jobs submitted
// earlier; it is zero once the job left the queue.
func (s *Service) viewLocked(j *job) backend.JobView {
	view := backend.JobView{
		ID:          j.id,
		Status:      j.status,
		Shots:       j.req.Shots,
		Cost:        j.cost,
		Counts:      j.counts,
		Error:       j.err,
		ErrorKind:   j.errKind,
		SubmittedAt: j.submittedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.status == backend.JobQueued {
		for _, other := range s.jobs {
			if other.status == backend.JobQueued && other.seq < j.seq {
				view.QueuePosition++
			}
		}
		view.QueuePosition++
	}
	if !j.finishedAt.IsZero() {
		view.FinishedAt = j.finishedAt.UTC().Format(time.RFC3339Nano)
	}
	return view
}

func (s *Service) pruneLocked(now time.Time) {
	for id, j := range s.jobs {
		if j.status.Done() && now.Sub(j.finishedAt) > s.cfg.JobTTL {
			delete(s.jobs, id)
		}
	}
}
