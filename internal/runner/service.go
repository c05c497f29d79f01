package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/models"
)

const (
	heartbeatInterval = 30 * time.Second
	queueCapacity     = 64
)

// RunStore persists run records.
type RunStore interface {
	Create(ctx context.Context, record *models.RunRecord) error
	Update(ctx context.Context, record *models.RunRecord) error
	Get(ctx context.Context, id string) (*models.RunRecord, error)
	List(ctx context.Context, limit int) ([]models.RunRecord, error)
	// Heartbeat bumps only the run's liveness timestamp. It must never
	// touch state, progress, or result: it races with the control loop.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// FindByIdentity returns the most recent run with the identity key
	// created at or after the cutoff, or nil when none exists.
	FindByIdentity(ctx context.Context, key string, cutoff time.Time) (*models.RunRecord, error)
}

// Task is a unit of work submitted to the service. Execute receives a
// cancellable context and a progress callback; the identity deduplicates
// repeat submissions.
type Task struct {
	Identity models.RunIdentity
	Execute  func(ctx context.Context, progress func(models.RunProgress)) (*models.ImportSummary, error)
}

type job struct {
	recordID string
	task     Task
}

// Service is the durable-execution substrate: a persisted run queue drained
// by a bounded worker pool, with heartbeats, progress persistence,
// idempotent submission, and cooperative cancellation.
type Service struct {
	store       RunStore
	logger      *slog.Logger
	collector   *metrics.HTTPCollector
	workers     int
	dedupWindow time.Duration

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
}

// NewService creates the run service. collector may be nil.
func NewService(store RunStore, workers int, dedupWindow time.Duration, collector *metrics.HTTPCollector, logger *slog.Logger) *Service {
	if workers <= 0 {
		workers = 4
	}
	if dedupWindow <= 0 {
		dedupWindow = 24 * time.Hour
	}
	return &Service{
		store:       store,
		logger:      logger,
		collector:   collector,
		workers:     workers,
		dedupWindow: dedupWindow,
		jobs:        make(chan job, queueCapacity),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool.
func (s *Service) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("run service started", "workers", s.workers)
}

// Stop closes the queue and waits for in-flight runs to finish their
// current work. Pending runs still queued are marked cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("run service stopped")
}

// Submit enqueues a task, deduplicating against the identity key: an
// existing non-terminal run, or one that completed inside the dedup window,
// is returned instead of creating a duplicate. The second return value
// reports whether a new run was created.
func (s *Service) Submit(ctx context.Context, task Task) (*models.RunRecord, bool, error) {
	key := task.Identity.Key()
	cutoff := time.Now().Add(-s.dedupWindow)

	existing, err := s.store.FindByIdentity(ctx, key, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("identity lookup failed: %w", err)
	}
	if existing != nil && existing.State != models.RunStateFailed && existing.State != models.RunStateCancelled {
		s.logger.Info("duplicate submission, returning existing run",
			"run_id", existing.ID,
			"identity", key,
			"state", existing.State)
		return existing, false, nil
	}

	now := time.Now()
	record := &models.RunRecord{
		ID:          uuid.New().String(),
		Identity:    task.Identity,
		State:       models.RunStatePending,
		HeartbeatAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, false, fmt.Errorf("failed to persist run: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("run service is stopped")
	}
	select {
	case s.jobs <- job{recordID: record.ID, task: task}:
	default:
		s.mu.Unlock()
		return nil, false, fmt.Errorf("run queue is full")
	}
	s.mu.Unlock()

	s.logger.Info("run submitted", "run_id", record.ID, "identity", key)
	return record, true, nil
}

// Get returns the current persisted state of a run.
func (s *Service) Get(ctx context.Context, id string) (*models.RunRecord, error) {
	return s.store.Get(ctx, id)
}

// List returns recent runs, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]models.RunRecord, error) {
	return s.store.List(ctx, limit)
}

// Cancel requests cooperative cancellation. A running run stops at its next
// suspension point; a pending run is cancelled in place.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, running := s.cancels[id]
	s.mu.Unlock()

	if running {
		cancel()
		s.logger.Info("cancellation requested", "run_id", id)
		return nil
	}

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.State.Terminal() {
		return fmt.Errorf("run %s already %s", id, record.State)
	}

	record.State = models.RunStateCancelled
	record.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, record); err != nil {
		return fmt.Errorf("failed to mark run cancelled: %w", err)
	}
	s.observeRun(string(models.RunStateCancelled))
	return nil
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	for j := range s.jobs {
		s.execute(id, j)
	}
}

func (s *Service) execute(workerID int, j job) {
	ctx := context.Background()

	record, err := s.store.Get(ctx, j.recordID)
	if err != nil {
		s.logger.Error("failed to load queued run", "run_id", j.recordID, "error", err)
		return
	}
	// Cancelled while still queued.
	if record.State != models.RunStatePending {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[record.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, record.ID)
		s.mu.Unlock()
	}()

	record.State = models.RunStateRunning
	s.touch(ctx, record)
	s.logger.Info("run started",
		"run_id", record.ID,
		"worker", workerID,
		"identity", record.Identity.Key())

	stopHeartbeat := s.heartbeat(record.ID)

	progress := func(p models.RunProgress) {
		record.Progress = p
		s.touch(ctx, record)
	}

	summary, runErr := j.task.Execute(runCtx, progress)

	// Quiesce the ticker before the terminal state is persisted.
	stopHeartbeat()

	record.Result = summary
	switch {
	case runErr == nil:
		record.State = models.RunStateCompleted
	case runCtx.Err() != nil:
		record.State = models.RunStateCancelled
		record.Error = runErr.Error()
	default:
		record.State = models.RunStateFailed
		record.Error = runErr.Error()
	}
	s.touch(ctx, record)
	s.observeRun(string(record.State))

	s.logger.Info("run finished",
		"run_id", record.ID,
		"state", record.State,
		"error", record.Error)
}

// heartbeat periodically bumps the run's liveness timestamp until stopped.
func (s *Service) heartbeat(runID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.store.Heartbeat(context.Background(), runID, time.Now()); err != nil {
					s.logger.Warn("heartbeat update failed", "run_id", runID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Service) touch(ctx context.Context, record *models.RunRecord) {
	record.HeartbeatAt = time.Now()
	record.UpdatedAt = record.HeartbeatAt
	if err := s.store.Update(ctx, record); err != nil {
		s.logger.Warn("failed to persist run update", "run_id", record.ID, "error", err)
	}
}

func (s *Service) observeRun(state string) {
	if s.collector != nil {
		s.collector.ObserveRun(state)
	}
}
