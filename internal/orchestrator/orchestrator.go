package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/storage"
)

const (
	DefaultMaxConcurrent = 4
	emitBuffer           = 64

	interruptedMessage = "Interrupted: server restarted before the job finished"
)

type Config struct {
	MaxConcurrent int
	// JobTimeout bounds a single run; zero means no limit.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Orchestrator drives jobs from pending to a terminal status and records
// every lifecycle event in the store before publishing it.
type Orchestrator struct {
	store  *job.Store
	broker *broker.Broker
	files  *storage.Store
	worker Collaborator
	logger *slog.Logger

	timeout time.Duration
	sem     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	// mu orders wg.Add in Submit before the close of stop in Shutdown.
	mu       sync.Mutex
	wg       sync.WaitGroup
	stop     chan struct{}
	stopping bool

	queued  atomic.Int64
	running atomic.Int64
}

func New(store *job.Store, b *broker.Broker, files *storage.Store, worker Collaborator, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   store,
		broker:  b,
		files:   files,
		worker:  worker,
		logger:  cfg.Logger,
		timeout: cfg.JobTimeout,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Emit appends an event to the job history and then publishes it. Callers
// must not emit concurrently for the same job.
func (o *Orchestrator) Emit(jobID, category, message string, data map[string]any) (job.Event, error) {
	ev, err := o.store.AppendEvent(jobID, category, message, data)
	if err != nil {
		return job.Event{}, err
	}
	o.broker.Publish(jobID, ev)
	return ev, nil
}

// Submit schedules jobID to run in the background and returns at once.
// After Shutdown the job stays pending for the next start to pick up.
func (o *Orchestrator) Submit(jobID string) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	o.queued.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case o.sem <- struct{}{}:
		case <-o.stop:
			o.queued.Add(-1)
			return
		}
		o.queued.Add(-1)
		defer func() { <-o.sem }()
		select {
		case <-o.stop:
			return
		default:
		}
		o.Run(o.ctx, jobID)
	}()
}

// Run executes jobID synchronously. Unknown or already started jobs are
// logged and ignored.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	log := o.logger.With("job_id", jobID)

	j, ok := o.store.Get(jobID)
	if !ok {
		log.Warn("job not found, nothing to run")
		return
	}
	if j.Status != job.StatusPending {
		log.Warn("job is not pending, skipping", "status", j.Status)
		return
	}

	if _, err := o.store.UpdateStatus(jobID, job.StatusRunning, nil, ""); err != nil {
		log.Error("failed to mark job running", "error", err)
		return
	}
	o.running.Add(1)
	defer o.running.Add(-1)

	o.emitLogged(log, jobID, job.EventStatus, "Job started", map[string]any{
		"status": string(job.StatusRunning),
	})
	log.Info("job started")
	started := time.Now()

	raw, err := o.execute(ctx, j)
	if err != nil {
		o.fail(log, jobID, Describe(err))
		return
	}

	if _, err := o.store.UpdateStatus(jobID, job.StatusCompleted, raw, ""); err != nil {
		log.Error("failed to record result", "error", err)
		o.fail(log, jobID, Describe(fmt.Errorf("record result: %w", err)))
		return
	}
	var summary any
	if err := json.Unmarshal(raw, &summary); err != nil {
		summary = nil
	}
	o.emitLogged(log, jobID, job.EventStatus, "Job completed", map[string]any{
		"status":         string(job.StatusCompleted),
		"result_summary": summary,
	})
	log.Info("job completed", "duration", time.Since(started).String())
}

// execute runs the collaborator with the event bridge in place and always
// removes the workspace afterwards.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	defer func() {
		if err := o.files.RemoveAll(j.ID, storage.WorkspaceDir); err != nil {
			o.logger.Warn("failed to clean workspace", "job_id", j.ID, "error", err)
		}
	}()

	log := o.logger.With("job_id", j.ID)
	em := newEmitter(emitBuffer, func(e emission) {
		o.emitLogged(log, j.ID, e.category, e.message, e.data)
	})

	task := Task{
		JobID:     j.ID,
		JobDir:    o.files.JobDir(j.ID),
		Workspace: o.files.Workspace(j.ID),
		Request:   j.Request,
		Emit:      em.emit,
	}
	result, err := o.invoke(ctx, task)
	em.close()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func (o *Orchestrator) invoke(ctx context.Context, task Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			o.logger.Error("collaborator panicked", "job_id", task.JobID, "panic", r, "stack", string(pe.Stack))
			err = pe
		}
	}()
	return o.worker.Run(ctx, task)
}

func (o *Orchestrator) fail(log *slog.Logger, jobID, msg string) {
	if _, err := o.store.UpdateStatus(jobID, job.StatusFailed, nil, msg); err != nil {
		log.Error("failed to mark job failed", "error", err)
		return
	}
	o.emitLogged(log, jobID, job.EventStatus, "Job failed", map[string]any{
		"status": string(job.StatusFailed),
		"error":  msg,
	})
	log.Warn("job failed", "error", msg)
}

func (o *Orchestrator) emitLogged(log *slog.Logger, jobID, category, message string, data map[string]any) {
	if _, err := o.Emit(jobID, category, message, data); err != nil {
		log.Error("failed to record event", "event", category, "error", err)
	}
}

// Recover resumes work left over from a previous process: pending jobs are
// scheduled again and jobs caught running are failed.
func (o *Orchestrator) Recover() (resumed, interrupted int) {
	pending, running := o.store.Unfinished()
	for _, id := range running {
		o.fail(o.logger.With("job_id", id), id, interruptedMessage)
		if err := o.files.RemoveAll(id, storage.WorkspaceDir); err != nil {
			o.logger.Warn("failed to clean workspace", "job_id", id, "error", err)
		}
		interrupted++
	}
	for _, id := range pending {
		o.Submit(id)
		resumed++
	}
	return resumed, interrupted
}

type Stats struct {
	Queued   int64 `json:"queued"`
	Running  int64 `json:"running"`
	Capacity int   `json:"capacity"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Queued:   o.queued.Load(),
		Running:  o.running.Load(),
		Capacity: cap(o.sem),
	}
}

// Wait blocks until every submitted job has finished or been dropped.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops scheduling and waits for running jobs. When ctx expires
// first, running jobs are cancelled and waited for.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.stopping {
		o.stopping = true
		close(o.stop)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}
