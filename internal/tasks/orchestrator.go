package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// ErrDuplicateInFlight is returned when a subject already has a queued or
// processing task. The caller should poll the existing task instead of
// submitting a new one.
var ErrDuplicateInFlight = errors.New("duplicate in-flight task for subject")

// ErrQueueFull is returned when the submission queue cannot accept more work.
var ErrQueueFull = errors.New("task queue is full")

const queueCapacity = 1024

// Handler processes a claimed task. On failure it returns a machine-readable
// reason alongside the error; domain rejections are not failures and belong
// in the result payload instead.
type Handler interface {
	Handle(ctx context.Context, task *Task) (result json.RawMessage, failReason string, err error)
}

// Orchestrator owns the task lifecycle: submission with the per-subject
// in-flight guard, a fixed worker pool, per-kind deadlines, and TTL cleanup
// of terminal rows.
type Orchestrator struct {
	store   *Store
	handler Handler
	cfg     config.TasksConfig

	queue chan string

	mu       sync.Mutex
	inflight map[string]string // subject key -> task ID

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewOrchestrator(store *Store, handler Handler, cfg config.TasksConfig) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		store:    store,
		handler:  handler,
		cfg:      cfg,
		queue:    make(chan string, queueCapacity),
		inflight: make(map[string]string),
		quit:     make(chan struct{}),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// Stop waits for in-flight work to finish. Queued tasks stay in the database
// and are requeued by Recover on the next start.
func (o *Orchestrator) Stop() {
	close(o.quit)
	o.wg.Wait()
}

// Submit creates a task unless the subject already has one in flight.
func (o *Orchestrator) Submit(ctx context.Context, kind Kind, subjectKey string, input json.RawMessage) (string, error) {
	if subjectKey == "" {
		return "", fmt.Errorf("subject key is required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.inflight[subjectKey]; ok {
		return existing, ErrDuplicateInFlight
	}

	task := &Task{
		ID:         uuid.NewString(),
		Kind:       kind,
		SubjectKey: subjectKey,
		State:      StateQueued,
		Input:      input,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.Create(ctx, task); err != nil {
		return "", err
	}

	select {
	case o.queue <- task.ID:
	default:
		// Roll the row back to keep store and queue consistent.
		_ = o.store.MarkFailed(ctx, task.ID, ReasonInternalError, "queue full")
		return "", ErrQueueFull
	}

	o.inflight[subjectKey] = task.ID
	return task.ID, nil
}

// Status returns the current task snapshot. Terminal snapshots never change,
// so repeated polls return identical results.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Task, error) {
	return o.store.Get(ctx, id)
}

// Recover reconciles persisted state after a restart: tasks stuck in
// processing are failed as interrupted, queued tasks are put back on the
// worker queue with their in-flight guard restored.
func (o *Orchestrator) Recover(ctx context.Context) error {
	failed, err := o.store.FailInterrupted(ctx)
	if err != nil {
		return err
	}
	if failed > 0 {
		log.Printf("tasks: failed %d interrupted tasks from previous run", failed)
	}

	queued, err := o.store.ListByState(ctx, StateQueued)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, task := range queued {
		select {
		case o.queue <- task.ID:
			o.inflight[task.SubjectKey] = task.ID
		default:
			_ = o.store.MarkFailed(ctx, task.ID, ReasonInternalError, "queue full during recovery")
		}
	}
	if len(queued) > 0 {
		log.Printf("tasks: requeued %d pending tasks", len(queued))
	}
	return nil
}

// GC removes terminal tasks older than the configured TTL.
func (o *Orchestrator) GC(ctx context.Context) {
	cutoff := time.Now().Add(-o.cfg.TerminalTTL)
	n, err := o.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		log.Printf("tasks: gc failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("tasks: gc removed %d terminal tasks", n)
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			return
		case id := <-o.queue:
			o.process(id)
		}
	}
}

func (o *Orchestrator) deadline(kind Kind) time.Duration {
	if kind == KindEnrollment {
		return o.cfg.EnrollTimeout
	}
	return o.cfg.VerifyTimeout
}

// process runs one task to a terminal state. Failures are isolated to the
// task; the worker itself never dies.
func (o *Orchestrator) process(id string) {
	ctx := context.Background()

	task, err := o.store.Get(ctx, id)
	if err != nil {
		log.Printf("tasks: loading task %s: %v", id, err)
		return
	}
	defer o.clearInflight(task.SubjectKey, task.ID)

	claimed, err := o.store.MarkProcessing(ctx, id)
	if err != nil {
		log.Printf("tasks: claiming task %s: %v", id, err)
		return
	}
	if !claimed {
		return // another worker or a previous run already owns it
	}

	runCtx, cancel := context.WithTimeout(ctx, o.deadline(task.Kind))
	defer cancel()

	result, reason, err := o.runHandler(runCtx, task)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		o.finish(task, func() error {
			return o.store.MarkTimedOut(ctx, id, fmt.Sprintf("no terminal transition within %s", o.deadline(task.Kind)))
		})
	case err != nil:
		log.Printf("tasks: task %s failed (%s): %v", id, reason, err)
		o.finish(task, func() error {
			return o.store.MarkFailed(ctx, id, reason, err.Error())
		})
	default:
		o.finish(task, func() error {
			return o.store.MarkCompleted(ctx, id, result)
		})
	}
}

// finish applies a terminal transition and releases the subject's in-flight
// guard under one lock, so a caller observing the terminal status can always
// submit the next task for the subject.
func (o *Orchestrator) finish(task *Task, mark func() error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := mark(); err != nil {
		log.Printf("tasks: finishing task %s: %v", task.ID, err)
	}
	if o.inflight[task.SubjectKey] == task.ID {
		delete(o.inflight, task.SubjectKey)
	}
}

// runHandler invokes the handler, converting panics into task failures so a
// bad input can never take down the pool.
func (o *Orchestrator) runHandler(ctx context.Context, task *Task) (result json.RawMessage, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, reason = nil, ReasonInternalError
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, reason, err = o.handler.Handle(ctx, task)
	if err == nil && ctx.Err() != nil {
		// Handler ignored the expired deadline; the contract still holds.
		return nil, ReasonTimeout, context.DeadlineExceeded
	}
	return result, reason, err
}

func (o *Orchestrator) clearInflight(subjectKey, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[subjectKey] == taskID {
		delete(o.inflight, subjectKey)
	}
}
