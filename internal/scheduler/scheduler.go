// Package scheduler implements the background task scheduler: a
// periodic worker, kicked immediately after every task transition, that
// evaluates dependency/workdir/session occupancy invariants and drives
// eligible tasks through the kanban Session Runner, handling retry and
// dependency-cascade failure.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/session"
	"github.com/agentforge/orchestrator/internal/store"
	"github.com/agentforge/orchestrator/internal/subprocess"
)

// Notifier is the narrow view of the fan-out the scheduler needs: push a
// notification frame to a session (source_session_id on dependency
// cascade).
type Notifier interface {
	Broadcast(sessionID string, frame any)
}

// TaskRunner is the narrow view of the kanban session runner the
// scheduler drives tasks through.
type TaskRunner interface {
	RunTask(ctx context.Context, task *model.Task, attachments []subprocess.Attachment, onPID func(pid int)) (*session.KanbanOutcome, error)
	ClassifyError(task *model.Task, err error) *session.KanbanOutcome
}

// Scheduler picks eligible todo tasks and drives them through the
// kanban Session Runner.
type Scheduler struct {
	store   *store.Store
	kanban  TaskRunner
	notify  Notifier
	logger  *logger.Logger

	tickInterval   time.Duration
	maxTaskWorkers int

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	// tasks supervises per-task execution goroutines: a panic in one
	// task's run is recovered and surfaced as an error through Wait()
	// rather than taking down the process, without affecting the other
	// tasks running concurrently under it (a bare errgroup.Group carries
	// no shared context, so one task's failure never cancels its siblings).
	tasks errgroup.Group

	mu       sync.Mutex
	aborts   map[string]context.CancelFunc
	stopping map[string]struct{}
}

// New constructs a Scheduler. tickInterval/maxTaskWorkers <= 0 fall back
// to the defaults (15s, 5).
func New(st *store.Store, kanban TaskRunner, notify Notifier, tickInterval time.Duration, maxTaskWorkers int, log *logger.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 15 * time.Second
	}
	if maxTaskWorkers <= 0 {
		maxTaskWorkers = 5
	}
	return &Scheduler{
		store:          st,
		kanban:         kanban,
		notify:         notify,
		logger:         log.WithFields(zap.String("component", "scheduler")),
		tickInterval:   tickInterval,
		maxTaskWorkers: maxTaskWorkers,
		kick:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		aborts:         make(map[string]context.CancelFunc),
		stopping:       make(map[string]struct{}),
	}
}

// Start launches the tick+kick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for it, and for every
// in-flight task execution's context to be cancelled.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.mu.Lock()
	for _, cancel := range s.aborts {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := s.tasks.Wait(); err != nil {
		s.logger.Warn("task group reported errors on shutdown", zap.Error(err))
	}
}

// Kick requests an immediate tick without waiting for the ticker,
// called after every task transition and on task creation. Non-blocking:
// a tick already pending absorbs the request.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.kick:
			s.tick(ctx)
		}
	}
}

// occupancy tracks, for one tick, which sessions/workdirs are claimed,
// including tasks started earlier in the same tick.
type occupancy struct {
	sessions         map[string]struct{}
	workdirs         map[string]struct{}
	independentCount int
}

// tick runs one scheduling pass over all todo tasks.
func (s *Scheduler) tick(ctx context.Context) {
	todo, err := s.store.ListTodoTasks(ctx)
	if err != nil {
		s.logger.Error("list todo tasks failed", zap.Error(err))
		return
	}
	inProgress, err := s.store.ListInProgressTasks(ctx)
	if err != nil {
		s.logger.Error("list in-progress tasks failed", zap.Error(err))
		return
	}

	occ := &occupancy{sessions: make(map[string]struct{}), workdirs: make(map[string]struct{})}
	for _, t := range inProgress {
		if t.SessionID != "" {
			occ.sessions[t.SessionID] = struct{}{}
		}
		if t.Workdir != "" {
			occ.workdirs[t.Workdir] = struct{}{}
		}
		if t.IsIndependent() {
			occ.independentCount++
		}
	}

	for _, task := range todo {
		s.considerTask(ctx, task, occ)
	}
}

// considerTask implements one candidate's eligibility check and, if
// eligible, starts it and updates occ to reflect the claim.
func (s *Scheduler) considerTask(ctx context.Context, task *model.Task, occ *occupancy) {
	if len(task.DependsOn) > 0 {
		ready, cascade, err := s.evaluateDependencies(ctx, task)
		if err != nil {
			s.logger.Error("evaluate dependencies failed", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if cascade {
			return
		}
		if !ready {
			return
		}
	}

	if task.Workdir != "" {
		if _, occupied := occ.workdirs[task.Workdir]; occupied {
			return
		}
	}

	if !task.IsIndependent() {
		if _, occupied := occ.sessions[task.SessionID]; occupied {
			return
		}
		occ.sessions[task.SessionID] = struct{}{}
	} else {
		if occ.independentCount >= s.maxTaskWorkers {
			return
		}
		occ.independentCount++
	}

	if task.Workdir != "" {
		occ.workdirs[task.Workdir] = struct{}{}
	}

	s.start(task)
}

// evaluateDependencies checks a candidate's depends_on list, returning
// (ready, cascaded, err). cascaded is true if the task was
// transitioned to cancelled/dep_failed as a side effect and should not
// be considered further this tick.
func (s *Scheduler) evaluateDependencies(ctx context.Context, task *model.Task) (ready bool, cascaded bool, err error) {
	for _, depID := range task.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			return false, false, err
		}
		if dep.Status == model.TaskStatusCancelled {
			task.Status = model.TaskStatusCancelled
			task.FailureReason = model.FailureReasonDepFailed
			if err := s.store.UpdateTask(ctx, task); err != nil {
				return false, false, err
			}
			if task.SourceSessionID != "" {
				s.notify.Broadcast(task.SourceSessionID, session.Frame{
					Type:      "notification",
					SessionID: task.SourceSessionID,
					Message:   "Task \"" + task.Title + "\" was cancelled: a dependency failed.",
				})
			}
			return false, true, nil
		}
		if dep.Status != model.TaskStatusDone {
			return false, false, nil
		}
	}
	return true, false, nil
}

// start marks task in_progress and runs it to completion in a new
// goroutine, so a stalled turn never blocks the scheduler's own loop.
func (s *Scheduler) start(task *model.Task) {
	task.Status = model.TaskStatusInProgress
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("mark task in_progress failed", zap.String("task_id", task.ID), zap.Error(err))
		cancel()
		return
	}

	s.mu.Lock()
	s.aborts[task.ID] = cancel
	s.mu.Unlock()

	s.tasks.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("task execution panicked", zap.String("task_id", task.ID), zap.Any("recover", rec))
				err = fmt.Errorf("task %s panicked: %v", task.ID, rec)
			}
		}()
		s.run(ctx, task)
		return nil
	})
}

// run drives one task execution and applies its terminal transition,
// deferring to the "stopping" set so a manual move-out-of-in_progress
// wins over the runner's own terminal write.
func (s *Scheduler) run(ctx context.Context, task *model.Task) {
	defer func() {
		s.mu.Lock()
		delete(s.aborts, task.ID)
		s.mu.Unlock()
	}()

	onPID := func(pid int) {
		task.WorkerPID = pid
		if err := s.store.UpdateTask(context.Background(), task); err != nil {
			s.logger.Error("record worker pid failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	outcome, err := s.kanban.RunTask(ctx, task, nil, onPID)

	if s.isStopping(task.ID) {
		s.clearStopping(task.ID)
		return
	}

	if err != nil {
		s.logger.Error("task run failed", zap.String("task_id", task.ID), zap.Error(err))
		outcome = s.kanban.ClassifyError(task, err)
	}

	task.WorkerPID = 0
	if outcome.Session != nil && task.SessionID == "" {
		task.SessionID = outcome.Session.ID
	}
	task.Status = outcome.Status
	task.FailureReason = outcome.FailureReason
	if outcome.Status == model.TaskStatusTodo {
		task.TaskRetryCount++
	}

	if err := s.store.UpdateTask(context.Background(), task); err != nil {
		s.logger.Error("apply task outcome failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if outcome.Status == model.TaskStatusTodo && outcome.Backoff > 0 {
		s.logger.Info("scheduling chain retry", zap.String("task_id", task.ID), zap.Duration("backoff", outcome.Backoff))
		time.AfterFunc(outcome.Backoff, s.Kick)
		return
	}

	s.Kick()
}

// StopTask handles a manual move out of in_progress: mark the task as
// stopping so
// the runner's terminal handler does not overwrite status, then signal
// its abort handle (preferred) or, absent one, send a graceful
// termination signal to its recorded WorkerPID.
func (s *Scheduler) StopTask(task *model.Task) {
	s.mu.Lock()
	s.stopping[task.ID] = struct{}{}
	cancel, hasHandle := s.aborts[task.ID]
	s.mu.Unlock()

	if hasHandle {
		cancel()
		return
	}
	if task.WorkerPID != 0 {
		if err := subprocess.TerminateByPID(task.WorkerPID); err != nil {
			s.logger.Warn("terminate stopped task's worker pid failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) isStopping(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stopping[taskID]
	return ok
}

func (s *Scheduler) clearStopping(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stopping, taskID)
}
