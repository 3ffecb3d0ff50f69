package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sibylgw/sibyl/internal/events"
)

// ExecuteFunc runs a fired task. ran reports whether the run
// actually happened; the single-flight guard in the agent runner
// declines overlapping scheduled runs for the same agent.
type ExecuteFunc func(ctx context.Context, task *Task) (ran bool, err error)

// executionTimeout bounds one autonomous run end to end.
const executionTimeout = 5 * time.Minute

// Scheduler arms a timer per enabled task and records executions.
type Scheduler struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc
	bus     *events.Bus

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(logger *slog.Logger, store *Store, bus *events.Bus, execute ExecuteFunc) *Scheduler {
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		store:   store,
		execute: execute,
		bus:     bus,
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads enabled tasks and arms their timers.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	tasks, err := s.store.ListTasks(true)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		s.scheduleTask(task)
	}
	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop halts the scheduler and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// CreateTask adds a task and arms it.
func (s *Scheduler) CreateTask(task *Task) error {
	if err := s.store.CreateTask(task); err != nil {
		return err
	}
	if task.Enabled {
		s.scheduleTask(task)
	}
	s.logger.Info("task created", "id", task.ID, "agent", task.AgentID, "name", task.Name)
	return nil
}

// UpdateTask modifies a task and rearms it.
func (s *Scheduler) UpdateTask(task *Task) error {
	if err := s.store.UpdateTask(task); err != nil {
		return err
	}
	s.cancelTimer(task.ID)
	if task.Enabled {
		s.scheduleTask(task)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(id string) error {
	s.cancelTimer(id)
	return s.store.DeleteTask(id)
}

// ListTasks returns all tasks.
func (s *Scheduler) ListTasks(enabledOnly bool) ([]*Task, error) {
	return s.store.ListTasks(enabledOnly)
}

// TriggerTask runs a task immediately, bypassing its schedule.
func (s *Scheduler) TriggerTask(ctx context.Context, taskID string) (*Execution, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.executeTask(ctx, task, time.Now())
}

func (s *Scheduler) scheduleTask(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Debug("task has no future runs", "id", task.ID, "name", task.Name)
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[task.ID]; exists {
		timer.Stop()
	}
	s.timers[task.ID] = time.AfterFunc(delay, func() {
		s.onTaskFire(task.ID)
	})
	s.logger.Debug("task armed", "id", task.ID, "name", task.Name, "next", next)
}

func (s *Scheduler) onTaskFire(taskID string) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, taskID)
	s.mu.Unlock()

	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Error("load fired task", "id", taskID, "error", err)
		return
	}
	if !task.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()
	if _, err := s.executeTask(ctx, task, time.Now()); err != nil {
		s.logger.Error("task execution failed", "id", taskID, "error", err)
	}

	// Rearm recurring tasks.
	if task.Schedule.Kind != ScheduleAt {
		s.scheduleTask(task)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task, scheduledAt time.Time) (*Execution, error) {
	exec := &Execution{
		ID:          NewID(),
		TaskID:      task.ID,
		ScheduledAt: scheduledAt,
		Status:      StatusRunning,
	}
	now := time.Now()
	exec.StartedAt = &now
	if err := s.store.CreateExecution(exec); err != nil {
		return nil, err
	}

	s.logger.Info("task fired", "task", task.Name, "agent", task.AgentID, "execution", exec.ID)
	s.bus.Emit(events.SourceScheduler, events.KindTaskFired, map[string]any{
		"task":  task.Name,
		"agent": task.AgentID,
	})

	var ran bool
	var execErr error
	if s.execute != nil {
		ran, execErr = s.execute(ctx, task)
	}

	completed := time.Now()
	exec.CompletedAt = &completed
	switch {
	case execErr != nil:
		exec.Status = StatusFailed
		exec.Result = execErr.Error()
	case !ran:
		exec.Status = StatusSkipped
		exec.Result = "previous run still in progress"
	default:
		exec.Status = StatusCompleted
		exec.Result = "success"
	}
	if err := s.store.UpdateExecution(exec); err != nil {
		s.logger.Error("update execution", "id", exec.ID, "error", err)
	}

	s.bus.Emit(events.SourceScheduler, events.KindTaskComplete, map[string]any{
		"task":   task.Name,
		"agent":  task.AgentID,
		"status": string(exec.Status),
	})
	return exec, execErr
}

func (s *Scheduler) cancelTimer(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, exists := s.timers[taskID]; exists {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, _ := s.store.ListTasks(false)
	enabled := 0
	for _, t := range tasks {
		if t.Enabled {
			enabled++
		}
	}
	return map[string]any{
		"running":       s.running,
		"total_tasks":   len(tasks),
		"enabled_tasks": enabled,
		"active_timers": len(s.timers),
	}
}
