// Package scheduling runs periodic maintenance such as plugin auto-reload
// and developer list refresh.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultTaskTimeout = 2 * time.Minute

// Task is a named recurring job.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *" or duration "30s"
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs tasks on cron or fixed-interval schedules. A task that is
// still running when its next tick arrives is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
	}
}

// Add registers a task. Names must be unique.
func (s *Scheduler) Add(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("scheduler: task %q has no function", task.Name)
	}
	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}

	name := task.Name
	run := task.Run
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		if err := run(taskCtx); err != nil {
			s.logger.Warn("scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled task completed", "task", name, "duration", time.Since(start))
	}))
	s.logger.Info("task scheduled", "task", name, "schedule", task.Schedule)
	return nil
}

// Remove unregisters a task.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Next returns the next run time of a task. ok is false for unknown tasks or
// before Start.
func (s *Scheduler) Next(name string) (next time.Time, ok bool) {
	s.mu.Lock()
	id, found := s.entries[name]
	s.mu.Unlock()
	if !found {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if entry.ID == 0 || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Start begins running tasks. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule parses a cron expression, falling back to a Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
