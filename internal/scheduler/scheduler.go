// Package scheduler runs tvrelay's recurring background tasks on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a unit of scheduled work. The context is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// Entry describes a registered task.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitzero"`
	Runs     uint64    `json:"runs"`
	LastErr  string    `json:"last_error,omitempty"`
}

type job struct {
	name     string
	schedule string
	id       cron.EntryID
	runs     uint64
	lastErr  string
}

// Scheduler manages cron-driven tasks.
// Overlapping runs of the same task are skipped rather than queued.
type Scheduler struct {
	mu sync.Mutex

	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger
	jobs   map[string]*job

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewScheduler creates a scheduler using 5-field cron expressions.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		parser: parser,
		logger: slog.Default(),
		jobs:   make(map[string]*job),
	}
	s.cron = s.newCron()
	return s
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
		if s.ctx == nil && len(s.jobs) == 0 {
			s.cron = s.newCron()
		}
	}
	return s
}

func (s *Scheduler) newCron() *cron.Cron {
	l := cronLogger{logger: s.logger}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Add registers a task under a unique name.
func (s *Scheduler) Add(name, expr string, task Task) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("task %s already scheduled", name)
	}

	j := &job{name: name, schedule: expr}
	id, err := s.cron.AddFunc(expr, func() { s.run(j, task) })
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	j.id = id
	s.jobs[name] = j

	s.logger.Debug("task scheduled", slog.String("task", name), slog.String("cron", expr))
	return nil
}

// RunNow executes a registered task immediately in the caller's goroutine.
// It is skipped if the same task is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", name)
	}
	if ctx == nil {
		return fmt.Errorf("scheduler not started")
	}

	entry := s.cron.Entry(j.id)
	if entry.WrappedJob == nil {
		return fmt.Errorf("task %s not found", name)
	}
	entry.WrappedJob.Run()
	return nil
}

func (s *Scheduler) run(j *job, task Task) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil {
		s.mu.Unlock()
		return
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	start := time.Now()
	err := task(ctx)

	s.mu.Lock()
	j.runs++
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled task failed",
			slog.String("task", j.name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return
	}
	s.logger.Debug("scheduled task completed",
		slog.String("task", j.name),
		slog.Duration("duration", time.Since(start)))
}

// Start begins running scheduled tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("tasks", len(s.jobs)))
	return nil
}

// Stop stops the scheduler and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.running.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Entries returns the registered tasks sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.id)
		out = append(out, Entry{
			Name:     j.name,
			Schedule: j.schedule,
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     j.runs,
			LastErr:  j.lastErr,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
