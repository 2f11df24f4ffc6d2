// Package scheduler fires stored tasks on their cron schedules.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/user/cua/internal/state"
)

// Handler is the callback invoked when a scheduled task fires. It runs on
// the cron goroutine; a slow handler delays only its own task.
type Handler func(task state.Task)

// Entry describes a registered task.
type Entry struct {
	Name     string
	Schedule string
	Next     time.Time
}

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	logger  *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]registered
}

type registered struct {
	id       cron.EntryID
	schedule string
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether schedule parses.
func Validate(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   store,
		handler: handler,
		logger:  logger.Named("scheduler"),
		cron:    newCron(),
	}
}

func newCron() *cron.Cron {
	// A task still running when its next tick arrives skips that tick.
	return cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]registered)
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		t := *task
		id, err := s.cron.AddFunc(t.Schedule, func() {
			s.logger.Info("cron firing task", zap.String("name", t.Name), zap.String("session_key", t.SessionKey))
			s.handler(t)
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", zap.String("name", t.Name), zap.String("schedule", t.Schedule), zap.Error(err))
			continue
		}
		s.entries[t.Name] = registered{id: id, schedule: t.Schedule}
		s.logger.Info("scheduled task", zap.String("name", t.Name), zap.String("schedule", t.Schedule))
	}

	s.cron.Start()
	return nil
}

// Entries lists the registered tasks with their next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for name, r := range s.entries {
		out = append(out, Entry{Name: name, Schedule: r.schedule, Next: s.cron.Entry(r.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reload stops the existing cron, waits for running tasks, and starts again
// from the current store contents.
func (s *Scheduler) Reload() error {
	s.Stop()
	s.mu.Lock()
	s.cron = newCron()
	s.mu.Unlock()
	return s.Start()
}

// Stop stops the cron ticker and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
