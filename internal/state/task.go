package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/cua/internal/types"
)

// ErrTaskNotFound is returned when no task has the requested name.
var ErrTaskNotFound = errors.New("task not found")

// Task outcomes recorded by RecordRun.
const (
	TaskOutcomeOK     = "ok"
	TaskOutcomeFailed = "failed"
)

// Task is a named instruction for the agent, fired by cron or a webhook.
type Task struct {
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Schedule   string `json:"schedule,omitempty"`
	SessionKey string `json:"session_key"`
	Enabled    bool   `json:"enabled"`

	// StartURL is loaded in the session's browser before the prompt runs.
	StartURL string `json:"start_url,omitempty"`
	// AutoAcknowledge approves the safety checks raised while the task
	// runs. Unattended tasks otherwise deny them.
	AutoAcknowledge bool `json:"auto_acknowledge,omitempty"`

	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	LastOutcome string     `json:"last_outcome,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Validate reports the first missing or malformed field.
func (t *Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("task name is required")
	case t.Prompt == "":
		return fmt.Errorf("task %s: prompt is required", t.Name)
	case t.SessionKey == "":
		return fmt.Errorf("task %s: session key is required", t.Name)
	}
	if _, err := types.ParseSessionKey(t.SessionKey); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	if t.StartURL != "" {
		u, err := url.Parse(t.StartURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("task %s: start url %q must be an absolute http(s) url", t.Name, t.StartURL)
		}
	}
	return nil
}

// TaskStore keeps tasks in one JSON file.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks in insertion order.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Add stores a valid task under a new name.
func (s *TaskStore) Add(task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	if indexOf(tasks, task.Name) >= 0 {
		return fmt.Errorf("task already exists: %s", task.Name)
	}
	return s.save(append(tasks, task))
}

func (s *TaskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.save(append(tasks[:i], tasks[i+1:]...))
}

// Update applies fn to the named task and saves the result. The task must
// still validate and keep its name.
func (s *TaskStore) Update(name string, fn func(*Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	task := *tasks[i]
	if err := fn(&task); err != nil {
		return err
	}
	if task.Name != name {
		return fmt.Errorf("task %s cannot be renamed", name)
	}
	if err := task.Validate(); err != nil {
		return err
	}
	tasks[i] = &task
	return s.save(tasks)
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.Update(name, func(t *Task) error {
		t.Enabled = enabled
		return nil
	})
}

// RecordRun stores when the task last ran and how the run ended.
func (s *TaskStore) RecordRun(name string, at time.Time, runErr error) error {
	return s.Update(name, func(t *Task) error {
		at := at.UTC()
		t.LastRunAt = &at
		t.LastOutcome, t.LastError = TaskOutcomeOK, ""
		if runErr != nil {
			t.LastOutcome, t.LastError = TaskOutcomeFailed, runErr.Error()
		}
		return nil
	})
}

func indexOf(tasks []*Task, name string) int {
	for i, t := range tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// load returns nil when the file does not exist yet.
func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks file %s: %w", s.path, err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	return writeAtomic(s.path, data)
}
