package supervisor

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// task holds the counters of every run started under one name.
type task struct {
	mu        sync.Mutex
	active    int64
	runs      uint64
	restarts  uint64
	panics    uint64
	lastErr   string
	lastErrAt time.Time
}

func (s *Supervisor) task(name string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[name]
	if t == nil {
		t = &task{}
		s.tasks[name] = t
	}
	return t
}

func (t *task) begin(restart bool) {
	t.mu.Lock()
	t.runs++
	t.active++
	if restart {
		t.restarts++
	}
	t.mu.Unlock()
}

func (t *task) end(err error, panicked bool) {
	t.mu.Lock()
	t.active = max(t.active-1, 0)
	if panicked {
		t.panics++
	}
	if err != nil {
		t.lastErr = err.Error()
		t.lastErrAt = time.Now()
	}
	t.mu.Unlock()
}

type TaskSnapshot struct {
	Name      string    `json:"name"`
	Active    int64     `json:"active"`
	Runs      uint64    `json:"runs"`
	Restarts  uint64    `json:"restarts"`
	Panics    uint64    `json:"panics"`
	LastErr   string    `json:"last_err,omitempty"`
	LastErrAt time.Time `json:"last_err_at,omitempty"`
}

// Snapshot is a best-effort view for /healthz. Active counts goroutines
// still running, including ones sleeping between restarts.
type Snapshot struct {
	Active     int64          `json:"active"`
	Started    uint64         `json:"started"`
	FirstError string         `json:"first_error,omitempty"`
	Tasks      []TaskSnapshot `json:"tasks"`
}

// Snapshot is safe on a nil *Supervisor.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for name, t := range s.tasks {
		t.mu.Lock()
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			Name:      name,
			Active:    t.active,
			Runs:      t.runs,
			Restarts:  t.restarts,
			Panics:    t.panics,
			LastErr:   t.lastErr,
			LastErrAt: t.lastErrAt,
		})
		t.mu.Unlock()
	}
	s.mu.Unlock()
	slices.SortFunc(snap.Tasks, func(a, b TaskSnapshot) int { return strings.Compare(a.Name, b.Name) })
	return snap
}
