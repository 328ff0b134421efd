package api

import (
	"sync"
	"time"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// DefaultRunHistory bounds the number of runs kept in memory.
const DefaultRunHistory = 100

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

// Run states.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRequest is the resolved crawl request of a run.
type RunRequest struct {
	Query           string   `json:"query"`
	TargetCount     int      `json:"target_count"`
	PageSize        int      `json:"page_size"`
	ExcludePrefixes []string `json:"exclude_prefixes"`
}

// Run records one crawl submitted through the API.
type Run struct {
	ID          string          `json:"id"`
	Status      RunStatus       `json:"status"`
	Source      string          `json:"source"`
	Request     RunRequest      `json:"request"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Result      *crawler.Result `json:"result,omitempty"`
}

// RunStore keeps the most recent runs in memory, evicting the oldest once
// capacity is reached.
type RunStore struct {
	mu    sync.RWMutex
	cap   int
	order []string
	runs  map[string]Run
}

// NewRunStore creates a store holding at most capacity runs.
func NewRunStore(capacity int) *RunStore {
	if capacity <= 0 {
		capacity = DefaultRunHistory
	}
	return &RunStore{
		cap:  capacity,
		runs: make(map[string]Run, capacity),
	}
}

// Put inserts or replaces a run.
func (s *RunStore) Put(run Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
		for len(s.order) > s.cap {
			delete(s.runs, s.order[0])
			s.order = s.order[1:]
		}
	}
	s.runs[run.ID] = run
}

// Get returns the run with the given ID.
func (s *RunStore) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
