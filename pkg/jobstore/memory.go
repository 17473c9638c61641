package jobstore

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/pulsedeck/realtime/pkg/wire"
)

const defaultMemoryCap = 1000

// MemoryStore keeps jobs in a map, evicting the oldest terminal jobs once
// the cap is exceeded. Suitable for tests and single-node runs without
// persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	cap  int
	jobs map[string]wire.Job
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCap(defaultMemoryCap)
}

func NewMemoryStoreWithCap(cap int) *MemoryStore {
	if cap <= 0 {
		cap = defaultMemoryCap
	}
	return &MemoryStore{cap: cap, jobs: map[string]wire.Job{}}
}

func (s *MemoryStore) Save(_ context.Context, job wire.Job) error {
	if job.ID == "" {
		return errors.New("memory job store: job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	s.evictLocked()
	return nil
}

// evictLocked drops the oldest terminal jobs until the store fits the cap.
// Active jobs are never evicted.
func (s *MemoryStore) evictLocked() {
	for len(s.jobs) > s.cap {
		oldestID := ""
		oldestMs := int64(0)
		for id, job := range s.jobs {
			if !job.Status.Terminal() {
				continue
			}
			if oldestID == "" || job.StartedMs < oldestMs {
				oldestID = id
				oldestMs = job.StartedMs
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.jobs, oldestID)
	}
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (wire.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return wire.Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]wire.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	s.mu.RLock()
	items := make([]wire.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if q.ContentID != "" && job.ContentID != q.ContentID {
			continue
		}
		if q.Status != "" && job.Status != q.Status {
			continue
		}
		if q.SinceMs > 0 && job.StartedMs < q.SinceMs {
			continue
		}
		items = append(items, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].StartedMs > items[j].StartedMs })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
