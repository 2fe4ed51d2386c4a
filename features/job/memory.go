package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]Job
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[string]Job), now: time.Now}
}

func (r *MemoryRepo) Save(ctx context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.ID = uuid.New().String()
	job.CreatedAt = r.now()
	r.jobs[job.ID] = *job
	return nil
}

func (r *MemoryRepo) sorted() []Job {
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (r *MemoryRepo) List(ctx context.Context) ([]Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(), nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (r *MemoryRepo) LatestForDocument(ctx context.Context, documentID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, j := range r.sorted() {
		if j.DocumentID == documentID {
			return &j, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

func (r *MemoryRepo) DeleteByDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, j := range r.jobs {
		if j.DocumentID == documentID {
			delete(r.jobs, id)
		}
	}
	return nil
}

func (r *MemoryRepo) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs), nil
}
