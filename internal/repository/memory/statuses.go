package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
)

// StatusStore keeps deployment statuses in memory.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]domain.DeploymentStatus
}

var _ repository.StatusRepository = (*StatusStore)(nil)

// NewStatusStore constructs an empty StatusStore.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]domain.DeploymentStatus)}
}

func (s *StatusStore) PutStatus(_ context.Context, status domain.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status.Domains = append([]string(nil), status.Domains...)
	status.Failures = append([]domain.FailureEntry(nil), status.Failures...)
	s.statuses[status.ID] = status
	return nil
}

func (s *StatusStore) GetStatus(_ context.Context, id string) (*domain.DeploymentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	status.Domains = append([]string(nil), status.Domains...)
	status.Failures = append([]domain.FailureEntry(nil), status.Failures...)
	return &status, nil
}

func (s *StatusStore) ListStatuses(_ context.Context) ([]domain.DeploymentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeploymentStatus, 0, len(s.statuses))
	for _, status := range s.statuses {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StatusStore) DeleteStatus(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, id)
	return nil
}
