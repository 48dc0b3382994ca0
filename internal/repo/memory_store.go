package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Cascade/internal/domain"
)

// MemoryStore — Store в памяти процесса.
//
// Используется в тестах и для локального запуска без БД.
// Не переживает рестарт процесса.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*memTenant
	runs    map[uuid.UUID]*domain.ExecutionStatus
}

type memTenant struct {
	tenant  domain.Tenant
	current uuid.UUID
	scripts domain.ScriptsStatus
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустой MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*memTenant),
		runs:    make(map[uuid.UUID]*domain.ExecutionStatus),
	}
}

func (s *MemoryStore) CreateTenant(_ context.Context, tenantID, name string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[tenantID]; ok {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrAlreadyExists)
	}
	s.tenants[tenantID] = &memTenant{
		tenant:  domain.Tenant{ID: tenantID, Name: name, CreatedAt: time.Now()},
		scripts: domain.NewScriptsStatus(keys),
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, tenantID string) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	snap := domain.Snapshot{Scripts: t.scripts.Clone()}
	if run, ok := s.runs[t.current]; ok {
		snap.Found = true
		snap.Status = run.Clone()
	}
	return snap, nil
}

func (s *MemoryStore) Begin(_ context.Context, status *domain.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[status.TenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", status.TenantID, ErrNotFound)
	}
	if cur, ok := s.runs[t.current]; ok && cur.IsActive() {
		return fmt.Errorf("tenant %s running %s: %w", status.TenantID, cur.ScriptKey, ErrConflict)
	}

	s.runs[status.RunID] = status.Clone()
	t.current = status.RunID
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID uuid.UUID) (*domain.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, status *domain.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.activeRunLocked(status.RunID)
	if err != nil {
		return err
	}

	next := status.Clone()
	next.StopRequested = run.StopRequested
	next.Logs = mergeLogs(run.Logs, next.Logs)
	s.runs[status.RunID] = next
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, status *domain.ExecutionStatus, markCompleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.activeRunLocked(status.RunID)
	if err != nil {
		return err
	}

	next := status.Clone()
	next.StopRequested = run.StopRequested
	next.Logs = mergeLogs(run.Logs, next.Logs)
	s.runs[status.RunID] = next

	if markCompleted {
		if t, ok := s.tenants[status.TenantID]; ok {
			t.scripts[status.ScriptKey] = true
		}
	}
	return nil
}

func (s *MemoryStore) activeRunLocked(runID uuid.UUID) (*domain.ExecutionStatus, error) {
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.IsTerminal() {
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrInvalidState)
	}
	return run, nil
}

func (s *MemoryStore) RequestStop(_ context.Context, tenantID, scriptKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return false, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	run, ok := s.runs[t.current]
	if !ok || !run.IsActive() || (scriptKey != "" && run.ScriptKey != scriptKey) {
		return false, nil
	}
	if !run.StopRequested {
		run.StopRequested = true
		run.AppendLog(StopLogMessage, time.Now())
	}
	return true, nil
}

func (s *MemoryStore) StopRequested(_ context.Context, runID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.StopRequested, nil
}

func (s *MemoryStore) ListActive(_ context.Context, startedBefore time.Time) ([]*domain.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ExecutionStatus
	for _, run := range s.runs {
		if run.IsActive() && run.StartTime.Before(startedBefore) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, tenantID string, limit int) ([]*domain.ExecutionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	var out []*domain.ExecutionStatus
	for _, run := range s.runs {
		if run.TenantID == tenantID {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, tenantID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if cur, ok := s.runs[t.current]; ok && cur.IsActive() {
		return fmt.Errorf("tenant %s running %s: %w", tenantID, cur.ScriptKey, ErrConflict)
	}

	for _, k := range keys {
		t.scripts[k] = false
	}
	t.current = uuid.Nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
