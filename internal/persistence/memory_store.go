package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// InMemoryStore is a goroutine-safe Ledger backed by maps. A single mutex
// makes every Transition atomic.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string][]*api.Definition // id -> versions, ascending
	executions  map[string]*api.Execution
	order       []string
	steps       map[string][]*api.StepExecution

	now func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string][]*api.Definition),
		executions:  make(map[string]*api.Execution),
		steps:       make(map[string][]*api.StepExecution),
		now:         time.Now,
	}
}

// Ensure InMemoryStore implements Ledger.
var _ Ledger = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveDefinition(_ context.Context, def *api.Definition) (*api.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.ID]
	latest := 0
	if n := len(versions); n > 0 {
		latest = versions[n-1].Version
	}
	stored := def.Clone()
	stored.Version = nextVersion(def.Version, latest)
	for _, v := range versions {
		if v.Version == stored.Version {
			return nil, fmt.Errorf("%s v%d: %w", def.ID, stored.Version, ErrVersionConflict)
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}

	versions = append(versions, stored)
	slices.SortFunc(versions, func(a, b *api.Definition) int { return a.Version - b.Version })
	s.definitions[def.ID] = versions
	return stored.Clone(), nil
}

func (s *InMemoryStore) GetDefinition(_ context.Context, id string, version int) (*api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[id]
	for i := len(versions) - 1; i >= 0; i-- {
		d := versions[i]
		if (version == 0 && d.Active) || (version != 0 && d.Version == version) {
			return d.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%s v%d: %w", id, version, ErrDefinitionNotFound)
}

func (s *InMemoryStore) ListDefinitions(_ context.Context) ([]*api.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*api.Definition, 0, len(s.definitions))
	for _, versions := range s.definitions {
		out = append(out, versions[len(versions)-1].Clone())
	}
	slices.SortFunc(out, func(a, b *api.Definition) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *InMemoryStore) CreateExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrExecutionNotFound)
	}
	return exec.Clone(), nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, id := range s.order {
		exec := s.executions[id]
		if !filter.Matches(exec) {
			continue
		}
		result = append(result, exec.Clone())
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *InMemoryStore) Transition(_ context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[t.Execution.ID]
	if !ok {
		return fmt.Errorf("%s: %w", t.Execution.ID, ErrExecutionNotFound)
	}
	if !t.Guard.Allows(stored) {
		return ErrStaleTransition
	}

	t.stamp(s.now().UTC())
	next := t.Execution.Clone()
	next.CreatedAt = stored.CreatedAt
	s.executions[next.ID] = next
	if t.Step != nil {
		step := *t.Step
		s.steps[next.ID] = append(s.steps[next.ID], &step)
	}
	return nil
}

func (s *InMemoryStore) AppendStep(_ context.Context, step *api.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[step.ExecutionID]; !ok {
		return fmt.Errorf("%s: %w", step.ExecutionID, ErrExecutionNotFound)
	}
	prepareStep(step, s.now().UTC())
	cp := *step
	s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], &cp)
	return nil
}

func (s *InMemoryStore) ListSteps(_ context.Context, executionID string) ([]*api.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[executionID]
	out := make([]*api.StepExecution, len(steps))
	for i, st := range steps {
		cp := *st
		out[i] = &cp
	}
	return out, nil
}
