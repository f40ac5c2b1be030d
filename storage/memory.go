package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/viperbmw/netstacks-sub000/types"
)

var (
	_ Storage       = (*MemoryStorage)(nil)
	_ StepTypeStore = (*MemoryStorage)(nil)
)

// MemoryStorage is an in-memory implementation of Storage and StepTypeStore.
type MemoryStorage struct {
	workflows map[string]types.WorkflowDefinition
	runs      map[uint64]types.WorkflowRunResult
	stepTypes map[string]types.CustomStepType
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[string]types.WorkflowDefinition),
		runs:      make(map[uint64]types.WorkflowRunResult),
		stepTypes: make(map[string]types.CustomStepType),
	}
}

func getItem[K comparable, T any](
	ctx context.Context, mu *sync.RWMutex, m map[K]T, key K, errNotFound error,
) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %v", errNotFound, key)
		}
		return item, nil
	})
}

func putItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, key K, item T) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		m[key] = item
		return struct{}{}, nil
	})
	return err
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return putItem(ctx, &s.mu, s.workflows, wf.Name, wf)
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.workflows, name, ErrWorkflowNotFound)
}

// SaveWorkflows saves multiple workflows in a single lock.
func (s *MemoryStorage) SaveWorkflows(ctx context.Context, wfs []types.WorkflowDefinition) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, wf := range wfs {
			s.workflows[wf.Name] = wf
		}
		return struct{}{}, nil
	})
	return err
}

// SaveRun saves a run result to memory.
func (s *MemoryStorage) SaveRun(ctx context.Context, run types.WorkflowRunResult) error {
	return putItem(ctx, &s.mu, s.runs, run.RunID, run)
}

// GetRun retrieves a run result from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRunResult, error) {
	return getItem(ctx, &s.mu, s.runs, id, ErrRunNotFound)
}

// SaveStepType registers a custom step type.
func (s *MemoryStorage) SaveStepType(ctx context.Context, st types.CustomStepType) error {
	return putItem(ctx, &s.mu, s.stepTypes, st.StepTypeID, st)
}

// LookupStepType resolves a custom step type by ID.
func (s *MemoryStorage) LookupStepType(ctx context.Context, id string) (types.CustomStepType, error) {
	return getItem(ctx, &s.mu, s.stepTypes, id, ErrStepTypeNotFound)
}

// ClearRuns removes stored runs that finished with the given status.
func (s *MemoryStorage) ClearRuns(ctx context.Context, status string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if run.Status == status {
				delete(s.runs, id)
			}
		}
		return struct{}{}, nil
	})
	return err
}
