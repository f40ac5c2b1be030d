package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/viperbmw/netstacks-sub000/types"
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

var (
	ErrWorkflowNotFound = fmt.Errorf("workflow %w", ErrNotFound)
	ErrRunNotFound      = fmt.Errorf("run %w", ErrNotFound)
	ErrStepTypeNotFound = fmt.Errorf("step type %w", ErrNotFound)
)

// Storage defines the interface for persisting workflow definitions and run results.
type Storage interface {
	// SaveWorkflow saves a workflow definition under its name.
	SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error

	// GetWorkflow retrieves a workflow definition by name.
	GetWorkflow(ctx context.Context, name string) (types.WorkflowDefinition, error)

	// SaveRun saves a terminal run result.
	SaveRun(ctx context.Context, run types.WorkflowRunResult) error

	// GetRun retrieves a run result by ID.
	GetRun(ctx context.Context, id uint64) (types.WorkflowRunResult, error)
}

// StepTypeRegistry resolves operator-defined step types.
type StepTypeRegistry interface {
	LookupStepType(ctx context.Context, id string) (types.CustomStepType, error)
}

// StepTypeStore is a StepTypeRegistry that can also be written to.
type StepTypeStore interface {
	StepTypeRegistry
	SaveStepType(ctx context.Context, st types.CustomStepType) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
