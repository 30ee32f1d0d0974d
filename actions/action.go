// Package actions holds the contract for step and compensation actions, a
// registry to resolve them by name, and the built-in task actions.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-workflow/types"
)

// Request is the input handed to an action.
type Request struct {
	InstanceID uint64
	StepID     string
	Step       types.Step
	// Context is a private copy of the instance context.
	Context map[string]interface{}
	// Record is the history entry being undone; set only for compensations.
	Record *types.StepRecord
	// Attempt counts from 1.
	Attempt int
}

// Action executes one step or one compensation. Compensations must be
// idempotent: a resumed rollback may apply the same one again.
type Action interface {
	Execute(ctx context.Context, req Request) (interface{}, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, req Request) (interface{}, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, req Request) (interface{}, error) {
	return f(ctx, req)
}

// Registry resolves actions by name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces the action called name.
func (r *Registry) Register(name string, action Action) error {
	if name == "" || action == nil {
		return fmt.Errorf("%w: name and action are required", types.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
	return nil
}

// Lookup returns the action called name.
func (r *Registry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrActionNotRegistered, name)
	}
	return a, nil
}

// Names lists registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
