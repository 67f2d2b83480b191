// Package materialize defines the materializer and monitor contracts the
// projection worker invokes, and the hook registry that dispatches them.
//
// A materializer collapses the ordered multi-value canonical map into one
// representative value per path and names the policy that made each choice.
// Monitors run after materialization and before persistence and may mutate
// both the flat model and the policy map in place. Typed (model-specific)
// monitors run before untyped ones; a monitor error fails the projection
// task, which is retried on the next pass.
package materialize

import (
	"context"
	"fmt"
	"sync"
)

// Materializer reduces path -> ordered values into (path -> value,
// path -> policyId). Must be pure and deterministic, and must not invent
// paths absent from the input except documented derived fields.
type Materializer func(modelName string, canonical map[string][]any) (map[string]any, map[string]string, error)

// Monitor is a side-effecting projection hook.
type Monitor interface {
	Name() string
	OnProjected(ctx context.Context, modelName, referenceID string, model map[string]any, policies map[string]string) error
}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc struct {
	ID string
	Fn func(ctx context.Context, modelName, referenceID string, model map[string]any, policies map[string]string) error
}

// Name returns the monitor id.
func (m MonitorFunc) Name() string { return m.ID }

// OnProjected invokes the wrapped function.
func (m MonitorFunc) OnProjected(ctx context.Context, modelName, referenceID string, model map[string]any, policies map[string]string) error {
	return m.Fn(ctx, modelName, referenceID, model, policies)
}

// PolicyFirstSeen is the policy id recorded by the default materializer.
const PolicyFirstSeen = "first-seen"

// FirstValue is the default materializer: it picks the first value seen for
// each path, which is the oldest contributing record's value given the
// reducer's first-appearance ordering.
func FirstValue(_ string, canonical map[string][]any) (map[string]any, map[string]string, error) {
	flat := make(map[string]any, len(canonical))
	policies := make(map[string]string, len(canonical))
	for path, values := range canonical {
		if len(values) == 0 {
			continue
		}
		flat[path] = values[0]
		policies[path] = PolicyFirstSeen
	}
	return flat, policies, nil
}

// Hooks holds the materializer and the untyped monitor chain. Typed
// monitors live on the model descriptors and are passed to Dispatch by the
// projection worker.
type Hooks struct {
	mu           sync.RWMutex
	materializer Materializer
	untyped      []Monitor
}

// NewHooks creates a hook registry with the default materializer.
func NewHooks() *Hooks {
	return &Hooks{materializer: FirstValue}
}

// SetMaterializer replaces the materializer.
func (h *Hooks) SetMaterializer(m Materializer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.materializer = m
}

// RegisterMonitor appends an untyped monitor. Untyped monitors run for
// every model, after the model's typed monitors, in registration order.
func (h *Hooks) RegisterMonitor(m Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.untyped = append(h.untyped, m)
}

// Materialize runs the configured materializer.
func (h *Hooks) Materialize(modelName string, canonical map[string][]any) (map[string]any, map[string]string, error) {
	h.mu.RLock()
	m := h.materializer
	h.mu.RUnlock()
	flat, policies, err := m(modelName, canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("materialize %s: %w", modelName, err)
	}
	if flat == nil {
		flat = map[string]any{}
	}
	if policies == nil {
		policies = map[string]string{}
	}
	return flat, policies, nil
}

// Dispatch invokes typed monitors then untyped monitors. The first error
// stops the chain and propagates.
func (h *Hooks) Dispatch(ctx context.Context, typed []Monitor, modelName, referenceID string, model map[string]any, policies map[string]string) error {
	h.mu.RLock()
	untyped := append([]Monitor(nil), h.untyped...)
	h.mu.RUnlock()

	for _, m := range typed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.OnProjected(ctx, modelName, referenceID, model, policies); err != nil {
			return fmt.Errorf("monitor %q: %w", m.Name(), err)
		}
	}
	for _, m := range untyped {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.OnProjected(ctx, modelName, referenceID, model, policies); err != nil {
			return fmt.Errorf("monitor %q: %w", m.Name(), err)
		}
	}
	return nil
}
