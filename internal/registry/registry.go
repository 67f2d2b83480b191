// Package registry holds the per-model metadata the pipeline workers
// dispatch on: aggregation tags, parent declarations, external-id key
// paths, and the dynamic/typed split.
//
// Models are registered programmatically at startup or loaded from a YAML
// manifest. There is no runtime reflection: a descriptor carries the
// function hooks (snapshot writer, typed monitors) a typed model needs.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowcanon/flowcanon/internal/materialize"
)

// ParentKind classifies a model's parent declaration.
type ParentKind int

const (
	ParentNone ParentKind = iota
	// ParentEntity links a child entity to a parent entity. The child keeps
	// its own reference identity; canonical joins are rewritten to the
	// parent's reference id at projection time.
	ParentEntity
	// ParentValueObject folds the child's records into the parent's
	// canonical view. Value objects have no reference identity of their
	// own.
	ParentValueObject
)

// ParentDeclaration names the parent model and the dotted path in the
// child's payload that carries the source-local parent key.
type ParentDeclaration struct {
	Kind    ParentKind `yaml:"kind"`
	Model   string     `yaml:"model"`
	KeyPath string     `yaml:"keyPath"`
}

// SnapshotWriter persists the materialized flat map for a typed model.
// Dynamic models do not set one; the projection worker stores the nested
// object instead.
type SnapshotWriter func(ctx context.Context, referenceID string, flat map[string]any) error

// Descriptor is the complete per-model metadata record.
type Descriptor struct {
	Name            string            `yaml:"name"`
	AggregationTags []string          `yaml:"aggregationTags"`
	Parent          ParentDeclaration `yaml:"parent"`
	ExternalIDKeys  []string          `yaml:"externalIdKeys"`
	Dynamic         bool              `yaml:"dynamic"`

	Snapshot SnapshotWriter        `yaml:"-"`
	Monitors []materialize.Monitor `yaml:"-"` // Typed monitors, run before the untyped chain
}

// HasParent reports whether the model declares any parent.
func (d *Descriptor) HasParent() bool { return d.Parent.Kind != ParentNone }

// IsValueObject reports whether the model folds into its parent's view.
func (d *Descriptor) IsValueObject() bool { return d.Parent.Kind == ParentValueObject }

// Registry is the set of known models. It is populated during startup and
// read-only afterwards from the workers' point of view; Reload swaps the
// whole model table atomically.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Descriptor
	order  []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{models: make(map[string]*Descriptor)}
}

// Register validates and adds a model descriptor.
func (r *Registry) Register(d *Descriptor) error {
	if err := validate(d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.models[d.Name]; dup {
		return fmt.Errorf("registry: model %q already registered", d.Name)
	}
	r.models[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

func validate(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: model name is required")
	}
	if strings.ContainsAny(d.Name, "#|") {
		return fmt.Errorf("registry: model name %q contains reserved characters", d.Name)
	}
	seen := make(map[string]bool, len(d.AggregationTags))
	for _, tag := range d.AggregationTags {
		if tag == "" {
			return fmt.Errorf("registry: model %q has an empty aggregation tag", d.Name)
		}
		if seen[tag] {
			return fmt.Errorf("registry: model %q declares aggregation tag %q twice", d.Name, tag)
		}
		seen[tag] = true
	}
	if d.HasParent() {
		if d.Parent.Model == "" || d.Parent.KeyPath == "" {
			return fmt.Errorf("registry: model %q parent declaration needs model and keyPath", d.Name)
		}
		if d.Parent.Model == d.Name {
			return fmt.Errorf("registry: model %q cannot be its own parent", d.Name)
		}
	}
	if d.IsValueObject() && len(d.AggregationTags) > 0 {
		// A model cannot be both a root aggregable entity and a value object.
		return fmt.Errorf("registry: value object %q must not declare aggregation tags", d.Name)
	}
	return nil
}

// Get returns the descriptor for a model name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[name]
	return d, ok
}

// Models returns all descriptors in registration order.
func (r *Registry) Models() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out
}

// RootOf follows value-object parent declarations up to the model whose
// sets carry the family's key index, reference items, and projections.
// Entity-parent children are their own root: they keep a reference identity
// and project their own canonical view.
func (r *Registry) RootOf(d *Descriptor) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur := d
	for depth := 0; cur.IsValueObject(); depth++ {
		if depth > len(r.models) {
			return nil, fmt.Errorf("registry: parent cycle at model %q", d.Name)
		}
		parent, ok := r.models[cur.Parent.Model]
		if !ok {
			return nil, fmt.Errorf("registry: model %q declares unknown parent %q", cur.Name, cur.Parent.Model)
		}
		cur = parent
	}
	return cur, nil
}

// ValueObjectChildren returns the value-object models that fold (directly
// or transitively) into the given root, sorted by name. The projection
// worker gathers their keyed records when projecting the root.
func (r *Registry) ValueObjectChildren(root *Descriptor) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, name := range r.order {
		d := r.models[name]
		if !d.IsValueObject() {
			continue
		}
		if rootName, ok := r.rootNameLocked(d); ok && rootName == root.Name {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) rootNameLocked(d *Descriptor) (string, bool) {
	cur := d
	for depth := 0; cur.IsValueObject(); depth++ {
		if depth > len(r.models) {
			return "", false
		}
		parent, ok := r.models[cur.Parent.Model]
		if !ok {
			return "", false
		}
		cur = parent
	}
	return cur.Name, true
}

// Replace swaps the registry contents with the given descriptors. Used by
// the manifest hot-reload path; fails without side effects if any
// descriptor is invalid.
func (r *Registry) Replace(descriptors []*Descriptor) error {
	models := make(map[string]*Descriptor, len(descriptors))
	order := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if err := validate(d); err != nil {
			return err
		}
		if _, dup := models[d.Name]; dup {
			return fmt.Errorf("registry: model %q declared twice", d.Name)
		}
		models[d.Name] = d
		order = append(order, d.Name)
	}
	r.mu.Lock()
	r.models = models
	r.order = order
	r.mu.Unlock()
	return nil
}
