// Package pipeline holds the context threaded through every worker and the
// runner that supervises the background loops.
//
// There is no ambient state: storage, registry, options, and hooks travel
// together in a Context, and all cross-worker coordination happens through
// visible state in the store (set membership, RequiresProjection, task
// presence).
package pipeline

import (
	"context"
	"time"

	"github.com/flowcanon/flowcanon/internal/config"
	"github.com/flowcanon/flowcanon/internal/materialize"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
)

// Context carries the shared collaborators. It is immutable after
// construction; workers never share mutable state outside the store.
type Context struct {
	Store    storage.Store
	Registry *registry.Registry
	Options  *config.Options
	Hooks    *materialize.Hooks
	Now      func() time.Time
}

// New builds a pipeline context with defaults filled in.
func New(store storage.Store, reg *registry.Registry, opts *config.Options) *Context {
	if opts == nil {
		opts = &config.Options{}
	}
	opts.Normalize()
	return &Context{
		Store:    store,
		Registry: reg,
		Options:  opts,
		Hooks:    materialize.NewHooks(),
		Now:      time.Now,
	}
}

// ModelStats is the per-model set census surfaced by Stats.
type ModelStats struct {
	Model      string `json:"model"`
	Intake     int    `json:"intake"`
	Keyed      int    `json:"keyed"`
	Parked     int    `json:"parked"`
	Tasks      int    `json:"tasks"`
	References int    `json:"references"`
	Rejections int    `json:"rejections"`
}

// Stats counts the operational sets for every registered model.
func (p *Context) Stats(ctx context.Context) ([]ModelStats, error) {
	var out []ModelStats
	for _, model := range p.Registry.Models() {
		st := ModelStats{Model: model.Name}
		counts := []struct {
			kind sets.Kind
			dst  *int
		}{
			{sets.StageIntake, &st.Intake},
			{sets.StageKeyed, &st.Keyed},
			{sets.StageParked, &st.Parked},
			{sets.Tasks, &st.Tasks},
			{sets.Reference, &st.References},
			{sets.Rejections, &st.Rejections},
		}
		for _, c := range counts {
			n, err := p.Store.Count(ctx, sets.Name(model.Name, c.kind))
			if err != nil {
				return nil, err
			}
			*c.dst = n
		}
		out = append(out, st)
	}
	return out, nil
}
