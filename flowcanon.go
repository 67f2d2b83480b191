// Package flowcanon provides the public API for embedding the entity
// resolution pipeline in another Go program.
//
// The cmd/fc binary is a thin wrapper over this package: open a store,
// register models, start the runner, and feed submissions through Ingest.
package flowcanon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcanon/flowcanon/internal/associate"
	"github.com/flowcanon/flowcanon/internal/config"
	"github.com/flowcanon/flowcanon/internal/intake"
	"github.com/flowcanon/flowcanon/internal/materialize"
	"github.com/flowcanon/flowcanon/internal/parent"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/project"
	"github.com/flowcanon/flowcanon/internal/purge"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/storage/factory"
	"github.com/flowcanon/flowcanon/internal/types"
)

// Re-exported core types for embedders.
type (
	Options           = config.Options
	Registry          = registry.Registry
	Descriptor        = registry.Descriptor
	ParentDeclaration = registry.ParentDeclaration
	Store             = storage.Store
	Submission        = intake.Submission
	Materializer      = materialize.Materializer
	Monitor           = materialize.Monitor
	MonitorFunc       = materialize.MonitorFunc
	ModelStats        = pipeline.ModelStats
	StageRecord       = types.StageRecord
	ReferenceItem     = types.ReferenceItem
	RejectionReport   = types.RejectionReport
)

// Parent kinds for model declarations.
const (
	ParentNone        = registry.ParentNone
	ParentEntity      = registry.ParentEntity
	ParentValueObject = registry.ParentValueObject
)

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry { return registry.New() }

// OpenStore opens a store for the given backend ("memory", "sqlite", "dolt",
// "dolt-server") and path. An empty backend is inferred from the path.
func OpenStore(ctx context.Context, backend, path string) (Store, error) {
	return factory.New(ctx, backend, path)
}

// Pipeline bundles the shared context and the background workers.
type Pipeline struct {
	ctx *pipeline.Context

	associator *associate.Worker
	projector  *project.Worker
	sweeper    *parent.Service
	purger     *purge.Service
}

// New assembles a pipeline over the given store, registry, and options.
func New(store Store, reg *Registry, opts *Options) *Pipeline {
	p := pipeline.New(store, reg, opts)
	sweeper := parent.NewService(p)
	return &Pipeline{
		ctx:        p,
		associator: associate.NewWorker(p, sweeper),
		projector:  project.NewWorker(p),
		sweeper:    sweeper,
		purger:     purge.NewService(p),
	}
}

// SetMaterializer replaces the default first-seen materializer.
func (pl *Pipeline) SetMaterializer(m Materializer) {
	pl.ctx.Hooks.SetMaterializer(m)
}

// RegisterMonitor appends an untyped monitor run after every projection.
func (pl *Pipeline) RegisterMonitor(m Monitor) {
	pl.ctx.Hooks.RegisterMonitor(m)
}

// Ingest admits one submission into a model's intake stage.
func (pl *Pipeline) Ingest(ctx context.Context, model string, sub Submission) (string, error) {
	return intake.Ingest(ctx, pl.ctx, model, sub)
}

// IngestBatch admits submissions in order, stopping at the first failure.
func (pl *Pipeline) IngestBatch(ctx context.Context, model string, subs []Submission) ([]string, error) {
	return intake.IngestBatch(ctx, pl.ctx, model, subs)
}

// Stats returns the per-model set census.
func (pl *Pipeline) Stats(ctx context.Context) ([]ModelStats, error) {
	return pl.ctx.Stats(ctx)
}

// Run starts the association, projection, parent-sweep, and purge loops and
// blocks until the context is cancelled or a loop fails.
func (pl *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pl.associator.Run(ctx) })
	g.Go(func() error { return pl.projector.Run(ctx) })
	g.Go(func() error { return pl.sweeper.Run(ctx) })
	g.Go(func() error { return pl.purger.Run(ctx) })
	return g.Wait()
}

// Drain runs association, sweep, and projection passes until the stages and
// task sets are quiet or the deadline passes. Intended for tests and batch
// tools, not for the long-running service.
func (pl *Pipeline) Drain(ctx context.Context, deadline time.Duration) error {
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pl.associator.Pass(ctx); err != nil {
			return err
		}
		if err := pl.sweeper.Sweep(ctx); err != nil {
			return err
		}
		if err := pl.associator.Pass(ctx); err != nil {
			return err
		}
		if err := pl.projector.Pass(ctx); err != nil {
			return err
		}
		quiet, err := pl.quiet(ctx)
		if err != nil {
			return err
		}
		if quiet {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("drain: pipeline not quiet after %v", deadline)
}

func (pl *Pipeline) quiet(ctx context.Context) (bool, error) {
	stats, err := pl.ctx.Stats(ctx)
	if err != nil {
		return false, err
	}
	for _, st := range stats {
		if st.Intake > 0 || st.Tasks > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Context exposes the underlying pipeline context for advanced embedders.
func (pl *Pipeline) Context() *pipeline.Context { return pl.ctx }
