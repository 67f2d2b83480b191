// Package project implements the projection worker: it consumes projection
// tasks, reduces the contributing stage records into canonical and lineage
// views, runs the materializer and monitors, and writes the root snapshot
// and policy state.
package project

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/parent"
	"github.com/flowcanon/flowcanon/internal/paths"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/types"
)

// maxContributors bounds the record set gathered per projection.
const maxContributors = 500

// Worker is the projection loop.
type Worker struct {
	p *pipeline.Context
}

// NewWorker creates a projection worker.
func NewWorker(p *pipeline.Context) *Worker {
	return &Worker{p: p}
}

// Run processes task sets until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.p.Options.ProjectInterval)
	defer ticker.Stop()

	for {
		if err := w.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			debug.Warnf("project pass: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pass drains every model's task set once. Value objects have no task set
// of their own: their association bumps enqueue the root's canonical task.
func (w *Worker) Pass(ctx context.Context) error {
	for _, model := range w.p.Registry.Models() {
		if model.IsValueObject() {
			continue
		}
		if err := w.drainModel(ctx, model); err != nil {
			debug.Warnf("project %s: %v", model.Name, err)
		}
	}
	return nil
}

func (w *Worker) drainModel(ctx context.Context, model *registry.Descriptor) error {
	taskSet := sets.Name(model.Name, sets.Tasks)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := storage.PageOf[types.ProjectionTask](ctx, w.p.Store, taskSet, 1, w.p.Options.BatchSize)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		progressed := false
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.ProcessTask(ctx, model, task); err != nil {
				// The task stays put and is retried next pass; every write
				// below is keyed by the reference id, so retries converge.
				debug.Warnf("project %s/%s: %v", model.Name, task.ID, err)
				continue
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// ProcessTask materializes the canonical and lineage views for one
// reference and commits the downstream documents.
func (w *Worker) ProcessTask(ctx context.Context, model *registry.Descriptor, task *types.ProjectionTask) error {
	refID := task.ReferenceID

	contributors, err := w.gather(ctx, model, refID)
	if err != nil {
		return err
	}

	canonical := newReducer()
	for _, c := range contributors {
		if err := w.fold(ctx, c.model, c.record, canonical); err != nil {
			return err
		}
	}
	ranges := canonical.ranges()

	canonDoc := &types.CanonicalProjection{
		ID:          types.CanonicalDocID(refID),
		ReferenceID: refID,
		ViewName:    types.ViewCanonical,
		Model:       expandRanges(ranges),
	}
	if err := storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.ViewCanonical), canonDoc.ID, canonDoc); err != nil {
		return err
	}
	lineageDoc := &types.LineageProjection{
		ID:          types.LineageDocID(refID),
		ReferenceID: refID,
		View:        canonical.lineage(),
	}
	if err := storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.ViewLineage), lineageDoc.ID, lineageDoc); err != nil {
		return err
	}

	if err := w.confirmIdentityLinks(ctx, model, refID, ranges); err != nil {
		return err
	}

	flat, policies, err := w.p.Hooks.Materialize(model.Name, ranges)
	if err != nil {
		return err
	}
	if err := w.p.Hooks.Dispatch(ctx, model.Monitors, model.Name, refID, flat, policies); err != nil {
		return err
	}

	if err := w.writeSnapshot(ctx, model, refID, flat); err != nil {
		return err
	}
	policyState := &types.PolicyState{ID: refID, Policies: policies}
	if err := storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.Policies), refID, policyState); err != nil {
		return err
	}

	if err := w.clearProjectionFlag(ctx, model, task); err != nil {
		return err
	}
	if err := w.p.Store.Delete(ctx, sets.Name(model.Name, sets.Tasks), task.ID); err != nil {
		return err
	}
	debug.Logf("project: %s %s at v%d (%d contributors)", model.Name, refID, task.Version, len(contributors))
	return nil
}

// contributor pairs a stage record with the model it belongs to, since a
// root's projection folds in keyed records from its value-object children.
type contributor struct {
	model  *registry.Descriptor
	record *types.StageRecord
}

// gather collects up to maxContributors keyed records for the reference,
// from the model's own keyed stage plus those of its value-object children,
// falling back to the intake stage when the keyed stages hold nothing.
func (w *Worker) gather(ctx context.Context, model *registry.Descriptor, refID string) ([]contributor, error) {
	models := append([]*registry.Descriptor{model}, w.p.Registry.ValueObjectChildren(model)...)

	var out []contributor
	for _, m := range models {
		recs, err := w.scanStage(ctx, sets.Name(m.Name, sets.StageKeyed), refID, maxContributors-len(out))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out = append(out, contributor{model: m, record: r})
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	for _, m := range models {
		recs, err := w.scanStage(ctx, sets.Name(m.Name, sets.StageIntake), refID, maxContributors-len(out))
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			out = append(out, contributor{model: m, record: r})
		}
	}
	return out, nil
}

func (w *Worker) scanStage(ctx context.Context, set, refID string, limit int) ([]*types.StageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []*types.StageRecord
	for page := 1; ; page++ {
		recs, err := storage.PageOf[types.StageRecord](ctx, w.p.Store, set, page, w.p.Options.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return out, nil
		}
		for _, r := range recs {
			if r.ReferenceID != refID {
				continue
			}
			out = append(out, r)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
}

// fold merges one record into the reduction: the external-id axis, the
// parent-reference rewrite, and every non-excluded payload path.
func (w *Worker) fold(ctx context.Context, model *registry.Descriptor, r *types.StageRecord, red *reducer) error {
	system := r.System()
	if system != "" && r.SourceID != "" && r.SourceID != types.SourceUnknown {
		red.add(types.ExternalIDPrefix+system, r.SourceID, r.SourceID)
	}

	// Canonical joins refer to canonical ids: rewrite the entity-parent key
	// path to the parent's reference id when it resolves.
	var rewritePath, rewriteRef string
	if model.Parent.Kind == registry.ParentEntity {
		if parentModel, ok := w.p.Registry.Get(model.Parent.Model); ok {
			values := paths.Values(r.Data, model.Parent.KeyPath)
			if len(values) > 0 {
				ref, err := parent.Resolve(ctx, w.p, parentModel, r.System(), paths.String(values[0]))
				if err != nil {
					return err
				}
				if ref != "" {
					rewritePath, rewriteRef = model.Parent.KeyPath, ref
				}
			}
		}
	}

	for path, values := range paths.Flatten(r.Data) {
		if path == "id" || path == "Id" || w.p.Options.Excluded(path) {
			continue
		}
		if path == rewritePath {
			red.add(path, rewriteRef, r.SourceID)
			continue
		}
		for _, v := range values {
			red.add(path, v, r.SourceID)
		}
	}
	return nil
}

// confirmIdentityLinks promotes provisional links whose external id now
// appears in canonical, and corrects links pointing at a lost race's
// reference id.
func (w *Worker) confirmIdentityLinks(ctx context.Context, model *registry.Descriptor, refID string, ranges map[string][]any) error {
	linkSet := sets.Name(model.Name, sets.IdentityLink)
	for path, values := range ranges {
		if !strings.HasPrefix(path, types.ExternalIDPrefix) {
			continue
		}
		system := strings.TrimPrefix(path, types.ExternalIDPrefix)
		if system == "" {
			continue
		}
		for _, v := range values {
			externalID := paths.String(v)
			if externalID == "" {
				continue
			}
			linkID := types.LinkID(system, system, externalID)
			link, err := storage.Get[types.IdentityLink](ctx, w.p.Store, linkSet, linkID)
			if errors.Is(err, storage.ErrNotFound) {
				link = &types.IdentityLink{ID: linkID, System: system, Adapter: system, ExternalID: externalID}
			} else if err != nil {
				return err
			}
			if link.ReferenceID == refID && !link.Provisional {
				continue
			}
			link.ReferenceID = refID
			link.Provisional = false
			link.ExpiresAt = nil
			if err := storage.Upsert(ctx, w.p.Store, linkSet, linkID, link); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) writeSnapshot(ctx context.Context, model *registry.Descriptor, refID string, flat map[string]any) error {
	if model.Snapshot != nil {
		return model.Snapshot(ctx, refID, flat)
	}
	snap := &types.RootSnapshot{
		ID:        refID,
		Model:     paths.Expand(flat),
		UpdatedAt: w.p.Now(),
	}
	return storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.Root), refID, snap)
}

func (w *Worker) clearProjectionFlag(ctx context.Context, model *registry.Descriptor, task *types.ProjectionTask) error {
	refSet := sets.Name(model.Name, sets.Reference)
	item, err := storage.Get[types.ReferenceItem](ctx, w.p.Store, refSet, task.ReferenceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !item.RequiresProjection {
		return nil
	}
	// Association may have bumped the reference past this task's version
	// while the projection ran; the flag stays set until the newer task's
	// projection commits.
	if item.Version > task.Version {
		return nil
	}
	item.RequiresProjection = false
	item.UpdatedAt = w.p.Now()
	return storage.Upsert(ctx, w.p.Store, refSet, task.ReferenceID, item)
}

// expandRanges converts path -> ordered values into the nested canonical
// object.
func expandRanges(ranges map[string][]any) map[string]any {
	flat := make(map[string]any, len(ranges))
	for path, values := range ranges {
		flat[path] = values
	}
	return paths.Expand(flat)
}
