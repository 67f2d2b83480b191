// Package parent resolves a child record's source-local parent reference to
// a canonical reference id, and re-drives parked records once their parent
// appears.
package parent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/paths"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/types"
)

// Resolve maps (parentModel, sourceSystem, sourceLocalId) to the parent's
// reference id via the parent's identity links. The empty string means
// unresolved. Association never mints a provisional parent: a parent must
// pre-exist in some form, otherwise the child is parked.
func Resolve(ctx context.Context, p *pipeline.Context, parentModel *registry.Descriptor, sourceSystem, sourceLocalID string) (string, error) {
	if sourceSystem == "" || sourceLocalID == "" {
		return "", nil
	}
	linkSet := sets.Name(parentModel.Name, sets.IdentityLink)
	link, err := storage.Get[types.IdentityLink](ctx, p.Store, linkSet, types.LinkID(sourceSystem, sourceSystem, sourceLocalID))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return link.ReferenceID, nil
}

// Service is the background sweep over parked records. The association
// worker pokes it when it parks a record so a freshly-ingested parent is
// picked up without waiting a full interval.
type Service struct {
	p    *pipeline.Context
	poke chan struct{}
}

// NewService creates the sweep service.
func NewService(p *pipeline.Context) *Service {
	return &Service{p: p, poke: make(chan struct{}, 1)}
}

// Poke requests an immediate sweep pass. Never blocks.
func (s *Service) Poke() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.p.Options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.poke:
		}
		if err := s.Sweep(ctx); err != nil {
			debug.Warnf("parent sweep: %v", err)
		}
	}
}

// Sweep re-examines every parked PARENT_NOT_FOUND record across all models
// and returns the retried records to intake when their parent has become
// resolvable.
func (s *Service) Sweep(ctx context.Context) error {
	for _, model := range s.p.Registry.Models() {
		if !model.HasParent() {
			continue
		}
		if err := s.sweepModel(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sweepModel(ctx context.Context, model *registry.Descriptor) error {
	parentModel, ok := s.p.Registry.Get(model.Parent.Model)
	if !ok {
		return nil
	}
	parkedSet := sets.Name(model.Name, sets.StageParked)
	intakeSet := sets.Name(model.Name, sets.StageIntake)

	parked, err := storage.PageOf[types.ParkedRecord](ctx, s.p.Store, parkedSet, 1, s.p.Options.BatchSize)
	if err != nil {
		return err
	}
	for _, pr := range parked {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pr.ReasonCode != types.ReasonParentNotFound {
			continue
		}
		localID := parentKeyValue(pr, model)
		if localID == "" {
			continue
		}
		refID, err := Resolve(ctx, s.p, parentModel, pr.System(), localID)
		if err != nil {
			debug.Warnf("parent sweep %s/%s: %v", model.Name, pr.ID, err)
			continue
		}
		if refID == "" {
			continue // Still unresolved; TTL expiry is the purge loop's job
		}

		// Back to intake under a fresh stage id, then drop the parked copy.
		// If the delete fails the record is retried; re-intake is idempotent
		// because association converges on the same candidates.
		retried := pr.StageRecord
		retried.ID = uuid.NewString()
		retried.ReferenceID = ""
		if err := storage.Upsert(ctx, s.p.Store, intakeSet, retried.ID, &retried); err != nil {
			debug.Warnf("parent sweep unpark %s/%s: %v", model.Name, pr.ID, err)
			continue
		}
		if err := s.p.Store.Delete(ctx, parkedSet, pr.ID); err != nil {
			debug.Warnf("parent sweep delete %s/%s: %v", model.Name, pr.ID, err)
		}
		debug.Logf("parent sweep: unparked %s/%s -> intake %s", model.Name, pr.ID, retried.ID)
	}
	return nil
}

func parentKeyValue(pr *types.ParkedRecord, model *registry.Descriptor) string {
	values := paths.Values(pr.Data, model.Parent.KeyPath)
	if len(values) == 0 {
		return ""
	}
	return paths.String(values[0])
}
