package parent

import (
	"context"
	"testing"
	"time"

	"github.com/flowcanon/flowcanon/internal/config"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/storage/memory"
	"github.com/flowcanon/flowcanon/internal/types"
)

func newTestService(t *testing.T) (*pipeline.Context, *Service) {
	t.Helper()
	reg := registry.New()
	device := &registry.Descriptor{Name: "acme.Device", AggregationTags: []string{"identifier.code"}, Dynamic: true}
	reading := &registry.Descriptor{
		Name:    "acme.Reading",
		Dynamic: true,
		Parent: registry.ParentDeclaration{
			Kind:    registry.ParentValueObject,
			Model:   "acme.Device",
			KeyPath: "deviceCode",
		},
	}
	for _, d := range []*registry.Descriptor{device, reading} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	p := pipeline.New(memory.New(), reg, &config.Options{})
	return p, NewService(p)
}

func seedLink(t *testing.T, p *pipeline.Context, model, system, localID, ref string) {
	t.Helper()
	id := types.LinkID(system, system, localID)
	link := &types.IdentityLink{ID: id, System: system, Adapter: system, ExternalID: localID, ReferenceID: ref}
	if err := storage.Upsert(context.Background(), p.Store, sets.Name(model, sets.IdentityLink), id, link); err != nil {
		t.Fatalf("seed link: %v", err)
	}
}

func seedParked(t *testing.T, p *pipeline.Context, model, id, reason string, data map[string]any) {
	t.Helper()
	parked := &types.ParkedRecord{
		StageRecord: types.StageRecord{
			ID:       id,
			SourceID: id,
			Data:     data,
			Source:   map[string]string{"system": "mes", "adapter": "mes"},
		},
		ReasonCode: reason,
		ParkedAt:   time.Now(),
	}
	if err := storage.Upsert(context.Background(), p.Store, sets.Name(model, sets.StageParked), id, parked); err != nil {
		t.Fatalf("seed parked: %v", err)
	}
}

func TestResolveUnknownParentIsEmpty(t *testing.T) {
	p, _ := newTestService(t)
	device, _ := p.Registry.Get("acme.Device")

	ref, err := Resolve(context.Background(), p, device, "mes", "GHOST")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref != "" {
		t.Fatalf("unknown parent resolved to %q", ref)
	}
}

func TestSweepUnparksResolvableRecords(t *testing.T) {
	ctx := context.Background()
	p, s := newTestService(t)

	seedParked(t, p, "acme.Reading", "m1", types.ReasonParentNotFound, map[string]any{"deviceCode": "DEV-7", "value": 1.0})
	seedLink(t, p, "acme.Device", "mes", "DEV-7", "ref-dev")

	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.StageParked)); n != 0 {
		t.Fatalf("parked record not released: %d left", n)
	}
	recs, err := storage.PageOf[types.StageRecord](ctx, p.Store, sets.Name("acme.Reading", sets.StageIntake), 1, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("want one re-intake record, got %d (%v)", len(recs), err)
	}
	if recs[0].ID == "m1" {
		t.Fatalf("re-intake must use a fresh stage id")
	}
	if recs[0].ReferenceID != "" {
		t.Fatalf("re-intake record must not carry a reference id")
	}
}

func TestSweepLeavesUnresolvableRecordsParked(t *testing.T) {
	ctx := context.Background()
	p, s := newTestService(t)

	seedParked(t, p, "acme.Reading", "m1", types.ReasonParentNotFound, map[string]any{"deviceCode": "GHOST"})

	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.StageParked)); n != 1 {
		t.Fatalf("unresolvable record must stay parked")
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.StageIntake)); n != 0 {
		t.Fatalf("unresolvable record must not re-enter intake")
	}
}

func TestSweepIgnoresOtherReasonCodes(t *testing.T) {
	ctx := context.Background()
	p, s := newTestService(t)

	seedParked(t, p, "acme.Reading", "m1", types.ReasonMultiOwnerCollision, map[string]any{"deviceCode": "DEV-7"})
	seedLink(t, p, "acme.Device", "mes", "DEV-7", "ref-dev")

	if err := s.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.StageParked)); n != 1 {
		t.Fatalf("collision-parked record must not be swept by parent resolution")
	}
}

func TestPokeNeverBlocks(t *testing.T) {
	_, s := newTestService(t)
	for i := 0; i < 10; i++ {
		s.Poke()
	}
}
