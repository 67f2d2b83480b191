package associate

import (
	"context"
	"testing"

	"github.com/flowcanon/flowcanon/internal/config"
	"github.com/flowcanon/flowcanon/internal/parent"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/storage/memory"
	"github.com/flowcanon/flowcanon/internal/types"
)

func newTestWorker(t *testing.T, descriptors ...*registry.Descriptor) (*pipeline.Context, *Worker) {
	t.Helper()
	reg := registry.New()
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	p := pipeline.New(memory.New(), reg, &config.Options{})
	return p, NewWorker(p, parent.NewService(p))
}

func deviceModel() *registry.Descriptor {
	return &registry.Descriptor{
		Name:            "acme.Device",
		AggregationTags: []string{"identifier.code"},
		ExternalIDKeys:  []string{"externalId"},
		Dynamic:         true,
	}
}

func readingModel() *registry.Descriptor {
	return &registry.Descriptor{
		Name:    "acme.Reading",
		Dynamic: true,
		Parent: registry.ParentDeclaration{
			Kind:    registry.ParentValueObject,
			Model:   "acme.Device",
			KeyPath: "deviceCode",
		},
	}
}

func putIntake(t *testing.T, p *pipeline.Context, model, id string, data map[string]any, source map[string]string) {
	t.Helper()
	rec := &types.StageRecord{
		ID:       id,
		SourceID: id,
		Data:     data,
		Source:   source,
	}
	if err := storage.Upsert(context.Background(), p.Store, sets.Name(model, sets.StageIntake), id, rec); err != nil {
		t.Fatalf("put intake: %v", err)
	}
}

func keyedRef(t *testing.T, p *pipeline.Context, model, id string) string {
	t.Helper()
	rec, err := storage.Get[types.StageRecord](context.Background(), p.Store, sets.Name(model, sets.StageKeyed), id)
	if err != nil {
		t.Fatalf("get keyed %s: %v", id, err)
	}
	return rec.ReferenceID
}

func rejectionsOf(t *testing.T, p *pipeline.Context, model string) []*types.RejectionReport {
	t.Helper()
	reports, err := storage.PageOf[types.RejectionReport](context.Background(), p.Store, sets.Name(model, sets.Rejections), 1, 100)
	if err != nil {
		t.Fatalf("page rejections: %v", err)
	}
	return reports
}

func TestSharedKeyMergesIntoOneReference(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())

	putIntake(t, p, "acme.Device", "r1", map[string]any{"identifier.code": "DEV-1", "site": "north"}, nil)
	putIntake(t, p, "acme.Device", "r2", map[string]any{"identifier.code": "DEV-1", "site": "south"}, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	ref1 := keyedRef(t, p, "acme.Device", "r1")
	ref2 := keyedRef(t, p, "acme.Device", "r2")
	if ref1 == "" || ref1 != ref2 {
		t.Fatalf("want one shared reference, got %q and %q", ref1, ref2)
	}

	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageIntake)); n != 0 {
		t.Fatalf("intake not drained: %d records left", n)
	}
	entry, err := storage.Get[types.KeyIndex](ctx, p.Store, sets.Name("acme.Device", sets.KeyIndex), "DEV-1")
	if err != nil {
		t.Fatalf("key index: %v", err)
	}
	if entry.ReferenceID != ref1 {
		t.Fatalf("key owner = %q, want %q", entry.ReferenceID, ref1)
	}

	item, err := storage.Get[types.ReferenceItem](ctx, p.Store, sets.Name("acme.Device", sets.Reference), ref1)
	if err != nil {
		t.Fatalf("reference item: %v", err)
	}
	if item.Version != 2 || !item.RequiresProjection {
		t.Fatalf("reference item = %+v, want version 2 requiring projection", item)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.Tasks)); n != 2 {
		t.Fatalf("want 2 projection tasks (one per version), got %d", n)
	}
}

func TestNoKeysIsRejectedNotParked(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())

	putIntake(t, p, "acme.Device", "r1", map[string]any{"site": "north"}, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	reports := rejectionsOf(t, p, "acme.Device")
	if len(reports) != 1 || reports[0].ReasonCode != types.ReasonNoKeys {
		t.Fatalf("want one NO_KEYS rejection, got %+v", reports)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageParked)); n != 0 {
		t.Fatalf("NO_KEYS must not park: %d parked", n)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageIntake)); n != 0 {
		t.Fatalf("intake not drained after rejection")
	}
}

func TestMultiOwnerCollision(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())

	putIntake(t, p, "acme.Device", "r1", map[string]any{"identifier.code": "A"}, nil)
	putIntake(t, p, "acme.Device", "r2", map[string]any{"identifier.code": "B"}, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if keyedRef(t, p, "acme.Device", "r1") == keyedRef(t, p, "acme.Device", "r2") {
		t.Fatalf("distinct codes must not merge")
	}

	// A record claiming both keys would bridge two references.
	putIntake(t, p, "acme.Device", "r3", map[string]any{"identifier.code": []any{"A", "B"}}, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	reports := rejectionsOf(t, p, "acme.Device")
	if len(reports) != 1 || reports[0].ReasonCode != types.ReasonMultiOwnerCollision {
		t.Fatalf("want one MULTI_OWNER_COLLISION rejection, got %+v", reports)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageParked)); n != 1 {
		t.Fatalf("collision is retryable and must park, parked = %d", n)
	}
	// The owner map is untouched by the rejected record.
	a, _ := storage.Get[types.KeyIndex](ctx, p.Store, sets.Name("acme.Device", sets.KeyIndex), "A")
	b, _ := storage.Get[types.KeyIndex](ctx, p.Store, sets.Name("acme.Device", sets.KeyIndex), "B")
	if a.ReferenceID == b.ReferenceID {
		t.Fatalf("rejected record must not rewrite key owners")
	}
}

func TestKeyOwnerMismatch(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())
	src := map[string]string{"system": "mes", "adapter": "mes"}

	// C is owned by one reference; a confirmed identity link binds external
	// id X to another (its original keys have since aged out of the index).
	putIntake(t, p, "acme.Device", "r1", map[string]any{"identifier.code": "C"}, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	owner := keyedRef(t, p, "acme.Device", "r1")
	link := &types.IdentityLink{
		ID: types.LinkID("mes", "mes", "X"), System: "mes", Adapter: "mes",
		ExternalID: "X", ReferenceID: "ref-linked",
	}
	if err := storage.Upsert(ctx, p.Store, sets.Name("acme.Device", sets.IdentityLink), link.ID, link); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	// Identity says ref-linked, key ownership of C says otherwise.
	putIntake(t, p, "acme.Device", "r2", map[string]any{"identifier.code": "C", "externalId": "X"}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	reports := rejectionsOf(t, p, "acme.Device")
	if len(reports) != 1 || reports[0].ReasonCode != types.ReasonKeyOwnerMismatch {
		t.Fatalf("want one KEY_OWNER_MISMATCH rejection, got %+v", reports)
	}
	entry, err := storage.Get[types.KeyIndex](ctx, p.Store, sets.Name("acme.Device", sets.KeyIndex), "C")
	if err != nil {
		t.Fatalf("key index: %v", err)
	}
	if entry.ReferenceID != owner {
		t.Fatalf("mismatch must not reassign key ownership")
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageParked)); n != 1 {
		t.Fatalf("mismatch is retryable and must park, parked = %d", n)
	}
}

func TestExternalIDMintsProvisionalLink(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())
	src := map[string]string{"system": "mes", "adapter": "pump-adapter"}

	putIntake(t, p, "acme.Device", "r1", map[string]any{"identifier.code": "D", "externalId": "EXT-9"}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	ref := keyedRef(t, p, "acme.Device", "r1")

	link, err := storage.Get[types.IdentityLink](ctx, p.Store,
		sets.Name("acme.Device", sets.IdentityLink), types.LinkID("mes", "pump-adapter", "EXT-9"))
	if err != nil {
		t.Fatalf("identity link: %v", err)
	}
	if !link.Provisional || link.ExpiresAt == nil {
		t.Fatalf("first-sight link must be provisional with expiry, got %+v", link)
	}
	if link.ReferenceID != ref {
		t.Fatalf("link reference = %q, want %q", link.ReferenceID, ref)
	}

	// Same external id later resolves to the same reference.
	putIntake(t, p, "acme.Device", "r2", map[string]any{"identifier.code": "D2", "externalId": "EXT-9"}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := keyedRef(t, p, "acme.Device", "r2"); got != ref {
		t.Fatalf("identity link not reused: %q vs %q", got, ref)
	}
}

func TestNestedExternalIDBagMatchesFlatKeys(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())
	src := map[string]string{"system": "mes", "adapter": "mes"}

	// The reserved bag arrives as a nested object rather than a flat dotted
	// key; both shapes must resolve to the same identity.
	putIntake(t, p, "acme.Device", "r1", map[string]any{
		"identifier": map[string]any{"code": "N1", "external": map[string]any{"crm": "EXT-5"}},
	}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	ref := keyedRef(t, p, "acme.Device", "r1")

	link, err := storage.Get[types.IdentityLink](ctx, p.Store,
		sets.Name("acme.Device", sets.IdentityLink), types.LinkID("mes", "mes", "EXT-5"))
	if err != nil {
		t.Fatalf("nested bag key minted no identity link: %v", err)
	}
	if link.ReferenceID != ref {
		t.Fatalf("link reference = %q, want %q", link.ReferenceID, ref)
	}

	putIntake(t, p, "acme.Device", "r2", map[string]any{
		"identifier.code": "N2", "identifier.external.crm": "EXT-5",
	}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if got := keyedRef(t, p, "acme.Device", "r2"); got != ref {
		t.Fatalf("flat and nested bag keys resolved differently: %q vs %q", got, ref)
	}
}

func TestValueObjectAdoptsParentReference(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel(), readingModel())
	src := map[string]string{"system": "mes", "adapter": "mes"}

	putIntake(t, p, "acme.Device", "d1", map[string]any{"identifier.code": "DEV-7", "externalId": "DEV-7"}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	parentRef := keyedRef(t, p, "acme.Device", "d1")

	putIntake(t, p, "acme.Reading", "m1", map[string]any{"deviceCode": "DEV-7", "value": 21.5}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := keyedRef(t, p, "acme.Reading", "m1"); got != parentRef {
		t.Fatalf("value object reference = %q, want parent %q", got, parentRef)
	}
	// The bump lands on the root's reference and task set.
	item, err := storage.Get[types.ReferenceItem](ctx, p.Store, sets.Name("acme.Device", sets.Reference), parentRef)
	if err != nil {
		t.Fatalf("root reference: %v", err)
	}
	if item.Version != 2 {
		t.Fatalf("root version = %d, want 2 (device + reading)", item.Version)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.Tasks)); n != 0 {
		t.Fatalf("value objects must not enqueue their own tasks")
	}
}

func TestValueObjectParksWhenParentUnknown(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel(), readingModel())
	src := map[string]string{"system": "mes", "adapter": "mes"}

	putIntake(t, p, "acme.Reading", "m1", map[string]any{"deviceCode": "GHOST", "value": 1.0}, src)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	reports := rejectionsOf(t, p, "acme.Reading")
	if len(reports) != 1 || reports[0].ReasonCode != types.ReasonParentNotFound {
		t.Fatalf("want PARENT_NOT_FOUND rejection, got %+v", reports)
	}
	parked, err := storage.PageOf[types.ParkedRecord](ctx, p.Store, sets.Name("acme.Reading", sets.StageParked), 1, 10)
	if err != nil || len(parked) != 1 {
		t.Fatalf("want one parked record, got %d (%v)", len(parked), err)
	}
	if parked[0].ReasonCode != types.ReasonParentNotFound {
		t.Fatalf("parked reason = %q", parked[0].ReasonCode)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, w := newTestWorker(t, deviceModel())

	data := map[string]any{"identifier.code": "DEV-1"}
	putIntake(t, p, "acme.Device", "r1", data, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	ref := keyedRef(t, p, "acme.Device", "r1")

	// A failed intake delete re-presents the same record.
	putIntake(t, p, "acme.Device", "r1", data, nil)
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := keyedRef(t, p, "acme.Device", "r1"); got != ref {
		t.Fatalf("replay changed the reference: %q vs %q", got, ref)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.StageKeyed)); n != 1 {
		t.Fatalf("replay duplicated the keyed record: %d", n)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Device", sets.KeyIndex)); n != 1 {
		t.Fatalf("replay duplicated key index entries: %d", n)
	}
}

func TestParkingDisabledSkipsParkedCopy(t *testing.T) {
	ctx := context.Background()
	off := false
	reg := registry.New()
	if err := reg.Register(deviceModel()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(readingModel()); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := pipeline.New(memory.New(), reg, &config.Options{ParkAndSweepEnabled: &off})
	w := NewWorker(p, nil)

	putIntake(t, p, "acme.Reading", "m1", map[string]any{"deviceCode": "GHOST"}, map[string]string{"system": "mes", "adapter": "mes"})
	if err := w.Pass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if n, _ := p.Store.Count(ctx, sets.Name("acme.Reading", sets.StageParked)); n != 0 {
		t.Fatalf("parking disabled but %d records parked", n)
	}
	if len(rejectionsOf(t, p, "acme.Reading")) != 1 {
		t.Fatalf("rejection report must be written regardless of parking")
	}
}
