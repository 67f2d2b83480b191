// Package associate implements the association worker: it decides the
// reference id for every intake record, maintains the key and identity
// indexes, and enqueues projection work.
package associate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/idgen"
	"github.com/flowcanon/flowcanon/internal/parent"
	"github.com/flowcanon/flowcanon/internal/paths"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/types"
)

// Worker is the association loop. One worker instance per model scope; the
// single-writer assumption for key and identity indexes depends on it.
type Worker struct {
	p       *pipeline.Context
	parents *parent.Service // Poked when a record parks on PARENT_NOT_FOUND; may be nil
}

// NewWorker creates an association worker.
func NewWorker(p *pipeline.Context, parents *parent.Service) *Worker {
	return &Worker{p: p, parents: parents}
}

// Run processes intake pages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.p.Options.AssociateInterval)
	defer ticker.Stop()

	for {
		if err := w.Pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			debug.Warnf("associate pass: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pass runs one serial pass over every registered model.
func (w *Worker) Pass(ctx context.Context) error {
	for _, model := range w.p.Registry.Models() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processModel(ctx, model); err != nil {
			debug.Warnf("associate %s: %v", model.Name, err)
		}
	}
	return nil
}

func (w *Worker) processModel(ctx context.Context, model *registry.Descriptor) error {
	root, err := w.p.Registry.RootOf(model)
	if err != nil {
		return err
	}
	intakeSet := sets.Name(model.Name, sets.StageIntake)
	records, err := storage.PageOf[types.StageRecord](ctx, w.p.Store, intakeSet, 1, w.p.Options.BatchSize)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processRecord(ctx, model, root, r); err != nil {
			// Transient: the un-transitioned record is retried next tick.
			debug.Warnf("associate %s/%s: %v", model.Name, r.ID, err)
		}
	}
	return nil
}

// candidate is a (tag, value) key pair extracted from a record.
type candidate struct {
	Tag   string
	Value string
}

func (w *Worker) processRecord(ctx context.Context, model, root *registry.Descriptor, r *types.StageRecord) error {
	cands, parentRef, rej, err := w.extractCandidates(ctx, model, r)
	if err != nil {
		return err
	}
	if rej == nil && len(cands) == 0 {
		rej = types.Reject(types.ReasonNoKeys, map[string]any{
			"reason": "no-values",
			"tags":   w.tagsFor(model),
		})
	}
	if rej != nil {
		return w.reject(ctx, model, r, rej)
	}

	// Resolve existing owners for every candidate in the root's key index.
	keySet := sets.Name(root.Name, sets.KeyIndex)
	owners := make(map[string]*types.KeyIndex, len(cands))
	ownerSet := make(map[string]bool)
	for _, c := range cands {
		entry, err := storage.Get[types.KeyIndex](ctx, w.p.Store, keySet, c.Value)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		owners[c.Value] = entry
		ownerSet[entry.ReferenceID] = true
	}

	// The authoritative reference, when one exists, comes from the resolved
	// parent or a previously recorded identity link. Key ownership must
	// agree with it.
	authoritative, err := w.resolveAuthoritative(ctx, model, r, parentRef)
	if err != nil {
		return err
	}

	var chosen string
	switch {
	case len(ownerSet) > 1:
		return w.reject(ctx, model, r, types.Reject(types.ReasonMultiOwnerCollision, collisionEvidence(cands, owners)))
	case len(ownerSet) == 1:
		for ref := range ownerSet {
			chosen = ref
		}
		if authoritative != "" && authoritative != chosen {
			return w.reject(ctx, model, r, types.Reject(types.ReasonKeyOwnerMismatch, mismatchEvidence(cands, owners, authoritative)))
		}
	default:
		chosen = authoritative
		if chosen == "" {
			chosen, err = w.mintOwner(ctx, model, r)
			if err != nil {
				return err
			}
		}
	}

	for _, c := range cands {
		if _, ok := owners[c.Value]; ok {
			continue
		}
		entry := &types.KeyIndex{ID: c.Value, Tag: c.Tag, ReferenceID: chosen}
		if err := storage.Upsert(ctx, w.p.Store, keySet, entry.ID, entry); err != nil {
			return err
		}
	}

	if err := w.bumpReference(ctx, model, root, chosen); err != nil {
		return err
	}

	// Stage transition. Upsert-then-delete: if the delete fails the record
	// is re-processed idempotently next tick (same candidates, same owner).
	r.ReferenceID = chosen
	keyedSet := sets.Name(model.Name, sets.StageKeyed)
	if err := storage.Upsert(ctx, w.p.Store, keyedSet, r.ID, r); err != nil {
		return err
	}
	if err := w.p.Store.Delete(ctx, sets.Name(model.Name, sets.StageIntake), r.ID); err != nil {
		return err
	}
	debug.Logf("associate: %s/%s -> %s", model.Name, r.ID, chosen)
	return nil
}

// extractCandidates emits the (tag, value) pairs per the model's shape:
// aggregation tags for pure roots, the resolved parent reference for
// parent-declared models, and composite external-id candidates whenever the
// envelope names a system and adapter.
func (w *Worker) extractCandidates(ctx context.Context, model *registry.Descriptor, r *types.StageRecord) ([]candidate, string, *types.Rejection, error) {
	var cands []candidate
	var parentRef string

	if model.HasParent() {
		parentModel, ok := w.p.Registry.Get(model.Parent.Model)
		if !ok {
			return nil, "", nil, fmt.Errorf("model %s declares unknown parent %s", model.Name, model.Parent.Model)
		}
		keyValues := paths.Values(r.Data, model.Parent.KeyPath)
		if len(keyValues) == 0 {
			return nil, "", types.Reject(types.ReasonNoKeys, map[string]any{
				"reason":  "vo-parent-key-missing",
				"keyPath": model.Parent.KeyPath,
			}), nil
		}
		localID := paths.String(keyValues[0])
		ref, err := parent.Resolve(ctx, w.p, parentModel, r.System(), localID)
		if err != nil {
			return nil, "", nil, err
		}
		if ref == "" {
			return nil, "", types.Reject(types.ReasonParentNotFound, map[string]any{
				"parentModel": parentModel.Name,
				"keyPath":     model.Parent.KeyPath,
				"sourceKey":   localID,
				"system":      r.System(),
			}), nil
		}
		parentRef = ref
		cands = append(cands, candidate{Tag: model.Parent.KeyPath, Value: ref})
	} else {
		for _, tag := range w.tagsFor(model) {
			for _, v := range paths.Values(r.Data, tag) {
				if s := paths.String(v); s != "" {
					cands = append(cands, candidate{Tag: tag, Value: s})
				}
			}
		}
	}

	if r.HasEnvelope() {
		system, adapter := r.System(), r.Adapter()
		for _, extKey := range w.externalIDKeys(model, r) {
			for _, v := range paths.Values(r.Data, extKey) {
				external := paths.String(v)
				if external == "" {
					continue
				}
				cands = append(cands, candidate{
					Tag:   "env.System|Adapter|" + extKey,
					Value: types.LinkID(system, adapter, external),
				})
			}
		}
	}
	return cands, parentRef, nil, nil
}

// externalIDKeys merges the registry-declared key paths with any reserved
// identifier.external.* bag keys present in the payload. Bag keys are
// discovered on the flattened payload, so a nested identifier object and a
// flat dotted key behave alike.
func (w *Worker) externalIDKeys(model *registry.Descriptor, r *types.StageRecord) []string {
	keys := append([]string(nil), model.ExternalIDKeys...)
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for k := range paths.Flatten(r.Data) {
		if strings.HasPrefix(k, types.ExternalIDPrefix) && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	sort.Strings(keys)
	return keys
}

func (w *Worker) tagsFor(model *registry.Descriptor) []string {
	if len(model.AggregationTags) > 0 {
		return model.AggregationTags
	}
	return w.p.Options.AggregationTags
}

// resolveAuthoritative returns the reference the record is bound to by
// identity: the resolved parent for a value object, or the identity link
// for the record's first external id. Empty when neither applies.
func (w *Worker) resolveAuthoritative(ctx context.Context, model *registry.Descriptor, r *types.StageRecord, parentRef string) (string, error) {
	if model.IsValueObject() && parentRef != "" {
		return parentRef, nil
	}
	system, adapter := r.System(), r.Adapter()
	external := w.firstExternalID(model, r)
	if system == "" || adapter == "" || external == "" {
		return "", nil
	}
	linkSet := sets.Name(model.Name, sets.IdentityLink)
	link, err := storage.Get[types.IdentityLink](ctx, w.p.Store, linkSet, types.LinkID(system, adapter, external))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return link.ReferenceID, nil
}

// mintOwner handles first sight of an identity: a fresh time-ordered id,
// plus a provisional identity link when the record carries an envelope and
// an external id. Get-then-upsert; a racing writer may briefly carry a
// distinct reference and is corrected once the winning link is visible.
func (w *Worker) mintOwner(ctx context.Context, model *registry.Descriptor, r *types.StageRecord) (string, error) {
	chosen := idgen.NewReferenceID()
	system, adapter := r.System(), r.Adapter()
	external := w.firstExternalID(model, r)
	if system == "" || adapter == "" || external == "" {
		return chosen, nil
	}

	linkSet := sets.Name(model.Name, sets.IdentityLink)
	linkID := types.LinkID(system, adapter, external)
	expires := w.p.Now().Add(w.p.Options.ProvisionalLinkTTL)
	provisional := &types.IdentityLink{
		ID:          linkID,
		System:      system,
		Adapter:     adapter,
		ExternalID:  external,
		ReferenceID: chosen,
		Provisional: true,
		ExpiresAt:   &expires,
	}
	if err := storage.Upsert(ctx, w.p.Store, linkSet, linkID, provisional); err != nil {
		return "", err
	}
	return chosen, nil
}

func (w *Worker) firstExternalID(model *registry.Descriptor, r *types.StageRecord) string {
	for _, extKey := range w.externalIDKeys(model, r) {
		if values := paths.Values(r.Data, extKey); len(values) > 0 {
			return paths.String(values[0])
		}
	}
	return ""
}

// bumpReference advances the reference version and enqueues projection
// work. Value objects bump their root's reference and enqueue the root's
// canonical task; their contribution folds into the parent's projection.
func (w *Worker) bumpReference(ctx context.Context, model, root *registry.Descriptor, chosen string) error {
	refModel := model
	if model.IsValueObject() {
		refModel = root
	}
	refSet := sets.Name(refModel.Name, sets.Reference)

	item, err := storage.Get[types.ReferenceItem](ctx, w.p.Store, refSet, chosen)
	if errors.Is(err, storage.ErrNotFound) {
		item = &types.ReferenceItem{ID: chosen}
	} else if err != nil {
		return err
	}
	item.Version++
	item.RequiresProjection = true
	item.UpdatedAt = w.p.Now()
	if err := storage.Upsert(ctx, w.p.Store, refSet, chosen, item); err != nil {
		return err
	}

	task := &types.ProjectionTask{
		ID:          types.TaskID(chosen, item.Version),
		ReferenceID: chosen,
		Version:     item.Version,
		ViewName:    types.ViewCanonical,
		CreatedAt:   w.p.Now(),
	}
	return storage.Upsert(ctx, w.p.Store, sets.Name(refModel.Name, sets.Tasks), task.ID, task)
}

// reject records the policy decision: always a rejection report, plus a
// parked copy when the condition may resolve later and parking is enabled.
// The intake record is removed either way.
func (w *Worker) reject(ctx context.Context, model *registry.Descriptor, r *types.StageRecord, rej *types.Rejection) error {
	evidence, err := json.Marshal(rej.Evidence)
	if err != nil {
		evidence = []byte(fmt.Sprintf("%q", err.Error()))
	}
	report := &types.RejectionReport{
		ID:            uuid.NewString(),
		Model:         model.Name,
		StageRecordID: r.ID,
		SourceID:      r.SourceID,
		ReasonCode:    rej.Code,
		EvidenceJSON:  string(evidence),
		PolicyVersion: r.PolicyVersion,
		CreatedAt:     w.p.Now(),
	}
	if err := storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.Rejections), report.ID, report); err != nil {
		return err
	}

	if rej.Retryable() && w.p.Options.Parking() {
		parked := &types.ParkedRecord{
			StageRecord: *r,
			ReasonCode:  rej.Code,
			Evidence:    rej.Evidence,
			ParkedAt:    w.p.Now(),
		}
		if err := storage.Upsert(ctx, w.p.Store, sets.Name(model.Name, sets.StageParked), parked.ID, parked); err != nil {
			return err
		}
		if rej.Code == types.ReasonParentNotFound && w.parents != nil {
			w.parents.Poke()
		}
	}

	if err := w.p.Store.Delete(ctx, sets.Name(model.Name, sets.StageIntake), r.ID); err != nil {
		return err
	}
	debug.Logf("associate: rejected %s/%s (%s)", model.Name, r.ID, rej.Code)
	return nil
}

func collisionEvidence(cands []candidate, owners map[string]*types.KeyIndex) map[string]any {
	ownerRefs := make([]string, 0, len(owners))
	seen := make(map[string]bool)
	conflicts := make([]map[string]string, 0, len(owners))
	for _, c := range cands {
		entry, ok := owners[c.Value]
		if !ok {
			continue
		}
		conflicts = append(conflicts, map[string]string{
			"tag": c.Tag, "key": c.Value, "owner": entry.ReferenceID,
		})
		if !seen[entry.ReferenceID] {
			seen[entry.ReferenceID] = true
			ownerRefs = append(ownerRefs, entry.ReferenceID)
		}
	}
	sort.Strings(ownerRefs)
	return map[string]any{"owners": ownerRefs, "keys": conflicts}
}

func mismatchEvidence(cands []candidate, owners map[string]*types.KeyIndex, authoritative string) map[string]any {
	ev := map[string]any{"incoming": authoritative}
	for _, c := range cands {
		entry, ok := owners[c.Value]
		if !ok || entry.ReferenceID == authoritative {
			continue
		}
		ev["key"] = c.Value
		ev["tag"] = c.Tag
		ev["existing"] = entry.ReferenceID
		break
	}
	return ev
}
