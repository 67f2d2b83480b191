// Package intake admits raw payloads into a model's intake stage. It is the
// only entry point producers use; everything downstream is driven by the
// background workers.
package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/types"
)

// Submission is one inbound payload. SourceID may be empty for payloads
// with no upstream identity; such records never join the external-id axis.
type Submission struct {
	SourceID      string
	System        string
	Adapter       string
	OccurredAt    time.Time
	PolicyVersion string
	CorrelationID string
	Data          map[string]any
}

// Ingest writes one submission to the model's intake stage and returns the
// stage record id.
func Ingest(ctx context.Context, p *pipeline.Context, modelName string, sub Submission) (string, error) {
	model, ok := p.Registry.Get(modelName)
	if !ok {
		return "", fmt.Errorf("intake: unknown model %q", modelName)
	}
	if sub.Data == nil {
		return "", fmt.Errorf("intake: %s submission has no data", modelName)
	}

	rec := &types.StageRecord{
		ID:            uuid.NewString(),
		SourceID:      sub.SourceID,
		OccurredAt:    sub.OccurredAt,
		PolicyVersion: sub.PolicyVersion,
		CorrelationID: sub.CorrelationID,
		Data:          sub.Data,
	}
	if rec.SourceID == "" {
		rec.SourceID = types.SourceUnknown
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = p.Now()
	}
	if sub.System != "" {
		adapter := sub.Adapter
		if adapter == "" {
			adapter = sub.System
		}
		rec.Source = map[string]string{"system": sub.System, "adapter": adapter}
	}

	set := sets.Name(model.Name, sets.StageIntake)
	if err := storage.Upsert(ctx, p.Store, set, rec.ID, rec); err != nil {
		return "", fmt.Errorf("intake: %s: %w", modelName, err)
	}
	debug.Logf("intake: %s accepted %s (source %s)", modelName, rec.ID, rec.SourceID)
	return rec.ID, nil
}

// IngestBatch admits submissions in order, stopping at the first failure.
// Returns the ids of the records that were written.
func IngestBatch(ctx context.Context, p *pipeline.Context, modelName string, subs []Submission) ([]string, error) {
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		id, err := Ingest(ctx, p, modelName, sub)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
