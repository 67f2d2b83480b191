// Package types defines the core data structures for the Flow/Canon
// entity resolution pipeline.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Rejection reason codes. These are string-exact: they appear in rejection
// reports and parked records and are matched by the parent resolution sweep.
const (
	ReasonNoKeys              = "NO_KEYS"
	ReasonMultiOwnerCollision = "MULTI_OWNER_COLLISION"
	ReasonKeyOwnerMismatch    = "KEY_OWNER_MISMATCH"
	ReasonParentNotFound      = "PARENT_NOT_FOUND"
)

// Reserved keys inside StageRecord.Data. The envelope.* keys carry source
// system metadata, identifier.external.* carries per-system external ids,
// and reference.* is reserved for pre-resolved parent references.
const (
	EnvelopeSystemKey  = "envelope.system"
	EnvelopeAdapterKey = "envelope.adapter"
	ExternalIDPrefix   = "identifier.external."
	ReferencePrefix    = "reference."
)

// SourceUnknown marks a stage record whose origin did not supply a real
// external id. Such records never contribute to the external-id axis.
const SourceUnknown = "unknown"

// StageRecord is a single inbound payload for a model. Records move between
// the intake, keyed, and parked stage sets; the association worker is the
// only mutator that transitions them.
type StageRecord struct {
	ID            string            `json:"id"`
	SourceID      string            `json:"source_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	PolicyVersion string            `json:"policy_version,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Data          map[string]any    `json:"data"`
	Source        map[string]string `json:"source,omitempty"`
	ReferenceID   string            `json:"reference_id,omitempty"` // Set by association
}

// System returns the source system name from the envelope, preferring the
// Source metadata map over the reserved data key.
func (r *StageRecord) System() string {
	if r.Source != nil {
		if s := r.Source["system"]; s != "" {
			return s
		}
	}
	if s, ok := r.Data[EnvelopeSystemKey].(string); ok {
		return s
	}
	return ""
}

// Adapter returns the adapter name from the envelope.
func (r *StageRecord) Adapter() string {
	if r.Source != nil {
		if a := r.Source["adapter"]; a != "" {
			return a
		}
	}
	if a, ok := r.Data[EnvelopeAdapterKey].(string); ok {
		return a
	}
	return ""
}

// HasEnvelope reports whether both system and adapter are present.
func (r *StageRecord) HasEnvelope() bool {
	return r.System() != "" && r.Adapter() != ""
}

// ReferenceItem is the canonical entity record for a model. Version never
// decreases; RequiresProjection is cleared only after a projection at a
// version >= the enqueueing version has been committed.
type ReferenceItem struct {
	ID                 string    `json:"id"`
	Version            int64     `json:"version"`
	RequiresProjection bool      `json:"requires_projection"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// KeyIndex maps an aggregation key value to its owning reference. The
// mapping is write-once: changing the owner requires a rejection, never an
// overwrite.
type KeyIndex struct {
	ID          string `json:"id"` // The aggregation key value
	Tag         string `json:"tag,omitempty"`
	ReferenceID string `json:"reference_id"`
}

// IdentityLink maps (system, adapter, externalId) to a reference. A
// provisional link was created on first sight of an unknown external id and
// becomes confirmed when a projection observes the id in canonical.
type IdentityLink struct {
	ID          string     `json:"id"` // "system|adapter|externalId"
	System      string     `json:"system"`
	Adapter     string     `json:"adapter"`
	ExternalID  string     `json:"external_id"`
	ReferenceID string     `json:"reference_id"`
	Provisional bool       `json:"provisional"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// SanitizeIDPart deterministically escapes the reserved pipe separator so a
// composite id never splits on user data.
func SanitizeIDPart(s string) string {
	return strings.ReplaceAll(s, "|", "%7C")
}

// LinkID builds the composite identity-link id.
func LinkID(system, adapter, externalID string) string {
	return SanitizeIDPart(system) + "|" + SanitizeIDPart(adapter) + "|" + SanitizeIDPart(externalID)
}

// ProjectionTask is a pending unit of work for the projection worker.
type ProjectionTask struct {
	ID          string    `json:"id"` // "{referenceId}::{version}::canonical"
	ReferenceID string    `json:"reference_id"`
	Version     int64     `json:"version"`
	ViewName    string    `json:"view_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ViewCanonical is the only view the core enqueues tasks for.
const ViewCanonical = "canonical"

// TaskID builds the projection task id for a reference at a version.
func TaskID(referenceID string, version int64) string {
	return fmt.Sprintf("%s::%d::%s", referenceID, version, ViewCanonical)
}

// CanonicalDocID builds the canonical view document id for a reference.
func CanonicalDocID(referenceID string) string { return ViewCanonical + "::" + referenceID }

// LineageDocID builds the lineage view document id for a reference.
func LineageDocID(referenceID string) string { return "lineage::" + referenceID }

// CanonicalProjection is the merged current state of an entity. Model is a
// nested object expanded from dotted-path ranges (path -> ordered values).
type CanonicalProjection struct {
	ID          string         `json:"id"`
	ReferenceID string         `json:"reference_id"`
	ViewName    string         `json:"view_name"`
	Model       map[string]any `json:"model"`
}

// LineageProjection records per-field provenance: tag -> value -> the set of
// source ids that supplied that value. Sets are stored as sorted slices so
// repeated projections produce identical documents.
type LineageProjection struct {
	ID          string                         `json:"id"`
	ReferenceID string                         `json:"reference_id"`
	View        map[string]map[string][]string `json:"view"`
}

// RootSnapshot is the materialized form of a dynamic-model entity, stored in
// the model's root set with no suffix. Typed models write discrete fields
// through their registered snapshot writer instead.
type RootSnapshot struct {
	ID        string         `json:"id"`
	Model     map[string]any `json:"model"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PolicyState records, per entity, which policy chose each materialized
// value.
type PolicyState struct {
	ID       string            `json:"id"` // The reference id
	Policies map[string]string `json:"policies"`
}

// ParkedRecord is a stage record set aside for later retry, typically while
// waiting for a parent to become resolvable.
type ParkedRecord struct {
	StageRecord
	ReasonCode string         `json:"reason_code"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	ParkedAt   time.Time      `json:"parked_at"`
}

// RejectionReport is an append-only diagnostic for a rejected record. It is
// never resubmitted automatically.
type RejectionReport struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	StageRecordID string    `json:"stage_record_id"`
	SourceID      string    `json:"source_id,omitempty"`
	ReasonCode    string    `json:"reason_code"`
	EvidenceJSON  string    `json:"evidence_json,omitempty"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Rejection is the value-typed outcome of a policy decision during
// association. Rejections are ordinary control flow, not errors: only
// transient infrastructure failures propagate as Go errors.
type Rejection struct {
	Code     string
	Evidence map[string]any
}

// Reject builds a rejection with the given code and evidence.
func Reject(code string, evidence map[string]any) *Rejection {
	if evidence == nil {
		evidence = map[string]any{}
	}
	return &Rejection{Code: code, Evidence: evidence}
}

// Retryable reports whether the underlying condition may resolve on its own,
// which makes the record a candidate for parking.
func (rj *Rejection) Retryable() bool {
	switch rj.Code {
	case ReasonParentNotFound, ReasonMultiOwnerCollision, ReasonKeyOwnerMismatch:
		return true
	}
	return false
}
