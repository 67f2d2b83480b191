package types

import "testing"

func TestLinkIDSanitizesPipes(t *testing.T) {
	got := LinkID("sys|a", "adapter", "ext|1")
	want := "sys%7Ca|adapter|ext%7C1"
	if got != want {
		t.Fatalf("LinkID = %q, want %q", got, want)
	}
}

func TestTaskAndDocIDs(t *testing.T) {
	if got := TaskID("ref-1", 3); got != "ref-1::3::canonical" {
		t.Fatalf("TaskID = %q", got)
	}
	if got := CanonicalDocID("ref-1"); got != "canonical::ref-1" {
		t.Fatalf("CanonicalDocID = %q", got)
	}
	if got := LineageDocID("ref-1"); got != "lineage::ref-1" {
		t.Fatalf("LineageDocID = %q", got)
	}
}

func TestRejectionRetryability(t *testing.T) {
	cases := map[string]bool{
		ReasonNoKeys:              false,
		ReasonParentNotFound:      true,
		ReasonMultiOwnerCollision: true,
		ReasonKeyOwnerMismatch:    true,
	}
	for code, want := range cases {
		if got := Reject(code, nil).Retryable(); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestStageRecordEnvelope(t *testing.T) {
	r := &StageRecord{Data: map[string]any{
		EnvelopeSystemKey:  "mes",
		EnvelopeAdapterKey: "pump",
	}}
	if r.System() != "mes" || r.Adapter() != "pump" || !r.HasEnvelope() {
		t.Fatalf("envelope from data keys: %q/%q", r.System(), r.Adapter())
	}

	r.Source = map[string]string{"system": "erp", "adapter": "erp-adapter"}
	if r.System() != "erp" || r.Adapter() != "erp-adapter" {
		t.Fatalf("source map must win over data keys")
	}

	empty := &StageRecord{}
	if empty.HasEnvelope() {
		t.Fatalf("empty record has no envelope")
	}
}
