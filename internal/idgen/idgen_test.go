package idgen

import (
	"sort"
	"testing"
	"time"
)

func TestNewReferenceIDShape(t *testing.T) {
	id := NewReferenceID()
	if len(id) != totalChars {
		t.Fatalf("expected %d chars, got %d (%q)", totalChars, len(id), id)
	}
	if !IsValid(id) {
		t.Fatalf("minted id %q not valid", id)
	}
}

func TestTimeOrdering(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = NewReferenceID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not lexicographically ordered at %d: %q vs %q", i, ids[i], sorted[i])
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	id := newAt(now)
	got, ok := Timestamp(id)
	if !ok {
		t.Fatalf("Timestamp(%q) not ok", id)
	}
	if !got.Equal(now) {
		t.Fatalf("timestamp mismatch: got %v, want %v", got, now)
	}
}

func TestIsValid(t *testing.T) {
	if IsValid("short") {
		t.Error("short id should be invalid")
	}
	if IsValid("UPPERCASE0123456789abcdef0") {
		t.Error("uppercase id should be invalid")
	}
}

func TestEncodeBase36Padding(t *testing.T) {
	if got := EncodeBase36([]byte{0}, 4); got != "0000" {
		t.Errorf("EncodeBase36(0) = %q, want 0000", got)
	}
	if got := EncodeBase36([]byte{35}, 2); got != "0z" {
		t.Errorf("EncodeBase36(35) = %q, want 0z", got)
	}
}
