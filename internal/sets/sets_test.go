package sets

import "testing"

func TestName(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Root, "acme.Contact"},
		{IdentityLink, "acme.Contact#identityLink"},
		{KeyIndex, "acme.Contact#keyIndex"},
		{Reference, "acme.Contact#reference"},
		{Tasks, "acme.Contact#tasks"},
		{Policies, "acme.Contact#policies"},
		{StageIntake, "acme.Contact#stage.intake"},
		{StageKeyed, "acme.Contact#stage.keyed"},
		{StageParked, "acme.Contact#stage.parked"},
		{ViewCanonical, "acme.Contact#views.canonical"},
		{ViewLineage, "acme.Contact#views.lineage"},
	}
	for _, tt := range tests {
		if got := Name("acme.Contact", tt.kind); got != tt.want {
			t.Errorf("Name(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestNameUnknownKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown kind")
		}
	}()
	Name("m", Kind(99))
}
