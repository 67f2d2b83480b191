// Package sets implements the storage set naming convention for Flow/Canon.
// Every entity kind maps to a fixed suffix appended to the model's full
// name; the root snapshot set is the model name with no suffix. The suffix
// table is the single source of truth: workers never build set names by
// hand.
package sets

import "fmt"

// Kind identifies a logical entity kind stored in its own set per model.
type Kind int

const (
	Root Kind = iota // Root entity snapshot, no suffix
	IdentityLink
	KeyIndex
	Reference
	Tasks
	Policies
	StageIntake
	StageKeyed
	StageParked
	ViewCanonical
	ViewLineage
	Rejections
)

// suffixes is the per-kind suffix table. Bit-exact: consumers of the
// underlying store (dashboards, purge jobs) match on these names.
var suffixes = map[Kind]string{
	Root:          "",
	IdentityLink:  "#identityLink",
	KeyIndex:      "#keyIndex",
	Reference:     "#reference",
	Tasks:         "#tasks",
	Policies:      "#policies",
	StageIntake:   "#stage.intake",
	StageKeyed:    "#stage.keyed",
	StageParked:   "#stage.parked",
	ViewCanonical: "#views.canonical",
	ViewLineage:   "#views.lineage",
	Rejections:    "#rejections",
}

// Name returns the set name for a model and entity kind.
func Name(modelFullName string, kind Kind) string {
	suffix, ok := suffixes[kind]
	if !ok {
		panic(fmt.Sprintf("sets: unknown kind %d", kind))
	}
	return modelFullName + suffix
}

// StageKinds lists the kinds subject to stage-set retention windows, in the
// order the purge loop visits them.
func StageKinds() []Kind {
	return []Kind{StageIntake, StageKeyed, StageParked, Tasks, Rejections}
}

// String returns the suffix for diagnostics.
func (k Kind) String() string {
	if s, ok := suffixes[k]; ok {
		if s == "" {
			return "root"
		}
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}
