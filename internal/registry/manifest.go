package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// manifest mirrors the models.yaml layout:
//
//	models:
//	  - name: acme.Device
//	    aggregationTags: [identifier.code]
//	    externalIdKeys: [externalId]
//	  - name: acme.Reading
//	    parent:
//	      kind: valueObject
//	      model: acme.Device
//	      keyPath: deviceCode
type manifest struct {
	Models []manifestModel `yaml:"models"`
}

type manifestModel struct {
	Name            string          `yaml:"name"`
	AggregationTags []string        `yaml:"aggregationTags"`
	ExternalIDKeys  []string        `yaml:"externalIdKeys"`
	Parent          *manifestParent `yaml:"parent"`
}

type manifestParent struct {
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model"`
	KeyPath string `yaml:"keyPath"`
}

// LoadManifest reads a YAML model manifest and returns the declared
// descriptors. Manifest models are always dynamic; typed models register
// programmatically.
func LoadManifest(path string) ([]*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest parses manifest bytes.
func ParseManifest(raw []byte) ([]*Descriptor, error) {
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("registry: parse manifest: %w", err)
	}
	out := make([]*Descriptor, 0, len(m.Models))
	for _, mm := range m.Models {
		d := &Descriptor{
			Name:            mm.Name,
			AggregationTags: mm.AggregationTags,
			ExternalIDKeys:  mm.ExternalIDKeys,
			Dynamic:         true,
		}
		if mm.Parent != nil {
			kind, err := parseParentKind(mm.Parent.Kind)
			if err != nil {
				return nil, fmt.Errorf("registry: model %q: %w", mm.Name, err)
			}
			d.Parent = ParentDeclaration{
				Kind:    kind,
				Model:   mm.Parent.Model,
				KeyPath: mm.Parent.KeyPath,
			}
		}
		if err := validate(d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseParentKind(s string) (ParentKind, error) {
	switch s {
	case "entity":
		return ParentEntity, nil
	case "valueObject":
		return ParentValueObject, nil
	default:
		return ParentNone, fmt.Errorf("unknown parent kind %q (want entity or valueObject)", s)
	}
}
