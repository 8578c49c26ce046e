package registry

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ContextOverrides re-tags tools with page contexts, read from a YAML file:
//
//	contexts:
//	  list_vehicles: [busDashboard]
//	  delete_path: [manageRoute]
type ContextOverrides struct {
	Contexts map[string][]string `yaml:"contexts"`
}

// LoadContextOverrides reads overrides from path. An empty path returns nil.
func LoadContextOverrides(path string) (*ContextOverrides, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool contexts: %w", err)
	}
	var o ContextOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse tool contexts %s: %w", path, err)
	}
	return &o, nil
}

// Apply returns a copy of descs with contexts replaced for every tool named
// in the overrides. Naming a tool that is not in descs is an error.
func (o *ContextOverrides) Apply(descs []Descriptor) ([]Descriptor, error) {
	out := slices.Clone(descs)
	if o == nil {
		return out, nil
	}
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[d.Name] = i
	}
	for name, contexts := range o.Contexts {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("%w: context override for unknown tool %q", ErrInvalidTool, name)
		}
		out[i].Contexts = slices.Clone(contexts)
	}
	return out, nil
}
