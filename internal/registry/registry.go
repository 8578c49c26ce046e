// Package registry holds the immutable catalog of tools the assistant can
// dispatch to, with their parameter schemas, impact levels and page contexts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/containerd/errdefs"
)

// Impact classifies how costly a tool's side effects are.
type Impact string

const (
	ImpactNormal Impact = "normal"
	// ImpactHigh tools require explicit human confirmation before running.
	ImpactHigh Impact = "high"
)

// ParamType is the declared JSON type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean:
		return true
	}
	return false
}

// Param declares one named tool parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Handler performs a tool's single side-effecting operation. Args have
// already been validated against the descriptor's parameters.
type Handler func(ctx context.Context, args Args) (any, error)

// Descriptor describes a registered tool.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Impact      Impact
	// Contexts lists the UI pages this tool may be selected from.
	Contexts []string
	Handler  Handler
}

// AvailableIn reports whether the tool is tagged for uiContext.
func (d *Descriptor) AvailableIn(uiContext string) bool {
	return slices.Contains(d.Contexts, uiContext)
}

// RequiredParams returns the names of required parameters.
func (d *Descriptor) RequiredParams() []string {
	var out []string
	for _, p := range d.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Registry is a validated, read-only tool catalog. It is safe for concurrent
// use because it is never mutated after New returns.
type Registry struct {
	tools    map[string]*Descriptor
	order    []string
	contexts map[string]struct{}
}

// Errors returned by New.
var (
	ErrDuplicateTool = errors.New("duplicate tool name")
	ErrInvalidTool   = errors.New("invalid tool descriptor")
)

// New validates descs and builds a registry. Every tool must have a unique
// name, a handler, parameters of known types, and only known contexts.
func New(knownContexts []string, descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		tools:    make(map[string]*Descriptor, len(descs)),
		contexts: make(map[string]struct{}, len(knownContexts)),
	}
	for _, c := range knownContexts {
		r.contexts[c] = struct{}{}
	}

	for i := range descs {
		d := descs[i]
		if err := r.check(&d); err != nil {
			return nil, err
		}
		d.Params = slices.Clone(d.Params)
		d.Contexts = slices.Clone(d.Contexts)
		r.tools[d.Name] = &d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

func (r *Registry) check(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if _, dup := r.tools[d.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, d.Name)
	}
	if d.Impact != ImpactNormal && d.Impact != ImpactHigh {
		return fmt.Errorf("%w: %s has impact %q", ErrInvalidTool, d.Name, d.Impact)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("%w: %s has empty or repeated parameter %q", ErrInvalidTool, d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.valid() {
			return fmt.Errorf("%w: %s parameter %s has type %q", ErrInvalidTool, d.Name, p.Name, p.Type)
		}
	}
	if len(d.Contexts) == 0 {
		return fmt.Errorf("%w: %s is not available in any context", ErrInvalidTool, d.Name)
	}
	for _, c := range d.Contexts {
		if _, ok := r.contexts[c]; !ok {
			return fmt.Errorf("%w: %s tagged with unknown context %q", ErrInvalidTool, d.Name, c)
		}
	}
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// IsHighImpact reports whether name is a registered high-impact tool.
func (r *Registry) IsHighImpact(name string) bool {
	d, ok := r.tools[name]
	return ok && d.Impact == ImpactHigh
}

// ForContext returns the tools selectable from uiContext in registration
// order. An unknown context yields no tools.
func (r *Registry) ForContext(uiContext string) []*Descriptor {
	var out []*Descriptor
	for _, name := range r.order {
		if d := r.tools[name]; d.AvailableIn(uiContext) {
			out = append(out, d)
		}
	}
	return out
}

// KnownContext reports whether uiContext was declared at construction.
func (r *Registry) KnownContext(uiContext string) bool {
	_, ok := r.contexts[uiContext]
	return ok
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// HighImpactNames returns the sorted names of high-impact tools.
func (r *Registry) HighImpactNames() []string {
	var out []string
	for name, d := range r.tools {
		if d.Impact == ImpactHigh {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// invalidArg wraps a schema failure as errdefs.ErrInvalidArgument.
func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}
