package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Args are validated tool arguments keyed by parameter name. Values are
// string, float64, int64 or bool according to the declared ParamType.
type Args map[string]any

// String returns the named string argument or "".
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Float returns the named number argument or 0.
func (a Args) Float(name string) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// Int returns the named integer argument or 0.
func (a Args) Int(name string) int64 {
	switch v := a[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// Bool returns the named boolean argument or false.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Has reports whether the argument was supplied.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Validate checks raw entities against the parameter schema and returns the
// coerced arguments. Missing required parameters and values that cannot be
// coerced to the declared type produce an error wrapping
// errdefs.ErrInvalidArgument. Undeclared entities are dropped.
func (d *Descriptor) Validate(raw map[string]any) (Args, error) {
	out := make(Args, len(d.Params))
	var missing []string
	for _, p := range d.Params {
		v, ok := raw[p.Name]
		if !ok || isBlank(v) {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		cv, err := coerce(p.Type, v)
		if err != nil {
			return nil, invalidArg("%s: parameter %q: %v", d.Name, p.Name, err)
		}
		out[p.Name] = cv
	}
	if len(missing) > 0 {
		return nil, invalidArg("%s: missing required parameter(s): %s", d.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

// MissingRequired returns required parameters absent or blank in raw.
func (d *Descriptor) MissingRequired(raw map[string]any) []string {
	var missing []string
	for _, p := range d.Params {
		if !p.Required {
			continue
		}
		if v, ok := raw[p.Name]; !ok || isBlank(v) {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return strings.TrimSpace(x), nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int, int64, bool:
			return fmt.Sprint(x), nil
		}
	case TypeNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", x)
			}
			return f, nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", x)
			}
			return n, nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(x)))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", x)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s", v, t)
}
