package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ashureev/movi/internal/domain"
)

// keyAliases maps alternative entity keys produced by the classifier to the
// canonical parameter name. An alias never overwrites a canonical key that
// is already present.
var keyAliases = map[string]string{
	"trip":         ParamTrip,
	"trip_name":    ParamTrip,
	"route":        ParamRoute,
	"route_name":   ParamRoute,
	"path":         ParamPath,
	"vehicle":      ParamPlate,
	"plate":        ParamPlate,
	"vehicle_id":   ParamPlate,
	"driver":       ParamDriver,
	"stop_name":    ParamName,
	"lat":          ParamLat,
	"lng":          ParamLon,
	"lon":          ParamLon,
	"new_status":   ParamStatus,
	"trip_status":  ParamStatus,
	"route_status": ParamStatus,
}

// vocabularyKinds lists parameters whose values are canonicalized against
// stored names.
var vocabularyKinds = map[string]domain.EntityKind{
	ParamTrip:   domain.KindTrip,
	ParamRoute:  domain.KindRoute,
	ParamPath:   domain.KindPath,
	ParamPlate:  domain.KindVehicle,
	ParamDriver: domain.KindDriver,
}

// Vocabulary supplies the known names for an entity kind.
type Vocabulary interface {
	ListNames(ctx context.Context, kind domain.EntityKind) ([]string, error)
}

// Normalizer canonicalizes classifier entities.
type Normalizer struct {
	vocab Vocabulary
}

// NewNormalizer returns a Normalizer backed by vocab.
func NewNormalizer(vocab Vocabulary) *Normalizer {
	return &Normalizer{vocab: vocab}
}

// Unresolved records an entity value that matched no known name, or more
// than one (Candidates).
type Unresolved struct {
	Param      string
	Kind       domain.EntityKind
	Value      string
	Candidates []string
}

// Ambiguous reports whether several names matched.
func (u Unresolved) Ambiguous() bool {
	return len(u.Candidates) > 1
}

func (u Unresolved) String() string {
	if u.Ambiguous() {
		return fmt.Sprintf("%q could be any of %s", u.Value, strings.Join(u.Candidates, ", "))
	}
	return fmt.Sprintf("there is no %s named %q", u.Kind, u.Value)
}

// Normalize renames aliased keys and resolves free-text names to stored
// names. Values that match no name or several names are left as given and
// reported as unresolved.
func (n *Normalizer) Normalize(ctx context.Context, entities map[string]any) (map[string]any, []Unresolved, error) {
	out := make(map[string]any, len(entities))
	for k, v := range entities {
		if _, aliased := keyAliases[k]; !aliased {
			out[k] = v
		}
	}
	for k, v := range entities {
		target, ok := keyAliases[k]
		if !ok || isEmpty(v) {
			continue
		}
		if existing, present := out[target]; !present || isEmpty(existing) {
			out[target] = v
		}
	}
	if status, ok := out[ParamStatus].(string); ok {
		out[ParamStatus] = canonicalStatus(status)
	}

	var unresolved []Unresolved
	for param, kind := range vocabularyKinds {
		raw, ok := out[param].(string)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		names, err := n.vocab.ListNames(ctx, kind)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s names: %w", kind, err)
		}
		match, candidates := Canonicalize(raw, names)
		if match != "" {
			out[param] = match
			continue
		}
		unresolved = append(unresolved, Unresolved{Param: param, Kind: kind, Value: raw, Candidates: candidates})
	}
	sort.Slice(unresolved, func(i, j int) bool { return unresolved[i].Param < unresolved[j].Param })
	return out, unresolved, nil
}

// Canonicalize resolves value against names: a case and punctuation
// insensitive exact match wins, otherwise a unique name containing value (or
// contained in it) is used. Several partial matches are returned as
// candidates with an empty match.
func Canonicalize(value string, names []string) (string, []string) {
	key := fold(value)
	if key == "" {
		return "", nil
	}
	var partial []string
	for _, name := range names {
		nk := fold(name)
		if nk == key {
			return name, nil
		}
		if nk != "" && (strings.Contains(nk, key) || strings.Contains(key, nk)) {
			partial = append(partial, name)
		}
	}
	if len(partial) == 1 {
		return partial[0], nil
	}
	return "", partial
}

// fold lowercases s and drops everything but letters and digits.
func fold(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func canonicalStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "inactive", "deactivate", "disabled":
		return string(domain.RouteDeactivated)
	case "activate", "enabled":
		return string(domain.RouteActive)
	case "canceled":
		return domain.TripCancelled
	case "inprogress", "started":
		return domain.TripInProgress
	}
	return s
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
