package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/fleet"
)

// Fallback renders a reply from the state alone. It is deterministic: the
// same state always yields the same text.
func Fallback(st AgentState) string {
	if st.NeedsClarification {
		if st.Clarification != "" {
			return st.Clarification
		}
		return clarifyRephrase
	}

	action := describeAction(st.SelectedTool, st.Entities)
	r := st.Result
	if r == nil {
		return fmt.Sprintf("I have nothing to report for %s.", action)
	}

	switch r.Error {
	case domain.ErrCodeCancelledByUser:
		return fmt.Sprintf("Okay, I cancelled %s. Nothing was changed.", action)
	case domain.ErrCodeConfirmationExpired:
		return fmt.Sprintf("The request to %s expired before it was confirmed, so nothing was changed.", action)
	case domain.ErrCodeConfirmationUnavailable:
		return fmt.Sprintf("I could not request confirmation to %s, so nothing was changed. Please try again.", action)
	case domain.ErrCodeUnknownTool:
		return "I don't know how to do that yet."
	case domain.ErrCodeInternal:
		return "Sorry, something went wrong while handling your request. Please try again."
	}

	if !r.Success {
		return fmt.Sprintf("I couldn't %s: %s.", action, strings.TrimSuffix(r.Error, "."))
	}
	if summary := describePayload(r.Payload); summary != "" {
		return fmt.Sprintf("Done: %s. %s", action, summary)
	}
	return fmt.Sprintf("Done: %s.", action)
}

var targetParams = []string{fleet.ParamTrip, fleet.ParamRoute, fleet.ParamPath, fleet.ParamName}

func describeAction(tool string, entities map[string]any) string {
	if tool == "" {
		return "that request"
	}
	action := humanize(tool)
	for _, p := range targetParams {
		if v, ok := entities[p].(string); ok && v != "" {
			return fmt.Sprintf("%s (%s)", action, v)
		}
	}
	return action
}

func describePayload(p any) string {
	var names []string
	switch v := p.(type) {
	case nil:
		return ""
	case []domain.Vehicle:
		for _, x := range v {
			names = append(names, fmt.Sprintf("%s (%s, %d seats)", x.LicensePlate, x.Type, x.Capacity))
		}
	case []domain.Driver:
		for _, x := range v {
			names = append(names, x.Name)
		}
	case []domain.Trip:
		for _, x := range v {
			names = append(names, fmt.Sprintf("%s (%s, %.1f%% booked)", x.DisplayName, x.LiveStatus, x.BookingPercentage))
		}
	case []domain.Route:
		for _, x := range v {
			names = append(names, fmt.Sprintf("%s (%s, %s)", x.DisplayName, x.ShiftTime, x.Status))
		}
	case []domain.Path:
		for _, x := range v {
			names = append(names, fmt.Sprintf("%s (%d stops)", x.Name, x.StopCount))
		}
	case []domain.Stop:
		for _, x := range v {
			names = append(names, x.Name)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", strings.ReplaceAll(k, "_", " "), v[k]))
		}
		return strings.Join(parts, ", ") + "."
	default:
		return ""
	}
	if len(names) == 0 {
		return "No records found."
	}
	return fmt.Sprintf("Found %d: %s.", len(names), strings.Join(names, "; "))
}
