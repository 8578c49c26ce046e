package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      string
		tool    string
		trip    string
		wantErr bool
	}{
		{
			name: "plain",
			in:   `{"intent":"remove_vehicle","tool_name":"remove_vehicle_from_trip","entities":{"trip_display_name":"Morning Express"}}`,
			tool: "remove_vehicle_from_trip", trip: "Morning Express",
		},
		{
			name: "fenced with prose",
			in:   "Sure!\n```json\n{\"intent\":\"list\",\"tool_name\":\"list_vehicles\",\"entities\":{}}\n```",
			tool: "list_vehicles",
		},
		{
			name: "trailing comma and single quotes",
			in:   `{'intent': 'delete', 'tool_name': 'delete_trip', 'entities': {'trip_display_name': 'Night Service',},}`,
			tool: "delete_trip", trip: "Night Service",
		},
		{
			name: "explicit none",
			in:   `{"intent":"chitchat","tool_name":"none","entities":null}`,
		},
		{
			name:    "no json",
			in:      "I am not sure what you mean.",
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClassification(tc.in)
			if tc.wantErr {
				require.Error(t, err, "got %+v", got)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.tool, got.Tool)
			require.NotNil(t, got.Entities)
			trip, _ := got.Entities["trip_display_name"].(string)
			require.Equal(t, tc.trip, trip)
		})
	}
}
