// Package fleet binds the fleet persistence collaborator to the assistant:
// the tool catalog, entity normalization and the consequence resolver.
package fleet

import (
	"github.com/ashureev/movi/internal/store"
)

// UI page contexts tools can be tagged with.
const (
	ContextBusDashboard = "busDashboard"
	ContextManageRoute  = "manageRoute"
)

// Contexts lists every page context known to the tool catalog.
var Contexts = []string{ContextBusDashboard, ContextManageRoute}

// Canonical entity parameter names.
const (
	ParamTrip   = "trip_display_name"
	ParamRoute  = "route_display_name"
	ParamPath   = "path_name"
	ParamPlate  = "license_plate"
	ParamDriver = "driver_name"
	ParamStatus = "status"
	ParamName   = "name"
	ParamLat    = "latitude"
	ParamLon    = "longitude"
)

// Repository is the persistence surface the fleet tools need.
type Repository interface {
	store.FleetStore
}
