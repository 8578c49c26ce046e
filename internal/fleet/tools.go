package fleet

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ashureev/movi/internal/domain"
	"github.com/ashureev/movi/internal/registry"
)

var (
	bothPages = []string{ContextBusDashboard, ContextManageRoute}
	busPage   = []string{ContextBusDashboard}
	routePage = []string{ContextManageRoute}
)

func required(name string, t registry.ParamType, desc string) registry.Param {
	return registry.Param{Name: name, Type: t, Required: true, Description: desc}
}

var (
	tripParam  = required(ParamTrip, registry.TypeString, "display name of the daily trip")
	routeParam = required(ParamRoute, registry.TypeString, "display name of the route")
	pathParam  = required(ParamPath, registry.TypeString, "name of the path")
)

// Tools returns the fleet tool catalog bound to repo.
func Tools(repo Repository) []registry.Descriptor {
	t := &toolset{repo: repo}
	return []registry.Descriptor{
		{
			Name: "list_vehicles", Description: "List all vehicles with plate, type and capacity.",
			Impact: registry.ImpactNormal, Contexts: bothPages, Handler: t.listVehicles,
		},
		{
			Name: "list_drivers", Description: "List all drivers with phone numbers.",
			Impact: registry.ImpactNormal, Contexts: busPage, Handler: t.listDrivers,
		},
		{
			Name: "list_trips", Description: "List today's trips with booking percentage and live status.",
			Impact: registry.ImpactNormal, Contexts: busPage, Handler: t.listTrips,
		},
		{
			Name: "get_trip_status", Description: "Show a trip's status, booking and assigned vehicle and driver.",
			Params: []registry.Param{tripParam},
			Impact: registry.ImpactNormal, Contexts: busPage, Handler: t.tripStatus,
		},
		{
			Name: "list_unassigned_vehicles", Description: "List vehicles not deployed on any trip.",
			Impact: registry.ImpactNormal, Contexts: busPage, Handler: t.listUnassigned,
		},
		{
			Name: "list_stops", Description: "List all stops with coordinates.",
			Impact: registry.ImpactNormal, Contexts: routePage, Handler: t.listStops,
		},
		{
			Name: "list_routes", Description: "List all routes with shift time, direction and status.",
			Impact: registry.ImpactNormal, Contexts: bothPages, Handler: t.listRoutes,
		},
		{
			Name: "list_paths", Description: "List all paths with their stop counts.",
			Impact: registry.ImpactNormal, Contexts: routePage, Handler: t.listPaths,
		},
		{
			Name: "create_stop", Description: "Create a new stop at the given coordinates.",
			Params: []registry.Param{
				required(ParamName, registry.TypeString, "stop name"),
				required(ParamLat, registry.TypeNumber, "latitude in degrees"),
				required(ParamLon, registry.TypeNumber, "longitude in degrees"),
			},
			Impact: registry.ImpactNormal, Contexts: routePage, Handler: t.createStop,
		},
		{
			Name: "assign_vehicle_to_trip", Description: "Deploy a vehicle and driver on a trip.",
			Params: []registry.Param{
				tripParam,
				required(ParamPlate, registry.TypeString, "vehicle license plate"),
				required(ParamDriver, registry.TypeString, "driver name"),
			},
			Impact: registry.ImpactNormal, Contexts: busPage, Handler: t.assignVehicle,
		},
		{
			Name: "remove_vehicle_from_trip", Description: "Remove the assigned vehicle from a trip.",
			Params: []registry.Param{tripParam},
			Impact: registry.ImpactHigh, Contexts: busPage, Handler: t.removeVehicle,
		},
		{
			Name: "delete_trip", Description: "Delete a daily trip and its deployment.",
			Params: []registry.Param{tripParam},
			Impact: registry.ImpactHigh, Contexts: busPage, Handler: t.deleteTrip,
		},
		{
			Name: "update_trip_status", Description: "Set a trip's live status (scheduled, in_progress, completed, cancelled).",
			Params: []registry.Param{tripParam, required(ParamStatus, registry.TypeString, "new live status")},
			Impact: registry.ImpactHigh, Contexts: busPage, Handler: t.updateTripStatus,
		},
		{
			Name: "delete_deployment", Description: "Remove both vehicle and driver from a trip.",
			Params: []registry.Param{tripParam},
			Impact: registry.ImpactHigh, Contexts: busPage, Handler: t.deleteDeployment,
		},
		{
			Name: "update_route_status", Description: "Activate or deactivate a route.",
			Params: []registry.Param{routeParam, required(ParamStatus, registry.TypeString, "active or deactivated")},
			Impact: registry.ImpactHigh, Contexts: routePage, Handler: t.updateRouteStatus,
		},
		{
			Name: "delete_path", Description: "Delete a path; routes using it are deactivated.",
			Params: []registry.Param{pathParam},
			Impact: registry.ImpactHigh, Contexts: routePage, Handler: t.deletePath,
		},
	}
}

// NewRegistry builds the validated fleet registry, applying optional
// context overrides.
func NewRegistry(repo Repository, overrides *registry.ContextOverrides) (*registry.Registry, error) {
	descs, err := overrides.Apply(Tools(repo))
	if err != nil {
		return nil, err
	}
	return registry.New(Contexts, descs...)
}

type toolset struct {
	repo Repository
}

func (t *toolset) listVehicles(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListVehicles(ctx)
}

func (t *toolset) listDrivers(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListDrivers(ctx)
}

func (t *toolset) listTrips(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListTrips(ctx)
}

func (t *toolset) listUnassigned(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListUnassignedVehicles(ctx)
}

func (t *toolset) listStops(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListStops(ctx)
}

func (t *toolset) listRoutes(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListRoutes(ctx)
}

func (t *toolset) listPaths(ctx context.Context, _ registry.Args) (any, error) {
	return t.repo.ListPaths(ctx)
}

// TripStatus is the payload of get_trip_status.
type TripStatus struct {
	domain.Trip
	LicensePlate string `json:"license_plate,omitempty"`
	DriverName   string `json:"driver_name,omitempty"`
}

func (t *toolset) tripStatus(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	out := TripStatus{Trip: *trip}
	dep, err := t.repo.GetDeploymentForTrip(ctx, trip.ID)
	if err != nil {
		return nil, err
	}
	if dep != nil {
		out.LicensePlate = dep.LicensePlate
		out.DriverName = dep.DriverName
	}
	return out, nil
}

func (t *toolset) createStop(ctx context.Context, args registry.Args) (any, error) {
	lat, lon := args.Float(ParamLat), args.Float(ParamLon)
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("coordinates %.4f,%.4f out of range: %w", lat, lon, errdefs.ErrInvalidArgument)
	}
	return t.repo.CreateStop(ctx, &domain.Stop{Name: args.String(ParamName), Latitude: lat, Longitude: lon})
}

func (t *toolset) assignVehicle(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	vehicle, err := t.repo.GetVehicleByPlate(ctx, args.String(ParamPlate))
	if err != nil {
		return nil, err
	}
	driver, err := t.repo.GetDriverByName(ctx, args.String(ParamDriver))
	if err != nil {
		return nil, err
	}
	return t.repo.AssignVehicleToTrip(ctx, trip.ID, vehicle.ID, driver.ID)
}

func (t *toolset) removeVehicle(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	dep, err := t.repo.GetDeploymentForTrip(ctx, trip.ID)
	if err != nil {
		return nil, err
	}
	if !dep.HasVehicle() {
		return nil, fmt.Errorf("trip %q has no vehicle assigned: %w", trip.DisplayName, errdefs.ErrFailedPrecondition)
	}
	if err := t.repo.RemoveVehicleFromTrip(ctx, trip.ID); err != nil {
		return nil, err
	}
	return map[string]any{
		"trip_display_name": trip.DisplayName,
		"removed_vehicle":   dep.LicensePlate,
	}, nil
}

func (t *toolset) deleteTrip(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	if err := t.repo.DeleteTrip(ctx, trip.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted_trip": trip.DisplayName}, nil
}

func (t *toolset) updateTripStatus(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	status := args.String(ParamStatus)
	if err := t.repo.UpdateTripStatus(ctx, trip.ID, status); err != nil {
		return nil, err
	}
	return map[string]any{
		"trip_display_name": trip.DisplayName,
		"previous_status":   trip.LiveStatus,
		"live_status":       status,
	}, nil
}

func (t *toolset) deleteDeployment(ctx context.Context, args registry.Args) (any, error) {
	trip, err := t.repo.GetTripByName(ctx, args.String(ParamTrip))
	if err != nil {
		return nil, err
	}
	if err := t.repo.DeleteDeployment(ctx, trip.ID); err != nil {
		return nil, err
	}
	return map[string]any{"trip_display_name": trip.DisplayName, "deployment_removed": true}, nil
}

func (t *toolset) updateRouteStatus(ctx context.Context, args registry.Args) (any, error) {
	route, err := t.repo.GetRouteByName(ctx, args.String(ParamRoute))
	if err != nil {
		return nil, err
	}
	status := domain.RouteStatus(args.String(ParamStatus))
	if err := t.repo.UpdateRouteStatus(ctx, route.ID, status); err != nil {
		return nil, err
	}
	return map[string]any{
		"route_display_name": route.DisplayName,
		"previous_status":    route.Status,
		"status":             status,
	}, nil
}

func (t *toolset) deletePath(ctx context.Context, args registry.Args) (any, error) {
	path, err := t.repo.GetPathByName(ctx, args.String(ParamPath))
	if err != nil {
		return nil, err
	}
	detached, err := t.repo.DeletePath(ctx, path.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted_path": path.Name, "deactivated_routes": detached}, nil
}
