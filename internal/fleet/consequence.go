package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/movi/internal/domain"
)

// Resolver computes data-driven impact assessments for high-impact tools
// from the current persisted fleet state.
type Resolver struct {
	repo Repository
}

// NewResolver returns a Resolver reading from repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ErrNoChecker is returned for tools the resolver knows nothing about.
var ErrNoChecker = errors.New("no consequence checker")

// Resolve describes what running tool with entities would affect.
func (r *Resolver) Resolve(ctx context.Context, tool string, entities map[string]any) (*domain.ImpactAssessment, error) {
	switch tool {
	case "remove_vehicle_from_trip", "delete_trip", "update_trip_status", "delete_deployment":
		return r.tripImpact(ctx, tool, entityString(entities, ParamTrip), entityString(entities, ParamStatus))
	case "update_route_status":
		return r.routeImpact(ctx, tool, entityString(entities, ParamRoute), entityString(entities, ParamStatus))
	case "delete_path":
		return r.pathImpact(ctx, tool, entityString(entities, ParamPath))
	}
	return nil, fmt.Errorf("%w for %s", ErrNoChecker, tool)
}

func entityString(entities map[string]any, key string) string {
	s, _ := entities[key].(string)
	return s
}

func (r *Resolver) tripImpact(ctx context.Context, tool, name, status string) (*domain.ImpactAssessment, error) {
	trip, err := r.repo.GetTripByName(ctx, name)
	if err != nil {
		return nil, err
	}
	dep, err := r.repo.GetDeploymentForTrip(ctx, trip.ID)
	if err != nil {
		return nil, err
	}

	facts := map[string]any{
		"booking_percentage": trip.BookingPercentage,
		"live_status":        trip.LiveStatus,
	}
	if dep != nil {
		facts["license_plate"] = dep.LicensePlate
		facts["driver_name"] = dep.DriverName
	}

	booked := trip.BookingPercentage > 0
	var details []string
	switch tool {
	case "remove_vehicle_from_trip":
		if dep.HasVehicle() {
			details = append(details, fmt.Sprintf("Vehicle %s will be removed from %s.", dep.LicensePlate, trip.DisplayName))
		}
		if booked {
			details = append(details, fmt.Sprintf("The trip is %.1f%% booked; those passengers will have no vehicle.", trip.BookingPercentage))
		}
	case "delete_trip":
		details = append(details, fmt.Sprintf("Trip %s will be permanently deleted.", trip.DisplayName))
		if booked {
			details = append(details, fmt.Sprintf("It is %.1f%% booked and all bookings will be cancelled.", trip.BookingPercentage))
		}
		if dep != nil {
			details = append(details, "Its vehicle and driver deployment will also be removed.")
		}
	case "update_trip_status":
		details = append(details, fmt.Sprintf("Trip %s will change from %s to %s.", trip.DisplayName, trip.LiveStatus, status))
		if booked {
			details = append(details, fmt.Sprintf("It is %.1f%% booked.", trip.BookingPercentage))
		}
		facts["new_status"] = status
	case "delete_deployment":
		if dep != nil {
			details = append(details, fmt.Sprintf("Vehicle %s and driver %s will be unassigned from %s.",
				orNone(dep.LicensePlate), orNone(dep.DriverName), trip.DisplayName))
		}
		if booked {
			details = append(details, fmt.Sprintf("The trip is %.1f%% booked.", trip.BookingPercentage))
		}
	}
	if trip.LiveStatus == domain.TripInProgress {
		details = append(details, "The trip is currently in progress.")
	}

	return &domain.ImpactAssessment{
		Tool:            tool,
		EntityType:      domain.KindTrip,
		AffectedEntity:  trip.DisplayName,
		HasConsequences: booked || dep != nil || trip.LiveStatus == domain.TripInProgress,
		Details:         strings.Join(details, " "),
		Facts:           facts,
	}, nil
}

func (r *Resolver) routeImpact(ctx context.Context, tool, name, status string) (*domain.ImpactAssessment, error) {
	route, err := r.repo.GetRouteByName(ctx, name)
	if err != nil {
		return nil, err
	}
	trips, err := r.repo.ListTripsForRoute(ctx, route.ID)
	if err != nil {
		return nil, err
	}

	var tripNames []string
	var booked float64
	for _, t := range trips {
		tripNames = append(tripNames, t.DisplayName)
		booked = max(booked, t.BookingPercentage)
	}

	details := fmt.Sprintf("Route %s will change from %s to %s.", route.DisplayName, route.Status, orNone(status))
	if len(trips) > 0 {
		details += fmt.Sprintf(" %d trip(s) run on this route: %s.", len(trips), strings.Join(tripNames, ", "))
	}
	return &domain.ImpactAssessment{
		Tool:            tool,
		EntityType:      domain.KindRoute,
		AffectedEntity:  route.DisplayName,
		HasConsequences: len(trips) > 0,
		Details:         details,
		Facts: map[string]any{
			"dependent_trips":        len(trips),
			"trip_names":             tripNames,
			"capacity":               route.Capacity,
			"max_booking_percentage": booked,
			"current_status":         route.Status,
		},
	}, nil
}

func (r *Resolver) pathImpact(ctx context.Context, tool, name string) (*domain.ImpactAssessment, error) {
	path, err := r.repo.GetPathByName(ctx, name)
	if err != nil {
		return nil, err
	}
	routes, err := r.repo.ListRoutesForPath(ctx, path.ID)
	if err != nil {
		return nil, err
	}

	var routeNames []string
	active := 0
	for _, rt := range routes {
		routeNames = append(routeNames, rt.DisplayName)
		if rt.Status == domain.RouteActive {
			active++
		}
	}

	details := fmt.Sprintf("Path %s with %d stop(s) will be deleted.", path.Name, path.StopCount)
	if len(routes) > 0 {
		details += fmt.Sprintf(" %d route(s) use it and will be deactivated: %s.", len(routes), strings.Join(routeNames, ", "))
	}
	return &domain.ImpactAssessment{
		Tool:            tool,
		EntityType:      domain.KindPath,
		AffectedEntity:  path.Name,
		HasConsequences: len(routes) > 0,
		Details:         details,
		Facts: map[string]any{
			"dependent_routes": len(routes),
			"active_routes":    active,
			"route_names":      routeNames,
			"stop_count":       path.StopCount,
		},
	}, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
