// Package domain contains core domain types for the Movi fleet assistant.
package domain

// EntityKind names a family of fleet records that can be referenced by name
// in a chat message.
type EntityKind string

const (
	KindTrip    EntityKind = "trip"
	KindRoute   EntityKind = "route"
	KindPath    EntityKind = "path"
	KindVehicle EntityKind = "vehicle"
	KindDriver  EntityKind = "driver"
	KindStop    EntityKind = "stop"
)

// VehicleType distinguishes buses from cabs.
type VehicleType string

const (
	VehicleBus VehicleType = "bus"
	VehicleCab VehicleType = "cab"
)

// RouteStatus is the lifecycle state of a route.
type RouteStatus string

const (
	RouteActive      RouteStatus = "active"
	RouteDeactivated RouteStatus = "deactivated"
)

// Valid reports whether s is a known route status.
func (s RouteStatus) Valid() bool {
	return s == RouteActive || s == RouteDeactivated
}

// Trip live statuses.
const (
	TripScheduled  = "scheduled"
	TripInProgress = "in_progress"
	TripCompleted  = "completed"
	TripCancelled  = "cancelled"
)

// ValidTripStatus reports whether s is a known trip live status.
func ValidTripStatus(s string) bool {
	switch s {
	case TripScheduled, TripInProgress, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Stop is a named pickup/drop location.
type Stop struct {
	ID        int64   `json:"stop_id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Path is an ordered list of stops shared by one or more routes.
type Path struct {
	ID        int64  `json:"path_id"`
	Name      string `json:"path_name"`
	StopCount int    `json:"stop_count"`
}

// Route binds a path to a shift time and capacity.
type Route struct {
	ID                int64       `json:"route_id"`
	PathID            *int64      `json:"path_id,omitempty"`
	DisplayName       string      `json:"route_display_name"`
	ShiftTime         string      `json:"shift_time"`
	Direction         string      `json:"direction"`
	StartPoint        string      `json:"start_point"`
	EndPoint          string      `json:"end_point"`
	Status            RouteStatus `json:"status"`
	Capacity          int         `json:"capacity"`
	AllocatedWaitlist int         `json:"allocated_waitlist"`
}

// Vehicle is a bus or cab that can be deployed on a trip.
type Vehicle struct {
	ID           int64       `json:"vehicle_id"`
	LicensePlate string      `json:"license_plate"`
	Type         VehicleType `json:"type"`
	Capacity     int         `json:"capacity"`
	Status       string      `json:"status"`
}

// Driver is a person who can be deployed on a trip.
type Driver struct {
	ID          int64  `json:"driver_id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

// Trip is a daily run of a route.
type Trip struct {
	ID                int64   `json:"trip_id"`
	RouteID           int64   `json:"route_id"`
	DisplayName       string  `json:"display_name"`
	BookingPercentage float64 `json:"booking_status_percentage"`
	LiveStatus        string  `json:"live_status"`
}

// Deployment assigns a vehicle and a driver to a trip. Either side may be
// empty after a removal.
type Deployment struct {
	ID           int64  `json:"deployment_id"`
	TripID       int64  `json:"trip_id"`
	VehicleID    *int64 `json:"vehicle_id,omitempty"`
	DriverID     *int64 `json:"driver_id,omitempty"`
	LicensePlate string `json:"license_plate,omitempty"`
	DriverName   string `json:"driver_name,omitempty"`
}

// HasVehicle returns true if a vehicle is currently assigned.
func (d *Deployment) HasVehicle() bool {
	return d != nil && d.VehicleID != nil
}
