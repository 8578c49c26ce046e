// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/movi/internal/domain"
)

// SessionStore persists session snapshots, suspension checkpoints and
// per-session run leases.
type SessionStore interface {
	// GetSession retrieves the latest snapshot for a session, or nil if the
	// session has never been seen.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession creates or replaces the session snapshot.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteIdleSessions removes sessions not updated within ttl that have no
	// pending checkpoint.
	DeleteIdleSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// PutCheckpoint stores the checkpoint for a session, replacing any prior one.
	PutCheckpoint(ctx context.Context, cp *domain.Checkpoint) error

	// GetCheckpoint returns the pending checkpoint, or nil if there is none.
	GetCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)

	// TakeCheckpoint atomically reads and deletes the checkpoint. It returns
	// nil if none was pending, so only one caller can consume it.
	TakeCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)

	// DeleteCheckpoint removes the checkpoint for a session if present.
	DeleteCheckpoint(ctx context.Context, sessionID string) error

	// ListExpiredCheckpoints returns checkpoints whose expiry is at or before now.
	ListExpiredCheckpoints(ctx context.Context, now time.Time) ([]*domain.Checkpoint, error)

	// AcquireLease grants owner the run lease for a session until ttl elapses.
	// It returns false if another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, sessionID, owner string) error

	// DeleteExpiredLeases removes leases abandoned by crashed runs.
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// FleetStore is the persistence collaborator for fleet records.
type FleetStore interface {
	ListVehicles(ctx context.Context) ([]domain.Vehicle, error)
	ListUnassignedVehicles(ctx context.Context) ([]domain.Vehicle, error)
	ListDrivers(ctx context.Context) ([]domain.Driver, error)
	ListStops(ctx context.Context) ([]domain.Stop, error)
	ListPaths(ctx context.Context) ([]domain.Path, error)
	ListRoutes(ctx context.Context) ([]domain.Route, error)
	ListTrips(ctx context.Context) ([]domain.Trip, error)

	GetTripByName(ctx context.Context, name string) (*domain.Trip, error)
	GetRouteByName(ctx context.Context, name string) (*domain.Route, error)
	GetPathByName(ctx context.Context, name string) (*domain.Path, error)
	GetVehicleByPlate(ctx context.Context, plate string) (*domain.Vehicle, error)
	GetDriverByName(ctx context.Context, name string) (*domain.Driver, error)
	GetDeploymentForTrip(ctx context.Context, tripID int64) (*domain.Deployment, error)

	ListTripsForRoute(ctx context.Context, routeID int64) ([]domain.Trip, error)
	ListRoutesForPath(ctx context.Context, pathID int64) ([]domain.Route, error)

	// ListNames returns the known display names for an entity kind.
	ListNames(ctx context.Context, kind domain.EntityKind) ([]string, error)

	RemoveVehicleFromTrip(ctx context.Context, tripID int64) error
	AssignVehicleToTrip(ctx context.Context, tripID, vehicleID, driverID int64) (*domain.Deployment, error)
	DeleteTrip(ctx context.Context, tripID int64) error
	DeleteDeployment(ctx context.Context, tripID int64) error
	UpdateTripStatus(ctx context.Context, tripID int64, status string) error
	UpdateRouteStatus(ctx context.Context, routeID int64, status domain.RouteStatus) error
	DeletePath(ctx context.Context, pathID int64) (detachedRoutes int64, err error)
	CreateStop(ctx context.Context, stop *domain.Stop) (*domain.Stop, error)
}

// Repository defines the full persistence surface backed by one database.
type Repository interface {
	SessionStore
	FleetStore

	// Seed resets fleet tables to the demo data set.
	Seed(ctx context.Context) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
