package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"

	"github.com/ashureev/movi/internal/domain"
)

const (
	vehicleColumns = `v.vehicle_id, v.license_plate, v.type, v.capacity, v.status`
	routeColumns   = `r.route_id, r.path_id, r.route_display_name, r.shift_time, r.direction,
		r.start_point, r.end_point, r.status, r.capacity, r.allocated_waitlist`
	tripColumns = `t.trip_id, t.route_id, t.display_name, t.booking_status_percentage, t.live_status`
)

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, name, query string, scan func(rowScanner) (T, error), args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close rows", "query", name, "error", closeErr)
		}
	}()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	return out, nil
}

func scanVehicle(row rowScanner) (domain.Vehicle, error) {
	var v domain.Vehicle
	var typ string
	err := row.Scan(&v.ID, &v.LicensePlate, &typ, &v.Capacity, &v.Status)
	v.Type = domain.VehicleType(typ)
	return v, err
}

func scanDriver(row rowScanner) (domain.Driver, error) {
	var d domain.Driver
	err := row.Scan(&d.ID, &d.Name, &d.PhoneNumber)
	return d, err
}

func scanStop(row rowScanner) (domain.Stop, error) {
	var st domain.Stop
	err := row.Scan(&st.ID, &st.Name, &st.Latitude, &st.Longitude)
	return st, err
}

func scanPath(row rowScanner) (domain.Path, error) {
	var p domain.Path
	err := row.Scan(&p.ID, &p.Name, &p.StopCount)
	return p, err
}

func scanRoute(row rowScanner) (domain.Route, error) {
	var r domain.Route
	var pathID sql.NullInt64
	var status string
	err := row.Scan(&r.ID, &pathID, &r.DisplayName, &r.ShiftTime, &r.Direction,
		&r.StartPoint, &r.EndPoint, &status, &r.Capacity, &r.AllocatedWaitlist)
	if pathID.Valid {
		id := pathID.Int64
		r.PathID = &id
	}
	r.Status = domain.RouteStatus(status)
	return r, err
}

func scanTrip(row rowScanner) (domain.Trip, error) {
	var t domain.Trip
	err := row.Scan(&t.ID, &t.RouteID, &t.DisplayName, &t.BookingPercentage, &t.LiveStatus)
	return t, err
}

// ListVehicles returns all vehicles ordered by id.
func (s *SQLiteStore) ListVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	return queryAll(ctx, s.db, "vehicles",
		`SELECT `+vehicleColumns+` FROM vehicles v ORDER BY v.vehicle_id`, scanVehicle)
}

// ListUnassignedVehicles returns vehicles not deployed on any trip.
func (s *SQLiteStore) ListUnassignedVehicles(ctx context.Context) ([]domain.Vehicle, error) {
	return queryAll(ctx, s.db, "unassigned vehicles", `
		SELECT `+vehicleColumns+` FROM vehicles v
		WHERE v.vehicle_id NOT IN (SELECT vehicle_id FROM deployments WHERE vehicle_id IS NOT NULL)
		ORDER BY v.vehicle_id`, scanVehicle)
}

// ListDrivers returns all drivers ordered by id.
func (s *SQLiteStore) ListDrivers(ctx context.Context) ([]domain.Driver, error) {
	return queryAll(ctx, s.db, "drivers",
		`SELECT driver_id, name, phone_number FROM drivers ORDER BY driver_id`, scanDriver)
}

// ListStops returns all stops ordered by id.
func (s *SQLiteStore) ListStops(ctx context.Context) ([]domain.Stop, error) {
	return queryAll(ctx, s.db, "stops",
		`SELECT stop_id, name, latitude, longitude FROM stops ORDER BY stop_id`, scanStop)
}

const pathSelect = `
	SELECT p.path_id, p.path_name,
	       (SELECT COUNT(*) FROM path_stops ps WHERE ps.path_id = p.path_id)
	FROM paths p`

// ListPaths returns all paths with their stop counts.
func (s *SQLiteStore) ListPaths(ctx context.Context) ([]domain.Path, error) {
	return queryAll(ctx, s.db, "paths", pathSelect+` ORDER BY p.path_id`, scanPath)
}

// ListRoutes returns all routes ordered by id.
func (s *SQLiteStore) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	return queryAll(ctx, s.db, "routes",
		`SELECT `+routeColumns+` FROM routes r ORDER BY r.route_id`, scanRoute)
}

// ListTrips returns all daily trips ordered by id.
func (s *SQLiteStore) ListTrips(ctx context.Context) ([]domain.Trip, error) {
	return queryAll(ctx, s.db, "trips",
		`SELECT `+tripColumns+` FROM daily_trips t ORDER BY t.trip_id`, scanTrip)
}

// ListTripsForRoute returns the trips scheduled on a route.
func (s *SQLiteStore) ListTripsForRoute(ctx context.Context, routeID int64) ([]domain.Trip, error) {
	return queryAll(ctx, s.db, "route trips",
		`SELECT `+tripColumns+` FROM daily_trips t WHERE t.route_id = ? ORDER BY t.trip_id`, scanTrip, routeID)
}

// ListRoutesForPath returns the routes that follow a path.
func (s *SQLiteStore) ListRoutesForPath(ctx context.Context, pathID int64) ([]domain.Route, error) {
	return queryAll(ctx, s.db, "path routes",
		`SELECT `+routeColumns+` FROM routes r WHERE r.path_id = ? ORDER BY r.route_id`, scanRoute, pathID)
}

// getOne scans a single row, mapping sql.ErrNoRows to errdefs.ErrNotFound.
func getOne[T any](row *sql.Row, scan func(rowScanner) (T, error), what string) (*T, error) {
	v, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", what, err)
	}
	return &v, nil
}

// GetTripByName looks a trip up by display name, ignoring case.
func (s *SQLiteStore) GetTripByName(ctx context.Context, name string) (*domain.Trip, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM daily_trips t WHERE lower(t.display_name) = lower(?)`, name)
	return getOne(row, scanTrip, fmt.Sprintf("trip %q", name))
}

// GetRouteByName looks a route up by display name, ignoring case.
func (s *SQLiteStore) GetRouteByName(ctx context.Context, name string) (*domain.Route, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes r WHERE lower(r.route_display_name) = lower(?)`, name)
	return getOne(row, scanRoute, fmt.Sprintf("route %q", name))
}

// GetPathByName looks a path up by name, ignoring case.
func (s *SQLiteStore) GetPathByName(ctx context.Context, name string) (*domain.Path, error) {
	row := s.db.QueryRowContext(ctx, pathSelect+` WHERE lower(p.path_name) = lower(?)`, name)
	return getOne(row, scanPath, fmt.Sprintf("path %q", name))
}

// GetVehicleByPlate looks a vehicle up by license plate, ignoring case.
func (s *SQLiteStore) GetVehicleByPlate(ctx context.Context, plate string) (*domain.Vehicle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles v WHERE lower(v.license_plate) = lower(?)`, plate)
	return getOne(row, scanVehicle, fmt.Sprintf("vehicle %q", plate))
}

// GetDriverByName looks a driver up by name, ignoring case.
func (s *SQLiteStore) GetDriverByName(ctx context.Context, name string) (*domain.Driver, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT driver_id, name, phone_number FROM drivers WHERE lower(name) = lower(?)`, name)
	return getOne(row, scanDriver, fmt.Sprintf("driver %q", name))
}

// GetDeploymentForTrip returns the trip's deployment with vehicle plate and
// driver name resolved, or nil if the trip has none.
func (s *SQLiteStore) GetDeploymentForTrip(ctx context.Context, tripID int64) (*domain.Deployment, error) {
	query := `
		SELECT d.deployment_id, d.trip_id, d.vehicle_id, d.driver_id,
		       COALESCE(v.license_plate, ''), COALESCE(dr.name, '')
		FROM deployments d
		LEFT JOIN vehicles v ON v.vehicle_id = d.vehicle_id
		LEFT JOIN drivers dr ON dr.driver_id = d.driver_id
		WHERE d.trip_id = ?`

	var dep domain.Deployment
	var vehicleID, driverID sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, tripID).Scan(
		&dep.ID, &dep.TripID, &vehicleID, &driverID, &dep.LicensePlate, &dep.DriverName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	if vehicleID.Valid {
		id := vehicleID.Int64
		dep.VehicleID = &id
	}
	if driverID.Valid {
		id := driverID.Int64
		dep.DriverID = &id
	}
	return &dep, nil
}

// ListNames returns the display vocabulary for kind.
func (s *SQLiteStore) ListNames(ctx context.Context, kind domain.EntityKind) ([]string, error) {
	var query string
	switch kind {
	case domain.KindTrip:
		query = `SELECT display_name FROM daily_trips ORDER BY trip_id`
	case domain.KindRoute:
		query = `SELECT route_display_name FROM routes ORDER BY route_id`
	case domain.KindPath:
		query = `SELECT path_name FROM paths ORDER BY path_id`
	case domain.KindVehicle:
		query = `SELECT license_plate FROM vehicles ORDER BY vehicle_id`
	case domain.KindDriver:
		query = `SELECT name FROM drivers ORDER BY driver_id`
	case domain.KindStop:
		query = `SELECT name FROM stops ORDER BY stop_id`
	default:
		return nil, fmt.Errorf("list names for %q: %w", kind, errdefs.ErrInvalidArgument)
	}
	return queryAll(ctx, s.db, string(kind)+" names", query, func(row rowScanner) (string, error) {
		var name string
		err := row.Scan(&name)
		return name, err
	})
}

// requireRow maps a zero-row write to errdefs.ErrNotFound.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, errdefs.ErrNotFound)
	}
	return nil
}

// RemoveVehicleFromTrip clears the vehicle from the trip's deployment. The
// driver assignment is kept.
func (s *SQLiteStore) RemoveVehicleFromTrip(ctx context.Context, tripID int64) error {
	res, err := s.exec(ctx, "remove vehicle from trip",
		`UPDATE deployments SET vehicle_id = NULL WHERE trip_id = ? AND vehicle_id IS NOT NULL`, tripID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("vehicle deployment for trip %d", tripID))
}

// AssignVehicleToTrip deploys a vehicle and driver on a trip, replacing any
// existing deployment. A vehicle can only serve one trip at a time.
func (s *SQLiteStore) AssignVehicleToTrip(ctx context.Context, tripID, vehicleID, driverID int64) (*domain.Deployment, error) {
	err := s.inTx(ctx, "assign vehicle", func(tx *sql.Tx) error {
		var busyTrip int64
		err := tx.QueryRowContext(ctx,
			`SELECT trip_id FROM deployments WHERE vehicle_id = ? AND trip_id != ?`, vehicleID, tripID,
		).Scan(&busyTrip)
		switch {
		case err == nil:
			return fmt.Errorf("vehicle %d already deployed on trip %d: %w", vehicleID, busyTrip, errdefs.ErrConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployments (trip_id, vehicle_id, driver_id) VALUES (?, ?, ?)
			ON CONFLICT(trip_id) DO UPDATE SET
				vehicle_id = excluded.vehicle_id,
				driver_id = excluded.driver_id`, tripID, vehicleID, driverID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetDeploymentForTrip(ctx, tripID)
}

// DeleteTrip removes a trip together with its deployment.
func (s *SQLiteStore) DeleteTrip(ctx context.Context, tripID int64) error {
	return s.inTx(ctx, "delete trip", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE trip_id = ?`, tripID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM daily_trips WHERE trip_id = ?`, tripID)
		if err != nil {
			return err
		}
		return requireRow(res, fmt.Sprintf("trip %d", tripID))
	})
}

// DeleteDeployment removes the trip's deployment entirely.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, tripID int64) error {
	res, err := s.exec(ctx, "delete deployment", `DELETE FROM deployments WHERE trip_id = ?`, tripID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("deployment for trip %d", tripID))
}

// UpdateTripStatus sets the trip's live status.
func (s *SQLiteStore) UpdateTripStatus(ctx context.Context, tripID int64, status string) error {
	if !domain.ValidTripStatus(status) {
		return fmt.Errorf("trip status %q: %w", status, errdefs.ErrInvalidArgument)
	}
	res, err := s.exec(ctx, "update trip status",
		`UPDATE daily_trips SET live_status = ? WHERE trip_id = ?`, status, tripID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("trip %d", tripID))
}

// UpdateRouteStatus activates or deactivates a route.
func (s *SQLiteStore) UpdateRouteStatus(ctx context.Context, routeID int64, status domain.RouteStatus) error {
	if !status.Valid() {
		return fmt.Errorf("route status %q: %w", status, errdefs.ErrInvalidArgument)
	}
	res, err := s.exec(ctx, "update route status",
		`UPDATE routes SET status = ? WHERE route_id = ?`, string(status), routeID)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("route %d", routeID))
}

// DeletePath removes a path and its stop list. Routes following the path are
// deactivated and detached; the number of such routes is returned.
func (s *SQLiteStore) DeletePath(ctx context.Context, pathID int64) (int64, error) {
	var detached int64
	err := s.inTx(ctx, "delete path", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE routes SET status = ?, path_id = NULL WHERE path_id = ?`, string(domain.RouteDeactivated), pathID)
		if err != nil {
			return err
		}
		if detached, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM path_stops WHERE path_id = ?`, pathID); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM paths WHERE path_id = ?`, pathID)
		if err != nil {
			return err
		}
		return requireRow(res, fmt.Sprintf("path %d", pathID))
	})
	if err != nil {
		return 0, err
	}
	return detached, nil
}

// CreateStop inserts a new stop. Names are unique.
func (s *SQLiteStore) CreateStop(ctx context.Context, stop *domain.Stop) (*domain.Stop, error) {
	if stop == nil || stop.Name == "" {
		return nil, fmt.Errorf("create stop: name required: %w", errdefs.ErrInvalidArgument)
	}
	var id int64
	err := s.inTx(ctx, "create stop", func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT stop_id FROM stops WHERE lower(name) = lower(?)`, stop.Name).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("stop %q already exists: %w", stop.Name, errdefs.ErrAlreadyExists)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stops (name, latitude, longitude) VALUES (?, ?, ?)`, stop.Name, stop.Latitude, stop.Longitude)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	created := *stop
	created.ID = id
	return &created, nil
}
