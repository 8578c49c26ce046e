package store

import (
	"context"
	"database/sql"
	"fmt"
)

type seedStop struct {
	name     string
	lat, lon float64
}

var seedStops = []seedStop{
	{"Downtown Station", 12.9716, 77.5946},
	{"City Center", 12.9758, 77.6045},
	{"Tech Park", 12.9352, 77.6245},
	{"Airport Terminal", 13.1986, 77.7066},
	{"University Campus", 12.9401, 77.5655},
	{"Shopping Mall", 12.9698, 77.7500},
}

var seedVehicles = []struct {
	plate    string
	typ      string
	capacity int
}{
	{"KA-01-AB-1234", "bus", 50},
	{"KA-01-CD-5678", "bus", 40},
	{"KA-01-EF-9012", "bus", 35},
	{"KA-01-GH-3456", "cab", 4},
	{"KA-01-IJ-7890", "cab", 4},
}

var seedDrivers = []struct {
	name, phone string
}{
	{"Rajesh Kumar", "+91-9876543210"},
	{"Suresh Reddy", "+91-9876543211"},
	{"Priya Sharma", "+91-9876543212"},
	{"Amit Patel", "+91-9876543213"},
	{"Kavita Singh", "+91-9876543214"},
}

var seedTrips = []struct {
	name    string
	booking float64
	status  string
}{
	{"Morning Express", 75.5, "scheduled"},
	{"Afternoon Service", 45.0, "in_progress"},
	{"Evening Commute", 90.0, "scheduled"},
	{"Night Service", 30.0, "scheduled"},
}

// Seed wipes fleet tables and loads the demo fleet: six stops, one path over
// the first four, one route, five vehicles, five drivers, four trips and
// three deployments. Session state is left untouched.
func (s *SQLiteStore) Seed(ctx context.Context) error {
	return s.inTx(ctx, "seed fleet", func(tx *sql.Tx) error {
		for _, table := range []string{"deployments", "daily_trips", "routes", "path_stops", "paths", "stops", "vehicles", "drivers"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil {
			return fmt.Errorf("reset sequences: %w", err)
		}

		stopIDs := make([]int64, 0, len(seedStops))
		for _, st := range seedStops {
			id, err := insert(ctx, tx, `INSERT INTO stops (name, latitude, longitude) VALUES (?, ?, ?)`, st.name, st.lat, st.lon)
			if err != nil {
				return fmt.Errorf("seed stop %s: %w", st.name, err)
			}
			stopIDs = append(stopIDs, id)
		}

		pathID, err := insert(ctx, tx, `INSERT INTO paths (path_name) VALUES (?)`, "Main Route Path")
		if err != nil {
			return fmt.Errorf("seed path: %w", err)
		}
		for i, stopID := range stopIDs[:4] {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO path_stops (path_id, stop_id, stop_order) VALUES (?, ?, ?)`, pathID, stopID, i+1); err != nil {
				return fmt.Errorf("seed path stop: %w", err)
			}
		}

		routeID, err := insert(ctx, tx, `
			INSERT INTO routes (path_id, route_display_name, shift_time, direction, start_point, end_point, status, capacity, allocated_waitlist)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pathID, "Downtown to Airport Express", "08:00", "North", "Downtown Station", "Airport Terminal", "active", 50, 5)
		if err != nil {
			return fmt.Errorf("seed route: %w", err)
		}

		vehicleIDs := make([]int64, 0, len(seedVehicles))
		for _, v := range seedVehicles {
			id, err := insert(ctx, tx, `INSERT INTO vehicles (license_plate, type, capacity) VALUES (?, ?, ?)`, v.plate, v.typ, v.capacity)
			if err != nil {
				return fmt.Errorf("seed vehicle %s: %w", v.plate, err)
			}
			vehicleIDs = append(vehicleIDs, id)
		}

		driverIDs := make([]int64, 0, len(seedDrivers))
		for _, d := range seedDrivers {
			id, err := insert(ctx, tx, `INSERT INTO drivers (name, phone_number) VALUES (?, ?)`, d.name, d.phone)
			if err != nil {
				return fmt.Errorf("seed driver %s: %w", d.name, err)
			}
			driverIDs = append(driverIDs, id)
		}

		tripIDs := make([]int64, 0, len(seedTrips))
		for _, t := range seedTrips {
			id, err := insert(ctx, tx, `
				INSERT INTO daily_trips (route_id, display_name, booking_status_percentage, live_status)
				VALUES (?, ?, ?, ?)`, routeID, t.name, t.booking, t.status)
			if err != nil {
				return fmt.Errorf("seed trip %s: %w", t.name, err)
			}
			tripIDs = append(tripIDs, id)
		}

		for i := 0; i < 3; i++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO deployments (trip_id, vehicle_id, driver_id) VALUES (?, ?, ?)`,
				tripIDs[i], vehicleIDs[i], driverIDs[i]); err != nil {
				return fmt.Errorf("seed deployment: %w", err)
			}
		}
		return nil
	})
}

func insert(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
