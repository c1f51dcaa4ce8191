package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ridecore/internal/domain"
	"ridecore/internal/repository"
)

// statusColumns maps each status to the column holding its first-entry time.
var statusColumns = map[domain.TripStatus]string{
	domain.TripStatusDraft:     "draft_at",
	domain.TripStatusNew:       "new_at",
	domain.TripStatusSearching: "searching_at",
	domain.TripStatusOnWay:     "on_way_at",
	domain.TripStatusArrived:   "arrived_at",
	domain.TripStatusStarted:   "started_at",
	domain.TripStatusCompleted: "completed_at",
	domain.TripStatusCancelled: "cancelled_at",
}

const tripColumns = `
	id, passenger_id, driver_id,
	pickup_lat, pickup_lon, pickup_address,
	destination_lat, destination_lon, destination_address,
	stops, distance_km, duration_minutes, fare,
	status, cancellation_reason, created_at,
	draft_at, new_at, searching_at, on_way_at, arrived_at, started_at, completed_at, cancelled_at`

// TripRepository is a PostgreSQL implementation of repository.TripRepository.
type TripRepository struct {
	q Querier
}

// NewTripRepository creates a new PostgreSQL trip repository.
func NewTripRepository(db *sql.DB) *TripRepository {
	return &TripRepository{q: db}
}

// Create persists a new trip.
func (r *TripRepository) Create(ctx context.Context, trip *domain.Trip) error {
	stops, err := json.Marshal(trip.Stops)
	if err != nil {
		return fmt.Errorf("marshal stops: %w", err)
	}

	var fare sql.NullString
	if trip.Fare != nil {
		data, err := json.Marshal(trip.Fare)
		if err != nil {
			return fmt.Errorf("marshal fare: %w", err)
		}
		fare = sql.NullString{String: string(data), Valid: true}
	}

	var distance sql.NullFloat64
	if trip.DistanceKm != nil {
		distance = sql.NullFloat64{Float64: *trip.DistanceKm, Valid: true}
	}

	var duration sql.NullInt64
	if trip.DurationMinutes != nil {
		duration = sql.NullInt64{Int64: int64(*trip.DurationMinutes), Valid: true}
	}

	times := make([]sql.NullTime, len(domain.TripStatuses))
	for i, status := range domain.TripStatuses {
		if at, ok := trip.EnteredAt(status); ok {
			times[i] = sql.NullTime{Time: at, Valid: true}
		}
	}

	query := `
		INSERT INTO trips (` + tripColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)
	`

	_, err = r.q.ExecContext(ctx, query,
		trip.ID,
		trip.PassengerID,
		nullString(trip.DriverID),
		trip.Pickup.Latitude,
		trip.Pickup.Longitude,
		trip.Pickup.Address,
		trip.Destination.Latitude,
		trip.Destination.Longitude,
		trip.Destination.Address,
		string(stops),
		distance,
		duration,
		fare,
		trip.Status,
		nullString(trip.CancellationReason),
		trip.CreatedAt,
		times[0], times[1], times[2], times[3], times[4], times[5], times[6], times[7],
	)

	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetByID retrieves a trip by ID.
func (r *TripRepository) GetByID(ctx context.Context, id string) (*domain.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`

	trip, err := scanTrip(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return trip, nil
}

// Transition applies the status change only if the stored status still equals t.From.
func (r *TripRepository) Transition(ctx context.Context, t repository.TripTransition) error {
	column, ok := statusColumns[t.To]
	if !ok {
		return fmt.Errorf("unknown trip status %q", t.To)
	}

	query := `
		UPDATE trips
		SET status = $3::text,
			driver_id = CASE WHEN $4::text = '' THEN driver_id ELSE $4::text END,
			cancellation_reason = CASE WHEN $3::text = 'cancelled' THEN $5::text ELSE cancellation_reason END,
			` + column + ` = COALESCE(` + column + `, $6)
		WHERE id = $1 AND status = $2
			AND ($4::text = '' OR driver_id IS NULL OR driver_id = $4::text)
	`

	result, err := r.q.ExecContext(ctx, query,
		t.TripID,
		t.From,
		t.To,
		t.DriverID,
		t.CancellationReason,
		t.At,
	)
	if err != nil {
		return err
	}

	if err := expectOneRow(result, repository.ErrStaleStatus); !errors.Is(err, repository.ErrStaleStatus) {
		return err
	}

	// Nothing matched: the trip is gone or its status moved on.
	var exists bool
	err = r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE id = $1)`, t.TripID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrStaleStatus
}

// GetActiveByPassenger retrieves the non-terminal trip of a passenger.
// Returns nil if no active trip exists.
func (r *TripRepository) GetActiveByPassenger(ctx context.Context, passengerID string) (*domain.Trip, error) {
	query := `SELECT ` + tripColumns + `
		FROM trips
		WHERE passenger_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1
	`

	trip, err := scanTrip(r.q.QueryRowContext(ctx, query, passengerID, domain.TripStatusCompleted, domain.TripStatusCancelled))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return trip, nil
}

func scanTrip(row rowScanner) (*domain.Trip, error) {
	var (
		trip     domain.Trip
		driverID sql.NullString
		reason   sql.NullString
		stops    []byte
		fare     []byte
		distance sql.NullFloat64
		duration sql.NullInt64
		times    = make([]sql.NullTime, len(domain.TripStatuses))
	)

	err := row.Scan(
		&trip.ID,
		&trip.PassengerID,
		&driverID,
		&trip.Pickup.Latitude,
		&trip.Pickup.Longitude,
		&trip.Pickup.Address,
		&trip.Destination.Latitude,
		&trip.Destination.Longitude,
		&trip.Destination.Address,
		&stops,
		&distance,
		&duration,
		&fare,
		&trip.Status,
		&reason,
		&trip.CreatedAt,
		&times[0], &times[1], &times[2], &times[3], &times[4], &times[5], &times[6], &times[7],
	)
	if err != nil {
		return nil, err
	}

	trip.DriverID = driverID.String
	trip.CancellationReason = reason.String

	if len(stops) > 0 {
		if err := json.Unmarshal(stops, &trip.Stops); err != nil {
			return nil, fmt.Errorf("decode stops: %w", err)
		}
	}
	if len(fare) > 0 {
		trip.Fare = &domain.FareBreakdown{}
		if err := json.Unmarshal(fare, trip.Fare); err != nil {
			return nil, fmt.Errorf("decode fare: %w", err)
		}
	}
	if distance.Valid {
		trip.DistanceKm = &distance.Float64
	}
	if duration.Valid {
		minutes := int(duration.Int64)
		trip.DurationMinutes = &minutes
	}

	trip.StatusTimes = make(map[domain.TripStatus]time.Time)
	for i, status := range domain.TripStatuses {
		if times[i].Valid {
			trip.StatusTimes[status] = times[i].Time
		}
	}

	return &trip, nil
}

// Ensure TripRepository implements repository.TripRepository.
var _ repository.TripRepository = (*TripRepository)(nil)
