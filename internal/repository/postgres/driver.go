package postgres

import (
	"context"
	"database/sql"
	"errors"

	"ridecore/internal/domain"
	"ridecore/internal/repository"
)

const (
	selectDriverSQL = `
		SELECT id, COALESCE(name, ''), COALESCE(phone, ''), is_verified, is_online
		FROM drivers
		WHERE id = $1`

	setDriverOnlineSQL = `
		UPDATE drivers
		SET is_online = $2, updated_at = NOW()
		WHERE id = $1`
)

// DriverRepository reads driver profiles and records availability.
type DriverRepository struct {
	q Querier
}

// NewDriverRepository creates a new PostgreSQL driver repository.
func NewDriverRepository(db *sql.DB) *DriverRepository {
	return &DriverRepository{q: db}
}

// GetByID retrieves a driver profile. Unknown ids return repository.ErrNotFound.
func (r *DriverRepository) GetByID(ctx context.Context, id string) (*domain.Driver, error) {
	var d domain.Driver
	err := r.q.QueryRowContext(ctx, selectDriverSQL, id).Scan(&d.ID, &d.Name, &d.Phone, &d.Verified, &d.Online)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// SetOnline records whether the driver is accepting work.
func (r *DriverRepository) SetOnline(ctx context.Context, id string, online bool) error {
	result, err := r.q.ExecContext(ctx, setDriverOnlineSQL, id, online)
	if err != nil {
		return err
	}
	return expectOneRow(result, repository.ErrNotFound)
}

var _ repository.DriverRepository = (*DriverRepository)(nil)
