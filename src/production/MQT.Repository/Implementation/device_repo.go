package implementation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// Postgres error codes the repositories translate.
const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
)

type PostgresDeviceRepository struct {
	db *sqlx.DB
}

func NewPostgresDeviceRepository(db *sqlx.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

type deviceRow struct {
	ID         int64        `db:"id"`
	DeviceName string       `db:"device_name"`
	IPAddress  string       `db:"ip_address"`
	Type       *string      `db:"type"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  sql.NullTime `db:"updated_at"`
}

func (r deviceRow) toModel() *mqtmodels.Device {
	d := &mqtmodels.Device{
		ID:         strconv.FormatInt(r.ID, 10),
		DeviceName: r.DeviceName,
		IPAddress:  r.IPAddress,
		Type:       r.Type,
		CreatedAt:  r.CreatedAt,
	}
	if r.UpdatedAt.Valid {
		t := r.UpdatedAt.Time
		d.UpdatedAt = &t
	}
	return d
}

// parseDeviceID maps an opaque identity onto the BIGSERIAL key. Identities
// that are not base-10 integers can never exist in this registry.
func parseDeviceID(deviceID string) (int64, bool) {
	id, err := strconv.ParseInt(deviceID, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (r *PostgresDeviceRepository) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	id, ok := parseDeviceID(deviceID)
	if !ok {
		return false, nil
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM devices WHERE id = $1)`, id); err != nil {
		return false, fmt.Errorf("device lookup failed: %w", err)
	}
	return exists, nil
}

func (r *PostgresDeviceRepository) CreateDevice(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error) {
	query := `
		INSERT INTO devices (device_name, ip_address, type)
		VALUES ($1, $2, $3)
		RETURNING id, device_name, ip_address, type, created_at, updated_at
	`

	var row deviceRow
	err := r.db.QueryRowxContext(ctx, query, device.DeviceName, device.IPAddress, device.Type).StructScan(&row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, interfaces.ErrDeviceConflict
		}
		return nil, err
	}
	return row.toModel(), nil
}

func (r *PostgresDeviceRepository) GetDevice(ctx context.Context, deviceID string) (*mqtmodels.Device, error) {
	id, ok := parseDeviceID(deviceID)
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}

	var row deviceRow
	err := r.db.GetContext(ctx, &row, `SELECT id, device_name, ip_address, type, created_at, updated_at FROM devices WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrDeviceNotFound
		}
		return nil, err
	}
	return row.toModel(), nil
}

// DeleteDevice removes the device; its readings go with it through ON DELETE CASCADE.
func (r *PostgresDeviceRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	id, ok := parseDeviceID(deviceID)
	if !ok {
		return interfaces.ErrDeviceNotFound
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return interfaces.ErrDeviceNotFound
	}
	return nil
}
