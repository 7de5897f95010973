package implementation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

type PostgresReadingRepository struct {
	db *sqlx.DB
}

func NewPostgresReadingRepository(db *sqlx.DB) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db}
}

type readingRow struct {
	ID          int64     `db:"id"`
	DeviceID    int64     `db:"device_id"`
	Temperature *string   `db:"temperature"`
	Humidity    *string   `db:"humidity"`
	Pressure    *string   `db:"pressure"`
	Light       *string   `db:"light"`
	Motion      *string   `db:"motion"`
	Distance    *string   `db:"distance"`
	CustomData  []byte    `db:"custom_data"`
	Ts          time.Time `db:"ts"`
}

func (r readingRow) toModel() mqtmodels.StoredReading {
	return mqtmodels.StoredReading{
		ID:       strconv.FormatInt(r.ID, 10),
		DeviceID: strconv.FormatInt(r.DeviceID, 10),
		SensorReading: mqtmodels.SensorReading{
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Pressure:    r.Pressure,
			Light:       r.Light,
			Motion:      r.Motion,
			Distance:    r.Distance,
			CustomData:  json.RawMessage(r.CustomData),
		},
		Timestamp: r.Ts.UTC(),
	}
}

// customDataParam passes JSONB as text; lib/pq would otherwise send []byte as bytea.
func customDataParam(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func (r *PostgresReadingRepository) PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error) {
	deviceID, ok := parseDeviceID(reading.DeviceID)
	if !ok {
		return mqtmodels.StoredReading{}, interfaces.ErrDeviceNotFound
	}

	query := `
		INSERT INTO sensor_readings (device_id, temperature, humidity, pressure, light, motion, distance, custom_data, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		RETURNING id, ts
	`

	f := reading.Reading
	var id int64
	var ts time.Time
	err := r.db.QueryRowxContext(ctx, query,
		deviceID, f.Temperature, f.Humidity, f.Pressure, f.Light, f.Motion, f.Distance,
		customDataParam(f.CustomData), reading.ReceivedAt,
	).Scan(&id, &ts)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return mqtmodels.StoredReading{}, interfaces.ErrDeviceNotFound
		}
		return mqtmodels.StoredReading{}, err
	}

	return mqtmodels.StoredReading{
		ID:            strconv.FormatInt(id, 10),
		DeviceID:      reading.DeviceID,
		SensorReading: f,
		Timestamp:     ts.UTC(),
	}, nil
}

func (r *PostgresReadingRepository) ListReadingsByDevice(ctx context.Context, deviceID string, limit int) ([]mqtmodels.StoredReading, error) {
	id, ok := parseDeviceID(deviceID)
	if !ok {
		return []mqtmodels.StoredReading{}, nil
	}

	query := `
		SELECT id, device_id, temperature, humidity, pressure, light, motion, distance, custom_data, ts
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`

	var rows []readingRow
	if err := r.db.SelectContext(ctx, &rows, query, id, interfaces.ClampHistoryLimit(limit)); err != nil {
		return nil, err
	}

	readings := make([]mqtmodels.StoredReading, 0, len(rows))
	for _, row := range rows {
		readings = append(readings, row.toModel())
	}
	return readings, nil
}

func (r *PostgresReadingRepository) DeleteReadingsByDevice(ctx context.Context, deviceID string) error {
	id, ok := parseDeviceID(deviceID)
	if !ok {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM sensor_readings WHERE device_id = $1`, id)
	return err
}
