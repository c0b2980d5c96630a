package implementation

import (
	"context"
	"database/sql"
	"fmt"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

type PostgresReadingRepository struct {
	db *sql.DB
}

func NewPostgresReadingRepository(db *sql.DB) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db}
}

func (r *PostgresReadingRepository) AppendReading(ctx context.Context, reading kpwmodels.SensorReading) (kpwmodels.SensorReading, error) {
	query := `
		INSERT INTO sensor_data (device_id, sensor_type, value, unit, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		reading.DeviceID, string(reading.Kind), reading.Value, reading.Unit, reading.Timestamp,
	).Scan(&reading.ID)
	if err != nil {
		return reading, fmt.Errorf("failed to insert %s reading for %s: %w", reading.Kind, reading.DeviceID, translateError(err))
	}
	return reading, nil
}

// LatestReadings returns one row per (device, sensor type), the newest by
// timestamp with id breaking ties.
func (r *PostgresReadingRepository) LatestReadings(ctx context.Context) ([]kpwmodels.SensorReading, error) {
	query := `
		SELECT DISTINCT ON (device_id, sensor_type)
		       id, device_id, sensor_type, value, unit, timestamp
		FROM sensor_data
		ORDER BY device_id, sensor_type, timestamp DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

func (r *PostgresReadingRepository) ReadingsForDevice(ctx context.Context, deviceID string, kind kpwmodels.ChannelKind, limit int) ([]kpwmodels.SensorReading, error) {
	query := `
		SELECT id, device_id, sensor_type, value, unit, timestamp
		FROM sensor_data
		WHERE device_id = $1 AND ($2 = '' OR sensor_type = $2)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings for %s: %w", deviceID, err)
	}
	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]kpwmodels.SensorReading, error) {
	defer rows.Close()

	readings := make([]kpwmodels.SensorReading, 0)
	for rows.Next() {
		var reading kpwmodels.SensorReading
		var kind string
		if err := rows.Scan(&reading.ID, &reading.DeviceID, &kind, &reading.Value, &reading.Unit, &reading.Timestamp); err != nil {
			return nil, err
		}
		reading.Kind = kpwmodels.ChannelKind(kind)
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}
