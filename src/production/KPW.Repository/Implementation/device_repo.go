package implementation

import (
	"context"
	"database/sql"
	"fmt"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

const deviceColumns = `device_id, name, type, ip_address, status, battery_level, last_update`

type PostgresDeviceRepository struct {
	db *sql.DB
}

func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*kpwmodels.Device, error) {
	var (
		d       kpwmodels.Device
		ip      sql.NullString
		status  sql.NullString
		battery sql.NullInt64
		updated sql.NullTime
	)
	if err := row.Scan(&d.DeviceID, &d.Name, &d.Type, &ip, &status, &battery, &updated); err != nil {
		return nil, err
	}
	if ip.Valid {
		d.IPAddress = &ip.String
	}
	d.Status = kpwmodels.DeviceOffline
	if status.Valid {
		d.Status = kpwmodels.DeviceStatus(status.String)
	}
	if battery.Valid {
		b := int(battery.Int64)
		d.BatteryLevel = &b
	}
	if updated.Valid {
		t := updated.Time
		d.LastUpdate = &t
	}
	return &d, nil
}

func (r *PostgresDeviceRepository) GetDevice(ctx context.Context, deviceID string) (*kpwmodels.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		return nil, translateError(err)
	}
	return device, nil
}

// CreateDevice relies on the unique constraint on device_id; concurrent
// first sightings of the same collar surface here as ErrAlreadyExists.
func (r *PostgresDeviceRepository) CreateDevice(ctx context.Context, device kpwmodels.Device) error {
	query := `
		INSERT INTO devices (device_id, name, type, ip_address, status, battery_level, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		device.DeviceID, device.Name, device.Type, nullableString(device.IPAddress),
		string(device.Status), nullableInt(device.BatteryLevel), device.LastUpdate)
	if err != nil {
		return translateError(err)
	}
	return nil
}

func (r *PostgresDeviceRepository) UpdateDeviceTelemetry(ctx context.Context, deviceID string, t interfaces.DeviceTelemetry) (*kpwmodels.Device, error) {
	query := `
		UPDATE devices
		SET status = COALESCE($2, status),
		    battery_level = COALESCE($3, battery_level),
		    last_update = $4
		WHERE device_id = $1
		RETURNING ` + deviceColumns

	var status interface{}
	if t.Status != nil {
		status = string(*t.Status)
	}

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID, status, nullableInt(t.BatteryLevel), t.LastUpdate))
	if err != nil {
		return nil, translateError(err)
	}
	return device, nil
}

func (r *PostgresDeviceRepository) UpsertDevice(ctx context.Context, device kpwmodels.Device) error {
	query := `
		INSERT INTO devices (device_id, name, type, ip_address, status, battery_level, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id)
		DO UPDATE SET name = EXCLUDED.name,
		              type = EXCLUDED.type,
		              ip_address = COALESCE(EXCLUDED.ip_address, devices.ip_address)
	`
	_, err := r.db.ExecContext(ctx, query,
		device.DeviceID, device.Name, device.Type, nullableString(device.IPAddress),
		string(device.Status), nullableInt(device.BatteryLevel), device.LastUpdate)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.DeviceID, err)
	}
	return nil
}

func (r *PostgresDeviceRepository) ListDevices(ctx context.Context) ([]kpwmodels.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]kpwmodels.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}
