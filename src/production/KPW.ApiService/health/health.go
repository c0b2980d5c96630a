package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// BrokerState reports whether the MQTT session is up
type BrokerState interface {
	IsConnected() bool
}

// HealthChecker provides health check functionality. A nil db means the
// in-memory store is in use; a nil mongo client means archiving is off.
type HealthChecker struct {
	db      *sql.DB
	mongo   *mongo.Client
	broker  BrokerState
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sql.DB, mongoClient *mongo.Client, broker BrokerState, version string) *HealthChecker {
	return &HealthChecker{db: db, mongo: mongoClient, broker: broker, version: version}
}

// PingPostgres checks if the PostgreSQL connection is healthy
func (h *HealthChecker) PingPostgres(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.db.PingContext(ctx)
}

// CheckDatabaseHealth performs a comprehensive database health check
func (h *HealthChecker) CheckDatabaseHealth(ctx context.Context) error {
	if err := h.PingPostgres(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}

	return nil
}

// GetHealthStatus returns the current health status. The database decides
// between ok and error; a broker or archive outage only degrades.
func (h *HealthChecker) GetHealthStatus(ctx context.Context) map[string]interface{} {
	checks := make(map[string]interface{})
	overall := StatusOK

	if h.db == nil {
		checks["postgres"] = map[string]interface{}{"status": StatusOK, "driver": "memory"}
	} else if err := h.CheckDatabaseHealth(ctx); err != nil {
		checks["postgres"] = map[string]interface{}{"status": StatusError, "error": err.Error()}
		overall = StatusError
	} else {
		checks["postgres"] = map[string]interface{}{"status": StatusOK}
	}

	if h.mongo != nil {
		if err := PingMongo(ctx, h.mongo); err != nil {
			checks["mongodb"] = map[string]interface{}{"status": StatusError, "error": err.Error()}
			overall = degrade(overall)
		} else {
			checks["mongodb"] = map[string]interface{}{"status": StatusOK}
		}
	}

	if h.broker != nil {
		if h.broker.IsConnected() {
			checks["mqtt"] = map[string]interface{}{"status": StatusOK, "connected": true}
		} else {
			checks["mqtt"] = map[string]interface{}{"status": StatusError, "connected": false}
			overall = degrade(overall)
		}
	}

	return map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"status":    overall,
		"checks":    checks,
	}
}

func degrade(status string) string {
	if status == StatusOK {
		return StatusDegraded
	}
	return status
}

// DatabaseManager handles database operations
type DatabaseManager struct {
	db *sql.DB
}

// NewDatabaseManager creates a new database manager
func NewDatabaseManager(db *sql.DB) *DatabaseManager {
	return &DatabaseManager{db: db}
}

// ConnectPostgresWithTimeout creates a PostgreSQL connection with a timeout context
func ConnectPostgresWithTimeout(cfg *config.Config, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// CreateTables creates the required tables if they don't exist
func (dm *DatabaseManager) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	createDevicesTable := `
		CREATE TABLE IF NOT EXISTS devices (
			device_id     TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'Unknown',
			ip_address    TEXT,
			status        TEXT NOT NULL DEFAULT 'offline' CHECK (status IN ('online', 'offline', 'warning')),
			battery_level INTEGER CHECK (battery_level BETWEEN 0 AND 100),
			last_update   TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	createSensorDataTable := `
		CREATE TABLE IF NOT EXISTS sensor_data (
			id          BIGSERIAL PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
			sensor_type TEXT NOT NULL,
			value       DOUBLE PRECISION NOT NULL,
			unit        TEXT NOT NULL DEFAULT '',
			timestamp   TIMESTAMPTZ NOT NULL
		);
	`

	createPetOwnersTable := `
		CREATE TABLE IF NOT EXISTS pet_owners (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			email       TEXT UNIQUE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	createPetsTable := `
		CREATE TABLE IF NOT EXISTS pets (
			id                  BIGSERIAL PRIMARY KEY,
			owner_id            TEXT NOT NULL REFERENCES pet_owners(id) ON DELETE CASCADE,
			name                TEXT NOT NULL,
			kitty_paw_device_id TEXT REFERENCES devices(device_id) ON DELETE SET NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	createConnectionsTable := `
		CREATE TABLE IF NOT EXISTS mqtt_connections (
			id             BIGSERIAL PRIMARY KEY,
			broker_url     TEXT NOT NULL,
			client_id      TEXT NOT NULL,
			username       TEXT,
			password       TEXT,
			ca_cert        TEXT,
			client_cert    TEXT,
			private_key    TEXT,
			connected      BOOLEAN NOT NULL DEFAULT false,
			last_connected TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	createIndexes := `
		CREATE INDEX IF NOT EXISTS idx_sensor_data_device_type_ts ON sensor_data (device_id, sensor_type, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_sensor_data_ts_desc ON sensor_data (timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_pets_owner ON pets (owner_id);
	`

	queries := []string{
		createDevicesTable,
		createSensorDataTable,
		createPetOwnersTable,
		createPetsTable,
		createConnectionsTable,
		createIndexes,
	}

	for _, query := range queries {
		if _, err := dm.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db != nil {
		return dm.db.Close()
	}
	return nil
}
