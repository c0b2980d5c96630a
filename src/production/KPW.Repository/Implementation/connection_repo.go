package implementation

import (
	"context"
	"database/sql"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

type PostgresConnectionRepository struct {
	db *sql.DB
}

func NewPostgresConnectionRepository(db *sql.DB) *PostgresConnectionRepository {
	return &PostgresConnectionRepository{db: db}
}

func (r *PostgresConnectionRepository) SaveConnection(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error) {
	query := `
		INSERT INTO mqtt_connections (broker_url, client_id, username, password, ca_cert, client_cert, private_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	stored := &kpwmodels.StoredConnection{Credentials: creds}
	err := r.db.QueryRowContext(ctx, query,
		creds.BrokerURL, creds.ClientID, emptyToNil(creds.Username), emptyToNil(creds.Password),
		emptyToNil(creds.CACert), emptyToNil(creds.ClientCert), emptyToNil(creds.PrivateKey),
	).Scan(&stored.ID)
	if err != nil {
		return nil, translateError(err)
	}
	return stored, nil
}

func (r *PostgresConnectionRepository) LatestConnection(ctx context.Context) (*kpwmodels.StoredConnection, error) {
	query := `
		SELECT id, broker_url, client_id, username, password, ca_cert, client_cert, private_key, connected, last_connected
		FROM mqtt_connections
		ORDER BY id DESC
		LIMIT 1
	`

	var (
		stored                                   kpwmodels.StoredConnection
		username, password, caCert, cert, keyPEM sql.NullString
		lastConnected                            sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stored.ID, &stored.Credentials.BrokerURL, &stored.Credentials.ClientID,
		&username, &password, &caCert, &cert, &keyPEM, &stored.Connected, &lastConnected)
	if err != nil {
		return nil, translateError(err)
	}

	stored.Credentials.Username = username.String
	stored.Credentials.Password = password.String
	stored.Credentials.CACert = caCert.String
	stored.Credentials.ClientCert = cert.String
	stored.Credentials.PrivateKey = keyPEM.String
	if lastConnected.Valid {
		t := lastConnected.Time
		stored.LastConnected = &t
	}
	return &stored, nil
}

func (r *PostgresConnectionRepository) SetConnected(ctx context.Context, id int64, connected bool) error {
	query := `
		UPDATE mqtt_connections
		SET connected = $2,
		    last_connected = CASE WHEN $2 THEN NOW() ELSE last_connected END
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, connected)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
