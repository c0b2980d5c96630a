package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

// Controller ties the live connection to the stored credential sets. It is
// what the REST and WebSocket layers talk to.
type Controller struct {
	conn   *Connection
	repo   interfaces.ConnectionRepository
	logger *logger.Logger

	mu        sync.Mutex
	currentID int64
}

func NewController(conn *Connection, repo interfaces.ConnectionRepository, log *logger.Logger) *Controller {
	ctl := &Controller{conn: conn, repo: repo, logger: log.WithComponent("broker")}
	conn.OnStatus(ctl.recordStatus)
	return ctl
}

// DefaultCredentials builds the fallback credential set from configuration.
// Certificate paths, when set, are read into PEM strings.
func DefaultCredentials(cfg config.MQTTConfig) (kpwmodels.BrokerCredentials, error) {
	creds := kpwmodels.BrokerCredentials{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if creds.ClientID == "" {
		creds.ClientID = "kitty-paw-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	files := []struct {
		path string
		dst  *string
	}{
		{cfg.CACertPath, &creds.CACert},
		{cfg.ClientCertPath, &creds.ClientCert},
		{cfg.PrivateKeyPath, &creds.PrivateKey},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		pem, err := os.ReadFile(f.path)
		if err != nil {
			return creds, fmt.Errorf("read %s: %w", f.path, err)
		}
		*f.dst = string(pem)
	}
	return creds, creds.Validate()
}

// Start connects with the most recently stored credentials, or stores and
// uses the fallback when nothing was stored yet. A failed connect is
// logged and left to the watchdog.
func (ctl *Controller) Start(ctx context.Context, fallback kpwmodels.BrokerCredentials) error {
	stored, err := ctl.repo.LatestConnection(ctx)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		stored, err = ctl.repo.SaveConnection(ctx, fallback)
		if err != nil {
			return fmt.Errorf("store default broker connection: %w", err)
		}
		ctl.logger.Logger.Info().Str("broker", fallback.BrokerURL).Msg("No stored broker connection, using configured default")
	case err != nil:
		return fmt.Errorf("load broker connection: %w", err)
	}

	ctl.setCurrent(stored.ID)
	if err := ctl.conn.Connect(ctx, stored.Credentials); err != nil {
		ctl.logger.Logger.Warn().Err(err).Msg("Initial MQTT connect failed, watchdog will retry")
	}
	return nil
}

// Connect validates, stores and applies a new credential set. The new set
// supersedes the previous one even if the connect attempt fails.
func (ctl *Controller) Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error) {
	if err := creds.Validate(); err != nil {
		return nil, &ConnectError{Broker: creds.BrokerURL, Reason: FailureInvalid, Err: err}
	}
	stored, err := ctl.repo.SaveConnection(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("store broker connection: %w", err)
	}
	ctl.setCurrent(stored.ID)

	if err := ctl.conn.Connect(ctx, creds); err != nil {
		return stored, err
	}
	stored.Connected = ctl.conn.IsConnected()
	return stored, nil
}

// Latest returns the stored connection with the live connected flag
func (ctl *Controller) Latest(ctx context.Context) (*kpwmodels.StoredConnection, error) {
	stored, err := ctl.repo.LatestConnection(ctx)
	if err != nil {
		return nil, err
	}
	stored.Connected = ctl.conn.IsConnected()
	return stored, nil
}

func (ctl *Controller) Connection() *Connection {
	return ctl.conn
}

func (ctl *Controller) setCurrent(id int64) {
	ctl.mu.Lock()
	ctl.currentID = id
	ctl.mu.Unlock()
}

func (ctl *Controller) recordStatus(status kpwmodels.ConnectionStatus) {
	ctl.mu.Lock()
	id := ctl.currentID
	ctl.mu.Unlock()
	if id == 0 {
		return
	}
	connected := status.Status == kpwmodels.StatusConnected
	if err := ctl.repo.SetConnected(context.Background(), id, connected); err != nil {
		ctl.logger.Logger.Warn().Err(err).Int64("connection_id", id).Msg("Failed to record connection state")
	}
}
