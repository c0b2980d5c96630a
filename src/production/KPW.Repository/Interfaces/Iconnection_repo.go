package interfaces

import (
	"context"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

type ConnectionRepository interface {
	// SaveConnection stores a new credential set, which becomes the latest
	SaveConnection(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error)

	// LatestConnection returns ErrNotFound when nothing was ever stored
	LatestConnection(ctx context.Context) (*kpwmodels.StoredConnection, error)

	// SetConnected records a connect or disconnect; connecting also stamps last_connected
	SetConnected(ctx context.Context, id int64, connected bool) error
}
