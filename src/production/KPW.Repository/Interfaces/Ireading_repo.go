package interfaces

import (
	"context"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

type ReadingRepository interface {
	// AppendReading stores the reading and returns it with its assigned id
	AppendReading(ctx context.Context, reading kpwmodels.SensorReading) (kpwmodels.SensorReading, error)

	// LatestReadings returns the newest reading per device and channel kind
	LatestReadings(ctx context.Context) ([]kpwmodels.SensorReading, error)

	// ReadingsForDevice returns up to limit readings of one device, newest
	// first. An empty kind matches every channel.
	ReadingsForDevice(ctx context.Context, deviceID string, kind kpwmodels.ChannelKind, limit int) ([]kpwmodels.SensorReading, error)
}
