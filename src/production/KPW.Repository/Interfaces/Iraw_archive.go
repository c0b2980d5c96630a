package interfaces

import (
	"context"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

type RawMessageArchive interface {
	Archive(ctx context.Context, msg kpwmodels.RawMessage) error
}
