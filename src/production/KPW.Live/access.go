package live

import (
	"context"
	"errors"
	"fmt"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

var ErrNoIdentity = errors.New("viewer has no identity")

// AccessResolver turns validated claims into a Viewer. Owners are limited
// to the collars assigned to their pets at resolution time.
type AccessResolver struct {
	pets interfaces.PetRepository
}

func NewAccessResolver(pets interfaces.PetRepository) *AccessResolver {
	return &AccessResolver{pets: pets}
}

func (r *AccessResolver) Resolve(ctx context.Context, claims *api_models.AccessClaims) (kpwmodels.Viewer, error) {
	if claims == nil {
		return kpwmodels.Viewer{}, ErrNoIdentity
	}
	if claims.IsAdmin() {
		return kpwmodels.AdminViewer(), nil
	}
	if claims.UserID == "" {
		return kpwmodels.Viewer{}, ErrNoIdentity
	}

	ids, err := r.pets.DeviceIDsForOwner(ctx, claims.UserID)
	if err != nil {
		return kpwmodels.Viewer{}, fmt.Errorf("resolve devices for owner %s: %w", claims.UserID, err)
	}
	return kpwmodels.OwnerViewer(claims.UserID, ids), nil
}

func FilterDevices(v kpwmodels.Viewer, devices []kpwmodels.Device) []kpwmodels.Device {
	out := make([]kpwmodels.Device, 0, len(devices))
	for _, d := range devices {
		if v.CanSee(d.DeviceID) {
			out = append(out, d)
		}
	}
	return out
}

func FilterReadings(v kpwmodels.Viewer, readings []kpwmodels.SensorReading) []kpwmodels.SensorReading {
	out := make([]kpwmodels.SensorReading, 0, len(readings))
	for _, r := range readings {
		if v.CanSee(r.DeviceID) {
			out = append(out, r)
		}
	}
	return out
}
