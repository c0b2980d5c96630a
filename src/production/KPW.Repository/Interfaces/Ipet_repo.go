package interfaces

import "context"

type PetRepository interface {
	// DeviceIDsForOwner lists the collars assigned to the owner's pets
	DeviceIDsForOwner(ctx context.Context, ownerID string) ([]string, error)
}
