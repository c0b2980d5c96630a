package kpwmodels

// Pet carries only what the access filter needs: who owns it and which
// collar, if any, it wears.
type Pet struct {
	ID       int64   `json:"id" db:"id"`
	OwnerID  string  `json:"ownerId" db:"owner_id"`
	Name     string  `json:"name" db:"name"`
	DeviceID *string `json:"deviceId,omitempty" db:"kitty_paw_device_id"`
}
