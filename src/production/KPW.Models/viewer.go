package kpwmodels

import "sort"

// Viewer is the visibility capability of one dashboard channel. It is
// either an administrator, who sees every device, or an owner limited to
// the collars worn by their pets.
type Viewer struct {
	admin   bool
	ownerID string
	devices map[string]struct{}
}

// AdminViewer sees everything
func AdminViewer() Viewer {
	return Viewer{admin: true}
}

// OwnerViewer sees only the listed device ids
func OwnerViewer(ownerID string, deviceIDs []string) Viewer {
	set := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return Viewer{ownerID: ownerID, devices: set}
}

func (v Viewer) IsAdmin() bool { return v.admin }

func (v Viewer) OwnerID() string { return v.ownerID }

// CanSee reports whether an event scoped to deviceID may reach this viewer.
// Device-less events are visible to everyone.
func (v Viewer) CanSee(deviceID string) bool {
	if v.admin || deviceID == "" {
		return true
	}
	_, ok := v.devices[deviceID]
	return ok
}

// DeviceIDs returns the reachable device ids in sorted order. It is nil for
// administrators.
func (v Viewer) DeviceIDs() []string {
	if v.admin {
		return nil
	}
	ids := make([]string, 0, len(v.devices))
	for id := range v.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
