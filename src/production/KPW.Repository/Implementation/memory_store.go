package implementation

import (
	"context"
	"sort"
	"sync"
	"time"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	interfaces "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Interfaces"
)

type latestKey struct {
	deviceID string
	kind     kpwmodels.ChannelKind
}

// MemoryStore implements every repository interface in process memory.
// It backs DB_DRIVER=memory and the tests, and enforces the same device
// uniqueness contract as the Postgres schema.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]kpwmodels.Device
	readings    []kpwmodels.SensorReading
	latest      map[latestKey]kpwmodels.SensorReading
	pets        []kpwmodels.Pet
	connections []kpwmodels.StoredConnection
	archived    []kpwmodels.RawMessage
	nextReading int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]kpwmodels.Device),
		latest:  make(map[latestKey]kpwmodels.SensorReading),
		now:     time.Now,
	}
}

func copyDevice(d kpwmodels.Device) *kpwmodels.Device {
	out := d
	if d.BatteryLevel != nil {
		b := *d.BatteryLevel
		out.BatteryLevel = &b
	}
	if d.LastUpdate != nil {
		t := *d.LastUpdate
		out.LastUpdate = &t
	}
	if d.IPAddress != nil {
		ip := *d.IPAddress
		out.IPAddress = &ip
	}
	return &out
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*kpwmodels.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) CreateDevice(_ context.Context, device kpwmodels.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[device.DeviceID]; ok {
		return interfaces.ErrAlreadyExists
	}
	s.devices[device.DeviceID] = *copyDevice(device)
	return nil
}

func (s *MemoryStore) UpdateDeviceTelemetry(_ context.Context, deviceID string, t interfaces.DeviceTelemetry) (*kpwmodels.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	if t.Status != nil {
		d.Status = *t.Status
	}
	if t.BatteryLevel != nil {
		b := *t.BatteryLevel
		d.BatteryLevel = &b
	}
	ts := t.LastUpdate
	d.LastUpdate = &ts
	s.devices[deviceID] = d
	return copyDevice(d), nil
}

func (s *MemoryStore) UpsertDevice(_ context.Context, device kpwmodels.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.devices[device.DeviceID]
	if !ok {
		s.devices[device.DeviceID] = *copyDevice(device)
		return nil
	}
	existing.Name = device.Name
	existing.Type = device.Type
	if device.IPAddress != nil {
		ip := *device.IPAddress
		existing.IPAddress = &ip
	}
	s.devices[device.DeviceID] = existing
	return nil
}

func (s *MemoryStore) ListDevices(_ context.Context) ([]kpwmodels.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]kpwmodels.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *copyDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

func (s *MemoryStore) AppendReading(_ context.Context, reading kpwmodels.SensorReading) (kpwmodels.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[reading.DeviceID]; !ok {
		return reading, interfaces.ErrNotFound
	}
	s.nextReading++
	reading.ID = s.nextReading
	s.readings = append(s.readings, reading)

	key := latestKey{reading.DeviceID, reading.Kind}
	if prev, ok := s.latest[key]; !ok || !reading.Timestamp.Before(prev.Timestamp) {
		s.latest[key] = reading
	}
	return reading, nil
}

func (s *MemoryStore) LatestReadings(_ context.Context) ([]kpwmodels.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	readings := make([]kpwmodels.SensorReading, 0, len(s.latest))
	for _, r := range s.latest {
		readings = append(readings, r)
	}
	sort.Slice(readings, func(i, j int) bool {
		if readings[i].DeviceID != readings[j].DeviceID {
			return readings[i].DeviceID < readings[j].DeviceID
		}
		return readings[i].Kind < readings[j].Kind
	})
	return readings, nil
}

func (s *MemoryStore) ReadingsForDevice(_ context.Context, deviceID string, kind kpwmodels.ChannelKind, limit int) ([]kpwmodels.SensorReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]kpwmodels.SensorReading, 0)
	for _, r := range s.readings {
		if r.DeviceID == deviceID && (kind == "" || r.Kind == kind) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Readings returns every stored reading for a device in insertion order
func (s *MemoryStore) Readings(deviceID string) []kpwmodels.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]kpwmodels.SensorReading, 0)
	for _, r := range s.readings {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

// AddPet assigns a pet, and optionally its collar, to an owner
func (s *MemoryStore) AddPet(pet kpwmodels.Pet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pet.ID = int64(len(s.pets) + 1)
	s.pets = append(s.pets, pet)
}

func (s *MemoryStore) DeviceIDsForOwner(_ context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, p := range s.pets {
		if p.OwnerID != ownerID || p.DeviceID == nil {
			continue
		}
		if _, dup := seen[*p.DeviceID]; dup {
			continue
		}
		seen[*p.DeviceID] = struct{}{}
		ids = append(ids, *p.DeviceID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SaveConnection(_ context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := kpwmodels.StoredConnection{ID: int64(len(s.connections) + 1), Credentials: creds}
	s.connections = append(s.connections, stored)
	return &stored, nil
}

func (s *MemoryStore) LatestConnection(_ context.Context) (*kpwmodels.StoredConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.connections) == 0 {
		return nil, interfaces.ErrNotFound
	}
	latest := s.connections[len(s.connections)-1]
	return &latest, nil
}

func (s *MemoryStore) SetConnected(_ context.Context, id int64, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.connections {
		if s.connections[i].ID != id {
			continue
		}
		s.connections[i].Connected = connected
		if connected {
			now := s.now()
			s.connections[i].LastConnected = &now
		}
		return nil
	}
	return interfaces.ErrNotFound
}

func (s *MemoryStore) Archive(_ context.Context, msg kpwmodels.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, msg)
	return nil
}

// Archived returns the raw messages recorded so far
func (s *MemoryStore) Archived() []kpwmodels.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]kpwmodels.RawMessage(nil), s.archived...)
}

var (
	_ interfaces.DeviceRepository     = (*MemoryStore)(nil)
	_ interfaces.ReadingRepository    = (*MemoryStore)(nil)
	_ interfaces.PetRepository        = (*MemoryStore)(nil)
	_ interfaces.ConnectionRepository = (*MemoryStore)(nil)
	_ interfaces.RawMessageArchive    = (*MemoryStore)(nil)

	_ interfaces.DeviceRepository     = (*PostgresDeviceRepository)(nil)
	_ interfaces.ReadingRepository    = (*PostgresReadingRepository)(nil)
	_ interfaces.PetRepository        = (*PostgresPetRepository)(nil)
	_ interfaces.ConnectionRepository = (*PostgresConnectionRepository)(nil)
	_ interfaces.RawMessageArchive    = (*MongoRawArchive)(nil)
)
