package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	jwt "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/implementation/jwt"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/middleware"
	ingestor "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Ingestor"
	live "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Live"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
	implementation "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Repository/Implementation"
)

type mockBrokers struct {
	mock.Mock
}

func (m *mockBrokers) Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error) {
	args := m.Called(ctx, creds)
	stored, _ := args.Get(0).(*kpwmodels.StoredConnection)
	return stored, args.Error(1)
}

func (m *mockBrokers) Latest(ctx context.Context) (*kpwmodels.StoredConnection, error) {
	args := m.Called(ctx)
	stored, _ := args.Get(0).(*kpwmodels.StoredConnection)
	return stored, args.Error(1)
}

type mockTopics struct {
	mock.Mock
}

func (m *mockTopics) AddTopic(topic string) (string, error) {
	args := m.Called(topic)
	return args.String(0), args.Error(1)
}

func (m *mockTopics) Topics() []string {
	return m.Called().Get(0).([]string)
}

func (m *mockTopics) Status() kpwmodels.ConnectionStatus {
	return m.Called().Get(0).(kpwmodels.ConnectionStatus)
}

type fixedStatus struct {
	status kpwmodels.ConnectionStatus
}

func (s fixedStatus) Status() kpwmodels.ConnectionStatus { return s.status }

type recordedEvents struct {
	mu     sync.Mutex
	events []kpwmodels.LiveEvent
}

func (r *recordedEvents) Broadcast(event kpwmodels.LiveEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) all() []kpwmodels.LiveEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kpwmodels.LiveEvent(nil), r.events...)
}

type harness struct {
	router  *gin.Engine
	tokens  *jwt.Service
	auth    *middleware.AuthMiddleware
	store   *implementation.MemoryStore
	snaps   *live.Snapshotter
	access  *live.AccessResolver
	brokers *mockBrokers
	topics  *mockTopics
	events  *recordedEvents
}

// newHarness seeds two collars: KPCL0021 worn by owner-7's pet and
// KPCL0022 worn by owner-9's pet.
func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := implementation.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	for owner, id := range map[string]string{"owner-7": "KPCL0021", "owner-9": "KPCL0022"} {
		deviceID := id
		require.NoError(t, store.CreateDevice(ctx, kpwmodels.Device{DeviceID: id, Name: "New Device " + id, Type: "Unknown", Status: kpwmodels.DeviceOnline, LastUpdate: &now}))
		_, err := store.AppendReading(ctx, kpwmodels.SensorReading{DeviceID: id, Kind: kpwmodels.KindTemperature, Value: 38.4, Unit: "°C", Timestamp: now})
		require.NoError(t, err)
		store.AddPet(kpwmodels.Pet{OwnerID: owner, Name: "Mochi", DeviceID: &deviceID})
	}

	tokens := jwt.NewService(api_models.Config{SecretKey: "secret", AccessTokenDuration: time.Hour})
	h := &harness{
		router:  gin.New(),
		tokens:  tokens,
		auth:    middleware.NewAuthMiddleware(tokens, middleware.DefaultConfig()),
		store:   store,
		snaps:   live.NewSnapshotter(store, store, fixedStatus{kpwmodels.ConnectionStatus{Status: kpwmodels.StatusConnected}}, kpwmodels.CurrentSystemInfo),
		access:  live.NewAccessResolver(store),
		brokers: &mockBrokers{},
		topics:  &mockTopics{},
		events:  &recordedEvents{},
	}

	log := logger.NewNopLogger()
	NewMQTTController(h.brokers, h.topics, log, h.auth).RegisterRoutes(h.router)
	NewReadingController(h.snaps, h.access, log, h.auth).RegisterRoutes(h.router)
	NewDeviceController(h.snaps, h.access, ingestor.NewDirectory(store, log), h.events, log, h.auth).RegisterRoutes(h.router)
	return h
}

func (h *harness) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := h.tokens.GenerateAccessToken(userID, role)
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
