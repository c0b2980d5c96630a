package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	logger "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Logger"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
)

type mockControl struct {
	mock.Mock
}

func (m *mockControl) Connect(ctx context.Context, creds kpwmodels.BrokerCredentials) (*kpwmodels.StoredConnection, error) {
	args := m.Called(ctx, creds)
	stored, _ := args.Get(0).(*kpwmodels.StoredConnection)
	return stored, args.Error(1)
}

var (
	adminClaims = &api_models.AccessClaims{UserID: "root", Role: api_models.RoleAdmin}
	ownerClaims = &api_models.AccessClaims{UserID: "owner-7", Role: api_models.RoleOwner}
)

func liveServer(t *testing.T, control BrokerControl, cfg config.LiveConfig, claims *api_models.AccessClaims) (*Registry, string) {
	t.Helper()
	reg, store := newTestRegistry(t)
	h := NewHandler(reg, NewAccessResolver(store), control, cfg, logger.NewNopLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, claims)
	}))
	t.Cleanup(srv.Close)
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func skipSnapshot(t *testing.T, conn *websocket.Conn) []envelope {
	t.Helper()
	out := make([]envelope, 0, 5)
	for i := 0; i < 5; i++ {
		out = append(out, readEnvelope(t, conn))
	}
	return out
}

func TestSession_OwnerReceivesOnlyOwnCollars(t *testing.T) {
	reg, url := liveServer(t, nil, config.LiveConfig{QueueSize: 16}, ownerClaims)
	conn := dial(t, url)

	snapshot := skipSnapshot(t, conn)
	require.Len(t, snapshot[0].Devices, 1)
	assert.Equal(t, "KPCL0021", snapshot[0].Devices[0].DeviceID)
	assert.Equal(t, 1, reg.Count())

	reg.Broadcast(kpwmodels.NewSensorDataEvent(kpwmodels.SensorReading{DeviceID: "KPCL0022", Kind: kpwmodels.KindLight, Value: 3, Unit: "lux", Timestamp: time.Now()}))
	reg.Broadcast(kpwmodels.NewSensorDataEvent(kpwmodels.SensorReading{DeviceID: "KPCL0021", Kind: kpwmodels.KindLight, Value: 7, Unit: "lux", Timestamp: time.Now()}))

	got := readEnvelope(t, conn)
	assert.Equal(t, "sensor_data", got.Type)
	assert.Equal(t, "KPCL0021", got.DeviceID)
}

func TestSession_ConnectMQTTRepliesToSenderOnly(t *testing.T) {
	control := &mockControl{}
	control.On("Connect", mock.Anything, mock.MatchedBy(func(c kpwmodels.BrokerCredentials) bool {
		return c.BrokerURL == "tcp://broker.hivemq.com:1883" && c.ClientID == "dash-1"
	})).Return(&kpwmodels.StoredConnection{ID: 2}, nil).Once()

	_, url := liveServer(t, control, config.LiveConfig{QueueSize: 16}, adminClaims)
	sender := dial(t, url)
	other := dial(t, url)
	skipSnapshot(t, sender)
	skipSnapshot(t, other)

	require.NoError(t, sender.WriteJSON(map[string]string{
		"type":     "connect_mqtt",
		"broker":   "tcp://broker.hivemq.com:1883",
		"clientId": "dash-1",
	}))

	reply := readEnvelope(t, sender)
	assert.Equal(t, "mqtt_status", reply.Type)
	assert.Equal(t, "connected", reply.Status)
	control.AssertExpectations(t)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "the reply is not broadcast")
}

func TestSession_ConnectMQTTFailure(t *testing.T) {
	control := &mockControl{}
	control.On("Connect", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	_, url := liveServer(t, control, config.LiveConfig{QueueSize: 16}, adminClaims)
	conn := dial(t, url)
	skipSnapshot(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "x"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connect_mqtt", "broker": "tcp://nowhere:1883", "clientId": "c"}))

	reply := readEnvelope(t, conn)
	assert.Equal(t, "connection_error", reply.Status)
	assert.Contains(t, reply.Message, "connection refused")
}

func TestSession_OwnersCannotChangeTheBroker(t *testing.T) {
	control := &mockControl{}
	_, url := liveServer(t, control, config.LiveConfig{QueueSize: 16}, ownerClaims)
	conn := dial(t, url)
	skipSnapshot(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "connect_mqtt", "broker": "tcp://x:1883", "clientId": "c"}))
	reply := readEnvelope(t, conn)
	assert.Equal(t, "connection_error", reply.Status)
	control.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
}

func TestSession_ClientCloseUnregisters(t *testing.T) {
	reg, url := liveServer(t, nil, config.LiveConfig{QueueSize: 16}, adminClaims)
	conn := dial(t, url)
	skipSnapshot(t, conn)
	assert.Equal(t, 1, reg.Count())

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_RejectsMissingIdentityAndForeignOrigins(t *testing.T) {
	_, url := liveServer(t, nil, config.LiveConfig{}, nil)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, url = liveServer(t, nil, config.LiveConfig{AllowedOrigins: []string{"https://dash.kittypaw.io"}}, adminClaims)
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err = websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://dash.kittypaw.io"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWithDefaults_QueueHoldsSnapshot(t *testing.T) {
	assert.Equal(t, 256, withDefaults(config.LiveConfig{}).QueueSize)
	assert.Equal(t, config.MinLiveQueueSize, withDefaults(config.LiveConfig{QueueSize: 2}).QueueSize)
	assert.Equal(t, 16, withDefaults(config.LiveConfig{QueueSize: 16}).QueueSize)

	store := seededStore(t)
	snap := NewSnapshotter(store, store, nil, kpwmodels.CurrentSystemInfo)
	events, err := snap.Build(context.Background(), kpwmodels.AdminViewer())
	require.NoError(t, err)
	assert.Len(t, events, config.MinLiveQueueSize)
}
