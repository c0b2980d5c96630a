package controllers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/health"
	ingestor "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Ingestor"
)

type stubStats struct{ stats ingestor.Stats }

func (s stubStats) Stats() ingestor.Stats { return s.stats }

type stubCounter int

func (c stubCounter) Count() int { return int(c) }

type stubBroker bool

func (b stubBroker) IsConnected() bool { return bool(b) }

func healthRouter(checker *health.HealthChecker, stats ingestor.Stats, channels int, connected bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHealthController(checker, stubStats{stats}, stubCounter(channels), stubBroker(connected)).RegisterRoutes(r)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthLive(t *testing.T) {
	r := healthRouter(health.NewHealthChecker(nil, nil, nil, "test"), ingestor.Stats{}, 0, false)
	w := get(r, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHealthReady(t *testing.T) {
	// broker down only degrades
	r := healthRouter(health.NewHealthChecker(nil, nil, stubBroker(false), "test"), ingestor.Stats{}, 0, false)
	w := get(r, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(assert.AnError)

	r = healthRouter(health.NewHealthChecker(db, nil, stubBroker(true), "test"), ingestor.Stats{}, 0, true)
	w = get(r, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetrics(t *testing.T) {
	stats := ingestor.Stats{
		Received:        12,
		Dropped:         1,
		Persisted:       40,
		PersistFailures: 2,
		Broadcasts:      45,
		Pending:         3,
		BreakerState:    "open",
	}
	r := healthRouter(health.NewHealthChecker(nil, nil, nil, "test"), stats, 4, true)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, line := range []string{
		"# TYPE kpw_messages_received_total counter",
		"kpw_messages_received_total 12",
		"kpw_messages_dropped_total 1",
		"kpw_readings_persisted_total 40",
		"kpw_readings_persist_failures_total 2",
		"kpw_live_broadcasts_total 45",
		"# TYPE kpw_ingest_pending gauge",
		"kpw_ingest_pending 3",
		"kpw_storage_breaker_open 1",
		"kpw_live_channels 4",
		"kpw_mqtt_connected 1",
	} {
		assert.Contains(t, body, line+"\n")
	}
}
