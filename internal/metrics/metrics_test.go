package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{302, "3xx"},
		{402, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.code), "code %d", tt.code)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	r := gin.New()
	r.GET("/metrics", Handler())
	ActiveWebSocketClients.Set(2)
	NotificationsTotal.WithLabelValues("webhook", "ok").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "custodia_active_websocket_clients 2")
	assert.Contains(t, w.Body.String(), `custodia_notifications_total{result="ok",sink="webhook"}`)
}

func TestRecordTransition(t *testing.T) {
	DealTransitionsTotal.Reset()
	DealDuration.Reset()

	RecordTransition("p2p", "fiat_sent", time.Now(), false)
	RecordTransition("p2p", "completed", time.Now().Add(-time.Minute), true)
	// Terminal without a creation time counts but is not observed.
	RecordTransition("p2p", "cancelled", time.Time{}, true)

	assert.Equal(t, 1.0, counterValue(t, DealTransitionsTotal.WithLabelValues("p2p", "completed")))
	assert.Equal(t, 1.0, counterValue(t, DealTransitionsTotal.WithLabelValues("p2p", "cancelled")))

	h, err := DealDuration.GetMetricWithLabelValues("p2p", "completed")
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, h.(interface{ Write(*dto.Metric) error }).Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 60.0)
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	httpRequests.Reset()

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/deals/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/v1/deals/dl_1", "/v1/deals/dl_2", "/nowhere"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, counterValue(t, httpRequests.WithLabelValues(http.MethodGet, "/v1/deals/:id", "2xx")))
	assert.Equal(t, 1.0, counterValue(t, httpRequests.WithLabelValues(http.MethodGet, unmatched, "4xx")))

	g := &dto.Metric{}
	require.NoError(t, httpInFlight.Write(g))
	assert.Equal(t, 0.0, g.GetGauge().GetValue())
}

func TestRegisterDBTwiceIsIgnored(t *testing.T) {
	// sql.Open does not connect; the collector only reads pool stats.
	db, err := sql.Open("postgres", "postgres://localhost:1/none?sslmode=disable")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, RegisterDB(db, "test"))
	require.NoError(t, RegisterDB(db, "test"))
}
