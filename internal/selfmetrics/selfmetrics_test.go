package selfmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
	"github.com/brain2apm/agent/internal/egress"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestExporter_SampleAccumulatesDeltaAcrossCalls(t *testing.T) {
	e := New("apm_agent_test")

	prev := e.Sample(egress.Stats{Sent: 10, Failed: 1, Dropped: 0, Queued: 2}, LastCounts{})
	assert.Equal(t, float64(10), counterValue(t, e.batchesSent))

	e.Sample(egress.Stats{Sent: 25, Failed: 1, Dropped: 0, Queued: 0}, prev)
	assert.Equal(t, float64(25), counterValue(t, e.batchesSent))
	assert.Equal(t, float64(1), counterValue(t, e.batchesFailed))
}

func TestExporter_RegistryIsPrivateAndScrapable(t *testing.T) {
	e := New("apm_agent_test2")
	e.Sample(egress.Stats{Sent: 1}, LastCounts{})

	srv := httptest.NewServer(promHandler(t, e.Registry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func promHandler(t *testing.T, reg *prometheus.Registry) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families, err := reg.Gather()
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		for _, f := range families {
			w.Write([]byte(f.GetName() + "\n"))
		}
	})
}

func TestCollector_TickSamplesEgressStatsOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "test"
	client := egress.New(cfg, zap.NewNop())

	e := New("apm_agent_test3")
	c := NewCollector(zap.NewNop(), e, client)

	c.tick()
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Collected)
}
