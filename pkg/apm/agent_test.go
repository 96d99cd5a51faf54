package apm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brain2apm/agent/internal/config"
)

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "test-key"
	return cfg
}

func TestConfigure_RejectsNilConfig(t *testing.T) {
	_, err := Configure(nil, zap.NewNop())
	assert.Error(t, err)
}

func TestConfigure_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TraceSampleRate = 2.0
	_, err := Configure(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestAgent_StartStopLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a, err := Configure(testConfig(t, srv), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_DisabledStartsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.Enabled = false
	a, err := Configure(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, a.Start(context.Background()))
	assert.NoError(t, a.Stop(context.Background()))
}

func TestAgent_AccessorsReturnWiredComponents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	a, err := Configure(testConfig(t, srv), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, a.Tracer())
	assert.NotNil(t, a.DB())
	assert.NotNil(t, a.QueueWait())
	assert.NotNil(t, a.Observer())
	assert.NotNil(t, a.Logs())
	assert.NotNil(t, a.OutboundHTTP())
	assert.NotNil(t, a.Publications())
	assert.NotNil(t, a.DeprecatedAPIs())
	assert.NotNil(t, a.Egress())
	assert.NotNil(t, a.MetricsRegistry())
}

func TestAgent_CollectorToggleExcludesDisabledCollectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv)
	cfg.Collectors.DNSEnabled = false
	a, err := Configure(cfg, zap.NewNop())
	require.NoError(t, err)

	for _, c := range a.collectors {
		assert.NotEqual(t, "dns-timing", c.Name())
	}
}
