package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Bind()
	m.Request(6, 2*time.Millisecond, "not enough clients")
	m.Request(6, time.Millisecond)
	m.Request(4, time.Millisecond)
	m.Failure(FailureDecode)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.binds))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("6")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("4")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.warnings.WithLabelValues("not enough clients")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(FailureDecode)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Bind()
		m.Request(5, time.Second, "x")
		m.Failure(FailureRead)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Bind()

	srv := httptest.NewServer(NewServer("", m).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "kmsd_rpc_binds_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
