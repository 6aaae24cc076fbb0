package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIndependentPerRegistry(t *testing.T) {
	a, b := New(), New()
	a.Requests.WithLabelValues("7", "write_ctrlreg").Inc()
	a.Requests.WithLabelValues("7", "write_ctrlreg").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Requests.WithLabelValues("7", "write_ctrlreg")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Requests.WithLabelValues("7", "write_ctrlreg")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Responses.WithLabelValues("7", "deny").Inc()
	m.Backlog.WithLabelValues("7").Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `vmi_recorder_responses_total{action="deny",domain="7"} 1`)
	assert.Contains(t, string(body), `vmi_recorder_ring_backlog{domain="7"} 3`)
}
