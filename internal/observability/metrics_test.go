package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/probe/api/schemas"
)

func TestMetricsRecordSteps(t *testing.T) {
	m := NewMetrics()
	m.ObserveStep(schemas.StepAct, schemas.OutcomePassed, 120*time.Millisecond)
	m.ObserveStep(schemas.StepAct, schemas.OutcomePassed, 80*time.Millisecond)
	m.ObserveStep(schemas.StepAssert, schemas.OutcomeSkipped, 0)
	m.ObserveTest(schemas.StatusFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("act", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("assert", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TestsTotal.WithLabelValues("failed")))
}

func TestMetricsSessions(t *testing.T) {
	m := NewMetrics()
	m.SessionOpened(nil)
	m.SessionOpened(nil)
	m.SessionOpened(errors.New("chrome not found"))
	m.SessionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionLaunches.WithLabelValues("error")))
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep(schemas.StepNavigate, schemas.OutcomePassed, time.Second)
		m.ObserveTest(schemas.StatusPassed)
		m.SessionOpened(nil)
		m.SessionClosed()
	})
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveTest(schemas.StatusPassed)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `probe_test_results_total{status="passed"} 1`)
}
