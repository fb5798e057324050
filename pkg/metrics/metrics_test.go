package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/uomping/pkg"
)

type nopSink struct{ saved, closed int }

func (n *nopSink) Save(pkg.Record) { n.saved++ }
func (n *nopSink) Close() error    { n.closed++; return nil }

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestSink_ObservesProbeRecords(t *testing.T) {
	m := New()
	next := &nopSink{}
	s := m.WrapSink(next)

	rssi := -70.0
	s.Save(&pkg.ProbeSuccess{Identity: pkg.Identity{Interface: "op0"}, AvgRtt: 25, Rssi: &rssi, AvgRssi: -70})
	s.Save(&pkg.ProbeFailure{Identity: pkg.Identity{Interface: "op0"}})
	s.Save(&pkg.FetchResult{Identity: pkg.Identity{Interface: "op0"}})
	require.NoError(t, s.Close())

	assert.Equal(t, 3, next.saved)
	assert.Equal(t, 1, next.closed)

	rtt := family(t, m, "uomping_avg_rtt_milliseconds")
	require.NotNil(t, rtt)
	assert.Equal(t, 25.0, rtt.GetMetric()[0].GetGauge().GetValue())

	probes := family(t, m, "uomping_probes_total")
	require.NotNil(t, probes)
	require.Len(t, probes.GetMetric(), 2)
	for _, metric := range probes.GetMetric() {
		assert.Equal(t, 1.0, metric.GetCounter().GetValue(), labelValue(metric, "result"))
	}
}

func TestMetrics_Observers(t *testing.T) {
	m := New()
	m.ObserveState("op1", pkg.StateReady)
	m.ObserveSelection("", pkg.ErrSelectionMiss)
	m.ObserveSelection("op1", nil)
	m.ObserveFetch("op1", true, 0)
	m.ObserveFetch("op0", false, 28)
	m.ObserveWorkerRestart("op0", "metadata")
	m.SetPendingActions(3)

	state := family(t, m, "uomping_interface_state")
	require.NotNil(t, state)
	assert.Equal(t, 2.0, state.GetMetric()[0].GetGauge().GetValue())

	misses := family(t, m, "uomping_selection_misses_total")
	require.NotNil(t, misses)
	assert.Equal(t, 1.0, misses.GetMetric()[0].GetCounter().GetValue())

	fetches := family(t, m, "uomping_fetches_total")
	require.NotNil(t, fetches)
	codes := map[string]string{}
	for _, metric := range fetches.GetMetric() {
		codes[labelValue(metric, "interface")] = labelValue(metric, "error_code") + "/" + labelValue(metric, "selection")
	}
	assert.Equal(t, map[string]string{"op0": "28/baseline", "op1": "0/dynamic"}, codes)

	pending := family(t, m, "uomping_pending_actions")
	require.NotNil(t, pending)
	assert.Equal(t, 3.0, pending.GetMetric()[0].GetGauge().GetValue())
}

func TestServer_Endpoints(t *testing.T) {
	m := New()
	m.SetPendingActions(1)
	healthy := true
	srv := NewServer("127.0.0.1:0", m, func() error {
		if healthy {
			return nil
		}
		return errors.New("scheduler stalled")
	}, nil)
	srv.SetStatus(func() map[string]interface{} {
		return map[string]interface{}{"ranking": []string{"op1", "op0"}}
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "uomping_pending_actions 1"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","ranking":["op1","op0"]}`, rec.Body.String())

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler stalled")
}
