package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveMessage("SNAPSHOT", OutcomeSuccess, 10*time.Millisecond)
	m.ObserveMessage("SNAPSHOT", OutcomeSuccess, 20*time.Millisecond)
	m.ObserveMessage("PREPARE_MESSAGE", OutcomeFailure, time.Millisecond)
	m.ProtocolMismatch()
	m.SetParentSessions(3)
	m.RowsStreamed("in", 5)
	m.RowsStreamed("in", 0)
	m.AntiCompaction(OutcomeFailure)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("SNAPSHOT", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("PREPARE_MESSAGE", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolMismatches))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ParentSessions))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.StreamedRows.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AntiCompactions.WithLabelValues(OutcomeFailure)))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveMessage("SNAPSHOT", OutcomeSuccess, time.Second)
		m.ProtocolMismatch()
		m.SetParentSessions(1)
		m.StageQueueChanged("request", 1)
		m.ValidationSubmitted()
		m.ValidationCompleted(OutcomeSuccess)
		m.RowsStreamed("out", 1)
		m.AntiCompaction(OutcomeSuccess)
		m.RepairFinished(OutcomeSuccess)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a := New()
	b := New()

	a.SetParentSessions(1)
	assert.Zero(t, testutil.ToFloat64(b.ParentSessions))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetParentSessions(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "antientropy_repair_parent_sessions 2"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
