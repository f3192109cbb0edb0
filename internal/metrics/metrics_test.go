package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveJob(t *testing.T) {
	m := New()
	start := time.Now()
	s := models.NewJobSummary("trigger-detection", start)
	s.Record(models.Succeeded("p1").WithCategory("missed_pattern"))
	s.Record(models.Succeeded("p2").WithCategory("missed_pattern"))
	s.Record(models.Failed("p3", errors.New("llm down")).WithCategory("loss_recovery"))
	s.Record(models.Skipped("", "no category"))
	s.Finish(start.Add(2 * time.Second))
	m.ObserveJob(s)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobItems.WithLabelValues("trigger-detection", "missed_pattern", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobItems.WithLabelValues("trigger-detection", "loss_recovery", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobItems.WithLabelValues("trigger-detection", "none", "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobFailures.WithLabelValues("trigger-detection")))

	failed := models.NewJobSummary("scheduled-send", start)
	failed.Fail(errors.New("db down"))
	m.ObserveJob(failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobFailures.WithLabelValues("scheduled-send")))
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.InboundOutcome("accumulated")
	m.SMSSent("auto_reply", nil)
	m.SMSSent("auto_reply", errors.New("x"))
	m.LLMRequest("synth", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.smsSent.WithLabelValues("auto_reply", "error")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	for _, want := range []string{
		`outreachpipe_inbound_messages_total{outcome="accumulated"} 1`,
		`outreachpipe_sms_sent_total{path="auto_reply",result="ok"} 1`,
		`outreachpipe_llm_requests_total{caller="synth",result="ok"} 1`,
	} {
		assert.True(t, strings.Contains(body, want), "metrics output missing %s", want)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveJob(models.NewJobSummary("x", time.Now()))
	m.InboundOutcome("x")
	m.SMSSent("x", nil)
	m.LLMRequest("x", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
