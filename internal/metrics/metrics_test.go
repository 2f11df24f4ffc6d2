package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cua/pkg/llm"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			match := true
			for _, lp := range metric.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveRequest("openai", 200, 150*time.Millisecond)
	m.ObserveRequest("openai", 200, 10*time.Millisecond)
	m.ObserveUsage("openai", llm.Usage{InputTokens: 100, OutputTokens: 20})
	m.ObserveAction(llm.ActionClick, llm.StatusBlocked)
	m.ObserveTurn("done")
	m.ObserveSafety(llm.SafetyCheck{}, false)

	assert.Equal(t, 2.0, counterValue(t, m, "cua_model_requests_total", map[string]string{"vendor": "openai", "status": "200"}))
	assert.Equal(t, 100.0, counterValue(t, m, "cua_model_tokens_total", map[string]string{"direction": "input"}))
	assert.Equal(t, 1.0, counterValue(t, m, "cua_actions_total", map[string]string{"kind": "click", "status": "blocked"}))
	assert.Equal(t, 1.0, counterValue(t, m, "cua_turns_total", map[string]string{"state": "done"}))
	assert.Equal(t, 1.0, counterValue(t, m, "cua_safety_decisions_total", map[string]string{"decision": "denied"}))
}

func TestObserveActionUnknownKind(t *testing.T) {
	m := New()
	m.ObserveAction(llm.UnknownAction{Type: "teleport"}.Kind(), llm.StatusUnsupported)
	m.ObserveAction(llm.ActionKind("rm -rf"), llm.StatusUnsupported)

	assert.Equal(t, 2.0, counterValue(t, m, "cua_actions_total", map[string]string{"kind": "unknown", "status": "unsupported"}))
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				assert.NotEqual(t, "teleport", lp.GetValue())
				assert.NotEqual(t, "rm -rf", lp.GetValue())
			}
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("x", 500, time.Second)
		m.ObserveUsage("x", llm.Usage{})
		m.ObserveAction(llm.ActionWait, llm.StatusOK)
		m.ObserveTurn("aborted")
		m.ObserveSafety(llm.SafetyCheck{}, true)
		m.ObserveRun("failed")
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveTurn("done")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `cua_turns_total{state="done"} 1`)
}
