package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/skillet/pkg/dispatch"
	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

type staticInFlight map[string]int64

func (s staticInFlight) Snapshot() map[string]int64 { return s }

func event(skill string, success bool) dispatch.Event {
	r := &invocation.Result{
		Skill:    skill,
		Instance: "default",
		Tool:     "run",
		Success:  success,
		State:    invocation.StateCompleted,
		Output:   "hello",
		Duration: 250 * time.Millisecond,
	}
	if !success {
		r.State = invocation.StateFailed
		r.Stage = invocation.StageAuthorize
		r.ErrorKind = invocation.KindCommandNotAllowed
	}
	return dispatch.Event{Result: r, Plan: &invocation.Plan{Runtime: invocation.RuntimeNative}}
}

func TestCollectorObserve(t *testing.T) {
	c := NewCollector("", nil)

	c.Observe(context.Background(), event("echo", true))
	c.Observe(context.Background(), event("echo", true))
	c.Observe(context.Background(), event("echo", false))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("echo", "default", "native", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("echo", "default", "native", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failuresTotal.WithLabelValues("echo", "authorize", "CommandNotAllowed")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.invocationDuration))
}

func TestCollectorUnresolvedPlan(t *testing.T) {
	c := NewCollector("", nil)
	ev := event("ghost", false)
	ev.Plan = nil

	c.Observe(context.Background(), ev)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationsTotal.WithLabelValues("ghost", "default", "unknown", "failed")))
}

func TestInFlightGauge(t *testing.T) {
	c := NewCollector("test", staticInFlight{"echo/default": 2, "kube/prod": 0})

	expected := `
# HELP test_invocations_in_flight Invocations currently executing per skill instance
# TYPE test_invocations_in_flight gauge
test_invocations_in_flight{instance="default",skill="echo"} 2
test_invocations_in_flight{instance="prod",skill="kube"} 0
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "test_invocations_in_flight"))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector("", nil)
	c.Observe(context.Background(), event("echo", true))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `skillet_invocations_total{instance="default",runtime="native",skill="echo",state="completed"} 1`)
}
