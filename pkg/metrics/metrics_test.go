package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"taskbroker/pkg/metrics"
	"taskbroker/pkg/protocol"
)

func TestCountersPerService(t *testing.T) {
	s, err := metrics.New()
	require.NoError(t, err)

	s.Increment("Extract", protocol.CounterExecute)
	s.Increment("Extract", protocol.CounterExecute)
	s.Increment("Extract", protocol.CounterScored)
	s.Increment("Other", protocol.CounterCacheHit)
	s.Increment("Other", "not-a-counter")

	expected := `
# HELP taskbroker_service_events_total Dispatch and completion events per service.
# TYPE taskbroker_service_events_total counter
`
	var want strings.Builder
	want.WriteString(expected)
	for _, line := range []string{
		`taskbroker_service_events_total{event="cache_hit",service="Extract"} 0`,
		`taskbroker_service_events_total{event="cache_hit",service="Other"} 1`,
		`taskbroker_service_events_total{event="cache_miss",service="Extract"} 0`,
		`taskbroker_service_events_total{event="cache_miss",service="Other"} 0`,
		`taskbroker_service_events_total{event="execute",service="Extract"} 2`,
		`taskbroker_service_events_total{event="execute",service="Other"} 0`,
		`taskbroker_service_events_total{event="fail_nonrecoverable",service="Extract"} 0`,
		`taskbroker_service_events_total{event="fail_nonrecoverable",service="Other"} 0`,
		`taskbroker_service_events_total{event="fail_recoverable",service="Extract"} 0`,
		`taskbroker_service_events_total{event="fail_recoverable",service="Other"} 0`,
		`taskbroker_service_events_total{event="not_scored",service="Extract"} 0`,
		`taskbroker_service_events_total{event="not_scored",service="Other"} 0`,
		`taskbroker_service_events_total{event="scored",service="Extract"} 1`,
		`taskbroker_service_events_total{event="scored",service="Other"} 0`,
	} {
		want.WriteString(line + "\n")
	}
	require.NoError(t, testutil.GatherAndCompare(s.Registry(), strings.NewReader(want.String()), "taskbroker_service_events_total"))
}

func TestExecutionTimeAndConnected(t *testing.T) {
	s, err := metrics.New()
	require.NoError(t, err)

	s.IncrementExecutionTime("Extract", protocol.TimeIdle, 1.5)
	s.IncrementExecutionTime("Extract", protocol.TimeExecution, 2)
	s.IncrementExecutionTime("Extract", protocol.TimeExecution, 0)
	s.SetConnected("Extract", 3)

	n, err := testutil.GatherAndCount(s.Registry(), "taskbroker_service_time_seconds_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(s.Registry(), "taskbroker_connected_workers")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
