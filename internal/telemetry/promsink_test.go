package telemetry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azmeha/dagrun/internal/metrics"
	"github.com/azmeha/dagrun/internal/telemetry"
)

func TestPrometheusSinkDagMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	rec := metrics.New(telemetry.NewPrometheusSink(reg, "dagrun", nil))
	ctx := context.Background()

	require.NoError(t, rec.Push(ctx, metrics.DagOutcome, 1, tags))
	require.NoError(t, rec.Push(ctx, metrics.DagDuration, 4, tags))
	require.NoError(t, rec.Push(ctx, metrics.DagOutcome, 2, tags))

	expected := `
# HELP dagrun_dag_duration_seconds sum of dag elements and instances processing times
# TYPE dagrun_dag_duration_seconds gauge
dagrun_dag_duration_seconds{dagid="thedag",runid="r1",taskid="ProcessOne_0"} 4
# HELP dagrun_dag_outcome last known status of task and/or dag
# TYPE dagrun_dag_outcome gauge
dagrun_dag_outcome{dagid="thedag",runid="r1",taskid="ProcessOne_0"} 2
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"dagrun_dag_duration_seconds", "dagrun_dag_outcome"))
}

func TestPrometheusSinkMissingColumnsExportEmpty(t *testing.T) {
	reg := prom.NewRegistry()
	sink := telemetry.NewPrometheusSink(reg, "dagrun", nil)
	inst := metrics.Instrument{Name: "X", Kind: metrics.KindInt}
	require.NoError(t, sink.RegisterView(metrics.View{
		Name: "X", Description: "x", Instrument: inst,
		Aggregation: metrics.AggregationLastValue, Columns: []string{"dagid", "runid"},
	}))

	sink.Record(context.Background(), metrics.Measurement{Instrument: inst, Int: 9}, metrics.Tags{"runid": "r1", "taskid": "t"})

	expected := `
# HELP dagrun_x x
# TYPE dagrun_x gauge
dagrun_x{dagid="",runid="r1"} 9
`
	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "dagrun_x"))
}

func TestPrometheusSinkAggregations(t *testing.T) {
	reg, err := metrics.NewRegistry(
		metrics.MetricSpec{ID: "RUNS", ViewDescription: "runs", Kind: metrics.KindInt, Aggregation: metrics.AggregationSum},
		metrics.MetricSpec{ID: "SEEN", ViewDescription: "seen", Kind: metrics.KindInt, Aggregation: metrics.AggregationCount},
		metrics.MetricSpec{ID: "LATENCY", Kind: metrics.KindFloat, Aggregation: metrics.AggregationDistribution, Unit: "s"},
	)
	require.NoError(t, err)
	promReg := prom.NewRegistry()
	rec := metrics.New(telemetry.NewPrometheusSink(promReg, "dagrun", nil), metrics.WithRegistry(reg))
	ctx := context.Background()

	require.NoError(t, rec.Push(ctx, "RUNS", 2, nil))
	require.NoError(t, rec.Push(ctx, "RUNS", 3, nil))
	require.NoError(t, rec.Push(ctx, "RUNS", -1, nil)) // dropped by the counter
	require.NoError(t, rec.Push(ctx, "SEEN", 10, nil))
	require.NoError(t, rec.Push(ctx, "SEEN", 20, nil))
	require.NoError(t, rec.Push(ctx, "LATENCY", 0.2, nil))

	expected := `
# HELP dagrun_runs_total runs
# TYPE dagrun_runs_total counter
dagrun_runs_total 5
# HELP dagrun_seen_total seen
# TYPE dagrun_seen_total counter
dagrun_seen_total 2
`
	require.NoError(t, promtest.GatherAndCompare(promReg, strings.NewReader(expected),
		"dagrun_runs_total", "dagrun_seen_total"))

	n, err := promtest.GatherAndCount(promReg, "dagrun_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrometheusSinkReusesRegisteredCollector(t *testing.T) {
	reg := prom.NewRegistry()
	v := metrics.View{
		Name: "X", Description: "x", Instrument: metrics.Instrument{Name: "X", Kind: metrics.KindInt},
		Aggregation: metrics.AggregationLastValue, Columns: []string{"runid"},
	}
	require.NoError(t, telemetry.NewPrometheusSink(reg, "dagrun", nil).RegisterView(v))
	require.NoError(t, telemetry.NewPrometheusSink(reg, "dagrun", nil).RegisterView(v))
}

func TestMetricsHandler(t *testing.T) {
	reg := prom.NewRegistry()
	rec := metrics.New(telemetry.NewPrometheusSink(reg, "dagrun", nil))
	require.NoError(t, rec.Push(context.Background(), metrics.DagOutcome, 2, tags))

	srv := httptest.NewServer(telemetry.MetricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dagrun_dag_outcome{dagid="thedag",runid="r1",taskid="ProcessOne_0"} 2`)
}
