package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestGaugeRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	rec := NewGaugeRecorder()
	rec.Record(context.Background(), "round", func(p *Point) {
		p.Uint("quota", 15)
		p.Int("task_count", 1000)
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				values[m.Name] = g.DataPoints[0].Value
			}
		}
	}

	assert.Equal(t, int64(15), values["rtracker_round_quota"])
	assert.Equal(t, int64(1000), values["rtracker_round_task_count"])
}

func TestPointFields(t *testing.T) {
	var p Point
	assert.Empty(t, p.Fields())

	p.Int("a", 1)
	p.Uint("b", 2)
	fields := p.Fields()
	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, fields)

	fields["a"] = 100
	assert.Equal(t, int64(1), p.Fields()["a"])
}
