package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Point collects the fields of one telemetry event.
type Point struct {
	fields map[string]int64
}

func (p *Point) Int(name string, v int64) {
	if p.fields == nil {
		p.fields = make(map[string]int64)
	}
	p.fields[name] = v
}

func (p *Point) Uint(name string, v uint64) {
	p.Int(name, int64(v))
}

// Fields returns a copy of the collected fields.
func (p *Point) Fields() map[string]int64 {
	out := make(map[string]int64, len(p.fields))
	for k, v := range p.fields {
		out[k] = v
	}
	return out
}

// Recorder emits structured telemetry events. Recording is fire-and-forget and
// never reports failures to the caller.
type Recorder interface {
	Record(ctx context.Context, event string, fn func(p *Point))
}

var _ Recorder = (*GaugeRecorder)(nil)

// GaugeRecorder records every field of an event as the gauge
// "rtracker_<event>_<field>" and logs the event.
type GaugeRecorder struct {
	meter  metric.Meter
	mu     sync.Mutex
	gauges map[string]metric.Int64Gauge
}

func NewGaugeRecorder() *GaugeRecorder {
	return &GaugeRecorder{
		meter:  otel.Meter(meterName),
		gauges: make(map[string]metric.Int64Gauge),
	}
}

func (r *GaugeRecorder) Record(ctx context.Context, event string, fn func(p *Point)) {
	var p Point
	fn(&p)

	names := make([]string, 0, len(p.fields))
	for name := range p.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	kv := make([]any, 0, 2*len(names))
	for _, name := range names {
		v := p.fields[name]
		kv = append(kv, name, v)

		g, err := r.gauge("rtracker_" + event + "_" + name)
		if err != nil {
			log.Warnf("Creating gauge for %s.%s: %v", event, name, err)
			continue
		}
		g.Record(ctx, v)
	}

	log.Infow("telemetry "+event, kv...)
}

func (r *GaugeRecorder) gauge(name string) (metric.Int64Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[name]; ok {
		return g, nil
	}
	g, err := r.meter.Int64Gauge(name)
	if err != nil {
		return nil, err
	}
	r.gauges[name] = g
	return g, nil
}
