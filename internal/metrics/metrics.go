package metrics

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var log = logging.Logger("metrics")

const meterName = "github.com/storacha/rtracker"

var (
	// RoundsCreated counts rounds materialized by this instance
	RoundsCreated metric.Int64Counter

	// RoundNotifications counts handled round start notifications, by outcome
	RoundNotifications metric.Int64Counter

	// SubnetGroupsAssigned counts subnet group lookups, by whether a new group was allocated
	SubnetGroupsAssigned metric.Int64Counter
)

func init() {
	// Instruments created from the global provider forward to the provider
	// installed by Init, so they are safe to use before (and without) it.
	mustCreateInstruments(otel.Meter(meterName))
}

var (
	initOnce sync.Once
	initErr  error
)

// Init initializes the OpenTelemetry metrics with Prometheus exporter. Only the
// first call has an effect.
func Init() error {
	initOnce.Do(func() {
		initErr = initProvider()
	})
	return initErr
}

func initProvider() error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create a MeterProvider with the Prometheus exporter
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	// Set the global MeterProvider
	otel.SetMeterProvider(provider)

	log.Info("OpenTelemetry metrics initialized with Prometheus exporter")
	return nil
}

func mustCreateInstruments(meter metric.Meter) {
	var err error

	RoundsCreated, err = meter.Int64Counter(
		"rtracker_rounds_created_total",
		metric.WithDescription("Total number of rounds created by this instance"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create RoundsCreated counter: %w", err))
	}

	RoundNotifications, err = meter.Int64Counter(
		"rtracker_round_notifications_total",
		metric.WithDescription("Total number of round start notifications handled"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create RoundNotifications counter: %w", err))
	}

	SubnetGroupsAssigned, err = meter.Int64Counter(
		"rtracker_subnet_groups_total",
		metric.WithDescription("Total number of subnet group lookups"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create SubnetGroupsAssigned counter: %w", err))
	}
}
