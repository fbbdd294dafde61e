package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/connpool/dbpool"
)

const meterName = "github.com/BaSui01/connpool/internal/telemetry"

// PoolStatsSource 提供连接池快照，*dbpool.Manager 满足该接口
type PoolStatsSource interface {
	Stats() []dbpool.Stats
}

// ObservePools registers observable gauges that read source on every
// collection: db.pool.capacity, db.pool.idle and db.pool.in_use, one series
// per pool name. Unregister the returned registration to stop observing.
func ObservePools(mp metric.MeterProvider, source PoolStatsSource) (metric.Registration, error) {
	meter := mp.Meter(meterName)

	capacity, err := meter.Int64ObservableGauge("db.pool.capacity",
		metric.WithDescription("Fixed capacity of the pool"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("create capacity gauge: %w", err)
	}
	idle, err := meter.Int64ObservableGauge("db.pool.idle",
		metric.WithDescription("Connections waiting in the pool"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("create idle gauge: %w", err)
	}
	inUse, err := meter.Int64ObservableGauge("db.pool.in_use",
		metric.WithDescription("Connections checked out by tasks"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("create in_use gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range source.Stats() {
			attrs := metric.WithAttributes(attribute.String("db.pool.name", s.Name))
			o.ObserveInt64(capacity, int64(s.Capacity), attrs)
			o.ObserveInt64(idle, int64(s.Idle), attrs)
			o.ObserveInt64(inUse, int64(s.InUse), attrs)
		}
		return nil
	}, capacity, idle, inUse)
}
