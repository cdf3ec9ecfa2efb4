// Package influx reads delay time-series, anomaly records and delivery
// history from InfluxDB with Flux queries.
package influx

import (
	"context"
	"fmt"
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"aegis/internal/domain"
	"aegis/internal/ports"
)

const (
	latencyMeasurement = "supply_latency"
	anomalyMeasurement = "anomaly_records"
	maxBucketRows      = 500
	maxAnomalyRows     = 200
)

var identRe = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

type Client struct {
	client influxdb2.Client
	query  api.QueryAPI
	bucket string
}

var (
	_ ports.DelaySource     = (*Client)(nil)
	_ ports.AnomalySource   = (*Client)(nil)
	_ ports.DeliveryHistory = (*Client)(nil)
)

func New(url, token, org, bucket string) (*Client, error) {
	if !identRe.MatchString(bucket) {
		return nil, fmt.Errorf("invalid influx bucket %q", bucket)
	}
	c := influxdb2.NewClient(url, token)
	return &Client{client: c, query: c.QueryAPI(org), bucket: bucket}, nil
}

func (c *Client) Close() { c.client.Close() }

func (c *Client) DelayBuckets(ctx context.Context, window, bucket time.Duration) ([]domain.DelayBucket, error) {
	every := fluxDuration(bucket)
	flux := fmt.Sprintf(`
data = from(bucket: "%[1]s")
  |> range(start: -%[2]s)
  |> filter(fn: (r) => r._measurement == "%[3]s")
  |> group(columns: ["location_id", "supplier_id", "_field"])
delay = data |> filter(fn: (r) => r._field == "delay_hours")
avg = delay |> aggregateWindow(every: %[4]s, fn: mean, createEmpty: false) |> set(key: "_field", value: "avg_delay")
mx = delay |> aggregateWindow(every: %[4]s, fn: max, createEmpty: false) |> set(key: "_field", value: "max_delay")
cnt = delay |> aggregateWindow(every: %[4]s, fn: count, createEmpty: false) |> toFloat() |> set(key: "_field", value: "shipment_count")
val = data
  |> filter(fn: (r) => r._field == "shipment_value_usd")
  |> aggregateWindow(every: %[4]s, fn: sum, createEmpty: false)
  |> set(key: "_field", value: "total_value")
union(tables: [avg, mx, cnt, val])
  |> pivot(rowKey: ["_time", "location_id", "supplier_id"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %[5]d)
`, c.bucket, fluxDuration(window), latencyMeasurement, every, maxBucketRows)

	var out []domain.DelayBucket
	err := c.each(ctx, flux, func(rec *query.FluxRecord) {
		if b, ok := delayBucket(rec); ok {
			out = append(out, b)
		}
	})
	return out, err
}

func (c *Client) Anomalies(ctx context.Context, window time.Duration, minScore float64) ([]domain.AnomalyRecord, error) {
	flux := fmt.Sprintf(`
from(bucket: "%s")
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == "%s" and r._field == "anomaly_score")
  |> filter(fn: (r) => r._value >= %.4f)
  |> group()
  |> sort(columns: ["_value"], desc: true)
  |> limit(n: %d)
`, c.bucket, fluxDuration(window), anomalyMeasurement, minScore, maxAnomalyRows)

	var out []domain.AnomalyRecord
	err := c.each(ctx, flux, func(rec *query.FluxRecord) {
		if a, ok := anomaly(rec); ok {
			out = append(out, a)
		}
	})
	return out, err
}

func (c *Client) DeliveryStats(ctx context.Context, supplierID string, window time.Duration) (domain.DeliveryStats, error) {
	if !identRe.MatchString(supplierID) {
		return domain.DeliveryStats{}, fmt.Errorf("invalid supplier id %q", supplierID)
	}
	flux := fmt.Sprintf(`
data = from(bucket: "%s")
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == "%s" and r.supplier_id == "%s")
delay = data |> filter(fn: (r) => r._field == "delay_hours") |> group() |> mean() |> set(key: "_field", value: "avg_delay")
total = data |> filter(fn: (r) => r._field == "on_time") |> group() |> count() |> toFloat() |> set(key: "_field", value: "total")
late = data
  |> filter(fn: (r) => r._field == "on_time" and r._value == false)
  |> group()
  |> count()
  |> toFloat()
  |> set(key: "_field", value: "late")
union(tables: [delay, total, late]) |> keep(columns: ["_field", "_value"])
`, c.bucket, fluxDuration(window), latencyMeasurement, supplierID)

	var stats domain.DeliveryStats
	err := c.each(ctx, flux, func(rec *query.FluxRecord) {
		addStat(&stats, rec)
	})
	return stats, err
}

func (c *Client) each(ctx context.Context, flux string, fn func(*query.FluxRecord)) error {
	result, err := c.query.Query(ctx, flux)
	if err != nil {
		return fmt.Errorf("influx query failed: %w", err)
	}
	defer result.Close()
	for result.Next() {
		fn(result.Record())
	}
	if result.Err() != nil {
		return fmt.Errorf("error reading influx results: %w", result.Err())
	}
	return nil
}

// fluxDuration renders d as a Flux duration literal in the largest whole unit.
func fluxDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}
