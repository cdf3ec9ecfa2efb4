package influx

import (
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"aegis/internal/domain"
)

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func tag(rec *query.FluxRecord, key string) string {
	s, _ := rec.ValueByKey(key).(string)
	return s
}

// delayBucket maps one pivoted row. Rows without an average delay are dropped.
func delayBucket(rec *query.FluxRecord) (domain.DelayBucket, bool) {
	avg, ok := number(rec.ValueByKey("avg_delay"))
	if !ok {
		return domain.DelayBucket{}, false
	}
	b := domain.DelayBucket{
		Bucket:     rec.Time(),
		LocationID: tag(rec, "location_id"),
		SupplierID: tag(rec, "supplier_id"),
		AvgDelay:   avg,
	}
	b.MaxDelay, _ = number(rec.ValueByKey("max_delay"))
	if n, ok := number(rec.ValueByKey("shipment_count")); ok {
		b.ShipmentCount = int64(n)
	}
	b.TotalValue, _ = number(rec.ValueByKey("total_value"))
	return b, true
}

// anomaly keys a record by supplier, falling back to location.
func anomaly(rec *query.FluxRecord) (domain.AnomalyRecord, bool) {
	score, ok := number(rec.Value())
	if !ok {
		return domain.AnomalyRecord{}, false
	}
	entity := tag(rec, "supplier_id")
	if entity == "" {
		entity = tag(rec, "location_id")
	}
	if entity == "" {
		return domain.AnomalyRecord{}, false
	}
	return domain.AnomalyRecord{
		EntityID:  entity,
		Score:     score,
		Function:  tag(rec, "function"),
		JobID:     tag(rec, "job_id"),
		Timestamp: rec.Time(),
	}, true
}

func addStat(stats *domain.DeliveryStats, rec *query.FluxRecord) {
	v, ok := number(rec.Value())
	if !ok {
		return
	}
	switch rec.Field() {
	case "avg_delay":
		stats.AvgDelayHours = v
	case "total":
		stats.Total = int64(v)
	case "late":
		stats.Late = int64(v)
	}
}
