package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTabletMetric writes a single tablet measurement to InfluxDB.
//
// This is the primary method for recording tablet telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - tabletID: The tablet's logical identity (e.g. "lobby-tablet")
//   - field: The stat name as reported by the device (e.g. "battery")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteTabletMetric("lobby-tablet", "battery", 87)
//	client.WriteTabletMetric("lobby-tablet", "freeMemMb", 412)
func (c *Client) WriteTabletMetric(tabletID, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"tablet_stats",
		map[string]string{
			"tablet_id": tabletID,
			"field":     field,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTabletStats extracts and writes every numeric field from a status
// report. Non-numeric fields are skipped; the stats blob is opaque and only
// its numbers are chartable.
func (c *Client) WriteTabletStats(tabletID string, stats map[string]any) {
	if !c.IsConnected() {
		return
	}

	for field, val := range stats {
		switch v := val.(type) {
		case float64:
			c.WriteTabletMetric(tabletID, field, v)
		case int:
			c.WriteTabletMetric(tabletID, field, float64(v))
		case int64:
			c.WriteTabletMetric(tabletID, field, float64(v))
		case bool:
			boolVal := 0.0
			if v {
				boolVal = 1.0
			}
			c.WriteTabletMetric(tabletID, field, boolVal)
		}
	}
}

// WriteFleetGauge writes a fleet-level counter (connected tablets, observer
// count) for capacity dashboards.
func (c *Client) WriteFleetGauge(name string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet",
		map[string]string{
			"gauge": name,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
