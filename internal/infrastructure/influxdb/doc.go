// Package influxdb provides the optional telemetry sink for Fleetcore.
//
// When enabled, numeric fields from tablet status reports (battery level,
// free memory, whatever the devices choose to report) are written to
// InfluxDB for dashboards and long-term trending. The sink is strictly
// write-only and best-effort: a missing or unhealthy InfluxDB never affects
// fleet coordination.
//
// Writes are non-blocking and batched by the underlying client.
package influxdb
