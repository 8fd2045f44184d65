// Package influxdb records Gray Lift telemetry in InfluxDB v2.
//
// Three measurements are written: relay_status (one point per connection
// status change), elevator_state (one point per state machine transition)
// and link_command (round-trip time of each device command). Writes are
// batched and non-blocking; failures arrive through SetOnError.
//
// InfluxDB is optional. Connect returns ErrDisabled when it is switched off
// and the rest of the system runs without telemetry history.
package influxdb
