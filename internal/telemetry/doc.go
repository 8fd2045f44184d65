// Package telemetry fans relay and elevator events out to MQTT and
// InfluxDB, and accepts elevator commands over MQTT.
//
// Published topics (see mqtt.Topics):
//
//	graylift/relay/{id}/status         retained relay status
//	graylift/elevator/{id}/state       retained elevator state
//	graylift/elevator/{id}/arrival     floor arrivals
//	graylift/command/elevator/{id}     inbound elevator commands
//
// Either sink may be nil; publishing is best-effort and failures are
// logged.
package telemetry
