// Package config handles loading and validating Gray Lift Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with GRAYLIFT_* environment variables
//   - Validation of required fields and link/elevator timings
//
// Credentials (MQTT password, InfluxDB token) should be supplied through the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Links.Relay.CommandTimeout)
package config
