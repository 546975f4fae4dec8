// Package wnsmsync bridges the Wiener Netze smart meter portal to MQTT.
//
// # Architecture
//
// The service is structured into several key packages:
//   - auth: log.wien login flow as an explicit state machine
//   - session: session state and the JSON session file
//   - smartmeter: authenticated client for the B2C, B2B and ALT APIs
//   - normalizer: exact-decimal cumulative series from raw readings
//   - publisher: MQTT publishing and Home Assistant discovery
//   - pipeline: one sync run from login to publish
//   - scheduler: periodic runs
//   - retry, apierr: bounded linear backoff and error classification
//   - metrics: prometheus collectors, /metrics and /healthz
//   - config, models: configuration and shared data structures
//
// Key Features
//
//   - Session reuse:
//     A saved session is restored on every run; logging in again only
//     happens when the access token is missing or expired.
//
//   - Exact sums:
//     Readings are accumulated as decimals, so a cumulative sum never
//     drifts the way repeated float addition does.
//
//   - Home Assistant:
//     Each point is published retained under its own topic, the latest one
//     on the state topic, next to a discovery message for an energy sensor.
//
// Example Usage
//
//	client, _ := smartmeter.NewClient(creds, smartmeter.Options{}, logger)
//	if err := client.Login(ctx); err != nil {
//	    return err
//	}
//	data, err := client.Bewegungsdaten(ctx, zp, models.IncrementalWindow(time.Now(), 7), smartmeter.QuarterHour, "")
//	points := normalizer.New(logger).Normalize(normalizer.FromBewegungsdaten(data))
//
// For more information about specific packages, see their respective
// documentation.
package wnsmsync
