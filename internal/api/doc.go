// Package api hosts the optional status server for a running crawl:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for the coordinator's phase and queue depth.
package api
