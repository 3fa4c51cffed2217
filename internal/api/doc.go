// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/fetched and /v1/blocked for frontier inspection.
package api
