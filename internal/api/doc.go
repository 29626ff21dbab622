// Package api hosts the control-plane HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the state store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets and /v1/targets/{identity}/status|stats|errors.
//   - POST /v1/targets/{identity}/start|stop|pause|resume|reset.
package api
