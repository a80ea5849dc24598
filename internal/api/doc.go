// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/indexers lists registered platforms and whether they are enabled.
//   - POST /v1/indexers/{platform}/run queues an invocation.
//   - GET /v1/runs and /v1/runs/{run_id} report run history.
//   - GET /v1/content/{platform}/{external_id} returns one indexed record.
package api
