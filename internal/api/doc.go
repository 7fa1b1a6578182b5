// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start a crawl, GET /v1/jobs[/{job_id}] for status and
//     POST /v1/jobs/{job_id}/stop to cancel one.
//   - GET /v1/records, /v1/stats and /v1/export/{format} over stored records.
package api
