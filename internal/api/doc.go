// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/notes and PATCH /v1/notes/{note_id} for note capture and edits.
//   - POST /v1/notes/{note_id}/requeue and /v1/admin/recover for operator
//     intervention when processing parks or stalls.
//   - GET /v1/stats for queue depths and ingestion poll recency.
package api
