// Package api hosts the HTTP server, middleware, and REST handlers over the
// document store. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/firms, /v1/documents, /v1/history, /v1/search, /v1/stats and
//     /v1/merged for reads; a firm that does not exist yields an empty result.
//   - POST /v1/firms/{firm}/ingest to ingest a crawler batch. It is bounded
//     by its own deadline and always answers with the batch report.
package api
