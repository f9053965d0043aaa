// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz, /readyz and /api/health for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/jobs and GET /api/jobs/{job_id} for public intake and polling.
//   - /api/worker/jobs/... for workers presenting X-Worker-Key.
package api
