// Package api hosts the HTTP server, middleware, and REST handlers.
// Routes:
//   - GET /healthz and /readyz for health checks; readyz fails once the browser
//     session is gone.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cases runs one query through the dispatcher and waits for
//     its response.
package api
