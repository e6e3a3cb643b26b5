// Package main hosts the deka service entrypoint.
//
// Architecture overview:
//   - Inbound: a websocket relay (internal/relay) and an HTTP API (internal/api) turn payloads into
//     deka.Request values and enqueue them on one dispatcher. The CLI does the same for a single query.
//   - Dispatcher: a mirror stage answers from dekasuksa.com when it can; everything else goes to one worker
//     that owns the browser session, so at most one browser query runs at a time. Responses leave in the
//     order requests arrived.
//   - Automation: chromedp drives deka.supremecourt.or.th search forms on a fresh tab per query.
//     Screenshots go to the configured blob store (memory/local/GCS).
//   - Configuration & plumbing: Viper reads config files and DEKA_* env vars; zap logs; Prometheus metrics
//     are served on /metrics.
//
// Operational notes:
//   - SIGINT/SIGTERM stop intake, let the running browser query finish and answer everything still queued
//     with a shutdown error.
//   - A lost browser session stops the service with a non-zero exit. There is no reconnect.
//   - Run locally: go run ./cmd/deka serve --config config.yaml, or
//     go run ./cmd/deka query number 264/2567 --long.
package main
