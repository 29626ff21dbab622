// Package main hosts the harvester executable.
//
// Architecture overview:
//   - Control process ("harvester serve"): internal/supervisor spawns one engine child per target via
//     "harvester run <target>", relays its output, watches liveness and records unexpected exits. internal/api
//     exposes start/stop/pause/resume/reset plus status, stats and recent errors over chi. internal/scheduler
//     restarts every target whose recurring mode is armed at the daily re-scan time.
//   - Engine child ("harvester run"): internal/engine runs Phase 1 (link collection per section, checkpointed
//     offsets) and Phase 2 (detail crawl of the shared queue), then stays in recurring mode. Site knowledge lives
//     in internal/source adapters; fetching goes through the colly fetcher behind the rate limiter and retry policy.
//   - State: internal/state binds a Postgres (pgx) or in-memory backend to one target. Every process talks to the
//     same store, so status, pause flags and counters are shared without IPC.
//   - Output: internal/corpus appends NDJSON items and downloads attachments into the configured BlobStore
//     (local or GCS), optionally announcing each item on Pub/Sub.
//   - Plumbing: viper loads config from file and HARVESTER_* env; zap logs; Prometheus metrics are served at
//     /metrics; progress events fan out to log, metric and error-ring sinks.
//
// Operational notes:
//   - SIGINT/SIGTERM on the control process stops every child gracefully before exiting. A child that ignores
//     SIGTERM past the grace period is killed.
//   - Stats scans of large corpora are bounded by supervisor.stats_timeout_seconds; a slow scan returns partial
//     numbers rather than blocking the API.
package main

import (
	"os"

	"github.com/JakeFAU/govdoc-harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
