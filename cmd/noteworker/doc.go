// Package main hosts the noteworker service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and note management endpoints. Notes created or edited
//     via the API are persisted through the notes.Store and their IDs fed into the in-process worker queues.
//   - Workers & queues: two independent loops consume note IDs from unbounded in-memory queues. The embedding worker
//     turns note text into vectors via the OpenAI-compatible provider; the enrichment worker extracts URLs from note
//     content and fetches per-link metadata. Each note carries two independent status machines, so embedding and
//     enrichment for the same note may complete in either order.
//   - External ingestion: when enabled, a long-poll loop consumes capture messages (email, Telegram) from a RabbitMQ
//     queue, validates senders against allow-lists, archives raw payloads, persists new notes, and feeds both worker
//     queues. Messages are acknowledged only after the note is durably stored, so processing is at-least-once.
//   - Fetch pipeline: enrichment performs a lightweight probe fetch via the Colly-based fetcher, guarded by an SSRF
//     safety check and a per-host rate limiter, and optionally promotes to a headless Chromedp fetch when the
//     heuristic detector flags a script-rendered page.
//   - Persistence & fanout: notes live in Postgres (or memory for development); raw capture payloads are archived to
//     the configured backend (memory/local/GCS); a compact Pub/Sub notification is published when a topic is
//     configured. Lifecycle events are buffered by the event hub and exported to Prometheus.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the /metrics handler; traces go to Cloud Trace when a project is configured.
//
// Operational notes:
//   - Concurrency model: one consumer goroutine per queue plus the ingestion long-poll; headless fetches have their
//     own semaphore inside the Chromedp fetcher. Shutdown is coordinated via context cancellation propagated from
//     main through the runner to every loop.
//   - Crash recovery: at startup the service re-enqueues notes parked in a queueable status and resets notes left
//     Processing by a previous run, so no note is stranded by a crash. The same sweep is exposed at
//     POST /v1/admin/recover for operator use.
//   - Observability: zap logs carry note IDs and URLs at key transitions; the event hub batches lifecycle events for
//     Prometheus counters; /v1/stats reports queue depths and ingestion poll recency.
//
// Quick checklist:
//   - Configure env vars: NOTEWORKER_SERVER_PORT, NOTEWORKER_EMBEDDING_API_KEY, NOTEWORKER_DATABASE_DSN when
//     persistence beyond memory is required, NOTEWORKER_AMQP_URL plus allow-lists when ingestion is enabled, and
//     storage/pubsub settings for archival and fanout.
//   - Run locally: go run ./cmd/noteworker -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGTERM for graceful drain: the HTTP server stops accepting, queues close, and in-flight
//     notes either finish or are recovered by the next startup sweep.
package main
