// Package hissync moves rows from a hospital information system database to
// a central raw API.
//
// # Architecture
//
// A sync run reads one SQL script, executes it against the HIS database
// (MySQL or PostgreSQL) and posts every normalized row to the raw API, one
// record per request or in fixed-size batches:
//
//	script -> extract (retry on lost connections) -> normalize -> deliver
//
// Transient database failures and retryable HTTP statuses are retried with
// exponential backoff. Failed rows are appended to a plain-text failure log
// so an operator can replay them.
//
// # Layout
//
//   - cmd/hissync: the CLI (run, listen, serve, config, version)
//   - internal/pipeline: the run coordinator
//   - internal/trigger: MQTT and Kafka triggers
//   - internal/sinkapi: the insert-only raw API backed by PostgreSQL
//   - pkg/extract, pkg/normalize, pkg/delivery: the run stages
//   - pkg/clients, pkg/retry, pkg/errors: retrying HTTP and error classes
//   - pkg/config, pkg/logger, pkg/metrics, pkg/observability, pkg/failurelog:
//     ambient configuration, logging, metrics, tracing and the failure log
package hissync
