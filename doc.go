// Package clearmap turns PostGIS relations into vector tile archives.
//
// A production reads every configured relation through a server-side cursor,
// one transaction per relation, and streams each row as a GeoJSON feature
// into a single tippecanoe process per job. Writes to the process honor a
// high-water mark so memory stays flat however large a relation is. When the
// process exits its output is renamed into place and optionally uploaded.
//
// # Layout
//
//   - cmd/clearmap: the CLI (run, columns, version)
//   - internal/pipeline: feature transform, flow-controlled sink, tile build
//     jobs and the retry queue
//   - pkg/postgis: connection registry, column resolution, cursor extraction
//   - pkg/modify: configurable per-feature mutation
//   - pkg/publish: artifact upload to S3
//   - pkg/config, pkg/logger, pkg/metrics, pkg/observability: ambient stack
//
// # Failure handling
//
// A job is retried as a whole, re-reading every relation, up to the configured
// number of retries. A failed attempt never leaves a partial artifact behind.
package clearmap
