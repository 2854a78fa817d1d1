// Package observability provides structured logging and metrics for the
// gateway.
//
// This package implements:
//   - Logger construction from environment settings (zap-based)
//   - An atomic counter collector feeding the /admin/metrics surface
//     (request rate, cache hit rate, error rate, per-provider latency)
package observability
