// Package observability provides structured logging and metrics for the
// auth gate.
//
// This package implements:
//   - Structured logging (zap-based) with JSON or console encoding
//   - Prometheus metrics for authorization outcomes and key set fetches
//
// Rejection reasons are only ever exposed here, never in HTTP responses.
package observability
