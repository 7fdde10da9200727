// Package api defines the wire types shared by the autoscript service:
// run records as returned by the HTTP API, run status transitions,
// structured error values and ID generation.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O.
//
// Core types:
//   - [Run]: Record of one instruction-to-artifact pipeline run
//   - [RunStatus]: Lifecycle state of a run
//   - [APIError]: Structured error with type, code, param, and message
package api
