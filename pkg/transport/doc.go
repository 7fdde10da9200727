// Package transport connects clients to the run pipeline.
//
// RunCreator is the create-run contract: a request carries the uploaded
// files (already staged on disk) and the instruction, and the result carries
// the pipeline outcome together with the persisted run record. RunReader
// serves lookups of finished runs and their artifacts. Service implements
// both on top of a pipeline, a storage.RunStore and an artifacts.Store.
//
// # Middleware
//
// Middleware wraps a RunCreator with cross-cutting behavior. Built-in
// middleware provides panic recovery, request ID assignment (X-Request-ID)
// and structured logging via log/slog. HTTP concerns such as multipart
// parsing, authentication and metrics live in the transport/http package.
package transport
