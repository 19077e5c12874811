// Package api hosts the HTTP handlers that front the FrameMill render
// service.
//
// The handlers assembled by Handler coordinate request validation, owner
// fingerprinting, and response shaping while delegating asset downloads to
// an injected Ingester, job records to the storage.JobStore, and execution
// to the render queue. The package does not reach for globals or singletons
// and expects callers to supply fully configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server
// has already enforced request identity, rate limiting, metrics, and logging
// concerns. New routes should preserve that contract by avoiding duplicate
// validation and by leaning on the middleware guarantees established in the
// server stack.
package api
