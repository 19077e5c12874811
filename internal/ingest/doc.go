// Package ingest acquires remote media assets for render jobs.
//
// The enqueue endpoint hands the package a set of source-video and template
// URLs. The package downloads each one into scratch storage, probes template
// geometry and alpha information with ffprobe, and returns a job payload
// whose scratch paths the render engine consumes directly.
//
// Two policies guard the download step:
//
//   - URLs must be HTTPS. Plain HTTP is accepted only when the service runs
//     with insecure sources allowed, and then only for loopback hosts, so
//     local fixtures work in development without opening a proxy vector in
//     production.
//   - Assets are capped at 2 GiB. A declared size above the cap is rejected
//     before any bytes move; an undeclared oversized body is cut off at the
//     cap during streaming and the partial file is removed.
//
// Probing is best-effort. When ffprobe fails or reports no video stream the
// template falls back to metadata that assumes an alpha channel, which keeps
// the template on top during composition, the safer order for unknown
// assets. Failures are logged as warnings and never abort an ingest.
package ingest
