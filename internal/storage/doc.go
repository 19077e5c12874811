// Package storage keeps the authoritative in-memory job records and mirrors
// every change into optional snapshot tiers.
//
// Memory is the source of truth for live jobs. Each create and update is
// additionally written through, asynchronously and best-effort, to the
// configured tiers: a Redis key-value store with a rolling TTL and an
// S3-compatible bucket holding JSON documents. Reads consult memory first and
// fall back through the tiers in order, so a job's final state stays
// retrievable after the in-memory record has been purged or the process has
// restarted.
package storage
