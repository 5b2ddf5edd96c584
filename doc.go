// Package legacysync is an offline-first synchronizing store. It keeps
// records in a durable local backend, mirrors every mutation into a
// durable upload queue, and reconciles both directions with a remote
// REST authority whenever the host reports connectivity: queued
// operations are drained with a bounded retry budget, remote changes
// are pulled since a checkpoint, and divergences are arbitrated by a
// configurable conflict policy. Callers observe the lifecycle through
// typed events instead of polling.
package legacysync
