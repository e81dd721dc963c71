// Package resolver contains the dependency resolver core for stage-based
// workflows. It maps persisted stage statuses onto the dependency graph and
// reports which stages are ready, blocked, or unreachable after a failure.
package resolver
