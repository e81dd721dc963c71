// Package graph builds the stage dependency DAG for a workflow definition,
// computes execution layers, and reports dependency cycles with their full
// stage membership.
package graph
