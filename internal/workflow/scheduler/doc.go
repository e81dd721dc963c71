// Package scheduler turns ready stages into runnable batches that respect
// FIFO readiness order plus runtime constraints such as per-workflow and
// global concurrency limits and manual approvals. It is a thin layer that the
// engine calls to decide which stages to dispatch next without
// re-implementing filtering logic.
package scheduler
