// Package engine executes workflow instances. It persists every instance as
// a versioned record, dispatches ready stages to an agent executor within
// per-instance and global parallelism caps, suspends at approval gates and
// resumes from the stored records after a restart.
package engine
