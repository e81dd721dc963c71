// Package gate implements the approval gate state machine: quorum counting,
// immediate rejection, and deadline expiry. Gates are plain values persisted
// inside the workflow instance record, so every transition commits through
// the engine's versioned save.
package gate
