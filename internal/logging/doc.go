// Package logging configures the structured logger shared by the CLI, the
// engine and the bridge.
package logging
