// Package log provides structured logging using zerolog.
//
// A single global Logger is configured once via Init and narrowed with
// the With* helpers to attach a component name or an entity ID to every
// subsequent line.
package log
