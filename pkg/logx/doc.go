// Package logx wraps zerolog behind a small Logger facade whose sinks can be
// swapped at runtime (console, file, and an optional admin chat channel).
package logx
