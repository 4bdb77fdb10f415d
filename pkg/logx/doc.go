// Package logx provides a small structured logger built on zerolog.
//
// Components receive a logx.Logger value and never touch zerolog directly.
// The zero value is a safe no-op logger, so optional logging dependencies
// don't need nil checks beyond IsZero().
//
// Sinks (console, file, operator channel) are owned by Service and can be
// swapped at runtime via Apply() without re-plumbing loggers through the
// application.
package logx
