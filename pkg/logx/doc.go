// Package logx is txkernel's structured logging: a thin Logger over zerolog
// with typed Field helpers, a Service whose sinks (console text or JSON, JSON
// file) can be swapped at runtime, and a Throttle for repeated warnings.
package logx
