// Package logx wraps zerolog behind a small structured-logging API with a
// live root logger that can be reconfigured at runtime.
package logx
