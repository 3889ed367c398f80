// Package logx configures solid-queue's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON lines for stdout or file sinks when configured
//   - A zero value that never writes
package logx
