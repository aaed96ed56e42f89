// Package logx is the bot's structured logging layer.
//
// It wraps zerolog behind a small value-type Logger:
//   - console output stays readable (short timestamp, short caller)
//   - file output is JSON, one event per line
//   - an optional report sink forwards WARN+ events to an operator chat,
//     rate limited so a burst of failures cannot flood the chat
package logx
