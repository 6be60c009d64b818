// Package logx is digestbot's structured logging: a small Logger handle over
// zerolog with readable console output, an optional JSON log file and an
// optional Telegram mirror for warnings and errors. Loggers created from a
// Service follow its configuration across reloads.
package logx
