// Package logx is stalewatch's structured logging on top of zerolog.
//
// Loggers are values. A Logger taken from a Service follows every Service.Apply,
// so components keep the logger they were built with across config reloads.
// Console output is human readable with a short caller; the file sink and the
// "json" stdout format stay structured for journald and log shippers.
package logx
