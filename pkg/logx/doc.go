// Package logx is smartsend's structured logging on top of zerolog.
//
// Console output stays short (millisecond timestamp, file:line caller), file
// output is JSON, and a Service swaps level, format and outputs when the
// config reloads. Dispatch records share the batch, item and campaign keys
// defined in fields.go.
package logx
