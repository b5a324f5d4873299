// Package logx is fleetrun's structured logging: a small Logger value on top
// of zerolog with field helpers, and a Service that routes records to the
// console, a JSON file and journald, reconfigurable while running.
package logx
