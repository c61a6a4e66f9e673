// Package sinks implements concrete lifecycle event consumers such as
// Prometheus collectors and structured logging. Each sink satisfies the
// events.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
