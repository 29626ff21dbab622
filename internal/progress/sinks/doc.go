// Package sinks implements progress consumers: structured logging,
// Prometheus run metrics and the State Store error ring.
package sinks
