// Package progress carries the engine's leveled, structured events. A Hub
// batches them on a background goroutine and fans them out to pluggable
// sinks: the zap log, Prometheus and the State Store error ring.
package progress
