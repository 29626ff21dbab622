// Package crawler defines the core types shared across the harvester
// subsystems: pipeline status, pagination checkpoints, link records, corpus
// documents and the small interfaces (fetcher, blob store, publisher, clock)
// that the engine and supervisor are written against.
package crawler
