// Package broadcast decouples pipeline workers from live subscriber delivery.
//
// The Dispatcher owns a bounded queue drained by a single goroutine. Enqueue never blocks:
// when the queue is full the configured overflow policy drops either the new reading or the
// oldest queued one. Publish failures are logged and counted, never returned to the producer.
package broadcast
