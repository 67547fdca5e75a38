// Package app sequences the per-reading use case.
//
// Pipeline classifies, persists and broadcasts one reading; HealthMonitor
// keeps the scoring service's availability visible between readings.
// Depends on domain interfaces, not concrete adapters.
package app
