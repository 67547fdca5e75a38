// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (reading.go, classification.go, deadletter.go) hold shared value
// types and the ports the pipeline depends on. No implementation code - just contracts.
// Interfaces live here so adapters and the app layer never import each other.
package domain
