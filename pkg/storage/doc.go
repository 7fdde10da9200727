// Package storage defines the RunStore contract for persisting pipeline run
// records and the helpers shared by its adapters: sentinel errors, tenant
// context and list pagination.
//
// Adapters live in sub-packages: memory (process-local, LRU bounded) and
// postgres (pgx with embedded migrations).
package storage
