// Package storage defines interfaces for persisting tenants, caller
// credentials, provider credentials, consent states, and token records.
// Backends: memory (development, tests, single instance) and sqlite
// (durable single-node deployments).
package storage
