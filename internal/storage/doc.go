// Package storage is the optional persistence layer: an append-only audit
// trail of backup cycles and a small dedup key/value store used by the alert
// notifier. Two drivers: a dependency-free file backend and SQLite (behind
// the "sqlite" build tag).
package storage
