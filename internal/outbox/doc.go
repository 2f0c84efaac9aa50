// Package outbox provides a SQLite-backed report journal.
//
// Store implements session.Outbox. Reports are written before they are
// sent and deleted once the platform acknowledges them, so reports that
// were never acknowledged survive both reconnects and process restarts
// and are replayed on the next session.
//
// Each Store instance stamps its entries with a random origin ID. Entries
// whose origin differs from the current one were carried over from an
// earlier run.
package outbox
