// Package store provides durable record storage for the practice nudge core.
//
// The Store interface is the only persistence contract the services see. Two
// backends implement it:
//
//   - SQLiteStore: database/sql over github.com/mattn/go-sqlite3, one writer
//     connection, WAL journal, schema versioned with PRAGMA user_version.
//   - JSONStore: a single flat JSON document holding one map per collection
//     keyed by id. Writes go to a copy which is flushed with an atomic rename
//     and swapped in only when the flush succeeded.
//
// # Collections
//
//   - contacts
//   - packages
//   - patient_packages
//   - automated_messages
//   - onboarding_tasks
//   - appointments
//
// Every Find method returns records ordered by id ascending unless the
// filter asks otherwise. A zero filter returns the whole collection.
//
// # Transactions
//
// WithTx runs a function against a transactional view of the store. Either
// every write made through that view is kept or none is. Nested WithTx calls
// are not supported.
package store
