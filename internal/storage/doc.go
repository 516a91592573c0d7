// Package storage owns the bot's SQLite store.
//
// InitDatabase brings the schema up idempotently and refuses to continue on an
// unreachable or corrupt database file. After that the runtime uses:
//   - TouchUser (record a user on every inbound update)
//   - AppendAudit (operator actions)
package storage
