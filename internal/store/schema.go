// Package store provides the SQLite-backed blob cache exercised by the harness.
package store

// Schema contains the SQL schema of the cache file. The table is append-only
// and the index on source is deliberately non-unique: writers cycle through a
// small key space, so duplicate keys accumulate for the lifetime of the file.

// CreateDataTableSQL creates the blob table.
const CreateDataTableSQL = `CREATE TABLE IF NOT EXISTS data (source TEXT, data BLOB)`

// CreateDataIndexSQL creates the non-unique lookup index on source.
const CreateDataIndexSQL = `CREATE INDEX IF NOT EXISTS data_index ON data(source)`

// InsertSQL appends one record. Existing rows with the same key are never touched.
const InsertSQL = `INSERT INTO data (source, data) VALUES (?, ?)`

// LookupLatestSQL returns the most recently inserted record for a key.
const LookupLatestSQL = `SELECT source, data FROM data WHERE source = ? ORDER BY rowid DESC LIMIT 1`

// LookupAllSQL returns every record for a key, oldest first.
const LookupAllSQL = `SELECT source, data FROM data WHERE source = ? ORDER BY rowid ASC`

// CountSQL counts all records.
const CountSQL = `SELECT COUNT(*) FROM data`

// KeysSQL lists every key in insertion order.
const KeysSQL = `SELECT source FROM data ORDER BY rowid ASC`

// ScanSQL reads every payload length; used to prove a full table scan succeeds.
const ScanSQL = `SELECT source, length(data) FROM data`

// AllSchemaSQL returns all SQL statements needed to initialize the cache file.
func AllSchemaSQL() []string {
	return []string{
		CreateDataTableSQL,
		CreateDataIndexSQL,
	}
}
