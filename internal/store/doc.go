// Package store owns the single connection to the embedded SQLite
// database and its schema lifecycle.
//
// # Connection
//
// Conn is the process-wide store handle. Open probes an ordered list
// of candidate locations (explicit config path, the platform data
// directory, then ./data) and the first one that accepts a SELECT 1
// liveness probe wins. Connectivity is mandatory; the engine tuning
// applied after connect is best-effort:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=<configured ms>;
//	PRAGMA cache_size=-64000;
//	PRAGMA synchronous=NORMAL;
//
// Every Query/Execute call is timed. Calls exceeding the configured
// slow-query threshold are counted and logged with the statement but
// never with parameter values.
//
// # Migrations
//
// Migrator applies ordered, versioned DDL scripts exactly once,
// recording each in the schema_migrations ledger table:
//
//	(version INTEGER PRIMARY KEY, description TEXT, applied_at TIMESTAMP)
//
// DDL and ledger insert commit as one transaction; a failed migration
// aborts startup with nothing recorded. An unreadable ledger also
// aborts startup, because re-applying DDL against an unknown schema
// state could conflict with existing objects.
//
// # Errors
//
//   - ErrNoStoreLocation: no candidate location reachable (fatal)
//   - ErrLedgerUnreadable: migration ledger cannot be read (fatal)
//
// All methods accept context.Context for cancellation support.
package store
