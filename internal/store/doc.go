// Package store provides persistent storage for the bridge using SQLite.
//
// # Data Models
//
//   - RequestRecord: Ledger entry written once per finished request, holding
//     the final message, reasoning, tool events (as a JSON array) and failure kind
//   - Session: A conversation spanning several requests, pinned to one agent
//     until a handoff moves it
//   - Turn: One prompt/response exchange inside a session
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Turns reference their session with ON DELETE CASCADE, so expiring a session
// drops its history too. Times are stored as RFC3339 strings in UTC.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateRequest: Request id was already recorded
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests that don't care about SQL:
//
//	s := store.NewMockStore()
//
// Use NewSQLiteStore(store.MemoryPath) or a file under t.TempDir() for
// integration tests with real SQLite.
//
// # Migrations
//
// Columns added after the first release are applied by runMigrations, which
// checks pragma_table_info before each ALTER TABLE.
package store
