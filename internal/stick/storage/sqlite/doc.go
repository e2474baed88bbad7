// Package sqlite contains the SQLite repository implementation for stick
// domain types.
//
// All database read/write operations for device profiles and adaptation
// events belong here rather than in the domain package. This keeps the
// conditioning pipeline free of SQL noise and makes it easy to swap storage
// backends for testing (the session tests use an in-memory fake).
package sqlite
