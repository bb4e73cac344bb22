// Package database opens the SQLite file that stores relay state history
// and applies its schema migrations.
//
// The handle allows one writer, the bridge, with WAL mode so the API can
// read history concurrently. Files are created 0600.
//
// Migrations are additive: new columns are nullable or defaulted, and each
// YYYYMMDD_HHMMSS_name.up.sql has a matching .down.sql kept for manual
// rollback.
package database
