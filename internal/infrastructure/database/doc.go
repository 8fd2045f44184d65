// Package database provides SQLite connectivity for Gray Lift Core.
//
// It opens the store with WAL mode and a busy timeout, pins the pool to a
// single connection (SQLite has one writer) and applies embedded schema
// migrations in version order.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
// Files are named YYYYMMDD_HHMMSS_description.up.sql with an optional
// matching .down.sql.
package database
