// Package database provides the SQLite connection behind the optional
// publish audit sink.
//
// It manages:
//   - the connection, with WAL mode and a busy timeout
//   - versioned schema migrations read from an fs.FS
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Audit.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements. Database files are created
// with 0600 permissions.
package database
