// Package database provides relational storage for SmartAccess Core.
//
// Two drivers are supported behind one API:
//   - sqlite3 (mattn/go-sqlite3): single writer, WAL mode, BEGIN IMMEDIATE
//   - pgx (jackc/pgx/v5/stdlib): pooled, row locking with SKIP LOCKED
//
// Queries are written once with ? placeholders; DB and Tx rebind them for
// the active Dialect.
//
// # Unit of Work
//
// Every multi-row write goes through WithinTx:
//
//	err := db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
//	    if _, err := tx.ExecContext(ctx, "UPDATE devices SET status = ? WHERE id = ?", s, id); err != nil {
//	        return err
//	    }
//	    return outbox.Append(ctx, tx, entry)
//	})
//
// fn returning an error (or panicking) rolls back; nil commits.
//
// # Migrations
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and
// passed in as an fs.FS, one directory per dialect:
//
//	source, _ := migrations.ForDriver(db.Dialect().String())
//	if err := db.Migrate(ctx, source); err != nil {
//	    return err
//	}
//
// Migrations are additive only: new columns must be NULLABLE or carry a
// DEFAULT.
package database
