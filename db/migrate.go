package db

import (
	"context"
	"fmt"

	"github.com/vitalbase/vitalbase/common"
)

// Migrate applies the schema model to the database: creates missing tables,
// fills in missing columns additively and builds missing indexes. Safe to
// run on every startup and after an administrative re-index.
func Migrate(ctx context.Context, pg *PostgresDB, model *Model) error {
	stmts := model.DDL()
	for _, stmt := range stmts {
		if err := pg.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed on %q: %w", stmt, err)
		}
	}
	common.Logger.WithField("statements", len(stmts)).
		WithField("schema_version", SchemaVersion).
		Info("schema migration complete")
	return nil
}
