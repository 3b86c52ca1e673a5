package postgres

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations creates the import schema.
var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{(*Batch)(nil), (*Entry)(nil)} {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}

		indexes := []struct {
			name    string
			model   any
			columns []string
		}{
			{"idx_batches_user_id_timestamp", (*Batch)(nil), []string{"user_id", "timestamp"}},
			{"idx_batches_timestamp", (*Batch)(nil), []string{"timestamp"}},
			{"idx_entries_batch_id", (*Entry)(nil), []string{"batch_id"}},
			{"idx_entries_user_id", (*Entry)(nil), []string{"user_id"}},
		}

		for _, index := range indexes {
			_, err := db.NewCreateIndex().
				Model(index.model).
				Index(index.name).
				Column(index.columns...).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create index %s: %w", index.name, err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, model := range []any{(*Entry)(nil), (*Batch)(nil)} {
			if _, err := db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return fmt.Errorf("failed to drop table: %w", err)
			}
		}

		return nil
	})
}
