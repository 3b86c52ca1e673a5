package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/robalyx/followtrack/internal/batch"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// entryChunkSize bounds the rows of one entries insert statement.
const entryChunkSize = 10_000

// Config locates the database.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	MaxIdleTime  time.Duration
}

// Importer writes batches into PostgreSQL.
type Importer struct {
	db     *bun.DB
	logger *zap.Logger
}

// Connect opens a connection pool and applies pending migrations.
func Connect(ctx context.Context, config Config, logger *zap.Logger) (*Importer, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", config.Host, config.Port)),
		pgdriver.WithUser(config.User),
		pgdriver.WithPassword(config.Password),
		pgdriver.WithDatabase(config.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("followtrack"),
	))

	sqldb.SetMaxOpenConns(config.MaxOpenConns)
	sqldb.SetMaxIdleConns(config.MaxIdleConns)
	sqldb.SetConnMaxLifetime(config.MaxLifetime)
	sqldb.SetConnMaxIdleTime(config.MaxIdleTime)

	importer := NewImporter(bun.NewDB(sqldb, pgdialect.New()), logger)

	if err := importer.Migrate(ctx); err != nil {
		importer.Close()
		return nil, err
	}

	return importer, nil
}

// NewImporter wraps an existing database handle.
func NewImporter(db *bun.DB, logger *zap.Logger) *Importer {
	return &Importer{
		db:     db,
		logger: logger.Named("postgres"),
	}
}

// Migrate creates or upgrades the schema.
func (i *Importer) Migrate(ctx context.Context) error {
	migrator := migrate.NewMigrator(i.db, Migrations)
	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if !group.IsZero() {
		i.logger.Info("Ran migrations", zap.String("group", group.String()))
	}

	return nil
}

// Close closes the connection pool.
func (i *Importer) Close() error {
	return i.db.Close()
}

// lastImported returns the most recent imported batch, or nil for an empty database.
func (i *Importer) lastImported(ctx context.Context) (*batch.Batch, error) {
	var last Batch

	err := i.db.NewSelect().
		Model(&last).
		Order("timestamp DESC", "user_id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to select last batch: %w", err)
	}

	return batch.New(last.Timestamp, uint64(last.UserID), nil, nil), nil
}

// tails returns the newest batch id of every account, the one a new batch links from.
func (i *Importer) tails(ctx context.Context) (map[uint64]int64, error) {
	var rows []Batch

	err := i.db.NewSelect().
		Model(&rows).
		Column("id", "user_id").
		Where("next_id IS NULL").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to select batch tails: %w", err)
	}

	tails := make(map[uint64]int64, len(rows))
	for _, row := range rows {
		tails[uint64(row.UserID)] = row.ID
	}

	return tails, nil
}

// Import inserts batches in order, one transaction per batch. Batches at or
// before the last imported one are skipped, so an interrupted import resumes.
func (i *Importer) Import(ctx context.Context, batches iter.Seq2[*batch.Batch, error]) (int, error) {
	last, err := i.lastImported(ctx)
	if err != nil {
		return 0, err
	}

	tails, err := i.tails(ctx)
	if err != nil {
		return 0, err
	}

	imported := 0

	for b, err := range batches {
		if err != nil {
			return imported, err
		}

		if last != nil && batch.Compare(b, last) <= 0 {
			continue
		}

		previous, hasPrevious := tails[b.UserID]

		id, err := i.insertBatch(ctx, b, previous, hasPrevious)
		if err != nil {
			return imported, err
		}

		tails[b.UserID] = id
		imported++

		if imported%10_000 == 0 {
			i.logger.Info("Import progress", zap.Int("imported", imported), zap.Time("timestamp", b.Timestamp))
		}
	}

	i.logger.Info("Finished import", zap.Int("imported", imported))

	return imported, nil
}

func (i *Importer) insertBatch(ctx context.Context, b *batch.Batch, previous int64, hasPrevious bool) (int64, error) {
	var id int64

	err := transaction(ctx, i.db, func(ctx context.Context, tx bun.Tx) error {
		row := &Batch{UserID: int64(b.UserID), Timestamp: b.Timestamp}

		if _, err := tx.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert batch: %w", err)
		}

		for chunk := range slices.Chunk(Entries(row.ID, b), entryChunkSize) {
			if _, err := tx.NewInsert().Model(&chunk).Exec(ctx); err != nil {
				return fmt.Errorf("failed to insert entries: %w", err)
			}
		}

		if hasPrevious {
			_, err := tx.NewUpdate().
				Model((*Batch)(nil)).
				Set("next_id = ?", row.ID).
				Where("id = ?", previous).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to link batch %d: %w", previous, err)
			}
		}

		id = row.ID

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to import batch for %d at %d: %w", b.UserID, b.Timestamp.Unix(), err)
	}

	return id, nil
}
