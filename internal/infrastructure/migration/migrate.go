package migration

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// database and source drivers register themselves on import
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/config"
)

// Migrator is the part of *migrate.Migrate the runner uses.
type Migrator interface {
	Up() error
	Version() (uint, bool, error)
	Close() (error, error)
}

// Engine opens a Migrator. Tests replace it to avoid touching a database.
type Engine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	cfg    *config.Config
	engine Engine
	log    *slog.Logger
}

func NewMigration(cfg *config.Config, engine Engine, log *slog.Logger) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		cfg:    cfg,
		engine: engine,
		log:    log.With(slog.String("component", "migration")),
	}
}

func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// Up applies every pending migration from the configured directory.
func (mg *Migration) Up() (err error) {
	m, err := mg.engine("file://"+mg.cfg.DB.Migrations, mg.cfg.DB.DatabaseURI)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			err = errors.Join(err, fmt.Errorf("migration source: %w", serr))
		}
		if dberr != nil {
			err = errors.Join(err, fmt.Errorf("migration database: %w", dberr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version: %w", verr)
	}
	if dirty {
		return fmt.Errorf("migration version %d is dirty", version)
	}
	mg.log.Info("schema is up to date", slog.Uint64("version", uint64(version)))
	return nil
}
