package db

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"trade_engine/pkg/logger"
)

const (
	createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	selectMigration = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`
	insertMigration = `INSERT INTO schema_migrations (name) VALUES ($1)`
)

type Migration struct {
	Name string
	SQL  string
}

// LoadMigrations reads every *.sql file in dir, ordered by name.
func LoadMigrations(dir string) ([]Migration, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, errors.Wrap(err, "glob migrations")
	}
	sort.Strings(files)

	res := make([]Migration, 0, len(files))
	for _, f := range files {
		body, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", f)
		}
		res = append(res, Migration{Name: filepath.Base(f), SQL: string(body)})
	}
	return res, nil
}

// Migrate applies the migrations not yet recorded, each in its own
// transaction, and returns the names it applied.
func Migrate(ctx context.Context, m TxManager, migrations []Migration) ([]string, error) {
	err := m.RunMaster(ctx, func(ctxTx context.Context, tx Transaction) error {
		_, err := tx.Exec(ctxTx, createMigrationsTable)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create schema_migrations")
	}

	var applied []string
	for _, mg := range migrations {
		if strings.TrimSpace(mg.SQL) == "" {
			continue
		}
		done := false
		err := m.RunMaster(ctx, func(ctxTx context.Context, tx Transaction) error {
			var exists bool
			if err := tx.QueryRow(ctxTx, selectMigration, mg.Name).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctxTx, mg.SQL); err != nil {
				return err
			}
			if _, err := tx.Exec(ctxTx, insertMigration, mg.Name); err != nil {
				return err
			}
			done = true
			return nil
		})
		if err != nil {
			return applied, errors.Wrapf(err, "migration %s", mg.Name)
		}
		if done {
			logger.Info("[DB] applied %s", mg.Name)
			applied = append(applied, mg.Name)
		}
	}
	return applied, nil
}
