package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migration is one embedded schema file
type Migration struct {
	Version  string
	Filename string
}

// Migrations lists the embedded migrations in apply order
func Migrations() ([]Migration, error) {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var result []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		result = append(result, Migration{
			Version:  strings.SplitN(entry.Name(), "_", 2)[0],
			Filename: entry.Name(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Filename < result[j].Filename })
	return result, nil
}

// AppliedVersions returns the versions recorded in schema_migrations.
// A database that was never migrated has none.
func AppliedVersions(db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	var tableCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'").Scan(&tableCount); err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	if tableCount == 0 {
		return applied, nil
	}

	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, errors.Wrap(err, "query schema_migrations")
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[version] = true
	}
	return applied, errors.Wrap(rows.Err(), "iterate schema_migrations")
}

// Migrate runs all pending migrations, each in its own transaction.
// A nil logger operates silently.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	if log != nil {
		log = logger.AddDBSymbol(log)
	}

	all, err := Migrations()
	if err != nil {
		return err
	}

	applied, err := AppliedVersions(db)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		// 000 creates schema_migrations, nothing else may run before it
		if len(applied) == 0 && pending == 0 && m.Version != "000" {
			return errors.Newf("schema_migrations table missing, but first migration is %s", m.Filename)
		}

		sqlBytes, err := migrations.ReadFile(path.Join("sqlite/migrations", m.Filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", m.Filename)
		}

		if log != nil {
			log.Infow("Applying migration", "migration", m.Filename, "version", m.Version)
		}

		if err := applyMigration(db, m, string(sqlBytes)); err != nil {
			return err
		}
		pending++
	}

	if log != nil {
		log.Infow("Migrations complete",
			"applied", pending,
			"total_migrations", len(all),
		)
	}

	return nil
}

func applyMigration(db *sql.DB, m Migration, body string) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.Filename)
	}

	if _, err := tx.Exec(body); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", m.Filename)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", m.Filename)
	}

	return errors.Wrapf(tx.Commit(), "commit %s", m.Filename)
}
