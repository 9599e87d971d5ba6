package commands

import (
	"database/sql"

	"github.com/teranos/agentpulse/db"
	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// openDatabase opens and migrates the database at dbPath
func openDatabase(dbPath string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to prepare database at %s", dbPath)
	}
	return database, nil
}
