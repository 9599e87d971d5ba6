package db

import (
	"strings"

	"github.com/teranos/agentpulse/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically while a run finishes after shutdown closed the connection.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The sql package returns its own unwrapped error, so the message is matched too.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
