package dbadmin

import (
	"errors"

	"github.com/lib/pq"
)

// PostgreSQL truncates identifiers beyond NAMEDATALEN-1 bytes.
const maxIdentifierLength = 63

var (
	// ErrDatabaseInUse is returned when a drop is refused because the
	// database still has connections. Retryable after TerminateBackends.
	ErrDatabaseInUse = errors.New("database has active connections")

	// ErrSourceDatabaseInUse is returned when a clone is refused because
	// the template source still has connections.
	ErrSourceDatabaseInUse = errors.New("source database has active connections")
)

const stateObjectInUse = pq.ErrorCode("55006")

func isSQLState(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

// RoleName derives the role and database name of an instance. Truncation
// mirrors what the server would do on its own, so stored names always
// round-trip.
func RoleName(namespace, release, name string) string {
	role := namespace + "-" + release + "-" + name
	if len(role) > maxIdentifierLength {
		role = role[:maxIdentifierLength]
	}
	return role
}

// RolePrefix is shared by every role of one release in one namespace.
// Namespaces and release names are DNS labels, so the prefix is safe to
// use in a LIKE pattern without escaping.
func RolePrefix(namespace, release string) string {
	return namespace + "-" + release + "-"
}
