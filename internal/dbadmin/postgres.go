package dbadmin

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	roleExistsQuery        = `SELECT rolname FROM pg_roles WHERE rolname = $1`
	databaseOwnerQuery     = `SELECT pg_get_userbyid(datdba) FROM pg_database WHERE datname = $1`
	listRolesQuery         = `SELECT rolname FROM pg_roles WHERE rolname LIKE $1`
	terminateBackendsQuery = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
)

// EnsureRoleAndDatabase converges role and database toward the desired
// state. The password is converged on every call: a role retained across
// an instance deletion must accept the freshly generated credentials when
// the instance is recreated under the same name.
func (d *dbAdminImpl) EnsureRoleAndDatabase(ctx context.Context, name, password string) error {
	ctx, cancel := context.WithTimeout(ctx, d.statementTimeout)
	defer cancel()

	roleExists, err := d.roleExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up role %s: %w", name, err)
	}
	if !roleExists {
		stmt := fmt.Sprintf("CREATE ROLE %s LOGIN CREATEDB PASSWORD %s",
			pq.QuoteIdentifier(name), pq.QuoteLiteral(password))
		if err := d.querier.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create role %s: %w", name, err)
		}
		auditLogger.Info("created role", "role", name)
	} else {
		stmt := fmt.Sprintf("ALTER ROLE %s WITH LOGIN CREATEDB PASSWORD %s",
			pq.QuoteIdentifier(name), pq.QuoteLiteral(password))
		if err := d.querier.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to update role %s: %w", name, err)
		}
		auditLogger.Info("updated role password", "role", name)
	}

	owner, dbExists, err := d.databaseOwner(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up database %s: %w", name, err)
	}
	switch {
	case !dbExists:
		stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pq.QuoteIdentifier(name), pq.QuoteIdentifier(name))
		if err := d.querier.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create database %s: %w", name, err)
		}
		auditLogger.Info("created database", "database", name, "owner", name)
	case owner != name:
		stmt := fmt.Sprintf("ALTER DATABASE %s OWNER TO %s",
			pq.QuoteIdentifier(name), pq.QuoteIdentifier(name))
		if err := d.querier.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to change owner of database %s: %w", name, err)
		}
		auditLogger.Info("changed database owner", "database", name, "owner", name, "previousOwner", owner)
	}

	return nil
}

// DropRoleAndDatabase removes the database first, then the role. Both are
// absent-tolerant. It terminates nothing itself; on ErrDatabaseInUse the
// caller decides whether to TerminateBackends and retry.
func (d *dbAdminImpl) DropRoleAndDatabase(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, d.statementTimeout)
	defer cancel()

	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(name))
	if err := d.querier.exec(ctx, stmt); err != nil {
		if isSQLState(err, stateObjectInUse) {
			return fmt.Errorf("failed to drop database %s: %w: %w", name, ErrDatabaseInUse, err)
		}
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}

	roleExists, err := d.roleExists(ctx, name)
	if err != nil {
		return fmt.Errorf("dropped database %s but failed to look up role: %w", name, err)
	}
	if !roleExists {
		return nil
	}

	stmt = fmt.Sprintf("DROP OWNED BY %s", pq.QuoteIdentifier(name))
	if err := d.querier.exec(ctx, stmt); err != nil {
		return fmt.Errorf("dropped database %s but failed to drop objects owned by the role: %w", name, err)
	}
	stmt = fmt.Sprintf("DROP ROLE IF EXISTS %s", pq.QuoteIdentifier(name))
	if err := d.querier.exec(ctx, stmt); err != nil {
		return fmt.Errorf("dropped database %s but failed to drop the role: %w", name, err)
	}
	auditLogger.Info("dropped role and database", "role", name)

	return nil
}

// TerminateBackends kills every connection to the database except our own.
func (d *dbAdminImpl) TerminateBackends(ctx context.Context, database string) error {
	ctx, cancel := context.WithTimeout(ctx, d.statementTimeout)
	defer cancel()

	if err := d.querier.exec(ctx, terminateBackendsQuery, database); err != nil {
		return fmt.Errorf("failed to terminate backends of database %s: %w", database, err)
	}
	auditLogger.Info("terminated backends", "database", database)

	return nil
}

// CloneDatabase replaces target with a copy of source. The template copy
// requires source to have no connections; that failure maps to
// ErrSourceDatabaseInUse so callers can distinguish it from a busy target.
func (d *dbAdminImpl) CloneDatabase(ctx context.Context, source, target, owner string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cloneTimeout)
	defer cancel()

	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(target))
	if err := d.querier.exec(ctx, stmt); err != nil {
		if isSQLState(err, stateObjectInUse) {
			return fmt.Errorf("failed to drop database %s before cloning: %w: %w", target, ErrDatabaseInUse, err)
		}
		return fmt.Errorf("failed to drop database %s before cloning: %w", target, err)
	}

	stmt = fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s OWNER %s",
		pq.QuoteIdentifier(target), pq.QuoteIdentifier(source), pq.QuoteIdentifier(owner))
	if err := d.querier.exec(ctx, stmt); err != nil {
		if isSQLState(err, stateObjectInUse) {
			return fmt.Errorf("failed to clone database %s from %s: %w: %w", target, source, ErrSourceDatabaseInUse, err)
		}
		return fmt.Errorf("failed to clone database %s from %s: %w", target, source, err)
	}
	auditLogger.Info("cloned database", "source", source, "target", target, "owner", owner)

	return nil
}

// ReconcileStaleRoles drops role and database for every role matching the
// release prefix whose instance is no longer in current. A busy database
// does not stop the sweep; its error is folded into the returned error and
// the role is retried on the next run.
func (d *dbAdminImpl) ReconcileStaleRoles(ctx context.Context, namespace, release string, current []string) ([]string, error) {
	listCtx, cancel := context.WithTimeout(ctx, d.statementTimeout)
	roles, err := d.querier.queryStrings(listCtx, listRolesQuery, RolePrefix(namespace, release)+"%")
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to list roles with prefix %s: %w", RolePrefix(namespace, release), err)
	}

	expected := make(map[string]struct{}, len(current))
	for _, name := range current {
		expected[RoleName(namespace, release, name)] = struct{}{}
	}

	var dropped []string
	var errs []error
	for _, role := range roles {
		if _, ok := expected[role]; ok {
			continue
		}
		if err := d.DropRoleAndDatabase(ctx, role); err != nil {
			errs = append(errs, err)
			continue
		}
		auditLogger.Info("dropped stale role", "role", role)
		dropped = append(dropped, role)
	}

	return dropped, errors.Join(errs...)
}

func (d *dbAdminImpl) roleExists(ctx context.Context, name string) (bool, error) {
	roles, err := d.querier.queryStrings(ctx, roleExistsQuery, name)
	if err != nil {
		return false, err
	}
	return len(roles) > 0, nil
}

func (d *dbAdminImpl) databaseOwner(ctx context.Context, name string) (string, bool, error) {
	owners, err := d.querier.queryStrings(ctx, databaseOwnerQuery, name)
	if err != nil {
		return "", false, err
	}
	if len(owners) == 0 {
		return "", false, nil
	}
	return owners[0], true, nil
}
