package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/cybozu-go/odoo-operator/internal/dbadmin"
)

// FakeDBAdmin is an in-memory stand-in for the PostgreSQL admin client.
// It tracks roles and databases as one unit, the way the real client
// manages them, and records every call for assertions.
type FakeDBAdmin struct {
	mu sync.Mutex

	// Roles maps role name to the last password it was ensured with.
	Roles map[string]string

	// Busy marks databases whose drops and clones fail with
	// ErrDatabaseInUse until TerminateBackends is called on them.
	Busy map[string]bool

	// Calls records method invocations in order, e.g. "EnsureRoleAndDatabase(ns-odoo-a)".
	Calls []string

	// NextError, when set, is returned by the next mutating call and then
	// cleared.
	NextError error
}

var _ dbadmin.DBAdmin = &FakeDBAdmin{}

func NewFakeDBAdmin() *FakeDBAdmin {
	return &FakeDBAdmin{
		Roles: make(map[string]string),
		Busy:  make(map[string]bool),
	}
}

func (f *FakeDBAdmin) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeDBAdmin) takeError() error {
	err := f.NextError
	f.NextError = nil
	return err
}

func (f *FakeDBAdmin) EnsureRoleAndDatabase(_ context.Context, name, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EnsureRoleAndDatabase(" + name + ")")
	if err := f.takeError(); err != nil {
		return err
	}
	f.Roles[name] = password
	return nil
}

func (f *FakeDBAdmin) DropRoleAndDatabase(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DropRoleAndDatabase(" + name + ")")
	if err := f.takeError(); err != nil {
		return err
	}
	if f.Busy[name] {
		return dbadmin.ErrDatabaseInUse
	}
	delete(f.Roles, name)
	return nil
}

func (f *FakeDBAdmin) TerminateBackends(_ context.Context, database string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TerminateBackends(" + database + ")")
	if err := f.takeError(); err != nil {
		return err
	}
	delete(f.Busy, database)
	return nil
}

func (f *FakeDBAdmin) CloneDatabase(_ context.Context, source, target, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CloneDatabase(" + source + "->" + target + ")")
	if err := f.takeError(); err != nil {
		return err
	}
	if f.Busy[source] {
		return dbadmin.ErrSourceDatabaseInUse
	}
	if f.Busy[target] {
		return dbadmin.ErrDatabaseInUse
	}
	return nil
}

func (f *FakeDBAdmin) ReconcileStaleRoles(_ context.Context, namespace, release string, current []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ReconcileStaleRoles(" + namespace + ")")
	if err := f.takeError(); err != nil {
		return nil, err
	}
	prefix := dbadmin.RolePrefix(namespace, release)
	var dropped []string
	for role := range f.Roles {
		if len(role) < len(prefix) || role[:len(prefix)] != prefix {
			continue
		}
		if slices.Contains(current, role) {
			continue
		}
		dropped = append(dropped, role)
	}
	slices.Sort(dropped)
	for _, role := range dropped {
		delete(f.Roles, role)
	}
	return dropped, nil
}

func (f *FakeDBAdmin) Ping(_ context.Context) error {
	return nil
}

func (f *FakeDBAdmin) Close() error {
	return nil
}

// HasRole reports whether the role currently exists.
func (f *FakeDBAdmin) HasRole(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Roles[name]
	return ok
}

// CallCount counts recorded calls with the given prefix.
func (f *FakeDBAdmin) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.Calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}
