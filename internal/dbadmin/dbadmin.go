package dbadmin

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the connection parameters of the administrative pool. The
// configured user must be allowed to create and drop roles and databases.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string

	// Database is the maintenance database the pool connects to. Never a
	// database owned by an instance.
	Database string

	SSLMode string

	ConnectTimeout time.Duration

	// StatementTimeout bounds every administrative statement except
	// CloneDatabase, which copies data and gets CloneTimeout instead.
	StatementTimeout time.Duration
	CloneTimeout     time.Duration

	MaxOpenConns int
}

// DBAdmin performs administrative operations on the PostgreSQL cluster
// backing the instances. Every statement runs outside any long-lived
// transaction and commits before the method returns.
type DBAdmin interface {
	EnsureRoleAndDatabase(ctx context.Context, name, password string) error
	DropRoleAndDatabase(ctx context.Context, name string) error
	TerminateBackends(ctx context.Context, database string) error
	CloneDatabase(ctx context.Context, source, target, owner string) error
	ReconcileStaleRoles(ctx context.Context, namespace, release string, current []string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type dbAdminImpl struct {
	querier querier
	db      *sql.DB

	statementTimeout time.Duration
	cloneTimeout     time.Duration
}

// NewDBAdmin opens the administrative connection pool. The pool is lazy;
// use Ping to verify reachability.
func NewDBAdmin(cfg Config) (DBAdmin, error) {
	if cfg.Database == "" {
		cfg.Database = "postgres"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.StatementTimeout == 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	if cfg.CloneTimeout == 0 {
		cfg.CloneTimeout = 10 * time.Minute
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 5
	}

	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open the admin connection pool: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &dbAdminImpl{
		querier:          newQuerier(db),
		db:               db,
		statementTimeout: cfg.StatementTimeout,
		cloneTimeout:     cfg.CloneTimeout,
	}, nil
}

func (c Config) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *dbAdminImpl) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.statementTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

func (d *dbAdminImpl) Close() error {
	return d.db.Close()
}
