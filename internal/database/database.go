// Package database opens and pools connections to the supported SQL backends.
//
// Every backend goes through database/sql and sqlx: SQLite (modernc, the
// default), PostgreSQL (lib/pq), MySQL and MariaDB (go-sql-driver), SQL Server
// (go-mssqldb), and any other driver registered in the binary. The pool is the
// only state shared between requests; each request checks out at most one
// connection at a time through Acquire.
package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/config"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ErrTooBusy matches errors returned when no pooled connection became free
// within the acquire timeout.
var ErrTooBusy = errors.New("too many concurrent database requests")

// TooBusyError reports an exhausted pool.
type TooBusyError struct {
	MaxConnections int
	Kind           Kind
	Waited         time.Duration
}

func (e *TooBusyError) Error() string {
	return fmt.Sprintf("Unable to acquire a database connection to execute the SQL file. "+
		"All of the %d %s connections are busy and none was released within %s. "+
		"You can increase max_database_pool_connections or database_connection_acquire_timeout_seconds in the configuration.",
		e.MaxConnections, e.Kind, e.Waited)
}

func (e *TooBusyError) Is(target error) bool { return target == ErrTooBusy }

var connectRetryInterval = 5 * time.Second

// Options configures Open.
type Options struct {
	URL            string
	Password       string
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	Retries        int
	OnConnectSQL   string
	OnResetSQL     string
}

// OptionsFromConfig maps the application configuration to pool options, reading
// on_connect.sql and on_reset.sql from the configuration directory when present.
func OptionsFromConfig(cfg *config.AppConfig) (Options, error) {
	opts := Options{
		URL:            cfg.DatabaseURL,
		Password:       cfg.DatabasePassword,
		MaxConnections: cfg.MaxDatabasePoolConnections,
		IdleTimeout:    cfg.IdleTimeout(),
		MaxLifetime:    cfg.MaxLifetime(),
		AcquireTimeout: cfg.AcquireTimeout(),
		Retries:        cfg.DatabaseConnectionRetries,
	}
	var err error
	if opts.OnConnectSQL, err = readOptional(filepath.Join(cfg.ConfigurationDirectory, "on_connect.sql")); err != nil {
		return opts, err
	}
	if opts.OnResetSQL, err = readOptional(filepath.Join(cfg.ConfigurationDirectory, "on_reset.sql")); err != nil {
		return opts, err
	}
	return opts, nil
}

func readOptional(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	slog.Info("loaded connection script", "path", path)
	return string(b), nil
}

// Database is a connection pool to one backend.
type Database struct {
	DB   *sqlx.DB
	Kind Kind

	bindType       int
	maxConns       int
	acquireTimeout time.Duration
	onReset        string
}

// Open connects to the database described by opts, retrying while the server
// is unreachable.
func Open(ctx context.Context, opts Options) (*Database, error) {
	target, err := ParseURL(opts.URL, opts.Password)
	if err != nil {
		return nil, err
	}
	connector, err := newConnector(target.DriverName, target.DSN, opts.OnConnectSQL)
	if err != nil {
		return nil, err
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = defaultMaxConnections(target)
	}
	db := sqlx.NewDb(sql.OpenDB(connector), target.DriverName)
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if !target.InMemory {
		db.SetConnMaxIdleTime(opts.IdleTimeout)
		db.SetConnMaxLifetime(opts.MaxLifetime)
	}

	for attempt := 0; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if attempt >= opts.Retries {
			_ = db.Close()
			return nil, fmt.Errorf("unable to connect to the %s database after %d attempts: %w", target.Kind, attempt+1, err)
		}
		slog.Warn("database connection failed, retrying",
			"kind", target.Kind.String(), "attempt", attempt+1, "retry_in", connectRetryInterval, "err", err)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
	slog.Info("connected to database", "kind", target.Kind.String(), "max_connections", maxConns)
	return &Database{
		DB:             db,
		Kind:           target.Kind,
		bindType:       sqlx.BindType(target.DriverName),
		maxConns:       maxConns,
		acquireTimeout: opts.AcquireTimeout,
		onReset:        opts.OnResetSQL,
	}, nil
}

func defaultMaxConnections(t Target) int {
	switch t.Kind {
	case Postgres:
		return 50
	case MySQL:
		return 75
	case MSSQL:
		return 100
	case SQLite:
		if t.InMemory {
			return 128
		}
		return 16
	}
	return 10
}

var kindDrivers = map[Kind]string{
	SQLite:   "sqlite",
	Postgres: "postgres",
	MySQL:    "mysql",
	MSSQL:    "sqlserver",
}

// Dialect returns a Database without a pool, usable only to generate SQL text
// for kind.
func Dialect(kind Kind) *Database {
	return &Database{Kind: kind, bindType: sqlx.BindType(kindDrivers[kind])}
}

// Close closes every pooled connection.
func (d *Database) Close() error { return d.DB.Close() }

// Placeholder returns the backend-native placeholder for the n-th (1-based) argument.
func (d *Database) Placeholder(n int) string {
	switch d.bindType {
	case sqlx.DOLLAR:
		return "$" + strconv.Itoa(n)
	case sqlx.AT:
		return "@p" + strconv.Itoa(n)
	}
	return "?"
}

// TextParam returns the n-th placeholder cast to the backend's text type, so the
// database coerces the bound string itself.
func (d *Database) TextParam(n int) string {
	p := d.Placeholder(n)
	switch d.Kind {
	case MySQL:
		return "CAST(" + p + " AS CHAR)"
	case MSSQL:
		return "CAST(" + p + " AS NVARCHAR(MAX))"
	case Generic:
		return p
	}
	return "CAST(" + p + " AS TEXT)"
}

// CodecOptions returns the row decoding options for this backend.
func (d *Database) CodecOptions() codec.Options {
	return codec.Options{
		FoldUppercaseNames: d.Kind == Generic,
		MixedEndianUUID:    d.Kind == MSSQL,
	}
}

// MaxConnections is the configured pool size.
func (d *Database) MaxConnections() int { return d.maxConns }

// Conn is one checked-out connection.
type Conn struct {
	*sqlx.Conn
	db *Database
}

// Acquire checks out a connection, waiting at most the acquire timeout.
// An exhausted pool yields an error matching ErrTooBusy.
func (d *Database) Acquire(ctx context.Context) (*Conn, error) {
	actx := ctx
	if d.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, d.acquireTimeout)
		defer cancel()
	}
	conn, err := d.DB.Connx(actx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &TooBusyError{MaxConnections: d.maxConns, Kind: d.Kind, Waited: d.acquireTimeout}
		}
		return nil, fmt.Errorf("unable to acquire a database connection: %w", err)
	}
	return &Conn{Conn: conn, db: d}, nil
}

// Database returns the pool the connection belongs to.
func (c *Conn) Database() *Database { return c.db }

// Release runs on_reset.sql, if any, and returns the connection to the pool.
// A connection whose reset fails is discarded instead.
func (c *Conn) Release(ctx context.Context) {
	if c.db.onReset != "" {
		exec := func(ctx context.Context, stmt string) error {
			_, err := c.ExecContext(ctx, stmt)
			return err
		}
		if err := runScript(ctx, exec, "on_reset.sql", c.db.onReset); err != nil {
			slog.Error("discarding database connection after a failed reset", "err", err)
			_ = c.Raw(func(any) error { return driver.ErrBadConn })
		}
	}
	if err := c.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		slog.Warn("unable to release database connection", "err", err)
	}
}
