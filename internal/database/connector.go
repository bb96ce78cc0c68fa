package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
)

// hookConnector runs the on_connect script on every new physical connection
// before database/sql hands it to the pool.
type hookConnector struct {
	base      driver.Connector
	onConnect string
}

func newConnector(driverName, dsn, onConnect string) (driver.Connector, error) {
	probe, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	drv := probe.Driver()
	_ = probe.Close()

	var base driver.Connector
	if dc, ok := drv.(driver.DriverContext); ok {
		if base, err = dc.OpenConnector(dsn); err != nil {
			return nil, fmt.Errorf("invalid %s connection string: %w", driverName, err)
		}
	} else {
		base = dsnConnector{dsn: dsn, drv: drv}
	}
	if onConnect == "" {
		return base, nil
	}
	return &hookConnector{base: base, onConnect: onConnect}, nil
}

func (c *hookConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	exec := func(ctx context.Context, stmt string) error { return execDriver(ctx, conn, stmt) }
	if err := runScript(ctx, exec, "on_connect.sql", c.onConnect); err != nil {
		_ = conn.Close()
		return nil, err
	}
	slog.Debug("ran on_connect.sql on a new database connection")
	return conn, nil
}

func (c *hookConnector) Driver() driver.Driver { return c.base.Driver() }

type dsnConnector struct {
	dsn string
	drv driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }
func (c dsnConnector) Driver() driver.Driver                        { return c.drv }

// execDriver runs a statement without arguments directly on a driver connection.
func execDriver(ctx context.Context, conn driver.Conn, query string) error {
	if ex, ok := conn.(driver.ExecerContext); ok {
		_, err := ex.ExecContext(ctx, query, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}
	var (
		stmt driver.Stmt
		err  error
	)
	if pc, ok := conn.(driver.ConnPrepareContext); ok {
		stmt, err = pc.PrepareContext(ctx, query)
	} else {
		stmt, err = conn.Prepare(query)
	}
	if err != nil {
		return err
	}
	defer stmt.Close()
	if se, ok := stmt.(driver.StmtExecContext); ok {
		_, err = se.ExecContext(ctx, nil)
		return err
	}
	_, err = stmt.Exec(nil) //nolint:staticcheck // drivers without context support
	return err
}
