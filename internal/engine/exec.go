// Package engine runs SQL files for web requests.
//
// What: It parses SQL files into statements, rewriting request variables and
// sqlpage.* calls into driver placeholders; evaluates those parameters for
// each request; and executes the statements in order on one pooled
// connection, streaming rows, end-of-query markers and per-statement errors.
//
// How: Parse turns the source into an immutable ParsedSQLFile, which the
// Engine caches per path. Stream returns an iterator over DbItem values: each
// statement's parameters are evaluated left to right, bound as text, and the
// resulting rows are decoded by the codec package. Rows whose component is
// "dynamic" are expanded into the rows their properties describe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/config"
	"github.com/sqlpage/SQLPage-sub000/internal/database"
	"github.com/sqlpage/SQLPage-sub000/internal/filecache"
	"github.com/sqlpage/SQLPage-sub000/internal/filesystem"
	"github.com/sqlpage/SQLPage-sub000/internal/importer"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

// ItemKind tells what a DbItem carries.
type ItemKind int

const (
	ItemRow ItemKind = iota
	ItemFinishedQuery
	ItemError
)

// DbItem is one element of a statement stream.
type DbItem struct {
	Kind ItemKind
	Row  *codec.Row
	Err  error
}

var finishedQuery = DbItem{Kind: ItemFinishedQuery}

// Engine executes SQL files. It is safe for concurrent use.
type Engine struct {
	DB      *database.Database
	FS      *filesystem.FileSystem
	Config  *config.AppConfig
	Files   *filecache.Cache[ParsedSQLFile]
	HTTP    *http.Client
	Version string
}

// New returns an engine whose file cache parses files from fs.
func New(db *database.Database, fs *filesystem.FileSystem, cfg *config.AppConfig, version string) *Engine {
	e := &Engine{
		DB:      db,
		FS:      fs,
		Config:  cfg,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Version: version,
	}
	e.Files = filecache.New("sql files", fs, e.loadFile)
	return e
}

func (e *Engine) loadFile(ctx context.Context, path string) (*ParsedSQLFile, error) {
	src, err := e.FS.ReadToString(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.ParseFile(ctx, path, src), nil
}

// ParseFile parses src and prepares every statement against the database, so
// that unknown tables and columns are reported when the file is loaded.
func (e *Engine) ParseFile(ctx context.Context, path, src string) *ParsedSQLFile {
	f := Parse(path, src, e.DB)
	e.prepare(ctx, f)
	return f
}

// prepare replaces statements the database rejects with errors. Validation
// stops at the first schema change, which later statements may depend on.
func (e *Engine) prepare(ctx context.Context, f *ParsedSQLFile) {
	conn, err := e.DB.Acquire(ctx)
	if err != nil {
		slog.Warn("skipping statement validation", "path", f.Path, "err", err)
		return
	}
	defer conn.Release(context.WithoutCancel(ctx))
	for i, stmt := range f.Statements {
		s := databaseStatement(stmt)
		if s == nil {
			continue
		}
		if s.schemaChange {
			return
		}
		ps, err := conn.PreparexContext(ctx, s.SQL)
		if err != nil {
			f.Statements[i] = &StatementError{Err: fmt.Errorf("%w:\n\n%s\n\n%w", ErrPrepare, s.SQL, err)}
			continue
		}
		ps.Close()
	}
}

func databaseStatement(stmt ParsedStatement) *StmtWithParams {
	switch s := stmt.(type) {
	case *StmtWithParams:
		return s
	case *SetVariable:
		return databaseStatement(s.Value)
	}
	return nil
}

// Stream runs file for req. Statements run in order; a failing statement
// yields an ItemError and execution continues with the next one. The
// connection is acquired on first use and released when iteration ends.
func (e *Engine) Stream(ctx context.Context, file *ParsedSQLFile, req *request.Info) iter.Seq[DbItem] {
	return func(yield func(DbItem) bool) {
		x := &execution{eng: e}
		defer x.release(ctx)
		for item := range expandDynamic(x.run(ctx, file, req)) {
			if !yield(item) {
				return
			}
		}
	}
}

// Eval resolves one parameter for req outside of any file.
func (e *Engine) Eval(ctx context.Context, p StmtParam, req *request.Info) (*string, error) {
	x := &execution{eng: e}
	defer x.release(ctx)
	return x.eval(ctx, p, req)
}

// ============================================================================
// Execution
// ============================================================================

// execution holds the connection of one request. Nested files run by
// sqlpage.run_sql share it.
type execution struct {
	eng     *Engine
	conn    *database.Conn
	connErr error
}

func (x *execution) connection(ctx context.Context) (*database.Conn, error) {
	if x.conn != nil {
		return x.conn, nil
	}
	if x.connErr != nil {
		return nil, x.connErr
	}
	conn, err := x.eng.DB.Acquire(ctx)
	if err != nil {
		x.connErr = err
		return nil, err
	}
	x.conn = conn
	return conn, nil
}

func (x *execution) release(ctx context.Context) {
	if x.conn != nil {
		x.conn.Release(context.WithoutCancel(ctx))
		x.conn = nil
	}
}

func (x *execution) run(ctx context.Context, file *ParsedSQLFile, req *request.Info) iter.Seq[DbItem] {
	return func(yield func(DbItem) bool) {
		for i, stmt := range file.Statements {
			fail := func(err error) bool {
				return yield(DbItem{Kind: ItemError, Err: &QueryError{Path: file.Path, Number: i + 1, Err: err}})
			}
			var ok bool
			switch s := stmt.(type) {
			case *StatementError:
				ok = fail(s.Err)
			case *StaticSimpleSelect:
				ok = yield(DbItem{Kind: ItemRow, Row: s.Row.Clone()}) && yield(finishedQuery)
			case *SetVariable:
				ok = true
				if err := x.setVariable(ctx, s, req); err != nil {
					ok = fail(err)
				}
			case *CsvImport:
				ok = true
				if err := x.importCSV(ctx, s, req); err != nil {
					ok = fail(err)
				}
			case *StmtWithParams:
				ok = x.query(ctx, s, req, yield, fail)
			}
			if !ok || x.connErr != nil || ctx.Err() != nil {
				return
			}
		}
	}
}

// query runs one statement, forwarding its rows. It returns false when the
// consumer stopped.
func (x *execution) query(ctx context.Context, s *StmtWithParams, req *request.Info, yield func(DbItem) bool, fail func(error) bool) bool {
	args, err := x.evalAll(ctx, s.Params, req)
	if err != nil {
		return fail(err)
	}
	conn, err := x.connection(ctx)
	if err != nil {
		return fail(err)
	}
	rows, err := conn.QueryxContext(ctx, s.SQL, args...)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrExecution, err))
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrExecution, err))
	}
	opts := conn.Database().CodecOptions()
	cols := codec.Columns(types, opts)
	for i := range cols {
		cols[i].JSON = slices.Contains(s.JSONColumns, cols[i].Name)
	}
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return fail(fmt.Errorf("%w: %w", ErrExecution, err))
		}
		if !yield(DbItem{Kind: ItemRow, Row: codec.DecodeRow(cols, values, opts)}) {
			return false
		}
	}
	if err := rows.Err(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrExecution, err))
	}
	return yield(finishedQuery)
}

// setVariable stores the first column of the first row of s.Value. No row or
// a NULL value removes the variable.
func (x *execution) setVariable(ctx context.Context, s *SetVariable, req *request.Info) error {
	value, err := x.firstValue(ctx, s.Value, req)
	if err != nil {
		return err
	}
	vars, name := variableTarget(s.Variable, req)
	if value == nil {
		delete(*vars, name)
		return nil
	}
	if *vars == nil {
		*vars = request.ParamMap{}
	}
	(*vars)[name] = jsonToVariable(value)
	return nil
}

// variableTarget selects the map SET writes to: POST for :name, GET for
// ?name, and for $name whichever map already holds the name, GET otherwise.
func variableTarget(v StmtParam, req *request.Info) (*request.ParamMap, string) {
	switch v := v.(type) {
	case PostParam:
		return &req.PostVariables, v.Name
	case GetOrPostParam:
		if _, ok := req.PostVariables[v.Name]; ok {
			slog.Warn("SET $"+v.Name+" overrides a POST variable; use SET :"+v.Name+" instead", "variable", v.Name)
			return &req.PostVariables, v.Name
		}
		return &req.GetVariables, v.Name
	case GetParam:
		return &req.GetVariables, v.Name
	}
	return &req.GetVariables, v.String()
}

func (x *execution) firstValue(ctx context.Context, stmt ParsedStatement, req *request.Info) (any, error) {
	switch s := stmt.(type) {
	case *StaticSimpleSelect:
		if s.Row.Len() == 0 {
			return nil, nil
		}
		return s.Row.Fields()[0].Value, nil
	case *StatementError:
		return nil, s.Err
	case *StmtWithParams:
		args, err := x.evalAll(ctx, s.Params, req)
		if err != nil {
			return nil, err
		}
		conn, err := x.connection(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := conn.QueryxContext(ctx, s.SQL, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecution, err)
		}
		defer rows.Close()
		if !rows.Next() {
			return nil, rows.Err()
		}
		types, err := rows.ColumnTypes()
		if err != nil {
			return nil, err
		}
		values, err := rows.SliceScan()
		if err != nil || len(values) == 0 {
			return nil, err
		}
		opts := conn.Database().CodecOptions()
		col := codec.Columns(types[:1], opts)[0]
		col.JSON = slices.Contains(s.JSONColumns, col.Name)
		return codec.DecodeValue(col, values[0], opts), nil
	}
	return nil, fmt.Errorf("unsupported statement %T in SET", stmt)
}

func (x *execution) importCSV(ctx context.Context, s *CsvImport, req *request.Info) error {
	upload, ok := req.Uploads.Get(s.UploadField)
	if !ok {
		return fmt.Errorf("the request does not contain a field named %q with an uploaded file.\n"+
			"Please check that :\n"+
			" - you have an <input type=\"file\" name=\"%s\"> in your form,\n"+
			" - your form has the attribute enctype=\"multipart/form-data\"", s.UploadField, s.UploadField)
	}
	f, err := os.Open(upload.Path)
	if err != nil {
		return fmt.Errorf("unable to open the uploaded file %s: %w", upload.FileName, err)
	}
	defer f.Close()
	conn, err := x.connection(ctx)
	if err != nil {
		return err
	}
	n, err := importer.Import(ctx, conn, s.CopyStatement, f)
	if err != nil {
		return fmt.Errorf("%w: importing %s into %s: %w", ErrExecution, upload.FileName, s.Table, err)
	}
	slog.Debug("imported csv file", "file", upload.FileName, "table", s.Table, "rows", n)
	return nil
}

// IsTooBusy reports whether err comes from an exhausted connection pool.
func IsTooBusy(err error) bool { return errors.Is(err, database.ErrTooBusy) }
