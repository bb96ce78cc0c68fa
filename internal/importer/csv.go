// Package importer loads uploaded CSV files into database tables.
//
// It backs the COPY ... FROM 'field' statement: the named form field must hold
// an uploaded file, whose records are inserted into the target table.
//
// Features:
//   - Custom delimiter, quote and escape characters
//   - Header row mapped to the target columns by name (default), or positional
//     mapping when HEADER is off
//   - A null marker, the empty string by default, turned into SQL NULL
//   - UTF-8 and UTF-16 byte order marks detected and stripped
//   - PostgreSQL targets are fed through the COPY protocol, others through a
//     prepared INSERT
//
// Example:
//
//	stmt := &importer.CopyStatement{Table: "users", Columns: []string{"name", "email"}, Header: true}
//	n, err := importer.Import(ctx, conn, stmt, file)
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/sqlpage/SQLPage-sub000/internal/database"
)

// ============================================================================
// Public API Types
// ============================================================================

// CopyStatement describes one COPY ... FROM 'upload' statement. Table and
// Columns hold identifiers as written in the SQL, quotes included.
type CopyStatement struct {
	Table   string
	Columns []string

	// Delimiter separates fields (default ',').
	Delimiter rune
	// Quote encloses fields containing delimiters or newlines (default '"').
	Quote rune
	// Escape, when set, makes the next character inside a quoted field literal.
	Escape rune
	// Header maps the first record's names to Columns. Without it, fields are
	// taken positionally.
	Header bool
	// Null is the field value inserted as NULL.
	Null string

	// UploadField is the form field holding the uploaded file.
	UploadField string
}

// NewCopyStatement returns a statement with the default options.
func NewCopyStatement(table string, columns []string, uploadField string) *CopyStatement {
	return &CopyStatement{
		Table:       table,
		Columns:     columns,
		Delimiter:   ',',
		Quote:       '"',
		Header:      true,
		UploadField: uploadField,
	}
}

// InsertSQL is the per-record statement used for non-PostgreSQL backends.
func (s *CopyStatement) InsertSQL(placeholder func(int) string) string {
	ph := make([]string, len(s.Columns))
	for i := range s.Columns {
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.Table, strings.Join(s.Columns, ", "), strings.Join(ph, ", "))
}

// ============================================================================
// Import
// ============================================================================

// Import reads CSV records from src and inserts them into the statement's
// table, returning the number of inserted records.
func Import(ctx context.Context, conn *database.Conn, stmt *CopyStatement, src io.Reader) (int64, error) {
	records := newRecordReader(stmt, transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	indices, err := columnIndices(stmt, records)
	if err != nil {
		return 0, err
	}
	if conn.Database().Kind == database.Postgres {
		return copyPostgres(ctx, conn, stmt, records, indices)
	}
	return insertEach(ctx, conn, stmt, records, indices)
}

type recordReader interface {
	Read() ([]string, error)
}

// columnIndices returns, for each target column, the index of the CSV field
// that feeds it.
func columnIndices(stmt *CopyStatement, records recordReader) ([]int, error) {
	idx := make([]int, len(stmt.Columns))
	if !stmt.Header {
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	header, err := records.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("the CSV file is empty: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	for i, col := range stmt.Columns {
		p, ok := pos[unquoteIdent(col)]
		if !ok {
			return nil, fmt.Errorf("CSV Column not found: %s", unquoteIdent(col))
		}
		idx[i] = p
	}
	return idx, nil
}

func recordArgs(stmt *CopyStatement, rec []string, indices []int) []any {
	args := make([]any, len(indices))
	for i, j := range indices {
		v := ""
		if j < len(rec) {
			v = rec[j]
		}
		if v == stmt.Null {
			args[i] = nil
			continue
		}
		args[i] = v
	}
	return args
}

func insertEach(ctx context.Context, conn *database.Conn, stmt *CopyStatement, records recordReader, indices []int) (int64, error) {
	query := stmt.InsertSQL(conn.Database().Placeholder)
	slog.Debug("csv import insert statement", "sql", query)
	ps, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer ps.Close()
	var n int64
	for {
		rec, err := records.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reading csv record %d: %w", n+1, err)
		}
		if _, err := ps.ExecContext(ctx, recordArgs(stmt, rec, indices)...); err != nil {
			return n, fmt.Errorf("inserting csv record %d: %w", n+1, err)
		}
		n++
	}
}

// copyPostgres streams the records through COPY FROM STDIN in one transaction.
func copyPostgres(ctx context.Context, conn *database.Conn, stmt *CopyStatement, records recordReader, indices []int) (n int64, err error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	cols := make([]string, len(stmt.Columns))
	for i, c := range stmt.Columns {
		cols[i] = pgIdent(c)
	}
	var copySQL string
	if schema, table, ok := splitQualified(stmt.Table); ok {
		copySQL = pq.CopyInSchema(pgIdent(schema), pgIdent(table), cols...)
	} else {
		copySQL = pq.CopyIn(pgIdent(stmt.Table), cols...)
	}
	slog.Debug("running csv import with postgres COPY", "sql", copySQL)
	ps, err := tx.PrepareContext(ctx, copySQL)
	if err != nil {
		return 0, fmt.Errorf("the postgres COPY FROM STDIN command failed: %w", err)
	}
	for {
		rec, rerr := records.Read()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			ps.Close()
			return n, fmt.Errorf("reading csv record %d: %w", n+1, rerr)
		}
		if _, err = ps.ExecContext(ctx, recordArgs(stmt, rec, indices)...); err != nil {
			ps.Close()
			return n, err
		}
		n++
	}
	if _, err = ps.ExecContext(ctx); err != nil {
		ps.Close()
		return n, err
	}
	if err = ps.Close(); err != nil {
		return n, err
	}
	return n, tx.Commit()
}

// ============================================================================
// Identifier helpers
// ============================================================================

func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		case s[0] == '`' && s[len(s)-1] == '`':
			return s[1 : len(s)-1]
		case s[0] == '[' && s[len(s)-1] == ']':
			return s[1 : len(s)-1]
		}
	}
	return s
}

// pgIdent folds unquoted identifiers to lower case the way PostgreSQL does.
func pgIdent(s string) string {
	if strings.HasPrefix(s, `"`) {
		return unquoteIdent(s)
	}
	return strings.ToLower(s)
}

func splitQualified(name string) (schema, table string, ok bool) {
	if strings.HasPrefix(name, `"`) {
		end := strings.Index(name[1:], `".`)
		if end < 0 {
			return "", "", false
		}
		return name[:end+2], name[end+3:], true
	}
	return strings.Cut(name, ".")
}

// ============================================================================
// CSV reading
// ============================================================================

func newRecordReader(stmt *CopyStatement, r io.Reader) recordReader {
	delim, quote := stmt.Delimiter, stmt.Quote
	if delim == 0 {
		delim = ','
	}
	if quote == 0 {
		quote = '"'
	}
	if quote == '"' && (stmt.Escape == 0 || stmt.Escape == '"') {
		cr := csv.NewReader(r)
		cr.Comma = delim
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		cr.ReuseRecord = false
		return cr
	}
	return newScanner(r, delim, quote, stmt.Escape)
}
