package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SplitStatements splits a SQL script on top-level semicolons, ignoring those
// inside quoted strings, quoted identifiers and comments.
func SplitStatements(script string) []string {
	var stmts []string
	var buf strings.Builder
	var quote byte

	flush := func() {
		if stmt := strings.TrimSpace(buf.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		buf.Reset()
	}

	for i := 0; i < len(script); i++ {
		ch := script[i]
		next := byte(0)
		if i+1 < len(script) {
			next = script[i+1]
		}

		if quote != 0 {
			buf.WriteByte(ch)
			if ch == quote {
				if next == quote {
					buf.WriteByte(next)
					i++
				} else {
					quote = 0
				}
			}
			continue
		}

		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '-' && next == '-':
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				i = len(script)
			} else {
				i += end
				buf.WriteByte('\n')
			}
			continue
		case ch == '/' && next == '*':
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				i = len(script)
			} else {
				i += end + 3
			}
			buf.WriteByte(' ')
			continue
		case ch == ';':
			flush()
			continue
		}
		buf.WriteByte(ch)
	}
	flush()
	return stmts
}

// runScript executes every statement of script in order, stopping at the first error.
func runScript(ctx context.Context, exec func(context.Context, string) error, name, script string) error {
	for i, stmt := range SplitStatements(script) {
		if err := exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s: statement %d: %w", name, i+1, err)
		}
	}
	return nil
}

// ExecFile runs the SQL script at path, one statement at a time.
func (d *Database) ExecFile(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	exec := func(ctx context.Context, stmt string) error {
		_, err := d.DB.ExecContext(ctx, stmt)
		return err
	}
	return runScript(ctx, exec, filepath.Base(path), string(b))
}
