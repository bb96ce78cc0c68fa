// Package filesystem reads site files from the web root, falling back to the
// sqlpage_files table when the database has one.
package filesystem

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sqlpage/SQLPage-sub000/internal/database"
)

// ErrNotFound is returned (wrapped) when neither the web root nor the database
// has the requested file.
var ErrNotFound = errors.New("file not found")

// ErrForbidden is returned for paths that escape the web root or name hidden files.
var ErrForbidden = errors.New("forbidden path")

// CreateTableSQL creates the virtual file table.
const CreateTableSQL = `CREATE TABLE sqlpage_files(
	path VARCHAR(255) NOT NULL PRIMARY KEY,
	contents TEXT,
	last_modified TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// FileSystem serves files relative to a local root, overlaid by the database.
type FileSystem struct {
	root string
	db   *database.Database
	// hasTable reports whether sqlpage_files was found when the filesystem was created.
	hasTable bool
}

// New creates a filesystem rooted at webRoot. db may be nil.
func New(ctx context.Context, webRoot string, db *database.Database) *FileSystem {
	f := &FileSystem{root: webRoot, db: db}
	if db == nil {
		return f
	}
	var probe any
	err := db.DB.QueryRowxContext(ctx, "SELECT path FROM sqlpage_files WHERE 1 = 0").Scan(&probe)
	switch {
	case err == nil || errors.Is(err, sql.ErrNoRows):
		f.hasTable = true
		slog.Info("serving files from the sqlpage_files table", "kind", db.Kind.String())
	default:
		slog.Debug("no sqlpage_files table, using the local filesystem only", "err", err)
	}
	return f
}

// Root is the local web root.
func (f *FileSystem) Root() string { return f.root }

// SafeLocalPath maps a slash-separated site path to a local path under the root.
// Only plain components are allowed: no "..", no absolute paths and no hidden
// files or directories.
func (f *FileSystem) SafeLocalPath(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func cleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrForbidden)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %q is not a relative path", ErrForbidden, p)
	}
	for _, part := range strings.Split(p, "/") {
		switch {
		case part == "" || part == ".":
			continue
		case part == "..":
			return "", fmt.Errorf("%w: %q leaves the web root", ErrForbidden, p)
		case strings.HasPrefix(part, "."):
			return "", fmt.Errorf("%w: %q is a hidden file", ErrForbidden, p)
		}
	}
	return path.Clean(p), nil
}

// ModifiedSince reports whether the file changed after since.
func (f *FileSystem) ModifiedSince(ctx context.Context, p string, since time.Time) (bool, error) {
	local, err := f.SafeLocalPath(p)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(local)
	if err == nil {
		return info.ModTime().After(since), nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !f.hasTable {
		return false, notFoundOr(p, err)
	}
	clean, _ := cleanPath(p)
	modified, err := f.dbLastModified(ctx, clean)
	if err != nil {
		return false, err
	}
	return !modified.Before(since), nil
}

// ReadFile returns the file contents.
func (f *FileSystem) ReadFile(ctx context.Context, p string) ([]byte, error) {
	local, err := f.SafeLocalPath(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(local)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !f.hasTable {
		return nil, notFoundOr(p, err)
	}
	clean, _ := cleanPath(p)
	return f.dbContents(ctx, clean)
}

// ReadToString returns the file contents as text.
func (f *FileSystem) ReadToString(ctx context.Context, p string) (string, error) {
	b, err := f.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Contains reports whether the file exists locally or in the database.
func (f *FileSystem) Contains(ctx context.Context, p string) (bool, error) {
	local, err := f.SafeLocalPath(p)
	if err != nil {
		return false, err
	}
	if info, err := os.Stat(local); err == nil {
		return !info.IsDir(), nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if !f.hasTable {
		return false, nil
	}
	clean, _ := cleanPath(p)
	_, err = f.dbLastModified(ctx, clean)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// File is an opened static file.
type File struct {
	io.ReadSeeker
	Name    string
	ModTime time.Time
	closer  io.Closer
}

// Close releases the underlying file, if any.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// Open opens a file for static serving. Directories are reported as not found.
func (f *FileSystem) Open(ctx context.Context, p string) (*File, error) {
	local, err := f.SafeLocalPath(p)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(local)
	if err == nil {
		info, err := fh.Stat()
		if err != nil || info.IsDir() {
			fh.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return &File{ReadSeeker: fh, Name: info.Name(), ModTime: info.ModTime(), closer: fh}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !f.hasTable {
		return nil, notFoundOr(p, err)
	}
	clean, _ := cleanPath(p)
	modified, err := f.dbLastModified(ctx, clean)
	if err != nil {
		return nil, err
	}
	b, err := f.dbContents(ctx, clean)
	if err != nil {
		return nil, err
	}
	return &File{ReadSeeker: bytes.NewReader(b), Name: path.Base(clean), ModTime: modified}, nil
}

func notFoundOr(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return fmt.Errorf("unable to read %s: %w", p, err)
}

// ====================
// Database-backed files
// ====================

func (f *FileSystem) selectOne(column string) string {
	if f.db.Kind == database.MSSQL {
		return "SELECT TOP 1 " + column + " FROM sqlpage_files WHERE path = " + f.db.Placeholder(1)
	}
	return "SELECT " + column + " FROM sqlpage_files WHERE path = " + f.db.Placeholder(1) + " LIMIT 1"
}

func (f *FileSystem) dbContents(ctx context.Context, p string) ([]byte, error) {
	var contents []byte
	err := f.db.DB.QueryRowxContext(ctx, f.selectOne("contents"), p).Scan(&contents)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read %s from the sqlpage_files table: %w", p, err)
	}
	return contents, nil
}

func (f *FileSystem) dbLastModified(ctx context.Context, p string) (time.Time, error) {
	var raw any
	err := f.db.DB.QueryRowxContext(ctx, f.selectOne("last_modified"), p).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to check %s in the sqlpage_files table: %w", p, err)
	}
	return parseTimestamp(raw)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

// parseTimestamp accepts the timestamp representations the drivers return.
// A NULL last_modified counts as "always modified".
func parseTimestamp(raw any) (time.Time, error) {
	var s string
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case nil:
		return time.Now(), nil
	case []byte:
		s = string(v)
	case string:
		s = v
	case int64:
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported last_modified value %T", raw)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid last_modified timestamp %q", s)
}
