package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

const (
	defaultUploadFolder      = "uploads"
	defaultAllowedExtensions = "jpg,jpeg,png,gif,bmp,webp,pdf,txt,doc,docx,xls,xlsx,csv,mp3,mp4,wav,avi,mov"
)

// readFile reads a file relative to the web root, or an absolute path such as
// the temporary location of an upload.
func (c *callContext) readFile(ctx context.Context, p string) ([]byte, error) {
	if filepath.IsAbs(p) {
		return os.ReadFile(p)
	}
	return c.x.eng.FS.ReadFile(ctx, p)
}

func fnReadFileAsText(ctx context.Context, c *callContext, args []*string) (*string, error) {
	if args[0] == nil {
		return nil, nil
	}
	b, err := c.readFile(ctx, *args[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", *args[0], err)
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("%s is not a valid UTF-8 text file; use read_file_as_data_url for binary files", *args[0])
	}
	return str(string(b)), nil
}

func fnReadFileAsDataURL(ctx context.Context, c *callContext, args []*string) (*string, error) {
	if args[0] == nil {
		return nil, nil
	}
	p := *args[0]
	b, err := c.readFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", p, err)
	}
	return str(codec.DataURLWithMIME(c.mimeType(p, b), b)), nil
}

// mimeType prefers the type declared by the uploading client, then the file
// extension, then the content.
func (c *callContext) mimeType(p string, b []byte) string {
	if f, ok := c.req.Uploads.FindByPath(p); ok && f.ContentType != "" {
		return f.ContentType
	}
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return codec.DetectMIME(b)
}

func fnPersistUploadedFile(_ context.Context, c *callContext, args []*string) (*string, error) {
	upload, ok := c.req.Uploads.Get(*args[0])
	if !ok {
		return nil, nil
	}
	folder := defaultUploadFolder
	if args[1] != nil {
		folder = *args[1]
	}
	allowed := defaultAllowedExtensions
	if args[2] != nil {
		allowed = *args[2]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(upload.FileName), "."))
	if !extensionAllowed(ext, allowed) {
		return nil, fmt.Errorf("file extension %s is not allowed. Allowed extensions: %s", ext, allowed)
	}
	dir, err := c.x.eng.FS.SafeLocalPath(folder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create the upload folder %s: %w", dir, err)
	}
	suffix, err := randomString(8)
	if err != nil {
		return nil, err
	}
	name := time.Now().Format("2006-01-02_15h04m05s") + "_" + suffix + "." + ext
	if err := copyFile(upload.Path, filepath.Join(dir, name)); err != nil {
		return nil, fmt.Errorf("unable to persist the uploaded file %s: %w", upload.FileName, err)
	}
	return str("/" + path.Join(strings.Trim(filepath.ToSlash(folder), "/"), name)), nil
}

func extensionAllowed(ext, allowed string) bool {
	for _, a := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimPrefix(strings.TrimSpace(a), "."), ext) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// ============================================================================
// run_sql
// ============================================================================

// fnRunSQL runs another file in a forked request and returns its rows as a
// JSON array. With variables, the fork's GET variables are exactly those.
func fnRunSQL(ctx context.Context, c *callContext, args []*string) (*string, error) {
	if args[0] == nil {
		return nil, nil
	}
	file := *args[0]
	var fork *request.Info
	if args[1] != nil {
		vars, err := paramMapFromJSON(*args[1])
		if err != nil {
			return nil, fmt.Errorf("run_sql: invalid variables for %q: %w", file, err)
		}
		fork = c.req.ForkWithoutVariables()
		fork.GetVariables = vars
	} else {
		fork = c.req.Fork()
	}
	if max := c.x.eng.Config.MaxRecursionDepth; fork.CloneDepth > max {
		return nil, fmt.Errorf("%w. run_sql can include a file that includes another file, but the depth is limited to %d levels. \n"+
			"Executing sqlpage.run_sql('%s') would exceed this limit. "+
			"This is to prevent infinite loops and stack overflows.\n"+
			"Make sure that your SQL file does not try to run itself, directly or through a chain of other files.",
			ErrRecursionLimit, max, file)
	}
	parsed, err := c.x.eng.Files.Get(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("run_sql: unable to read %q: %w", file, err)
	}
	rows := []*codec.Row{}
	for item := range expandDynamic(c.x.run(ctx, parsed, fork)) {
		switch item.Kind {
		case ItemRow:
			rows = append(rows, item.Row)
		case ItemError:
			return nil, fmt.Errorf("run_sql: unable to run %q: %w", file, item.Err)
		}
	}
	return marshalString(rows)
}

// paramMapFromJSON converts a JSON object to request variables: strings as
// is, arrays as lists, anything else as its JSON text.
func paramMapFromJSON(s string) (request.ParamMap, error) {
	v, err := codec.ParseJSON(s)
	if err != nil {
		return nil, err
	}
	row, ok := codec.AsRow(v)
	if !ok {
		return nil, errors.New("expected a JSON object")
	}
	m := make(request.ParamMap, row.Len())
	for _, f := range row.Fields() {
		m[f.Name] = jsonToVariable(f.Value)
	}
	return m, nil
}

func jsonToVariable(v any) request.SingleOrVec {
	if arr, ok := v.([]any); ok {
		vals := make([]string, len(arr))
		for i, item := range arr {
			vals[i] = codec.Stringify(item)
		}
		return request.Vec(vals)
	}
	return request.Single(codec.Stringify(v))
}
