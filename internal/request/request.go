// Package request extracts everything a SQL page can observe about an HTTP
// request: variables, headers, cookies, uploaded files and client metadata.
package request

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// ErrUploadTooLarge is returned when a request body or uploaded file exceeds the
// configured size limit.
var ErrUploadTooLarge = errors.New("uploaded file too large")

// UploadedFile is a multipart file saved to a temporary location.
type UploadedFile struct {
	Field       string
	FileName    string
	ContentType string
	Path        string
	Size        int64
}

// Uploads is the uploaded-file registry of one request. Forks share it read-only;
// only the root request removes the files.
type Uploads struct {
	mu    sync.Mutex
	files map[string]*UploadedFile
}

// Get looks up an upload by form field name.
func (u *Uploads) Get(field string) (*UploadedFile, bool) {
	if u == nil {
		return nil, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	f, ok := u.files[field]
	return f, ok
}

// Add registers a file, replacing an earlier file for the same field.
func (u *Uploads) Add(f *UploadedFile) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.files == nil {
		u.files = map[string]*UploadedFile{}
	}
	if old, ok := u.files[f.Field]; ok && old.Path != f.Path {
		_ = os.Remove(old.Path)
	}
	u.files[f.Field] = f
}

// FindByPath returns the upload stored at path, if any.
func (u *Uploads) FindByPath(path string) (*UploadedFile, bool) {
	if u == nil {
		return nil, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, f := range u.files {
		if f.Path == path {
			return f, true
		}
	}
	return nil, false
}

// Detach removes a file from the registry without deleting it from disk.
// Used once a file has been persisted elsewhere.
func (u *Uploads) Detach(field string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.files, field)
}

// RemoveAll deletes every temporary file still registered.
func (u *Uploads) RemoveAll() {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for k, f := range u.files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("unable to remove uploaded file", "path", f.Path, "err", err)
		}
		delete(u.files, k)
	}
}

// BasicAuth holds decoded HTTP basic credentials.
type BasicAuth struct {
	Username string
	Password string
}

// Info is the request context every statement and builtin function sees.
type Info struct {
	ID            string
	Method        string
	Path          string
	RawQuery      string
	Protocol      string
	Host          string
	GetVariables  ParamMap
	PostVariables ParamMap
	Headers       ParamMap
	Cookies       ParamMap
	Uploads       *Uploads
	ClientIP      net.IP
	BasicAuth     *BasicAuth
	Body          []byte
	ContentType   string

	// CloneDepth counts how many times this context has been forked.
	CloneDepth int
}

// Options controls request extraction.
type Options struct {
	MaxUploadedFileSize int64
	TempDir             string
}

// FromHTTP extracts an Info from r. Form bodies are parsed into POST variables,
// multipart files are streamed to temporary files, and any other body is kept
// verbatim for request_body().
func FromHTTP(r *http.Request, opts Options) (*Info, error) {
	info := &Info{
		Method:        r.Method,
		Path:          r.URL.Path,
		RawQuery:      r.URL.RawQuery,
		Protocol:      protocol(r),
		Host:          r.Host,
		GetVariables:  ParseQuery(r.URL.RawQuery),
		PostVariables: ParamMap{},
		Headers:       ParamMap{},
		Cookies:       ParamMap{},
		Uploads:       &Uploads{},
		ClientIP:      clientIP(r),
	}
	for name, values := range r.Header {
		for _, v := range values {
			info.Headers.Add(strings.ToLower(name), v)
		}
	}
	for _, c := range r.Cookies() {
		info.Cookies.Add(c.Name, c.Value)
	}
	if user, pass, ok := r.BasicAuth(); ok {
		info.BasicAuth = &BasicAuth{Username: user, Password: pass}
	}
	if err := info.readBody(r, opts); err != nil {
		info.Uploads.RemoveAll()
		return nil, err
	}
	return info, nil
}

func (i *Info) readBody(r *http.Request, opts Options) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	ct := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(ct)
	i.ContentType = mediaType
	limit := opts.MaxUploadedFileSize
	switch mediaType {
	case "application/x-www-form-urlencoded":
		body, err := readLimited(r.Body, limit)
		if err != nil {
			return err
		}
		i.PostVariables = ParseQuery(string(body))
	case "multipart/form-data":
		return i.readMultipart(multipart.NewReader(r.Body, params["boundary"]), opts)
	default:
		body, err := readLimited(r.Body, limit)
		if err != nil {
			return err
		}
		if len(body) > 0 {
			i.Body = body
			slog.Debug("keeping raw request body", "content_type", ct, "bytes", len(body))
		}
	}
	return nil
}

func (i *Info) readMultipart(mr *multipart.Reader, opts Options) error {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unable to read form field: %w", err)
		}
		field := part.FormName()
		if part.FileName() == "" && part.Header.Get("Content-Type") == "" {
			value, err := readLimited(part, opts.MaxUploadedFileSize)
			if err != nil {
				return err
			}
			i.PostVariables.Add(field, string(value))
			continue
		}
		f, err := saveUpload(part, opts)
		if err != nil {
			return fmt.Errorf("failed to extract file %q: %w", field, err)
		}
		if f.Size == 0 && f.FileName == "" {
			// Browsers send an empty part for file inputs left blank.
			_ = os.Remove(f.Path)
			continue
		}
		i.Uploads.Add(f)
	}
}

func saveUpload(part *multipart.Part, opts Options) (*UploadedFile, error) {
	tmp, err := os.CreateTemp(opts.TempDir, "sqlpage-upload-*")
	if err != nil {
		return nil, err
	}
	defer tmp.Close()
	n, err := io.Copy(tmp, io.LimitReader(part, opts.MaxUploadedFileSize+1))
	if err == nil && n > opts.MaxUploadedFileSize {
		err = sizeError(opts.MaxUploadedFileSize)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	ct := part.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &UploadedFile{
		Field:       part.FormName(),
		FileName:    part.FileName(),
		ContentType: ct,
		Path:        tmp.Name(),
		Size:        n,
	}, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, sizeError(limit)
	}
	return b, nil
}

func sizeError(limit int64) error {
	return fmt.Errorf("%w: the maximum size is %s; increase max_uploaded_file_size in the configuration to accept larger uploads",
		ErrUploadTooLarge, humanize.IBytes(uint64(limit)))
}

func protocol(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		return strings.ToLower(p)
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// Fork returns a copy for nested evaluation: variables are copied so the fork
// cannot alter its parent, uploads are shared read-only, and CloneDepth grows.
func (i *Info) Fork() *Info {
	c := i.ForkWithoutVariables()
	c.GetVariables = i.GetVariables.Clone()
	c.PostVariables = i.PostVariables.Clone()
	return c
}

// ForkWithoutVariables is Fork with empty GET and POST variables.
func (i *Info) ForkWithoutVariables() *Info {
	c := *i
	c.GetVariables = ParamMap{}
	c.PostVariables = ParamMap{}
	c.CloneDepth = i.CloneDepth + 1
	return &c
}

// Header returns the first value of a header, matched case-insensitively.
func (i *Info) Header(name string) (string, bool) {
	v, ok := i.Headers[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return v.Values()[0], true
}

// Cookie returns a cookie value.
func (i *Info) Cookie(name string) (string, bool) {
	v, ok := i.Cookies[name]
	if !ok {
		return "", false
	}
	return v.AsJSONStr(), true
}

// Variable resolves a `$name` reference: POST values first, then GET.
func (i *Info) Variable(name string) (SingleOrVec, bool) {
	if v, ok := i.PostVariables[name]; ok {
		return v, true
	}
	v, ok := i.GetVariables[name]
	return v, ok
}

// Cleanup removes uploaded temporary files. Only the root request calls it.
func (i *Info) Cleanup() {
	if i.CloneDepth == 0 {
		i.Uploads.RemoveAll()
	}
}
