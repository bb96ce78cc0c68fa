// Package render turns the item stream of a SQL file into an HTTP response.
//
// Rows are first read in the header phase, where components such as
// status_code, cookie or redirect shape the response before anything is sent.
// The first other row starts the body: HTML pages made of component
// templates, or the CSV and JSON documents asked for by the csv and json
// components. Output goes to a Writer whose chunks the HTTP handler copies to
// the client.
package render

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/engine"
	"github.com/sqlpage/SQLPage-sub000/internal/exporter"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

const (
	defaultComponent = "table"
	pageShell        = "shell"
	fragmentShell    = "shell-empty"

	productionErrorDescription = "Please contact the administrator for more information. The error has been logged."
	productionErrorNote        = "You can hide error messages like this one from your users by setting the 'environment' configuration option to 'production'."
	unauthorizedMessage        = "Sorry, but you are not authorized to access this page."
)

// Options describes one page render.
type Options struct {
	// Path is the SQL file being rendered. It only appears in logs.
	Path       string
	Production bool
	SitePrefix string
	// CSP is the Content-Security-Policy header; {NONCE} is replaced by Nonce.
	CSP   string
	Nonce string
	// Embedded pages use the shell-empty shell.
	Embedded bool
	// AcceptJSON renders the whole page as a JSON array of rows.
	AcceptJSON bool
}

// bodyRenderer renders rows once the headers are final.
type bodyRenderer interface {
	row(ctx context.Context, row *codec.Row) error
	finishQuery(ctx context.Context) error
	handleError(ctx context.Context, err error) error
	end() error
}

// Page renders one item stream. It is used by a single goroutine.
type Page struct {
	reg  *Registry
	w    *Writer
	opts Options
	env  *env

	body      bodyRenderer
	done      bool
	hasStatus bool
	statement int
}

// NewPage prepares a render of an HTML page into w.
func NewPage(reg *Registry, w *Writer, opts Options) *Page {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if opts.CSP != "" {
		w.Header().Set("Content-Security-Policy", strings.ReplaceAll(opts.CSP, "{NONCE}", opts.Nonce))
	}
	return &Page{
		reg:       reg,
		w:         w,
		opts:      opts,
		env:       &env{nonce: opts.Nonce, sitePrefix: opts.SitePrefix},
		statement: 1,
	}
}

// Render consumes items until the stream ends or the response is complete,
// flushing after each item. It returns the error that stopped the render
// early. The writer is always closed, and an open component always gets its
// epilogue.
func (p *Page) Render(ctx context.Context, items iter.Seq[engine.DbItem]) (err error) {
	defer func() {
		if cerr := p.finish(ctx, err); err == nil {
			err = cerr
		}
	}()
	for item := range items {
		if err := p.handle(ctx, item); err != nil {
			return err
		}
		if p.done {
			return nil
		}
		if p.body != nil {
			if err := p.w.AsyncFlush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Page) handle(ctx context.Context, item engine.DbItem) error {
	switch item.Kind {
	case engine.ItemRow:
		if p.body == nil {
			return p.headerRow(ctx, item.Row)
		}
		if err := p.body.row(ctx, item.Row); err != nil {
			return p.bodyError(ctx, err)
		}
	case engine.ItemFinishedQuery:
		slog.Debug("query finished", "path", p.opts.Path, "statement", p.statement)
		p.statement++
		if p.body != nil {
			if err := p.body.finishQuery(ctx); err != nil {
				return p.bodyError(ctx, err)
			}
		}
	case engine.ItemError:
		if p.body == nil {
			return p.headerError(ctx, item.Err)
		}
		return p.bodyError(ctx, item.Err)
	}
	return nil
}

func (p *Page) bodyError(ctx context.Context, err error) error {
	slog.Error("SQL error", "path", p.opts.Path, "err", err)
	if herr := p.body.handleError(ctx, err); herr != nil {
		return fmt.Errorf("unable to render an error (%w) because of another error: %w", err, herr)
	}
	return nil
}

// headerError handles an error before the body started. Status errors and
// production errors become the response; others start an HTML page showing
// them.
func (p *Page) headerError(ctx context.Context, err error) error {
	var herr *engine.HTTPError
	if errors.As(err, &herr) || engine.IsTooBusy(err) || p.opts.Production {
		return err
	}
	slog.Error("SQL error", "path", p.opts.Path, "err", err)
	if serr := p.startHTML(ctx, nil); serr != nil {
		return serr
	}
	return p.bodyError(ctx, err)
}

func (p *Page) startBody(b bodyRenderer) {
	p.body = b
	p.w.SendHeaders()
}

func (p *Page) finish(ctx context.Context, cause error) error {
	switch {
	case cause != nil && !p.w.headersSent():
		p.errorResponse(cause)
	case p.body != nil:
		if err := p.body.end(); err != nil {
			slog.Error("unable to close the page", "path", p.opts.Path, "err", err)
		}
	}
	return p.w.Close(ctx)
}

// errorResponse replaces the response with a plain text error.
func (p *Page) errorResponse(err error) {
	status := StatusOf(err)
	slog.Error("request failed", "path", p.opts.Path, "status", status, "err", err)
	p.w.discard()
	h := p.w.Header()
	h.Del("Content-Disposition")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	switch status {
	case http.StatusTooManyRequests:
		h.Set("Retry-After", strconv.Itoa(1+rand.IntN(15)))
	case http.StatusUnauthorized:
		if h.Get("WWW-Authenticate") == "" {
			h.Set("WWW-Authenticate", `Basic realm="Authentication required", charset="UTF-8"`)
		}
	}
	p.w.SetStatus(status)
	msg := err.Error()
	if p.opts.Production && status == http.StatusInternalServerError {
		msg = "Sorry, but we were not able to process your request. The error has been logged."
	}
	p.w.WriteString(msg + "\n")
}

// StatusOf maps an error that ended a request to an HTTP status.
func StatusOf(err error) int {
	var herr *engine.HTTPError
	switch {
	case errors.As(err, &herr):
		return herr.StatusCode()
	case engine.IsTooBusy(err):
		return http.StatusTooManyRequests
	case errors.Is(err, request.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrRowLimit):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorRow describes err for the error component.
func (p *Page) errorRow(err error) *codec.Row {
	row := codec.NewRow(5)
	if p.opts.Production {
		row.Set("description", productionErrorDescription)
		return row
	}
	number := p.statement
	var qerr *engine.QueryError
	if errors.As(err, &qerr) {
		number = qerr.Number
	}
	row.Set("query_number", number)
	row.Set("description", err.Error())
	row.Set("backtrace", backtrace(err))
	row.Set("note", productionErrorNote)
	return row
}

// backtrace lists the messages of the errors wrapped by err.
func backtrace(err error) []any {
	var out []any
	queue := []error{err}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		var causes []error
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			if c := u.Unwrap(); c != nil {
				causes = []error{c}
			}
		case interface{ Unwrap() []error }:
			causes = u.Unwrap()
		}
		for _, c := range causes {
			out = append(out, c.Error())
		}
		queue = append(queue, causes...)
	}
	return out
}

// ============================================================================
// Header phase
// ============================================================================

func isHeaderComponent(name string) bool {
	switch name {
	case "status_code", "http_header", "redirect", "json", "csv", "cookie", "authentication", "download", "log":
		return true
	}
	return false
}

func isShell(name string) bool { return strings.HasPrefix(name, pageShell) }

func (p *Page) headerRow(ctx context.Context, row *codec.Row) error {
	name, _ := row.GetString("component")
	if p.opts.AcceptJSON && !isHeaderComponent(name) {
		p.w.Header().Set("Content-Type", "application/json")
		p.startBody(&jsonBody{page: p, s: exporter.NewJSONStream(p.w, exporter.Array)})
		if err := p.body.row(ctx, row); err != nil {
			return p.bodyError(ctx, err)
		}
		return nil
	}
	var err error
	switch name {
	case "status_code":
		err = p.statusCode(row)
	case "http_header":
		err = p.httpHeader(row)
	case "redirect":
		err = p.redirect(row)
	case "cookie":
		err = p.cookie(row)
	case "authentication":
		err = p.authentication(row)
	case "download":
		err = p.download(row)
	case "log":
		err = p.logComponent(row)
	case "json":
		err = p.jsonComponent(row)
	case "csv":
		err = p.csvComponent(row)
	default:
		return p.startHTML(ctx, row)
	}
	if err != nil {
		return p.headerError(ctx, err)
	}
	return nil
}

func (p *Page) statusCode(row *codec.Row) error {
	v, ok := row.Get("status")
	if !ok || v == nil {
		return errors.New("status_code component requires a status")
	}
	code, ok := intValue(v)
	if !ok {
		return errors.New("status must be a number")
	}
	if code < 100 || code > 999 {
		return fmt.Errorf("status must be a number between 100 and 999, got %d", code)
	}
	p.w.SetStatus(int(code))
	p.hasStatus = true
	return nil
}

func (p *Page) httpHeader(row *codec.Row) error {
	for _, f := range row.Fields() {
		if f.Name == "component" {
			continue
		}
		value, ok := f.Value.(string)
		if !ok {
			return fmt.Errorf("http header values must be strings, got %s for %s", codec.Stringify(f.Value), f.Name)
		}
		if strings.EqualFold(f.Name, "location") && !p.hasStatus {
			p.w.SetStatus(http.StatusFound)
			p.hasStatus = true
		}
		p.w.Header().Set(f.Name, value)
	}
	return nil
}

func (p *Page) redirect(row *codec.Row) error {
	link, ok := row.GetString("link")
	if !ok {
		return errors.New("The redirect component requires a 'link' property")
	}
	p.w.SetStatus(http.StatusFound)
	p.w.Header().Set("Location", link)
	p.done = true
	return nil
}

func (p *Page) cookie(row *codec.Row) error {
	name, ok := stringProp(row, "name")
	if !ok {
		return errors.New("cookie name must be a string")
	}
	c := &http.Cookie{Name: name, Path: "/"}
	if path, ok := stringProp(row, "path"); ok {
		c.Path = path
	}
	if domain, ok := stringProp(row, "domain"); ok {
		c.Domain = domain
	}
	if remove, _ := row.Get("remove"); remove == true || isOne(remove) {
		c.MaxAge = -1
		p.w.Header().Add("Set-Cookie", c.String())
		return nil
	}
	value, ok := stringProp(row, "value")
	if !ok {
		return errors.New("The 'value' property of the cookie component is required (unless 'remove' is set) and must be a string.")
	}
	c.Value = value
	c.HttpOnly = boolProp(row, "http_only", true)
	c.Secure = boolProp(row, "secure", true)
	sameSite, _ := stringProp(row, "same_site")
	switch strings.ToLower(sameSite) {
	case "", "strict":
		c.SameSite = http.SameSiteStrictMode
	case "lax":
		c.SameSite = http.SameSiteLaxMode
	case "none":
		c.SameSite = http.SameSiteNoneMode
	default:
		return fmt.Errorf("expected same_site to be one of 'strict', 'lax' or 'none', got %q", sameSite)
	}
	if v, ok := row.Get("max_age"); ok && v != nil {
		secs, ok := intValue(v)
		if !ok {
			return errors.New("max_age must be a number of seconds")
		}
		c.MaxAge = int(secs)
	}
	if v, ok := row.Get("expires"); ok && v != nil {
		switch x := v.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, x)
			if err != nil {
				return fmt.Errorf("expires must be a date in the RFC 3339 format: %w", err)
			}
			c.Expires = t
		default:
			secs, ok := intValue(x)
			if !ok {
				return errors.New("expires must be a string or a number")
			}
			c.Expires = time.Unix(secs, 0)
		}
	}
	if err := c.Valid(); err != nil {
		return fmt.Errorf("invalid cookie %s: %w", name, err)
	}
	p.w.Header().Add("Set-Cookie", c.String())
	return nil
}

// authentication lets the request through when password matches
// password_hash. Otherwise it redirects to link, or fails with 401.
func (p *Page) authentication(row *codec.Row) error {
	hash, _ := stringProp(row, "password_hash")
	password, _ := stringProp(row, "password")
	if hash != "" && password != "" {
		ok, err := engine.VerifyPassword(password, hash)
		if err != nil {
			return fmt.Errorf("invalid value for the password_hash property: %w", err)
		}
		if ok {
			return nil
		}
	}
	if link, ok := row.GetString("link"); ok {
		p.w.SetStatus(http.StatusFound)
		p.w.Header().Set("Location", link)
		p.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		p.w.WriteString(unauthorizedMessage + " Redirecting to the login page...")
		p.done = true
		return nil
	}
	p.w.Header().Set("WWW-Authenticate", `Basic realm="Authentication required", charset="UTF-8"`)
	return &engine.HTTPError{Status: http.StatusUnauthorized, Msg: unauthorizedMessage}
}

func (p *Page) download(row *codec.Row) error {
	raw, ok := row.GetString("data_url")
	if !ok {
		return errors.New("The 'data_url' property of the download component is required.")
	}
	contentType, body := "application/octet-stream", []byte(raw)
	if strings.HasPrefix(raw, "data:") {
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return fmt.Errorf("invalid data URL in the download component: %w", err)
		}
		mt, data, ok := codec.ParseDataURL(decoded)
		if !ok {
			return errors.New("invalid data URL in the download component")
		}
		contentType, body = mt, data
	}
	if filename, ok := row.GetString("filename"); ok {
		p.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	p.w.Header().Set("Content-Type", contentType)
	if _, err := p.w.Write(body); err != nil {
		return err
	}
	p.done = true
	return nil
}

func (p *Page) logComponent(row *codec.Row) error {
	msg, ok := row.GetString("message")
	if !ok {
		return fmt.Errorf("message undefined for log in %q in statement %d", p.opts.Path, p.statement)
	}
	level := slog.LevelInfo
	if priority, ok := row.GetString("priority"); ok {
		switch strings.ToLower(priority) {
		case "trace":
			priority = "debug"
		case "warning":
			priority = "warn"
		}
		if err := level.UnmarshalText([]byte(priority)); err != nil {
			level = slog.LevelInfo
		}
	}
	slog.Log(context.Background(), level, msg, "source", "sqlpage.log", "path", p.opts.Path, "statement", p.statement)
	return nil
}

func (p *Page) jsonComponent(row *codec.Row) error {
	if contents, ok := row.Get("contents"); ok {
		p.w.Header().Set("Content-Type", "application/json")
		if _, err := p.w.WriteString(codec.Stringify(contents)); err != nil {
			return err
		}
		p.done = true
		return nil
	}
	typ, _ := row.GetString("type")
	framing, err := exporter.ParseFraming(typ)
	if err != nil {
		return err
	}
	p.w.Header().Set("Content-Type", framing.ContentType())
	p.startBody(&jsonBody{page: p, s: exporter.NewJSONStream(p.w, framing)})
	return nil
}

func (p *Page) csvComponent(row *codec.Row) error {
	var opts exporter.CSVOptions
	for prop, dst := range map[string]*byte{"separator": &opts.Separator, "quote": &opts.Quote, "escape": &opts.Escape} {
		if s, ok := row.GetString(prop); ok {
			if len(s) != 1 {
				return fmt.Errorf("Invalid csv %s: %q. It must be a single byte.", prop, s)
			}
			*dst = s[0]
		}
	}
	opts.BOM = boolProp(row, "bom", false)
	p.w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	filename, ok := row.GetString("filename")
	if !ok {
		filename, ok = row.GetString("title")
	}
	if ok {
		if !strings.Contains(filename, ".") {
			filename += ".csv"
		}
		p.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	}
	cw, err := exporter.NewCSVWriter(p.w, opts)
	if err != nil {
		return err
	}
	p.startBody(&csvBody{page: p, w: cw})
	return nil
}

// startHTML opens the shell and renders first, which may be the shell row
// itself.
func (p *Page) startHTML(ctx context.Context, first *codec.Row) error {
	shellName := pageShell
	if p.opts.Embedded {
		shellName = fragmentShell
	}
	var shellProps *codec.Row
	if first != nil {
		if name, _ := first.GetString("component"); isShell(name) {
			if p.opts.Embedded && name != fragmentShell {
				slog.Warn("embedded pages cannot use a shell component, ignoring it", "component", name, "properties", first.String())
			} else {
				shellName, shellProps = name, first
			}
			first = nil
		}
	}
	tpl, err := p.reg.Get(ctx, shellName)
	if err != nil {
		return fmt.Errorf("unable to load the page shell: %w", err)
	}
	shell, err := tpl.instantiate(0, nil, p.env)
	if err != nil {
		return err
	}
	if err := shell.start(p.w, shellProps); err != nil {
		return err
	}
	p.startBody(&htmlBody{page: p, shell: shell})
	if first != nil {
		if err := p.body.row(ctx, first); err != nil {
			return p.bodyError(ctx, err)
		}
	}
	return nil
}

// ============================================================================
// HTML body
// ============================================================================

// htmlBody is the component state machine. A component is opened by a row
// naming it, or by a row without a component when none is open; the rows
// that follow render its body, across query boundaries, until a row names
// another component or the page ends.
type htmlBody struct {
	page  *Page
	shell *component
	cur   *component
	count int
}

func (h *htmlBody) row(ctx context.Context, row *codec.Row) error {
	name, ok := row.GetString("component")
	if !ok {
		if h.cur == nil {
			if err := h.open(ctx, defaultComponent, nil); err != nil {
				return err
			}
		}
		return h.cur.item(h.page.w, row)
	}
	switch {
	case isShell(name):
		return fmt.Errorf("There cannot be more than a single shell per page. "+
			"You are trying to open the %s component, but a shell component is already opened for the current page. "+
			"You can fix this by removing the extra shell component, or by moving this component to the top of the SQL file, "+
			"before any other component that displays data.", name)
	case name == "log":
		return h.page.logComponent(row)
	case isHeaderComponent(name):
		return fmt.Errorf("The %s component cannot be used after data has already been sent to the client's browser.\n"+
			"This component must be used before any other component.\n"+
			"To fix this, either move the call to the '%s' component to the top of the SQL file, "+
			"or create a new SQL file where '%s' is the first component.", name, name, name)
	}
	return h.open(ctx, name, row)
}

func (h *htmlBody) open(ctx context.Context, name string, props *codec.Row) error {
	if err := h.closeComponent(); err != nil {
		return err
	}
	tpl, err := h.page.reg.Get(ctx, name)
	if err != nil {
		return err
	}
	h.count++
	c, err := tpl.instantiate(h.count, h.shell, h.page.env)
	if err != nil {
		return err
	}
	if err := c.start(h.page.w, props); err != nil {
		return err
	}
	h.cur = c
	return nil
}

func (h *htmlBody) closeComponent() error {
	c := h.cur
	if c == nil {
		return nil
	}
	h.cur = nil
	return c.end(h.page.w)
}

func (h *htmlBody) finishQuery(context.Context) error { return nil }

// handleError closes the open component and shows err in an error component.
func (h *htmlBody) handleError(ctx context.Context, err error) error {
	if cerr := h.closeComponent(); cerr != nil {
		slog.Error("unable to close the component before an error", "path", h.page.opts.Path, "err", cerr)
	}
	if err := h.open(ctx, "error", h.page.errorRow(err)); err != nil {
		return err
	}
	return h.closeComponent()
}

func (h *htmlBody) end() error {
	return errors.Join(h.closeComponent(), h.shell.end(h.page.w))
}

// ============================================================================
// JSON and CSV bodies
// ============================================================================

type jsonBody struct {
	page *Page
	s    *exporter.JSONStream
}

func (b *jsonBody) row(_ context.Context, row *codec.Row) error { return b.s.Write(row) }

func (b *jsonBody) finishQuery(context.Context) error { return nil }

func (b *jsonBody) handleError(_ context.Context, err error) error {
	return b.s.Write(map[string]string{"error": b.page.publicMessage(err)})
}

func (b *jsonBody) end() error { return b.s.Close() }

type csvBody struct {
	page *Page
	w    *exporter.CSVWriter
}

func (b *csvBody) row(_ context.Context, row *codec.Row) error { return b.w.WriteRow(row) }

func (b *csvBody) finishQuery(context.Context) error { return nil }

func (b *csvBody) handleError(_ context.Context, err error) error {
	return b.w.WriteError(b.page.publicMessage(err))
}

func (b *csvBody) end() error { return nil }

func (p *Page) publicMessage(err error) string {
	if p.opts.Production {
		return productionErrorDescription
	}
	return err.Error()
}

// ============================================================================
// Property helpers
// ============================================================================

func stringProp(row *codec.Row, key string) (string, bool) {
	v, _ := row.Get(key)
	s, ok := v.(string)
	return s, ok
}

func boolProp(row *codec.Row, key string, def bool) bool {
	v, ok := row.Get(key)
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return def
		}
		return b
	}
	if n, ok := intValue(v); ok {
		return n != 0
	}
	return def
}

func isOne(v any) bool {
	n, ok := intValue(v)
	return ok && n == 1
}

func intValue(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	case interface{ Int64() (int64, error) }:
		n, err := x.Int64()
		return n, err == nil
	}
	return 0, false
}
