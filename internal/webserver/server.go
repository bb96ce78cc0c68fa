// Package webserver maps HTTP requests to SQL files and streams the rendered
// pages back to the client.
package webserver

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sqlpage/SQLPage-sub000/internal/config"
	"github.com/sqlpage/SQLPage-sub000/internal/engine"
	"github.com/sqlpage/SQLPage-sub000/internal/filesystem"
	"github.com/sqlpage/SQLPage-sub000/internal/render"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

const (
	assetsDir       = "sqlpage/"
	embedVariable   = "_sqlpage_embed"
	shutdownTimeout = 10 * time.Second
)

// Server serves a site: SQL files are executed, other files are served as
// they are.
type Server struct {
	cfg       *config.AppConfig
	eng       *engine.Engine
	templates *render.Registry
	prefix    string
	assets    http.Handler
}

// New returns a server running SQL files with eng and rendering them with
// templates.
func New(cfg *config.AppConfig, eng *engine.Engine, templates *render.Registry) *Server {
	prefix := config.NormalizeSitePrefix(cfg.SitePrefix)
	return &Server{
		cfg:       cfg,
		eng:       eng,
		templates: templates,
		prefix:    prefix,
		assets:    http.StripPrefix(prefix+assetsDir, http.FileServerFS(render.Static())),
	}
}

// Handler is the HTTP handler of the site.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully. Cache sweepers run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	if err := s.templates.StartSweeper(); err != nil {
		return err
	}
	defer s.templates.StopSweeper()
	if err := s.eng.Files.StartSweeper(); err != nil {
		return err
	}
	defer s.eng.Files.StopSweeper()

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", srv.Addr, "site_prefix", s.prefix, "web_root", s.eng.FS.Root())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down the server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ============================================================================
// Routing
// ============================================================================

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if !strings.HasPrefix(p, s.prefix) {
		if p+"/" == s.prefix {
			http.Redirect(w, r, s.prefix, http.StatusMovedPermanently)
			return
		}
		http.NotFound(w, r)
		return
	}
	rel := strings.TrimPrefix(p, s.prefix)
	if strings.HasPrefix(rel, assetsDir) {
		s.assets.ServeHTTP(w, r)
		return
	}
	if rel == "" || strings.HasSuffix(rel, "/") {
		rel += "index.sql"
	}

	ctx := r.Context()
	switch path.Ext(rel) {
	case ".sql":
		if s.exists(ctx, rel) {
			s.runSQL(w, r, rel, 0)
			return
		}
	case "":
		if s.exists(ctx, rel+".sql") {
			s.runSQL(w, r, rel+".sql", 0)
			return
		}
		if s.exists(ctx, rel+"/index.sql") {
			target := p + "/"
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
			return
		}
	default:
		if s.serveFile(w, r, rel) {
			return
		}
	}
	s.notFound(w, r, rel)
}

func (s *Server) exists(ctx context.Context, rel string) bool {
	ok, err := s.eng.FS.Contains(ctx, rel)
	if err != nil && !errors.Is(err, filesystem.ErrForbidden) {
		slog.Warn("unable to check for a file", "path", rel, "err", err)
	}
	return ok
}

// serveFile serves a static file and reports whether it was found.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, rel string) bool {
	f, err := s.eng.FS.Open(r.Context(), rel)
	switch {
	case errors.Is(err, filesystem.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return true
	case errors.Is(err, filesystem.ErrNotFound):
		return false
	case err != nil:
		slog.Error("unable to open a static file", "path", rel, "err", err)
		http.Error(w, "Unable to read the file", http.StatusInternalServerError)
		return true
	}
	defer f.Close()
	http.ServeContent(w, r, f.Name, f.ModTime, f)
	return true
}

// notFound runs the 404.sql closest to rel, looking in its directory and then
// in each parent.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request, rel string) {
	dir := path.Dir(rel)
	for {
		candidate := path.Join(dir, "404.sql")
		if s.exists(r.Context(), candidate) {
			s.runSQL(w, r, candidate, http.StatusNotFound)
			return
		}
		if dir == "." || dir == "/" {
			break
		}
		dir = path.Dir(dir)
	}
	http.NotFound(w, r)
}

// ============================================================================
// SQL pages
// ============================================================================

// runSQL executes the file on a goroutine of its own and copies its output to
// w as it is produced. status, when set, is the initial response status.
func (s *Server) runSQL(w http.ResponseWriter, r *http.Request, file string, status int) {
	ctx := r.Context()
	req, err := request.FromHTTP(r, request.Options{MaxUploadedFileSize: s.cfg.MaxUploadedFileSize})
	if err != nil {
		s.plainError(w, file, err)
		return
	}
	defer req.Cleanup()
	req.ID = uuid.NewString()

	parsed, err := s.eng.Files.Get(ctx, file)
	if err != nil {
		s.plainError(w, file, err)
		return
	}

	out := render.NewWriter(s.cfg.MaxPendingRows)
	if status != 0 {
		out.SetStatus(status)
	}
	_, embedded := req.GetVariables[embedVariable]
	page := render.NewPage(s.templates, out, render.Options{
		Path:       file,
		Production: s.cfg.IsProduction(),
		SitePrefix: s.prefix,
		CSP:        s.cfg.ContentSecurityPolicy,
		Nonce:      newNonce(),
		Embedded:   embedded,
		AcceptJSON: acceptsJSON(r),
	})

	started := time.Now()
	go func() {
		if err := page.Render(ctx, s.eng.Stream(ctx, parsed, req)); err != nil {
			slog.Warn("page rendering stopped early", "request_id", req.ID, "path", file, "err", err)
		}
	}()

	<-out.HeadersReady()
	dst, closeDst := s.responseBody(w, r, out)
	var werr error
	for chunk := range out.Body() {
		if werr != nil {
			continue
		}
		if _, werr = dst.Write(chunk); werr == nil {
			werr = dst.Flush()
		}
	}
	if err := closeDst(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		slog.Debug("unable to write the response", "request_id", req.ID, "path", file, "err", werr)
	}
	slog.Info("request served", "request_id", req.ID, "method", r.Method, "path", r.URL.Path,
		"file", file, "status", out.Status(), "duration", time.Since(started))
}

// flushWriter writes body chunks and pushes them to the client.
type flushWriter interface {
	io.Writer
	Flush() error
}

type plainBody struct {
	w http.ResponseWriter
	c *http.ResponseController
}

func (b plainBody) Write(p []byte) (int, error) { return b.w.Write(p) }

func (b plainBody) Flush() error {
	if err := b.c.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

type gzipBody struct {
	gz  *gzip.Writer
	out plainBody
}

func (b gzipBody) Write(p []byte) (int, error) { return b.gz.Write(p) }

func (b gzipBody) Flush() error {
	if err := b.gz.Flush(); err != nil {
		return err
	}
	return b.out.Flush()
}

// responseBody sends the rendered status and headers and returns where the
// body goes.
func (s *Server) responseBody(w http.ResponseWriter, r *http.Request, out *render.Writer) (flushWriter, func() error) {
	for k, v := range out.Header() {
		w.Header()[k] = v
	}
	plain := plainBody{w: w, c: http.NewResponseController(w)}
	if !s.cfg.CompressResponses || !acceptsGzip(r) || !compressible(w.Header()) {
		w.WriteHeader(out.Status())
		return plain, func() error { return nil }
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.Header().Del("Content-Length")
	w.WriteHeader(out.Status())
	gz := gzip.NewWriter(w)
	return gzipBody{gz: gz, out: plain}, gz.Close
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(coding, "gzip") {
			return true
		}
	}
	return false
}

func compressible(h http.Header) bool {
	if h.Get("Content-Encoding") != "" || h.Get("Content-Disposition") != "" {
		return false
	}
	mt, _, _ := mime.ParseMediaType(h.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mt, "text/") && mt != "text/event-stream":
		return true
	case mt == "application/json", mt == "application/jsonl":
		return true
	}
	return false
}

// acceptsJSON reports whether the client prefers JSON over HTML.
func acceptsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.ToLower(mt) {
		case "application/json":
			return true
		case "text/html", "*/*":
			return false
		}
	}
	return false
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// plainError answers a request that failed before rendering started.
func (s *Server) plainError(w http.ResponseWriter, file string, err error) {
	status := render.StatusOf(err)
	if errors.Is(err, filesystem.ErrNotFound) {
		status = http.StatusNotFound
	}
	slog.Error("request failed", "path", file, "status", status, "err", err)
	msg := err.Error()
	if s.cfg.IsProduction() && status == http.StatusInternalServerError {
		msg = "Sorry, but we were not able to process your request. The error has been logged."
	}
	http.Error(w, msg, status)
}
