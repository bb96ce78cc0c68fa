package webserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sqlpage/SQLPage-sub000/internal/config"
	"github.com/sqlpage/SQLPage-sub000/internal/database"
	"github.com/sqlpage/SQLPage-sub000/internal/engine"
	"github.com/sqlpage/SQLPage-sub000/internal/filesystem"
	"github.com/sqlpage/SQLPage-sub000/internal/render"
)

// ============================================================================
// Helpers
// ============================================================================

func newTestSite(t *testing.T, cfg *config.AppConfig, files map[string]string) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	url := "sqlite://" + filepath.ToSlash(filepath.Join(t.TempDir(), "site.db")) + "?mode=rwc"
	db, err := database.Open(ctx, database.Options{URL: url})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(db, filesystem.New(ctx, root, db), cfg, "0.0.0-test")
	ts := httptest.NewServer(New(cfg, eng, render.NewRegistry("")).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func noRedirects() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func get(t *testing.T, c *http.Client, url string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

var site = map[string]string{
	"index.sql":      "SELECT 'text' AS component, 'Hello from SQL' AS contents;",
	"about.sql":      "SELECT 'text' AS component, 'About page' AS contents;",
	"teapot.sql":     "SELECT 'status_code' AS component, 418 AS status;\nSELECT 'text' AS component, 'short and stout' AS contents;",
	"docs/index.sql": "SELECT 'text' AS component, 'Docs' AS contents;",
	"docs/404.sql":   "SELECT 'text' AS component, 'No such doc' AS contents;",
	"style.css":      "body { color: red; }",
	"greet.sql":      "SELECT 'text' AS component, 'Hi ' || $name AS contents;",
	"rows.sql":       "SELECT 1 AS a;\nSELECT 2 AS a;",
	".hidden/x.css":  "secret",
}

// ============================================================================
// Routing
// ============================================================================

func TestServeIndex(t *testing.T) {
	ts := newTestSite(t, nil, site)
	resp, body := get(t, http.DefaultClient, ts.URL+"/", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "Hello from SQL") || !strings.Contains(body, "<!DOCTYPE html>") {
		t.Fatalf("unexpected body:\n%s", body)
	}
	csp := resp.Header.Get("Content-Security-Policy")
	if !strings.Contains(csp, "'nonce-") || strings.Contains(csp, "{NONCE}") {
		t.Fatalf("CSP = %q", csp)
	}
}

func TestServeWithoutExtension(t *testing.T) {
	ts := newTestSite(t, nil, site)
	_, body := get(t, http.DefaultClient, ts.URL+"/about", nil)
	if !strings.Contains(body, "About page") {
		t.Fatalf("unexpected body:\n%s", body)
	}
	resp, _ := get(t, noRedirects(), ts.URL+"/docs?x=1", nil)
	if resp.StatusCode != http.StatusMovedPermanently || resp.Header.Get("Location") != "/docs/?x=1" {
		t.Fatalf("directory redirect: status %d, location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestServeParameters(t *testing.T) {
	ts := newTestSite(t, nil, site)
	_, body := get(t, http.DefaultClient, ts.URL+"/greet.sql?name=Ada", nil)
	if !strings.Contains(body, "Hi Ada") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}

func TestServeStatusFromSQL(t *testing.T) {
	ts := newTestSite(t, nil, site)
	resp, body := get(t, http.DefaultClient, ts.URL+"/teapot.sql", nil)
	if resp.StatusCode != http.StatusTeapot || !strings.Contains(body, "short and stout") {
		t.Fatalf("status %d, body:\n%s", resp.StatusCode, body)
	}
}

func TestServeStaticFiles(t *testing.T) {
	ts := newTestSite(t, nil, site)
	resp, body := get(t, http.DefaultClient, ts.URL+"/style.css", nil)
	if resp.StatusCode != http.StatusOK || body != "body { color: red; }" {
		t.Fatalf("status %d, body %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Last-Modified") == "" {
		t.Fatal("static file served without Last-Modified")
	}
	resp, _ = get(t, http.DefaultClient, ts.URL+"/.hidden/x.css", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("hidden file: status %d", resp.StatusCode)
	}
	resp, body = get(t, http.DefaultClient, ts.URL+"/sqlpage/sqlpage.css", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "{") {
		t.Fatalf("built-in stylesheet: status %d", resp.StatusCode)
	}
}

func TestServeNotFound(t *testing.T) {
	ts := newTestSite(t, nil, site)
	resp, body := get(t, http.DefaultClient, ts.URL+"/docs/missing.sql", nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "No such doc") {
		t.Fatalf("status %d, body:\n%s", resp.StatusCode, body)
	}
	resp, _ = get(t, http.DefaultClient, ts.URL+"/nowhere.png", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServeSitePrefix(t *testing.T) {
	cfg := config.Default()
	cfg.SitePrefix = "app"
	ts := newTestSite(t, cfg, site)
	_, body := get(t, http.DefaultClient, ts.URL+"/app/", nil)
	if !strings.Contains(body, "Hello from SQL") || !strings.Contains(body, `href="/app/sqlpage/sqlpage.css"`) {
		t.Fatalf("unexpected body:\n%s", body)
	}
	resp, _ := get(t, noRedirects(), ts.URL+"/app", nil)
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("prefix without slash: status %d", resp.StatusCode)
	}
	resp, _ = get(t, http.DefaultClient, ts.URL+"/index.sql", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outside the prefix: status %d", resp.StatusCode)
	}
}

// ============================================================================
// Response formats
// ============================================================================

func TestServeAcceptJSON(t *testing.T) {
	ts := newTestSite(t, nil, site)
	resp, body := get(t, http.DefaultClient, ts.URL+"/rows.sql", map[string]string{"Accept": "application/json"})
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", resp.Header.Get("Content-Type"))
	}
	if body != "[\n{\"a\":1},\n{\"a\":2}\n]" {
		t.Fatalf("body = %q", body)
	}
}

func TestServeGzip(t *testing.T) {
	ts := newTestSite(t, nil, site)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", resp.Header.Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "Hello from SQL") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}

func TestServeUploadTooLarge(t *testing.T) {
	cfg := config.Default()
	cfg.MaxUploadedFileSize = 8
	ts := newTestSite(t, cfg, site)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "big.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("far more than eight bytes"))
	mw.Close()

	resp, err := http.Post(ts.URL+"/index.sql", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAcceptsJSON(t *testing.T) {
	cases := map[string]bool{
		"application/json":                   true,
		"application/json; q=0.9, text/html": true,
		"text/html,application/json":         false,
		"*/*":                                false,
		"":                                   false,
	}
	for accept, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Accept", accept)
		if got := acceptsJSON(r); got != want {
			t.Errorf("acceptsJSON(%q) = %v, want %v", accept, got, want)
		}
	}
}
