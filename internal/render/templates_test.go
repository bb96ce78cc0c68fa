package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
)

func testRow(kv ...any) *codec.Row {
	r := codec.NewRow(len(kv) / 2)
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}
	return r
}

func mustInstance(t *testing.T, name, text string, parent *component) *component {
	t.Helper()
	st, err := Split(name, text)
	if err != nil {
		t.Fatalf("Split(%s) failed: %v", name, err)
	}
	c, err := st.instantiate(1, parent, &env{nonce: "n0nce", sitePrefix: "/app/"})
	if err != nil {
		t.Fatalf("instantiate(%s) failed: %v", name, err)
	}
	return c
}

func TestSplitRendersParts(t *testing.T) {
	c := mustInstance(t, "t", `<ul title="{{.title}}">{{range each_row}}<li>{{row_index}}:{{.x}}</li>{{end}}</ul>`, nil)
	var sb strings.Builder
	if err := c.start(&sb, testRow("component", "t", "title", "T")); err != nil {
		t.Fatal(err)
	}
	for _, x := range []string{"a", "<b>"} {
		if err := c.item(&sb, testRow("x", x)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.end(&sb); err != nil {
		t.Fatal(err)
	}
	want := `<ul title="T"><li>0:a</li><li>1:&lt;b&gt;</li></ul>`
	if sb.String() != want {
		t.Fatalf("rendered %q, want %q", sb.String(), want)
	}
}

func TestSplitWithoutLoop(t *testing.T) {
	c := mustInstance(t, "static", `<p>{{.title}}</p>`, nil)
	var sb strings.Builder
	if err := c.start(&sb, testRow("title", "hello")); err != nil {
		t.Fatal(err)
	}
	if err := c.item(&sb, testRow("title", "ignored")); err != nil {
		t.Fatal(err)
	}
	if err := c.end(&sb); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "<p>hello</p>" {
		t.Fatalf("rendered %q", sb.String())
	}
}

func TestSplitErrors(t *testing.T) {
	cases := []string{
		`{{range $i := each_row}}{{end}}`,
		`{{range each_row}}a{{else}}b{{end}}`,
		`{{if}}`,
		`{{unknown_helper}}`,
	}
	for _, text := range cases {
		if _, err := Split("bad", text); err == nil {
			t.Errorf("Split(%q) succeeded, want an error", text)
		}
	}
}

func TestInstanceHelpers(t *testing.T) {
	c := mustInstance(t, "h", `{{range each_row}}{{csp_nonce}} {{site_prefix}} {{component_index}} {{range columns}}[{{.}}]{{end}} {{(top).title}}{{end}}`, nil)
	var sb strings.Builder
	if err := c.start(&sb, testRow("component", "h", "title", "Top")); err != nil {
		t.Fatal(err)
	}
	if err := c.item(&sb, testRow("a", 1, "_sqlpage_id", 2, "b", 3)); err != nil {
		t.Fatal(err)
	}
	want := "n0nce /app/ 1 [a][b] Top"
	if sb.String() != want {
		t.Fatalf("rendered %q, want %q", sb.String(), want)
	}
}

func TestDelayedContentReachesParent(t *testing.T) {
	shell := mustInstance(t, "p", `{{range each_row}}{{end}}{{flush_delayed}}`, nil)
	child := mustInstance(t, "c", `{{range each_row}}<b> {{.x}} {{delay "close" .x}}{{end}}{{define "close"}}{{.}} </b> {{end}}`, shell)
	var sb strings.Builder
	if err := shell.start(&sb, nil); err != nil {
		t.Fatal(err)
	}
	if err := child.start(&sb, nil); err != nil {
		t.Fatal(err)
	}
	for _, x := range []int{1, 2} {
		if err := child.item(&sb, testRow("x", x)); err != nil {
			t.Fatal(err)
		}
	}
	if err := child.end(&sb); err != nil {
		t.Fatal(err)
	}
	if err := shell.end(&sb); err != nil {
		t.Fatal(err)
	}
	want := "<b> 1 <b> 2 2 </b> 1 </b> "
	if sb.String() != want {
		t.Fatalf("rendered %q, want %q", sb.String(), want)
	}
}

func TestFuncs(t *testing.T) {
	if !equal(1, "x", 1.0) {
		t.Error("eq should compare numbers by value")
	}
	if equal("1", "2") {
		t.Error("eq matched different strings")
	}
	if got := sum(1, "2.5", 3.0); got != 6.5 {
		t.Errorf("sum = %v", got)
	}
	if got := defaultValue("x", ""); got != "x" {
		t.Errorf("default = %v", got)
	}
	if got := list(`["a","b"]`); len(got) != 2 || got[1] != "b" {
		t.Errorf("list(json) = %v", got)
	}
	if got := list("single"); len(got) != 1 {
		t.Errorf("list(string) = %v", got)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "text.tmpl"), []byte(`custom {{.contents}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(dir)
	if err := reg.PreloadBuiltins(); err != nil {
		t.Fatalf("PreloadBuiltins failed: %v", err)
	}
	for _, name := range []string{"shell", "table", "error", "list"} {
		if _, err := reg.Get(ctx, name); err != nil {
			t.Errorf("Get(%s) failed: %v", name, err)
		}
	}
	st, err := reg.Get(ctx, "text")
	if err != nil {
		t.Fatal(err)
	}
	c, err := st.instantiate(1, nil, &env{})
	if err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	if err := c.start(&sb, testRow("contents", "x")); err != nil {
		t.Fatal(err)
	}
	if sb.String() != "custom x" {
		t.Fatalf("override rendered %q", sb.String())
	}
	if _, err := reg.Get(ctx, "no_such_component"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("unknown component error = %v", err)
	}
	if _, err := reg.Get(ctx, "../etc/passwd"); !errors.Is(err, ErrUnknownComponent) {
		t.Fatalf("invalid name error = %v", err)
	}
}

func TestBuiltinTemplatesSplit(t *testing.T) {
	entries, err := builtinTemplates.ReadDir("templates")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		text, _ := builtinTemplates.ReadFile("templates/" + e.Name())
		if _, err := Split(strings.TrimSuffix(e.Name(), ".tmpl"), string(text)); err != nil {
			t.Errorf("%s: %v", e.Name(), err)
		}
	}
}
