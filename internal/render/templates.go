package render

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template/parse"
	"time"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/filecache"
)

//go:embed templates/*.tmpl
var builtinTemplates embed.FS

//go:embed static
var staticFiles embed.FS

// Static holds the assets served under /sqlpage/.
func Static() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrUnknownComponent matches lookups of components without a template.
var ErrUnknownComponent = errors.New("unknown component")

const (
	eachRow = "each_row"

	partPrologue = "#prologue"
	partBody     = "#body"
	partEpilogue = "#epilogue"
)

// SplitTemplate is a component template cut around its top-level
// {{range each_row}} loop into a prologue, a body rendered once per row, and
// an epilogue. It is immutable: renders work on clones.
type SplitTemplate struct {
	Name string
	set  *template.Template
}

// Split parses text and cuts it at the first top-level each_row loop. A
// template without the loop is all prologue.
func Split(name, text string) (*SplitTemplate, error) {
	full, err := template.New(name).Option("missingkey=zero").Funcs(parseFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid template for the %s component: %w", name, err)
	}
	if full.Tree == nil {
		return nil, fmt.Errorf("invalid template for the %s component: the template is empty", name)
	}
	set := template.New(name).Option("missingkey=zero").Funcs(parseFuncs)
	for _, d := range full.Templates() {
		if d.Name() == name || d.Tree == nil {
			continue
		}
		if _, err := set.AddParseTree(d.Name(), d.Tree.Copy()); err != nil {
			return nil, err
		}
	}

	loop := -1
	for i, n := range full.Tree.Root.Nodes {
		r, ok := eachRowLoop(n)
		if !ok {
			continue
		}
		if len(r.Pipe.Decl) > 0 || r.ElseList != nil {
			return nil, fmt.Errorf("invalid template for the %s component: the each_row loop cannot declare variables or have an else branch", name)
		}
		loop = i
		break
	}

	parts := map[string]func(root *parse.ListNode) *parse.ListNode{
		partPrologue: func(root *parse.ListNode) *parse.ListNode {
			if loop >= 0 {
				root.Nodes = root.Nodes[:loop]
			}
			return root
		},
		partBody: func(root *parse.ListNode) *parse.ListNode {
			if loop < 0 {
				root.Nodes = nil
				return root
			}
			return root.Nodes[loop].(*parse.RangeNode).List
		},
		partEpilogue: func(root *parse.ListNode) *parse.ListNode {
			if loop < 0 {
				root.Nodes = nil
			} else {
				root.Nodes = root.Nodes[loop+1:]
			}
			return root
		},
	}
	for suffix, pick := range parts {
		tr := full.Tree.Copy()
		tr.Name = name + suffix
		tr.Root = pick(tr.Root)
		if _, err := set.AddParseTree(tr.Name, tr); err != nil {
			return nil, err
		}
	}
	return &SplitTemplate{Name: name, set: set}, nil
}

func eachRowLoop(n parse.Node) (*parse.RangeNode, bool) {
	r, ok := n.(*parse.RangeNode)
	if !ok || r.Pipe == nil || len(r.Pipe.Cmds) != 1 || len(r.Pipe.Cmds[0].Args) != 1 {
		return nil, false
	}
	id, ok := r.Pipe.Cmds[0].Args[0].(*parse.IdentifierNode)
	return r, ok && id.Ident == eachRow
}

// ============================================================================
// Component instances
// ============================================================================

// env is what every component of a page shares.
type env struct {
	nonce      string
	sitePrefix string
}

// component is one opened instance of a SplitTemplate. Its helpers see its
// own row counter and delayed output.
type component struct {
	name   string
	set    *template.Template
	env    *env
	parent *component

	index    int
	rowIndex int
	top      map[string]any
	columns  []string
	delayed  string
}

func (t *SplitTemplate) instantiate(index int, parent *component, e *env) (*component, error) {
	set, err := t.set.Clone()
	if err != nil {
		return nil, fmt.Errorf("unable to instantiate the %s component: %w", t.Name, err)
	}
	c := &component{name: t.Name, set: set, env: e, parent: parent, index: index}
	set.Funcs(c.funcs())
	return c, nil
}

func (c *component) funcs() template.FuncMap {
	return template.FuncMap{
		eachRow:           func() []any { return nil },
		"row_index":       func() int { return c.rowIndex },
		"component_index": func() int { return c.index },
		"csp_nonce":       func() string { return c.env.nonce },
		"site_prefix":     func() string { return c.env.sitePrefix },
		"top":             func() map[string]any { return c.top },
		"columns":         func() []string { return c.columns },
		"delay":           c.delay,
		"flush_delayed":   c.flushDelayed,
	}
}

func (c *component) exec(w io.Writer, part string, data any) error {
	if err := c.set.ExecuteTemplate(w, c.name+part, data); err != nil {
		return fmt.Errorf("unable to render the %s component: %w", c.name, err)
	}
	return nil
}

// start renders the prologue with the component's top-level properties.
func (c *component) start(w io.Writer, props *codec.Row) error {
	c.top = templateRow(props)
	c.columns = visibleKeys(props)
	return c.exec(w, partPrologue, c.top)
}

// item renders the body for one row.
func (c *component) item(w io.Writer, row *codec.Row) error {
	c.columns = visibleKeys(row)
	err := c.exec(w, partBody, templateRow(row))
	c.rowIndex++
	return err
}

// end renders the epilogue and hands delayed output that was not flushed to
// the parent.
func (c *component) end(w io.Writer) error {
	c.columns = visibleKeys(nil)
	err := c.exec(w, partEpilogue, c.top)
	if c.parent != nil && c.delayed != "" {
		c.parent.delayed = c.delayed + c.parent.delayed
	}
	c.delayed = ""
	return err
}

// delay renders the named template and keeps the result for flush_delayed.
// Later content comes first, so nested delays close in reverse order.
func (c *component) delay(name string, data any) (template.HTML, error) {
	var sb strings.Builder
	if err := c.set.ExecuteTemplate(&sb, name, data); err != nil {
		return "", err
	}
	c.delayed = sb.String() + c.delayed
	return "", nil
}

func (c *component) flushDelayed() template.HTML {
	out := c.delayed
	c.delayed = ""
	return template.HTML(out)
}

// visibleKeys lists the keys templates iterate over, without the component
// name and the reserved _sqlpage properties.
func visibleKeys(r *codec.Row) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, r.Len())
	for _, k := range r.Keys() {
		if k == "component" || strings.HasPrefix(k, "_sqlpage") {
			continue
		}
		out = append(out, k)
	}
	return out
}

func templateRow(r *codec.Row) map[string]any {
	if r == nil {
		return map[string]any{}
	}
	out := make(map[string]any, r.Len())
	for _, f := range r.Fields() {
		out[f.Name] = templateValue(f.Value)
	}
	return out
}

func templateValue(v any) any {
	switch x := v.(type) {
	case *codec.Row:
		return templateRow(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = templateValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = templateValue(vv)
		}
		return out
	}
	return v
}

// ============================================================================
// Helpers
// ============================================================================

var staticFuncs = template.FuncMap{
	"json":      toJSON,
	"stringify": codec.Stringify,
	"default":   defaultValue,
	"eq":        equal,
	"sum":       sum,
	"list":      list,
	"raw":       func(v any) template.HTML { return template.HTML(codec.Stringify(v)) },
}

// parseFuncs declares every helper name so templates parse before any
// instance binds its own.
var parseFuncs = func() template.FuncMap {
	m := maps.Clone(staticFuncs)
	maps.Copy(m, (&component{}).funcs())
	return m
}()

func toJSON(v any) (template.JS, error) {
	b, err := json.Marshal(v)
	return template.JS(b), err
}

// defaultValue returns v, or fallback when v is empty. The argument order
// allows {{.title | default "Untitled"}}.
func defaultValue(fallback, v any) any {
	switch x := v.(type) {
	case nil:
		return fallback
	case string:
		if x == "" {
			return fallback
		}
	}
	return v
}

// equal compares numbers by value and everything else by its text, so that a
// JSON number equals the same integer literal.
func equal(a any, bs ...any) bool {
	for _, b := range bs {
		if a == nil || b == nil {
			if a == nil && b == nil {
				return true
			}
			continue
		}
		fa, aok := number(a)
		fb, bok := number(b)
		if aok && bok {
			if fa == fb {
				return true
			}
			continue
		}
		if codec.Stringify(a) == codec.Stringify(b) {
			return true
		}
	}
	return false
}

func sum(vals ...any) float64 {
	var total float64
	for _, v := range vals {
		if f, ok := number(v); ok {
			total += f
		} else if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				total += f
			}
		}
	}
	return total
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// list turns a property into something range can iterate: arrays stay as
// they are, JSON array strings are decoded, and other values become a
// one-element list.
func list(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case string:
		if strings.HasPrefix(strings.TrimSpace(x), "[") {
			if parsed, err := codec.ParseJSON(x); err == nil {
				if arr, ok := parsed.([]any); ok {
					return templateValue(arr).([]any)
				}
			}
		}
	}
	return []any{v}
}

// ============================================================================
// Registry
// ============================================================================

// Registry resolves component names to split templates. A file named
// <name>.tmpl in the templates directory overrides the built-in template.
type Registry struct {
	dir   string
	cache *filecache.Cache[SplitTemplate]
}

// NewRegistry serves templates from dir and the built-in set.
func NewRegistry(dir string) *Registry {
	r := &Registry{dir: dir}
	r.cache = filecache.New("templates", templateSource{dir: dir}, r.load)
	return r
}

// PreloadBuiltins caches every built-in template that has no override,
// without ever checking it again.
func (r *Registry) PreloadBuiltins() error {
	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		if r.dir != "" {
			if _, err := os.Stat(filepath.Join(r.dir, e.Name())); err == nil {
				continue
			}
		}
		text, err := builtinTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return err
		}
		st, err := Split(name, string(text))
		if err != nil {
			return err
		}
		r.cache.AddStatic(name, st)
	}
	return nil
}

// Get returns the template of the named component.
func (r *Registry) Get(ctx context.Context, name string) (*SplitTemplate, error) {
	if !validComponentName(name) {
		return nil, fmt.Errorf("%w: %q is not a valid component name", ErrUnknownComponent, name)
	}
	return r.cache.Get(ctx, name)
}

// StartSweeper evicts overrides whose file was deleted, on a schedule.
func (r *Registry) StartSweeper() error { return r.cache.StartSweeper() }

// StopSweeper stops the sweeper started by StartSweeper.
func (r *Registry) StopSweeper() { r.cache.StopSweeper() }

func (r *Registry) load(_ context.Context, name string) (*SplitTemplate, error) {
	text, err := r.read(name)
	if err != nil {
		return nil, err
	}
	slog.Debug("loading component template", "component", name)
	return Split(name, text)
}

func (r *Registry) read(name string) (string, error) {
	if r.dir != "" {
		b, err := os.ReadFile(filepath.Join(r.dir, name+".tmpl"))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("unable to read the template of the %s component: %w", name, err)
		}
	}
	b, err := builtinTemplates.ReadFile("templates/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("%w: %q. It is neither a built-in component nor a template in %s", ErrUnknownComponent, name, r.dir)
	}
	return string(b), nil
}

func validComponentName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !(c == '_' || c == '-' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')) {
			return false
		}
	}
	return true
}

// templateSource reports changes of override files to the cache.
type templateSource struct {
	dir string
}

func (s templateSource) ModifiedSince(_ context.Context, name string, since time.Time) (bool, error) {
	if s.dir == "" {
		return false, nil
	}
	fi, err := os.Stat(filepath.Join(s.dir, name+".tmpl"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.ModTime().After(since), nil
}

func (s templateSource) Contains(_ context.Context, name string) (bool, error) {
	if s.dir != "" {
		if _, err := os.Stat(filepath.Join(s.dir, name+".tmpl")); err == nil {
			return true, nil
		}
	}
	_, err := fs.Stat(builtinTemplates, "templates/"+name+".tmpl")
	return err == nil, nil
}
