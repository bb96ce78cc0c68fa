package engine

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

// ============================================================================
// Builtin registry
// ============================================================================

type argKind int

const (
	argRequired argKind = iota
	argOptional
	argVariadic
)

type argSpec struct {
	Name string
	Kind argKind
}

type builtinFunc func(ctx context.Context, c *callContext, args []*string) (*string, error)

// Builtin is one sqlpage.* function.
type Builtin struct {
	Name string
	Args []argSpec
	fn   builtinFunc
}

// callContext is what a builtin sees while it runs.
type callContext struct {
	x    *execution
	req  *request.Info
	call FunctionCall
}

var builtins = map[string]*Builtin{}

// define registers a builtin. params is a comma-separated list of argument
// names; a "?" suffix marks an optional argument and "..." a variadic tail.
func define(name, params string, fn builtinFunc) {
	b := &Builtin{Name: name, fn: fn}
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasSuffix(p, "..."):
			b.Args = append(b.Args, argSpec{Name: strings.TrimSuffix(p, "..."), Kind: argVariadic})
		case strings.HasSuffix(p, "?"):
			b.Args = append(b.Args, argSpec{Name: strings.TrimSuffix(p, "?"), Kind: argOptional})
		default:
			b.Args = append(b.Args, argSpec{Name: p, Kind: argRequired})
		}
	}
	builtins[name] = b
}

func init() {
	define("basic_auth_username", "", fnBasicAuthUsername)
	define("basic_auth_password", "", fnBasicAuthPassword)
	define("client_ip", "", fnClientIP)
	define("cookie", "name", fnCookie)
	define("current_working_directory", "", fnCurrentWorkingDirectory)
	define("environment_variable", "name", fnEnvironmentVariable)
	define("exec", "program, arguments...", fnExec)
	define("fetch", "request", fnFetch)
	define("fetch_with_meta", "request", fnFetchWithMeta)
	define("hash_password", "password?", fnHashPassword)
	define("header", "name", fnHeader)
	define("headers", "", fnHeaders)
	define("hmac", "data?, key?, algorithm?", fnHMAC)
	define("link", "file, parameters?, hash?", fnLink)
	define("path", "", fnPath)
	define("persist_uploaded_file", "field_name, folder?, allowed_extensions?", fnPersistUploadedFile)
	define("protocol", "", fnProtocol)
	define("random_string", "length", fnRandomString)
	define("read_file_as_data_url", "path?", fnReadFileAsDataURL)
	define("read_file_as_text", "path?", fnReadFileAsText)
	define("request_body", "", fnRequestBody)
	define("request_body_base64", "", fnRequestBodyBase64)
	define("request_method", "", fnRequestMethod)
	define("run_sql", "sql_file_path?, variables?", fnRunSQL)
	define("set_variable", "name, value?", fnSetVariable)
	define("uploaded_file_mime_type", "upload_name", uploadInfo(func(f *request.UploadedFile) string { return f.ContentType }))
	define("uploaded_file_name", "upload_name", uploadInfo(func(f *request.UploadedFile) string { return f.FileName }))
	define("uploaded_file_path", "upload_name", uploadInfo(func(f *request.UploadedFile) string { return f.Path }))
	define("url_encode", "raw_text?", fnURLEncode)
	define("user_info", "claim", fnUserInfo)
	define("user_info_token", "", fnUserInfoToken)
	define("variables", "method?", fnVariables)
	define("version", "", fnVersion)
}

// Signature renders the function as sqlpage.name(arg, optional?, rest...).
func (b *Builtin) Signature() string {
	names := make([]string, len(b.Args))
	for i, a := range b.Args {
		switch a.Kind {
		case argOptional:
			names[i] = a.Name + "?"
		case argVariadic:
			names[i] = a.Name + "..."
		default:
			names[i] = a.Name
		}
	}
	return "sqlpage." + b.Name + "(" + strings.Join(names, ", ") + ")"
}

func sortedBuiltins() []*Builtin {
	out := make([]*Builtin, 0, len(builtins))
	for _, b := range builtins {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Builtin) variadic() bool {
	return len(b.Args) > 0 && b.Args[len(b.Args)-1].Kind == argVariadic
}

// checkArity rejects extra arguments at parse time.
func (b *Builtin) checkArity(args []StmtParam) error {
	if b.variadic() || len(args) <= len(b.Args) {
		return nil
	}
	call := FunctionCall{Func: b, Args: args}
	return fmt.Errorf("Error in function call %s.\nExpected %s\nToo many arguments. Remove extra argument %s",
		call, b.Signature(), args[len(b.Args)])
}

// call evaluates the arguments left to right, checks them against the
// function's parameters and runs it.
func (x *execution) call(ctx context.Context, fc FunctionCall, req *request.Info) (*string, error) {
	values := make([]*string, len(fc.Args))
	for i, a := range fc.Args {
		v, err := x.eval(ctx, a, req)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	args := make([]*string, 0, len(fc.Func.Args))
	for i, spec := range fc.Func.Args {
		if spec.Kind == argVariadic {
			for _, v := range values[min(i, len(values)):] {
				if v != nil {
					args = append(args, v)
				}
			}
			break
		}
		var v *string
		if i < len(values) {
			v = values[i]
		}
		if v == nil && spec.Kind == argRequired {
			return nil, fmt.Errorf("%w: Error in function call %s.\nExpected %s\nInvalid value for parameter %s: Unexpected NULL value",
				ErrParamEvaluation, fc, fc.Func.Signature(), spec.Name)
		}
		args = append(args, v)
	}
	return fc.Func.fn(ctx, &callContext{x: x, req: req, call: fc}, args)
}

func str(s string) *string { return &s }

// ============================================================================
// Request information
// ============================================================================

func fnBasicAuthUsername(_ context.Context, c *callContext, _ []*string) (*string, error) {
	if c.req.BasicAuth == nil {
		return nil, errNoBasicAuth
	}
	return str(c.req.BasicAuth.Username), nil
}

func fnBasicAuthPassword(_ context.Context, c *callContext, _ []*string) (*string, error) {
	if c.req.BasicAuth == nil {
		return nil, errNoBasicAuth
	}
	return str(c.req.BasicAuth.Password), nil
}

var errNoBasicAuth = &HTTPError{Status: 401, Msg: "Expected the user to be authenticated with HTTP basic auth"}

func fnClientIP(_ context.Context, c *callContext, _ []*string) (*string, error) {
	if c.req.ClientIP == nil {
		return nil, nil
	}
	return str(c.req.ClientIP.String()), nil
}

func fnCookie(_ context.Context, c *callContext, args []*string) (*string, error) {
	v, ok := c.req.Cookie(*args[0])
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func fnHeader(_ context.Context, c *callContext, args []*string) (*string, error) {
	v, ok := c.req.Header(*args[0])
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func fnHeaders(_ context.Context, c *callContext, _ []*string) (*string, error) {
	return marshalString(c.req.Headers)
}

func fnPath(_ context.Context, c *callContext, _ []*string) (*string, error) {
	return str(c.req.Path), nil
}

func fnProtocol(_ context.Context, c *callContext, _ []*string) (*string, error) {
	return str(c.req.Protocol), nil
}

func fnRequestMethod(_ context.Context, c *callContext, _ []*string) (*string, error) {
	return str(c.req.Method), nil
}

func fnRequestBody(_ context.Context, c *callContext, _ []*string) (*string, error) {
	if len(c.req.Body) == 0 {
		return nil, nil
	}
	return str(string(c.req.Body)), nil
}

func fnRequestBodyBase64(_ context.Context, c *callContext, _ []*string) (*string, error) {
	if len(c.req.Body) == 0 {
		return nil, nil
	}
	return str(base64.StdEncoding.EncodeToString(c.req.Body)), nil
}

func fnVariables(_ context.Context, c *callContext, args []*string) (*string, error) {
	if args[0] == nil {
		merged := c.req.GetVariables.Clone()
		for k, v := range c.req.PostVariables {
			merged[k] = v
		}
		return marshalString(merged)
	}
	switch strings.ToLower(*args[0]) {
	case "get":
		return marshalString(c.req.GetVariables)
	case "post":
		return marshalString(c.req.PostVariables)
	}
	return nil, fmt.Errorf("Expected 'get' or 'post' as the argument to sqlpage.variables, got %q", *args[0])
}

// fnSetVariable returns a link to the current page with one GET variable
// changed, or removed when value is NULL.
func fnSetVariable(_ context.Context, c *callContext, args []*string) (*string, error) {
	vars := c.req.GetVariables.Clone()
	if args[1] == nil {
		delete(vars, *args[0])
	} else {
		vars[*args[0]] = request.Single(*args[1])
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	q := &queryBuilder{}
	for _, k := range keys {
		v := vars[k]
		if v.IsVec() {
			for _, item := range v.Values() {
				q.add(k+"[]", item)
			}
			continue
		}
		q.add(k, v.Values()[0])
	}
	return str("?" + q.String()), nil
}

func fnUserInfo(context.Context, *callContext, []*string) (*string, error)      { return nil, nil }
func fnUserInfoToken(context.Context, *callContext, []*string) (*string, error) { return nil, nil }

func fnVersion(_ context.Context, c *callContext, _ []*string) (*string, error) {
	return str(c.x.eng.Version), nil
}

func marshalString(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return str(string(b)), nil
}

// ============================================================================
// Environment and processes
// ============================================================================

func fnCurrentWorkingDirectory(context.Context, *callContext, []*string) (*string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("unable to get the current working directory: %w", err)
	}
	return &wd, nil
}

func fnEnvironmentVariable(_ context.Context, _ *callContext, args []*string) (*string, error) {
	name := *args[0]
	if name == "" || strings.ContainsAny(name, "=\x00") {
		return nil, fmt.Errorf("invalid environment variable name %q", name)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func fnExec(ctx context.Context, c *callContext, args []*string) (*string, error) {
	if !c.x.eng.Config.AllowExec {
		return nil, ErrExecDisabled
	}
	program := *args[0]
	argv := make([]string, len(args)-1)
	for i, a := range args[1:] {
		argv[i] = *a
	}
	cmd := exec.CommandContext(ctx, program, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		code := "unknown"
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = strconv.Itoa(exitErr.ExitCode())
		} else {
			return nil, fmt.Errorf("unable to execute %q: %w", program, err)
		}
		return nil, fmt.Errorf("Command '%s' failed with exit code %s: %s", program, code, stderr.String())
	}
	return str(string(out)), nil
}

// ============================================================================
// Strings and URLs
// ============================================================================

func fnHMAC(_ context.Context, _ *callContext, args []*string) (*string, error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}
	algo := "sha256"
	if args[2] != nil {
		algo = strings.ToLower(*args[2])
	}
	name, encoding, _ := strings.Cut(algo, "-")
	var newHash func() hash.Hash
	switch name {
	case "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hmac algorithm %q: use sha256 or sha512", algo)
	}
	mac := hmac.New(newHash, []byte(*args[1]))
	mac.Write([]byte(*args[0]))
	sum := mac.Sum(nil)
	switch encoding {
	case "":
		return str(hex.EncodeToString(sum)), nil
	case "base64":
		return str(base64.StdEncoding.EncodeToString(sum)), nil
	}
	return nil, fmt.Errorf("unsupported hmac output encoding %q", encoding)
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func fnRandomString(_ context.Context, _ *callContext, args []*string) (*string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(*args[0]))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid random string length %q", *args[0])
	}
	s, err := randomString(n)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range b {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[k.Int64()]
	}
	return string(b), nil
}

func fnURLEncode(_ context.Context, _ *callContext, args []*string) (*string, error) {
	if args[0] == nil {
		return nil, nil
	}
	return str(urlEncode(*args[0])), nil
}

// urlEncode percent-encodes every byte that is not an ASCII letter or digit.
func urlEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&15])
	}
	return b.String()
}

type queryBuilder struct{ strings.Builder }

// add appends key=value. A key ending in [] keeps its brackets unencoded.
func (q *queryBuilder) add(key, value string) {
	if q.Len() > 0 {
		q.WriteByte('&')
	}
	if base, ok := strings.CutSuffix(key, "[]"); ok {
		q.WriteString(urlEncode(base) + "[]")
	} else {
		q.WriteString(urlEncode(key))
	}
	q.WriteByte('=')
	q.WriteString(urlEncode(value))
}

func fnLink(_ context.Context, _ *callContext, args []*string) (*string, error) {
	var b strings.Builder
	b.WriteString(*args[0])
	if args[1] != nil {
		q, err := queryFromJSON(*args[1])
		if err != nil {
			return nil, err
		}
		if q != "" {
			b.WriteByte('?')
			b.WriteString(q)
		}
	}
	if args[2] != nil {
		b.WriteByte('#')
		b.WriteString(*args[2])
	}
	return str(b.String()), nil
}

// queryFromJSON encodes a JSON object as a query string, in key order. Null
// values are skipped and arrays repeat their key with a [] suffix.
func queryFromJSON(s string) (string, error) {
	v, err := codec.ParseJSON(s)
	if err != nil {
		return "", fmt.Errorf("link parameters must be a JSON object: %w", err)
	}
	row, ok := codec.AsRow(v)
	if !ok {
		return "", fmt.Errorf("link parameters must be a JSON object, got %s", s)
	}
	q := &queryBuilder{}
	for _, f := range row.Fields() {
		switch val := f.Value.(type) {
		case nil:
		case []any:
			for _, item := range val {
				q.add(f.Name+"[]", codec.Stringify(item))
			}
		default:
			q.add(f.Name, codec.Stringify(val))
		}
	}
	return q.String(), nil
}

// ============================================================================
// Uploads
// ============================================================================

func uploadInfo(get func(*request.UploadedFile) string) builtinFunc {
	return func(_ context.Context, c *callContext, args []*string) (*string, error) {
		f, ok := c.req.Uploads.Get(*args[0])
		if !ok {
			return nil, nil
		}
		return str(get(f)), nil
	}
}
