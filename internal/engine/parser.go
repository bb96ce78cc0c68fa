package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/database"
	"github.com/sqlpage/SQLPage-sub000/internal/importer"
)

// Parse splits src into statements and rewrites each one for db's dialect.
// A syntax error ends the file: it is reported as the last statement, and
// the text after it is not parsed.
func Parse(path, src string, db *database.Database) *ParsedSQLFile {
	p := &parser{path: path, src: src, db: db}
	return &ParsedSQLFile{Path: path, Statements: p.parseAll()}
}

type parser struct {
	path string
	src  string
	db   *database.Database
	// origin is set when src is a prefix followed by a slice of the file;
	// errors are located in the file.
	origin *span
}

type span struct {
	src    string
	start  int
	prefix int
}

func (p *parser) syntaxError(pos int, msg string) *StatementError {
	src := p.src
	if o := p.origin; o != nil {
		src, pos = o.src, o.start+max(pos-o.prefix, 0)
	}
	return &StatementError{Err: newParseError(p.path, src, pos, msg)}
}

// derive returns a parser over prefix followed by p.src[start:end].
func (p *parser) derive(prefix string, start, end int) *parser {
	return &parser{
		path:   p.path,
		src:    prefix + p.src[start:end],
		db:     p.db,
		origin: &span{src: p.src, start: start, prefix: len(prefix)},
	}
}

// parseAll cuts the token stream at top-level semicolons. Inside CREATE
// statements, BEGIN/CASE ... END blocks also nest, so trigger bodies stay whole.
func (p *parser) parseAll() []ParsedStatement {
	toks := tokenize(p.src)
	var out []ParsedStatement
	start, depth, block := 0, 0, 0
	for i, t := range toks {
		switch {
		case t.Typ == tError:
			return append(out, p.syntaxError(t.Pos, t.Val))
		case isSym(t, "("):
			depth++
		case isSym(t, ")"):
			depth--
			if depth < 0 {
				return append(out, p.syntaxError(t.Pos, "unexpected closing parenthesis"))
			}
		case t.Typ == tIdent && isKw(toks[start], "CREATE") && (strings.EqualFold(t.Val, "BEGIN") || strings.EqualFold(t.Val, "CASE")):
			block++
		case t.Typ == tIdent && block > 0 && strings.EqualFold(t.Val, "END"):
			block--
		case t.Typ == tEOF || (isSym(t, ";") && depth == 0 && block == 0):
			if depth > 0 {
				return append(out, p.syntaxError(t.Pos, "unclosed parenthesis"))
			}
			if i > start {
				out = append(out, p.parseStatement(toks[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// parseStatement classifies one statement. toks is never empty.
func (p *parser) parseStatement(toks []token) ParsedStatement {
	if first := toks[0]; first.Typ == tKeyword {
		switch first.Val {
		case "SET":
			if s, ok := p.parseSet(toks); ok {
				return s
			}
		case "COPY":
			if s, ok := p.parseCopy(toks); ok {
				return s
			}
		case "SELECT":
			if row, ok := p.staticSelect(toks); ok {
				return &StaticSimpleSelect{Row: row}
			}
		}
	}
	return p.rewrite(toks)
}

// ============================================================================
// Rewriting
// ============================================================================

// rewrite replaces every placeholder and sqlpage.* call with a driver
// placeholder cast to text, copying the rest of the source verbatim.
func (p *parser) rewrite(toks []token) *StmtWithParams {
	var (
		b      strings.Builder
		params []StmtParam
	)
	last := toks[0].Pos
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		var (
			param StmtParam
			end   int
		)
		switch {
		case t.Typ == tParam && p.isPlaceholder(t):
			param, end = paramFromToken(t.Val), t.End
		case isFunctionStart(toks, i):
			closeIdx := matchParen(toks, i+1)
			call, err := p.parseCall(toks[i : closeIdx+1])
			if err != nil {
				call = ErrorParam{Msg: err.Error()}
			}
			param, end = call, toks[closeIdx].End
			i = closeIdx
		default:
			continue
		}
		b.WriteString(p.src[last:t.Pos])
		params = append(params, param)
		b.WriteString(p.db.TextParam(len(params)))
		last = end
	}
	b.WriteString(p.src[last:toks[len(toks)-1].End])

	stmt := &StmtWithParams{SQL: b.String(), Params: params}
	if first := toks[0]; first.Typ == tKeyword {
		switch first.Val {
		case "CREATE", "ALTER", "DROP":
			stmt.schemaChange = true
		}
	}
	if p.db.Kind == database.SQLite {
		stmt.JSONColumns = p.jsonColumns(toks)
	}
	return stmt
}

// isPlaceholder excludes T-SQL @variables, which SQL Server resolves itself.
func (p *parser) isPlaceholder(t token) bool {
	return !(t.Val[0] == '@' && p.db.Kind == database.MSSQL)
}

func isFunctionStart(toks []token, i int) bool {
	return toks[i].Typ == tIdent &&
		len(toks[i].Val) > len("sqlpage.") &&
		strings.EqualFold(toks[i].Val[:len("sqlpage.")], "sqlpage.") &&
		i+1 < len(toks) && isSym(toks[i+1], "(")
}

// matchParen returns the index of the parenthesis closing the one at open.
// Parentheses are balanced within a statement.
func matchParen(toks []token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch {
		case isSym(toks[i], "("):
			depth++
		case isSym(toks[i], ")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}

// ------------------------------ Function calls ------------------------------

// parseCall parses `sqlpage.name(args...)`; toks spans the whole call.
func (p *parser) parseCall(toks []token) (StmtParam, error) {
	name := strings.ToLower(toks[0].Val[len("sqlpage."):])
	fn, ok := builtins[name]
	if !ok {
		return nil, unknownFunctionError(name)
	}
	ap := &argParser{p: p, fn: fn, ts: toks[2 : len(toks)-1]}
	args, err := ap.list()
	if err != nil {
		return nil, err
	}
	if err := fn.checkArity(args); err != nil {
		return nil, err
	}
	return FunctionCall{Func: fn, Args: args}, nil
}

// argParser is a recursive-descent parser over the tokens of an argument list.
// Arguments are restricted to placeholders, literals, nested sqlpage calls and
// concatenations of those.
type argParser struct {
	p  *parser
	fn *Builtin
	ts []token
	i  int
}

func (a *argParser) cur() token {
	if a.i >= len(a.ts) {
		return token{Typ: tEOF}
	}
	return a.ts[a.i]
}

func (a *argParser) list() ([]StmtParam, error) {
	var args []StmtParam
	for a.i < len(a.ts) {
		start := a.i
		arg, err := a.arg()
		if err == nil && a.i < len(a.ts) && !isSym(a.cur(), ",") {
			err = errUnsupportedArg
		}
		if errors.Is(err, errUnsupportedArg) {
			return nil, a.unsupported(start)
		}
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if isSym(a.cur(), ",") {
			a.i++
			if a.i == len(a.ts) {
				return nil, a.unsupported(a.i - 1)
			}
		}
	}
	return args, nil
}

var errUnsupportedArg = errors.New("unsupported argument")

// unsupported builds the error for the argument starting at token start.
func (a *argParser) unsupported(start int) error {
	end, depth := start, 0
	for ; end < len(a.ts); end++ {
		t := a.ts[end]
		if isSym(t, "(") {
			depth++
		} else if isSym(t, ")") {
			depth--
		} else if isSym(t, ",") && depth == 0 && end > start {
			break
		}
	}
	text := ""
	if end > start {
		text = a.p.src[a.ts[start].Pos:a.ts[end-1].End]
	}
	return unsupportedArgError(text, "sqlpage."+a.fn.Name)
}

// arg := primary ('||' primary)*
func (a *argParser) arg() (StmtParam, error) {
	first, err := a.primary()
	if err != nil {
		return nil, err
	}
	parts := []StmtParam{first}
	for isSym(a.cur(), "||") {
		a.i++
		next, err := a.primary()
		if err != nil {
			return nil, err
		}
		parts = append(parts, next)
	}
	if len(parts) == 1 {
		return first, nil
	}
	return ConcatParam{Parts: parts}, nil
}

func (a *argParser) primary() (StmtParam, error) {
	t := a.cur()
	switch {
	case t.Typ == tParam && a.p.isPlaceholder(t):
		a.i++
		return paramFromToken(t.Val), nil
	case t.Typ == tString:
		a.i++
		return LiteralParam{Value: t.Val}, nil
	case t.Typ == tNumber:
		a.i++
		return LiteralParam{Value: t.Val}, nil
	case isSym(t, "-") && a.i+1 < len(a.ts) && a.ts[a.i+1].Typ == tNumber:
		a.i += 2
		return LiteralParam{Value: "-" + a.ts[a.i-1].Val}, nil
	case isKw(t, "NULL"):
		a.i++
		return NullParam{}, nil
	case isKw(t, "TRUE"), isKw(t, "FALSE"):
		a.i++
		return LiteralParam{Value: strings.ToLower(t.Val)}, nil
	case isFunctionStart(a.ts, a.i):
		closeIdx := matchParen(a.ts, a.i+1)
		call, err := a.p.parseCall(a.ts[a.i : closeIdx+1])
		a.i = closeIdx + 1
		return call, err
	case isKw(t, "CONCAT") && isSym(a.peek(1), "("):
		closeIdx := matchParen(a.ts, a.i+1)
		inner := &argParser{p: a.p, fn: a.fn, ts: a.ts[a.i+2 : closeIdx]}
		parts, err := inner.list()
		a.i = closeIdx + 1
		if err != nil {
			return nil, err
		}
		return ConcatParam{Parts: parts}, nil
	case isSym(t, "("):
		closeIdx := matchParen(a.ts, a.i)
		inner := &argParser{p: a.p, fn: a.fn, ts: a.ts[a.i+1 : closeIdx]}
		arg, err := inner.arg()
		if err == nil && inner.i != len(inner.ts) {
			err = errUnsupportedArg
		}
		a.i = closeIdx + 1
		return arg, err
	}
	return nil, errUnsupportedArg
}

func (a *argParser) peek(n int) token {
	if a.i+n >= len(a.ts) {
		return token{Typ: tEOF}
	}
	return a.ts[a.i+n]
}

func unsupportedArgError(arg, function string) error {
	return fmt.Errorf(`Passing "%s" as a function argument is not supported.

The only supported sqlpage function argument types are :
  - variables (such as $my_variable),
  - other sqlpage function calls (such as sqlpage.cookie('my_cookie')),
  - literal strings (such as 'my_string'),
  - concatenations of the above (such as CONCAT(x, y)).

Arbitrary SQL expressions as function arguments are not supported.
Try executing the SQL expression in a separate SET expression, then passing it to the function:

SET $my_parameter = %s;
SELECT ... %s(... $my_parameter ...) ...`, arg, arg, function)
}

func unknownFunctionError(name string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Unknown function %q.\nSupported functions: \n", name)
	for _, fn := range sortedBuiltins() {
		fmt.Fprintf(&b, "  - %s\n", fn.Signature())
	}
	return errors.New(strings.TrimSuffix(b.String(), "\n"))
}

// ============================================================================
// SET, COPY and constant SELECT
// ============================================================================

// parseSet recognizes `SET $name = expr`. Other SET statements go to the
// database unchanged.
func (p *parser) parseSet(toks []token) (ParsedStatement, bool) {
	if len(toks) < 4 || toks[1].Typ != tParam || !p.isPlaceholder(toks[1]) ||
		!(isSym(toks[2], "=") || isSym(toks[2], ":=")) {
		return nil, false
	}
	sub := p.derive("SELECT ", toks[3].Pos, toks[len(toks)-1].End)
	subToks := tokenize(sub.src)
	if last := subToks[len(subToks)-1]; last.Typ == tError {
		return sub.syntaxError(last.Pos, last.Val), true
	}
	value := sub.parseStatement(subToks[:len(subToks)-1])
	return &SetVariable{Variable: paramFromToken(toks[1].Val), Value: value}, true
}

// parseCopy recognizes `COPY table [(cols)] FROM 'upload_field' [WITH] [options]`.
// COPY ... FROM STDIN and other forms go to the database unchanged.
func (p *parser) parseCopy(toks []token) (ParsedStatement, bool) {
	i := 1
	for i < len(toks) && !isSym(toks[i], "(") && !isKw(toks[i], "FROM") {
		i++
	}
	if i == 1 || i >= len(toks) {
		return nil, false
	}
	table := p.src[toks[1].Pos:toks[i-1].End]

	var cols []string
	if isSym(toks[i], "(") {
		closeIdx := matchParen(toks, i)
		for _, t := range toks[i+1 : closeIdx] {
			switch {
			case isSym(t, ","):
			case t.Typ == tIdent, t.Typ == tQuotedIdent, t.Typ == tKeyword:
				cols = append(cols, p.src[t.Pos:t.End])
			default:
				return nil, false
			}
		}
		i = closeIdx + 1
	}
	if i+1 >= len(toks) || !isKw(toks[i], "FROM") || toks[i+1].Typ != tString {
		return nil, false
	}
	stmt := importer.NewCopyStatement(table, cols, toks[i+1].Val)
	i += 2
	if i < len(toks) && isKw(toks[i], "WITH") {
		i++
	}
	if err := parseCopyOptions(toks[i:], stmt); err != nil {
		return &StatementError{Err: fmt.Errorf("%w: invalid COPY statement: %w", ErrParse, err)}, true
	}
	if len(cols) == 0 {
		return &StatementError{Err: fmt.Errorf("%w: COPY %s FROM '%s' needs an explicit list of columns", ErrParse, table, stmt.UploadField)}, true
	}
	return &CsvImport{CopyStatement: stmt}, true
}

// parseCopyOptions accepts both `(DELIMITER ';', HEADER false)` and the bare
// `DELIMITER ';' CSV HEADER` forms.
func parseCopyOptions(toks []token, stmt *importer.CopyStatement) error {
	value := func(i int) (token, bool) {
		if i < len(toks) && !isSym(toks[i], ",") && !isSym(toks[i], ")") && !isSym(toks[i], "(") {
			return toks[i], true
		}
		return token{}, false
	}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if isSym(t, "(") || isSym(t, ")") || isSym(t, ",") {
			continue
		}
		name := strings.ToUpper(t.Val)
		switch name {
		case "CSV":
		case "HEADER":
			if v, ok := value(i + 1); ok {
				b, ok := copyBool(v.Val)
				if !ok {
					return fmt.Errorf("invalid HEADER value %q", v.Val)
				}
				stmt.Header = b
				i++
			} else {
				stmt.Header = true
			}
		case "DELIMITER", "QUOTE", "ESCAPE":
			v, ok := value(i + 1)
			r := []rune(v.Val)
			if !ok || v.Typ != tString || len(r) != 1 {
				return fmt.Errorf("%s must be a single character", name)
			}
			switch name {
			case "DELIMITER":
				stmt.Delimiter = r[0]
			case "QUOTE":
				stmt.Quote = r[0]
			default:
				stmt.Escape = r[0]
			}
			i++
		case "NULL":
			v, ok := value(i + 1)
			if !ok || v.Typ != tString {
				return errors.New("NULL must be followed by a string")
			}
			stmt.Null = v.Val
			i++
		case "FORMAT":
			v, ok := value(i + 1)
			if !ok || !strings.EqualFold(v.Val, "csv") {
				return fmt.Errorf("unsupported format %q: only csv is supported", v.Val)
			}
			i++
		case "ENCODING":
			v, ok := value(i + 1)
			if !ok || !isUTF8Label(v.Val) {
				return fmt.Errorf("unsupported encoding %q: only utf8 is supported", v.Val)
			}
			i++
		default:
			return fmt.Errorf("unsupported option %s", t.Val)
		}
	}
	return nil
}

func copyBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		return true, true
	case "false", "off", "0":
		return false, true
	}
	return false, false
}

func isUTF8Label(s string) bool {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "")) {
	case "utf8", "unicode":
		return true
	}
	return false
}

// staticSelect folds `SELECT literal [AS alias], ...` into a row. Any clause,
// variable or function call makes the statement go to the database instead.
func (p *parser) staticSelect(toks []token) (*codec.Row, bool) {
	row := codec.NewRow(len(toks) / 3)
	i := 1
	for i < len(toks) {
		start := i
		neg := isSym(toks[i], "-") && i+1 < len(toks) && toks[i+1].Typ == tNumber
		if neg {
			i++
		}
		val, ok := literalValue(toks[i], neg)
		if !ok {
			return nil, false
		}
		i++
		key := p.src[toks[start].Pos:toks[i-1].End]
		if i < len(toks) && isKw(toks[i], "AS") {
			i++
			if i >= len(toks) || (toks[i].Typ != tIdent && toks[i].Typ != tQuotedIdent && toks[i].Typ != tString) {
				return nil, false
			}
			key = toks[i].Val
			i++
		} else if i < len(toks) && (toks[i].Typ == tIdent || toks[i].Typ == tQuotedIdent) {
			key = toks[i].Val
			i++
		}
		row.Add(key, val)
		if i == len(toks) {
			return row, true
		}
		if !isSym(toks[i], ",") {
			return nil, false
		}
		i++
	}
	return nil, false
}

func literalValue(t token, neg bool) (any, bool) {
	switch {
	case t.Typ == tNumber:
		n := t.Val
		if strings.HasPrefix(n, ".") {
			n = "0" + n
		}
		if strings.HasSuffix(n, ".") {
			n += "0"
		}
		if neg {
			n = "-" + n
		}
		return json.Number(n), true
	case neg:
		return nil, false
	case t.Typ == tString:
		return t.Val, true
	case isKw(t, "NULL"):
		return nil, true
	case isKw(t, "TRUE"):
		return true, true
	case isKw(t, "FALSE"):
		return false, true
	}
	return nil, false
}

// jsonColumns lists the result columns of the top-level SELECT computed by a
// SQLite JSON constructor. SQLite reports them as plain text.
func (p *parser) jsonColumns(toks []token) []string {
	start, depth := -1, 0
	for i, t := range toks {
		if isSym(t, "(") {
			depth++
		} else if isSym(t, ")") {
			depth--
		} else if depth == 0 && isKw(t, "SELECT") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}
	var cols []string
	item := start
	depth = 0
	for i := start; i <= len(toks); i++ {
		atEnd := i == len(toks)
		if !atEnd {
			t := toks[i]
			if isSym(t, "(") {
				depth++
			} else if isSym(t, ")") {
				depth--
			}
			if depth != 0 || !(isSym(t, ",") || isKw(t, "FROM")) {
				continue
			}
		}
		if name, ok := p.jsonColumnName(toks[item:i]); ok {
			cols = append(cols, name)
		}
		if atEnd || isKw(toks[i], "FROM") {
			break
		}
		item = i + 1
	}
	return cols
}

var sqliteJSONFunctions = map[string]bool{
	"json_object": true, "json_array": true, "json_group_array": true, "json_group_object": true,
	"jsonb_object": true, "jsonb_array": true, "json": true,
}

func (p *parser) jsonColumnName(item []token) (string, bool) {
	if len(item) < 3 || item[0].Typ != tIdent || !sqliteJSONFunctions[strings.ToLower(item[0].Val)] || !isSym(item[1], "(") {
		return "", false
	}
	closeIdx := matchParen(item, 1)
	rest := item[closeIdx+1:]
	switch {
	case len(rest) == 2 && isKw(rest[0], "AS"):
		return rest[1].Val, true
	case len(rest) == 1 && (rest[0].Typ == tIdent || rest[0].Typ == tQuotedIdent):
		return rest[0].Val, true
	case len(rest) == 0:
		// SQLite names an unaliased column after its source text.
		return p.src[item[0].Pos:item[len(item)-1].End], true
	}
	return "", false
}

func isSym(t token, s string) bool { return t.Typ == tSymbol && t.Val == s }
func isKw(t token, s string) bool  { return t.Typ == tKeyword && t.Val == s }
