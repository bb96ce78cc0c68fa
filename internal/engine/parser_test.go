package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/sqlpage/SQLPage-sub000/internal/database"
)

func parseOne(t *testing.T, kind database.Kind, src string) ParsedStatement {
	t.Helper()
	f := Parse("test.sql", src, database.Dialect(kind))
	if len(f.Statements) != 1 {
		t.Fatalf("%q: expected 1 statement, got %d: %#v", src, len(f.Statements), f.Statements)
	}
	return f.Statements[0]
}

func parseStmt(t *testing.T, kind database.Kind, src string) *StmtWithParams {
	t.Helper()
	s, ok := parseOne(t, kind, src).(*StmtWithParams)
	if !ok {
		t.Fatalf("%q: expected *StmtWithParams, got %T", src, parseOne(t, kind, src))
	}
	return s
}

func TestRewritePlaceholders(t *testing.T) {
	tests := []struct {
		kind   database.Kind
		src    string
		sql    string
		params []StmtParam
	}{
		{
			kind: database.Postgres,
			src:  "SELECT $a FROM t WHERE $x > $a OR $x = 0",
			sql:  "SELECT CAST($1 AS TEXT) FROM t WHERE CAST($2 AS TEXT) > CAST($3 AS TEXT) OR CAST($4 AS TEXT) = 0",
			params: []StmtParam{
				GetOrPostParam{Name: "a"}, GetOrPostParam{Name: "x"},
				GetOrPostParam{Name: "a"}, GetOrPostParam{Name: "x"},
			},
		},
		{
			kind:   database.SQLite,
			src:    "SELECT :name, ?id FROM users",
			sql:    "SELECT CAST(? AS TEXT), CAST(? AS TEXT) FROM users",
			params: []StmtParam{PostParam{Name: "name"}, GetParam{Name: "id"}},
		},
		{
			kind:   database.MySQL,
			src:    "SELECT * FROM t WHERE id = $id",
			sql:    "SELECT * FROM t WHERE id = CAST(? AS CHAR)",
			params: []StmtParam{GetOrPostParam{Name: "id"}},
		},
		{
			kind:   database.MSSQL,
			src:    "SELECT @local, $id",
			sql:    "SELECT @local, CAST(@p1 AS NVARCHAR(MAX))",
			params: []StmtParam{GetOrPostParam{Name: "id"}},
		},
		{
			kind:   database.Generic,
			src:    "SELECT x FROM t WHERE y = $y -- $ignored\n",
			sql:    "SELECT x FROM t WHERE y = ?",
			params: []StmtParam{GetOrPostParam{Name: "y"}},
		},
		{
			kind:   database.SQLite,
			src:    "SELECT '$not_a_param', x::text FROM t",
			sql:    "SELECT '$not_a_param', x::text FROM t",
			params: nil,
		},
	}
	for _, tt := range tests {
		s := parseStmt(t, tt.kind, tt.src)
		if s.SQL != tt.sql {
			t.Fatalf("%q:\n got  %q\n want %q", tt.src, s.SQL, tt.sql)
		}
		if !reflect.DeepEqual(s.Params, tt.params) {
			t.Fatalf("%q: params = %#v, want %#v", tt.src, s.Params, tt.params)
		}
	}
}

func TestRewriteFunctionCalls(t *testing.T) {
	s := parseStmt(t, database.SQLite, "SELECT sqlpage.cookie('session') AS c, sqlpage.url_encode($a || 'x') AS u")
	if s.SQL != "SELECT CAST(? AS TEXT) AS c, CAST(? AS TEXT) AS u" {
		t.Fatalf("unexpected SQL %q", s.SQL)
	}
	if len(s.Params) != 2 {
		t.Fatalf("expected 2 params, got %#v", s.Params)
	}
	cookie, ok := s.Params[0].(FunctionCall)
	if !ok || cookie.Func.Name != "cookie" || !reflect.DeepEqual(cookie.Args, []StmtParam{LiteralParam{Value: "session"}}) {
		t.Fatalf("unexpected first param %#v", s.Params[0])
	}
	enc := s.Params[1].(FunctionCall)
	want := []StmtParam{ConcatParam{Parts: []StmtParam{GetOrPostParam{Name: "a"}, LiteralParam{Value: "x"}}}}
	if !reflect.DeepEqual(enc.Args, want) {
		t.Fatalf("url_encode args = %#v", enc.Args)
	}
	if got := enc.String(); got != "sqlpage.url_encode(CONCAT($a, 'x'))" {
		t.Fatalf("String() = %q", got)
	}
}

func TestNestedFunctionCalls(t *testing.T) {
	s := parseStmt(t, database.SQLite, "SELECT sqlpage.url_encode(sqlpage.cookie(CONCAT('a', :b)))")
	outer := s.Params[0].(FunctionCall)
	inner, ok := outer.Args[0].(FunctionCall)
	if !ok || inner.Func.Name != "cookie" {
		t.Fatalf("expected nested cookie call, got %#v", outer.Args[0])
	}
	if _, ok := inner.Args[0].(ConcatParam); !ok {
		t.Fatalf("expected CONCAT argument, got %#v", inner.Args[0])
	}
}

func TestFunctionCallErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"SELECT sqlpage.does_not_exist()", `Unknown function "does_not_exist"`},
		{"SELECT sqlpage.url_encode(1 + 2)", `Passing "1 + 2" as a function argument is not supported`},
		{"SELECT sqlpage.url_encode(upper($x))", `Passing "upper($x)" as a function argument is not supported`},
		{"SELECT sqlpage.cookie('a', 'b')", "Too many arguments. Remove extra argument 'b'"},
	}
	for _, tt := range tests {
		s := parseStmt(t, database.SQLite, tt.src)
		if len(s.Params) != 1 {
			t.Fatalf("%q: expected 1 param, got %#v", tt.src, s.Params)
		}
		e, ok := s.Params[0].(ErrorParam)
		if !ok {
			t.Fatalf("%q: expected ErrorParam, got %#v", tt.src, s.Params[0])
		}
		if !strings.Contains(e.Msg, tt.want) {
			t.Fatalf("%q: error %q does not contain %q", tt.src, e.Msg, tt.want)
		}
	}
}

func TestUnknownFunctionListsSignatures(t *testing.T) {
	msg := unknownFunctionError("nope").Error()
	for _, sig := range []string{"sqlpage.cookie(name)", "sqlpage.link(file, parameters?, hash?)", "sqlpage.exec(program, arguments...)"} {
		if !strings.Contains(msg, sig) {
			t.Fatalf("expected %q in %q", sig, msg)
		}
	}
}

func TestStaticSelect(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"SELECT 'a' AS x, 1 AS y", `{"x":"a","y":1}`},
		{"select 'list' as component, .5 as v, -2 n", `{"component":"list","v":0.5,"n":-2}`},
		{"SELECT 42, NULL AS nothing, TRUE AS yes", `{"42":42,"nothing":null,"yes":true}`},
		{`SELECT 'x' AS "quoted name"`, `{"quoted name":"x"}`},
	}
	for _, tt := range tests {
		s, ok := parseOne(t, database.SQLite, tt.src).(*StaticSimpleSelect)
		if !ok {
			t.Fatalf("%q: expected *StaticSimpleSelect", tt.src)
		}
		if got := s.Row.String(); got != tt.want {
			t.Fatalf("%q: row = %s, want %s", tt.src, got, tt.want)
		}
	}
	for _, src := range []string{"SELECT 1 FROM t", "SELECT $x AS a", "SELECT 1 + 1", "SELECT upper('a')"} {
		if _, ok := parseOne(t, database.SQLite, src).(*StmtWithParams); !ok {
			t.Fatalf("%q: expected a database statement", src)
		}
	}
}

func TestParseSet(t *testing.T) {
	s, ok := parseOne(t, database.SQLite, "SET $x = 5").(*SetVariable)
	if !ok {
		t.Fatalf("expected *SetVariable")
	}
	if s.Variable != (GetOrPostParam{Name: "x"}) {
		t.Fatalf("variable = %#v", s.Variable)
	}
	if v, ok := s.Value.(*StaticSimpleSelect); !ok || v.Row.String() != `{"5":5}` {
		t.Fatalf("value = %#v", s.Value)
	}

	s = parseOne(t, database.SQLite, "SET :total := (SELECT sum(n) FROM t WHERE k = $k)").(*SetVariable)
	if s.Variable != (PostParam{Name: "total"}) {
		t.Fatalf("variable = %#v", s.Variable)
	}
	q, ok := s.Value.(*StmtWithParams)
	if !ok || q.SQL != "SELECT (SELECT sum(n) FROM t WHERE k = CAST(? AS TEXT))" {
		t.Fatalf("value = %#v", s.Value)
	}

	if _, ok := parseOne(t, database.Postgres, "SET search_path = public").(*StmtWithParams); !ok {
		t.Fatalf("a plain SET must go to the database")
	}
	if _, ok := parseOne(t, database.MSSQL, "SET @x = 1").(*StmtWithParams); !ok {
		t.Fatalf("SET @x on SQL Server must go to the database")
	}
}

func TestParseCopy(t *testing.T) {
	s, ok := parseOne(t, database.SQLite, "COPY people (name, age) FROM 'people_file' WITH (DELIMITER ';', HEADER false, NULL 'NA')").(*CsvImport)
	if !ok {
		t.Fatalf("expected *CsvImport")
	}
	if s.Table != "people" || !reflect.DeepEqual(s.Columns, []string{"name", "age"}) || s.UploadField != "people_file" {
		t.Fatalf("unexpected statement %#v", s.CopyStatement)
	}
	if s.Delimiter != ';' || s.Header || s.Null != "NA" || s.Quote != '"' {
		t.Fatalf("unexpected options %#v", s.CopyStatement)
	}

	s = parseOne(t, database.SQLite, "COPY t(a) FROM 'f' DELIMITER '|' CSV HEADER").(*CsvImport)
	if s.Delimiter != '|' || !s.Header {
		t.Fatalf("unexpected options %#v", s.CopyStatement)
	}

	for _, src := range []string{"COPY t FROM 'f'", "COPY t (a) FROM 'f' WITH (DELIMITER ';;')", "COPY t (a) FROM 'f' WITH (FORMAT binary)"} {
		e, ok := parseOne(t, database.SQLite, src).(*StatementError)
		if !ok || !errors.Is(e.Err, ErrParse) {
			t.Fatalf("%q: expected a parse error, got %#v", src, parseOne(t, database.SQLite, src))
		}
	}
	if _, ok := parseOne(t, database.Postgres, "COPY t FROM STDIN").(*StmtWithParams); !ok {
		t.Fatalf("COPY FROM STDIN must go to the database")
	}
}

func TestSetValueErrorsPointIntoTheFile(t *testing.T) {
	src := "SELECT 1;\nSET $greeting =\n  'hello' || 'world"
	p := &parser{path: "page.sql", src: src, db: database.Dialect(database.SQLite)}
	toks := tokenize(src)
	stmt, ok := p.parseSet(toks[3:])
	if !ok {
		t.Fatal("expected a SET statement")
	}
	e, ok := stmt.(*StatementError)
	if !ok {
		t.Fatalf("expected a StatementError, got %T", stmt)
	}
	var pe *ParseError
	if !errors.As(e.Err, &pe) {
		t.Fatalf("expected a ParseError, got %v", e.Err)
	}
	if pe.Line != 3 || pe.Column != 14 {
		t.Fatalf("error located at line %d, column %d; want line 3, column 14", pe.Line, pe.Column)
	}
	if !strings.HasPrefix(pe.Snippet, "  'hello' || 'world\n") {
		t.Fatalf("snippet does not quote the file: %q", pe.Snippet)
	}
}

func TestSyntaxErrorEndsFile(t *testing.T) {
	f := Parse("page.sql", "SELECT 1;\nSELECT 'abc", database.Dialect(database.SQLite))
	if len(f.Statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(f.Statements))
	}
	e, ok := f.Statements[1].(*StatementError)
	if !ok {
		t.Fatalf("expected a StatementError, got %T", f.Statements[1])
	}
	var pe *ParseError
	if !errors.As(e.Err, &pe) || !errors.Is(e.Err, ErrParse) {
		t.Fatalf("expected a ParseError, got %v", e.Err)
	}
	if pe.Line != 2 || pe.Column != 8 || pe.Path != "page.sql" {
		t.Fatalf("unexpected location %+v", pe)
	}
	if !strings.Contains(pe.Error(), "SELECT 'abc\n       ^") {
		t.Fatalf("missing snippet in %q", pe.Error())
	}

	f = Parse("page.sql", "SELECT (1; SELECT 2", database.Dialect(database.SQLite))
	if len(f.Statements) != 1 {
		t.Fatalf("expected only the error, got %#v", f.Statements)
	}
	if _, ok := f.Statements[0].(*StatementError); !ok {
		t.Fatalf("expected a StatementError, got %T", f.Statements[0])
	}
}

func TestSplitStatements(t *testing.T) {
	src := `CREATE TRIGGER tr AFTER INSERT ON t BEGIN UPDATE t SET a = 1; END;
SELECT 'a;b' AS x;
;
SELECT 2`
	f := Parse("x.sql", src, database.Dialect(database.SQLite))
	if len(f.Statements) != 3 {
		t.Fatalf("expected 3 statements, got %d: %#v", len(f.Statements), f.Statements)
	}
	trigger := f.Statements[0].(*StmtWithParams)
	if !strings.HasSuffix(trigger.SQL, "END") || !trigger.schemaChange {
		t.Fatalf("unexpected trigger statement %#v", trigger)
	}
	if s := f.Statements[1].(*StaticSimpleSelect); s.Row.String() != `{"x":"a;b"}` {
		t.Fatalf("unexpected row %s", s.Row)
	}
}

func TestSQLiteJSONColumns(t *testing.T) {
	s := parseStmt(t, database.SQLite, "SELECT json_object('a', 1) AS obj, json_array(1,2), name FROM t")
	want := []string{"obj", "json_array(1,2)"}
	if !reflect.DeepEqual(s.JSONColumns, want) {
		t.Fatalf("JSONColumns = %#v, want %#v", s.JSONColumns, want)
	}
	if s := parseStmt(t, database.Postgres, "SELECT json_build_object('a', 1) AS obj"); s.JSONColumns != nil {
		t.Fatalf("JSONColumns only apply to SQLite, got %#v", s.JSONColumns)
	}
}
