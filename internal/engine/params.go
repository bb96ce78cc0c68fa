package engine

import (
	"context"
	"strings"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
	"github.com/sqlpage/SQLPage-sub000/internal/importer"
	"github.com/sqlpage/SQLPage-sub000/internal/request"
)

// ============================================================================
// Statement parameters
// ============================================================================

// StmtParam is a value bound to a statement placeholder, resolved per request.
// Values are built once at parse time and shared by every request running the
// same cached file.
type StmtParam interface {
	isParam()
	String() string
}

// GetParam reads a GET variable (?name, @name).
type GetParam struct{ Name string }

// PostParam reads a POST variable (:name).
type PostParam struct{ Name string }

// GetOrPostParam reads a POST variable, falling back to GET ($name).
type GetOrPostParam struct{ Name string }

// LiteralParam is a constant.
type LiteralParam struct{ Value string }

// NullParam is SQL NULL.
type NullParam struct{}

// ConcatParam joins its parts, and is NULL as soon as one part is NULL.
type ConcatParam struct{ Parts []StmtParam }

// FunctionCall invokes a builtin sqlpage.* function.
type FunctionCall struct {
	Func *Builtin
	Args []StmtParam
}

// ErrorParam defers a parse-time problem to evaluation, so that it is reported
// for its own statement only.
type ErrorParam struct{ Msg string }

func (GetParam) isParam()       {}
func (PostParam) isParam()      {}
func (GetOrPostParam) isParam() {}
func (LiteralParam) isParam()   {}
func (NullParam) isParam()      {}
func (ConcatParam) isParam()    {}
func (FunctionCall) isParam()   {}
func (ErrorParam) isParam()     {}

func (p GetParam) String() string       { return "?" + p.Name }
func (p PostParam) String() string      { return ":" + p.Name }
func (p GetOrPostParam) String() string { return "$" + p.Name }
func (p LiteralParam) String() string   { return "'" + strings.ReplaceAll(p.Value, "'", "''") + "'" }
func (NullParam) String() string        { return "NULL" }
func (p ErrorParam) String() string     { return "#ERROR" }

func (p ConcatParam) String() string { return "CONCAT(" + joinParams(p.Parts) + ")" }

func (p FunctionCall) String() string {
	return "sqlpage." + p.Func.Name + "(" + joinParams(p.Args) + ")"
}

func joinParams(ps []StmtParam) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = p.String()
	}
	return strings.Join(s, ", ")
}

// paramFromToken maps a placeholder token to its source by sigil.
func paramFromToken(val string) StmtParam {
	name := val[1:]
	switch val[0] {
	case '$':
		return GetOrPostParam{Name: name}
	case ':':
		return PostParam{Name: name}
	}
	return GetParam{Name: name}
}

// ============================================================================
// Parsed statements
// ============================================================================

// ParsedStatement is one statement of a SQL file, ready to run.
type ParsedStatement interface {
	isStatement()
}

// StmtWithParams is SQL sent to the database, with one placeholder per Params
// entry.
type StmtWithParams struct {
	SQL    string
	Params []StmtParam
	// JSONColumns name result columns holding JSON text.
	JSONColumns []string

	schemaChange bool
}

// CsvImport loads an uploaded CSV file into a table.
type CsvImport struct {
	*importer.CopyStatement
}

// SetVariable assigns the first column of Value's first row to a variable.
type SetVariable struct {
	Variable StmtParam
	Value    ParsedStatement
}

// StaticSimpleSelect is a constant row computed at parse time.
type StaticSimpleSelect struct {
	Row *codec.Row
}

// StatementError is a statement that failed to parse or prepare. Running it
// yields the error.
type StatementError struct {
	Err error
}

func (*StmtWithParams) isStatement()     {}
func (*CsvImport) isStatement()          {}
func (*SetVariable) isStatement()        {}
func (*StaticSimpleSelect) isStatement() {}
func (*StatementError) isStatement()     {}

// ParsedSQLFile is the immutable result of parsing one file.
type ParsedSQLFile struct {
	Path       string
	Statements []ParsedStatement
}

// ============================================================================
// Evaluation
// ============================================================================

// eval resolves p against req. A nil result is SQL NULL.
func (x *execution) eval(ctx context.Context, p StmtParam, req *request.Info) (*string, error) {
	switch p := p.(type) {
	case GetParam:
		return lookup(req.GetVariables, p.Name), nil
	case PostParam:
		return lookup(req.PostVariables, p.Name), nil
	case GetOrPostParam:
		if v := lookup(req.PostVariables, p.Name); v != nil {
			return v, nil
		}
		return lookup(req.GetVariables, p.Name), nil
	case LiteralParam:
		s := p.Value
		return &s, nil
	case NullParam:
		return nil, nil
	case ConcatParam:
		var b strings.Builder
		for _, part := range p.Parts {
			v, err := x.eval(ctx, part, req)
			if err != nil || v == nil {
				return nil, err
			}
			b.WriteString(*v)
		}
		s := b.String()
		return &s, nil
	case FunctionCall:
		return x.call(ctx, p, req)
	case ErrorParam:
		return nil, evalErrorf("%s", p.Msg)
	}
	return nil, evalErrorf("unsupported parameter %T", p)
}

func lookup(m request.ParamMap, name string) *string {
	v, ok := m[name]
	if !ok {
		return nil
	}
	s := v.AsJSONStr()
	return &s
}

// evalAll evaluates params strictly left to right.
func (x *execution) evalAll(ctx context.Context, params []StmtParam, req *request.Info) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		v, err := x.eval(ctx, p, req)
		if err != nil {
			return nil, err
		}
		if v != nil {
			args[i] = *v
		}
	}
	return args, nil
}
