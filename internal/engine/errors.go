package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrParse           = errors.New("SQLPage could not parse the SQL file")
	ErrPrepare         = errors.New("an error occurred while trying to prepare this SQL statement")
	ErrParamEvaluation = errors.New("unable to evaluate a parameter")
	ErrExecution       = errors.New("error while executing the SQL statement")
	ErrRecursionLimit  = errors.New("Too many nested inclusions")
	ErrExecDisabled    = errors.New("The sqlpage.exec() function is disabled in the configuration, for security reasons. Make sure you understand the security implications before enabling it, and never allow user input to be passed as the first argument to this function. You can enable it by setting the allow_exec option to true in the sqlpage.json configuration file.")
)

// ParseError locates a syntax error in a SQL file.
type ParseError struct {
	Path   string
	Msg    string
	Line   int
	Column int
	// Snippet is the offending source line followed by a caret line.
	Snippet string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Parsing failed: %s at line %d, column %d of %s:\n\n%s",
		e.Msg, e.Line, e.Column, e.Path, e.Snippet)
}

func (e *ParseError) Unwrap() error { return ErrParse }

func newParseError(path, src string, pos int, msg string) *ParseError {
	line, col, text := locate(src, pos)
	return &ParseError{
		Path:    path,
		Msg:     msg,
		Line:    line,
		Column:  col,
		Snippet: text + "\n" + strings.Repeat(" ", col-1) + "^",
	}
}

// locate returns the 1-based line and column of byte offset pos, and the text
// of that line.
func locate(src string, pos int) (line, col int, text string) {
	if pos > len(src) {
		pos = len(src)
	}
	start := strings.LastIndexByte(src[:pos], '\n') + 1
	end := strings.IndexByte(src[pos:], '\n')
	if end < 0 {
		end = len(src)
	} else {
		end += pos
	}
	line = strings.Count(src[:pos], "\n") + 1
	col = len([]rune(src[start:pos])) + 1
	return line, col, strings.TrimRight(src[start:end], "\r")
}

// QueryError is a statement-scoped runtime error, tagged with the 1-based
// position of the statement in its file.
type QueryError struct {
	Path   string
	Number int
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("error in query number %d of %s: %v", e.Number, e.Path, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// HTTPError carries an HTTP status for the response. It is honored when the
// response headers have not been sent yet.
type HTTPError struct {
	Status int
	Msg    string
}

func (e *HTTPError) Error() string   { return e.Msg }
func (e *HTTPError) StatusCode() int { return e.Status }

func evalErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParamEvaluation, fmt.Sprintf(format, args...))
}
