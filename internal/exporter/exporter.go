// Package exporter streams rows as CSV or JSON documents.
package exporter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/sqlpage/SQLPage-sub000/internal/codec"
)

// ValueToString renders a row value as a CSV field.
func ValueToString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return codec.Stringify(t)
	}
}

// ============================================================================
// CSV
// ============================================================================

// CSVOptions controls the CSV dialect. Zero bytes select the defaults: comma
// separator, double quote, and quotes escaped by doubling them.
type CSVOptions struct {
	Separator byte
	Quote     byte
	Escape    byte
	BOM       bool
}

// CSVWriter writes one CSV record per row. The header is taken from the first
// row's keys; later rows are projected onto it.
type CSVWriter struct {
	w       io.Writer
	opts    CSVOptions
	std     *csv.Writer
	columns []string
}

// NewCSVWriter writes the byte order mark, if asked for, and returns a writer.
func NewCSVWriter(w io.Writer, opts CSVOptions) (*CSVWriter, error) {
	if opts.Separator == 0 {
		opts.Separator = ','
	}
	if opts.Quote == 0 {
		opts.Quote = '"'
	}
	if opts.Escape == 0 {
		opts.Escape = opts.Quote
	}
	if opts.BOM {
		if _, err := io.WriteString(w, "\uFEFF"); err != nil {
			return nil, err
		}
	}
	cw := &CSVWriter{w: w, opts: opts}
	if opts.Quote == '"' && opts.Escape == '"' {
		cw.std = csv.NewWriter(w)
		cw.std.Comma = rune(opts.Separator)
	}
	return cw, nil
}

// Columns is the header, empty before the first row.
func (c *CSVWriter) Columns() []string { return c.columns }

// WriteRow writes row, preceded by the header on the first call.
func (c *CSVWriter) WriteRow(row *codec.Row) error {
	if c.columns == nil {
		c.columns = append([]string{}, row.Keys()...)
		if err := c.WriteRecord(c.columns); err != nil {
			return err
		}
	}
	rec := make([]string, len(c.columns))
	for i, col := range c.columns {
		v, _ := row.Get(col)
		rec[i] = ValueToString(v)
	}
	return c.WriteRecord(rec)
}

// WriteError writes msg in the first column of an otherwise empty record.
func (c *CSVWriter) WriteError(msg string) error {
	rec := make([]string, max(len(c.columns), 1))
	rec[0] = msg
	return c.WriteRecord(rec)
}

// WriteRecord writes raw fields.
func (c *CSVWriter) WriteRecord(rec []string) error {
	if c.std != nil {
		if err := c.std.Write(rec); err != nil {
			return err
		}
		c.std.Flush()
		return c.std.Error()
	}
	var buf bytes.Buffer
	for i, field := range rec {
		if i > 0 {
			buf.WriteByte(c.opts.Separator)
		}
		c.writeField(&buf, field)
	}
	buf.WriteString("\n")
	_, err := c.w.Write(buf.Bytes())
	return err
}

func (c *CSVWriter) writeField(buf *bytes.Buffer, field string) {
	if !c.needsQuotes(field) {
		buf.WriteString(field)
		return
	}
	buf.WriteByte(c.opts.Quote)
	for i := 0; i < len(field); i++ {
		b := field[i]
		if b == c.opts.Quote || (b == c.opts.Escape && c.opts.Escape != c.opts.Quote) {
			buf.WriteByte(c.opts.Escape)
		}
		buf.WriteByte(b)
	}
	buf.WriteByte(c.opts.Quote)
}

func (c *CSVWriter) needsQuotes(field string) bool {
	if field == "" {
		return false
	}
	for i := 0; i < len(field); i++ {
		switch field[i] {
		case c.opts.Separator, c.opts.Quote, c.opts.Escape, '\r', '\n':
			return true
		}
	}
	return field[0] == ' ' || field[0] == '\t'
}

// ============================================================================
// JSON
// ============================================================================

// Framing selects how JSON values are delimited in a stream.
type Framing int

const (
	// Array wraps the values in a JSON array.
	Array Framing = iota
	// JSONLines writes one value per line.
	JSONLines
	// ServerSentEvents writes each value as an event's data field.
	ServerSentEvents
)

// ParseFraming maps the json component's type property to a framing.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "array":
		return Array, nil
	case "jsonlines":
		return JSONLines, nil
	case "sse":
		return ServerSentEvents, nil
	}
	return 0, fmt.Errorf("Invalid value for the 'type' property of the json component: %q", s)
}

// ContentType is the media type of the framed stream.
func (f Framing) ContentType() string {
	switch f {
	case JSONLines:
		return "application/jsonl"
	case ServerSentEvents:
		return "text/event-stream"
	}
	return "application/json"
}

func (f Framing) delimiters() (prefix, separator, suffix string) {
	switch f {
	case JSONLines:
		return "", "\n", "\n"
	case ServerSentEvents:
		return "data: ", "\n\ndata: ", "\n\n"
	}
	return "[\n", ",\n", "\n]"
}

// JSONStream writes framed JSON values.
type JSONStream struct {
	w       io.Writer
	framing Framing
	count   int
}

// NewJSONStream returns a stream writing to w.
func NewJSONStream(w io.Writer, f Framing) *JSONStream {
	return &JSONStream{w: w, framing: f}
}

// Write appends one value.
func (s *JSONStream) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	prefix, sep, _ := s.framing.delimiters()
	if s.count > 0 {
		prefix = sep
	}
	if _, err := io.WriteString(s.w, prefix); err != nil {
		return err
	}
	s.count++
	_, err = s.w.Write(b)
	return err
}

// Count is the number of values written.
func (s *JSONStream) Count() int { return s.count }

// Close ends the stream. An empty array is written as []; an empty stream of
// lines or events stays empty.
func (s *JSONStream) Close() error {
	_, _, suffix := s.framing.delimiters()
	switch {
	case s.count > 0:
	case s.framing == Array:
		suffix = "[]"
	default:
		return nil
	}
	_, err := io.WriteString(s.w, suffix)
	return err
}
