// Package codec converts database rows into JSON objects.
//
// Each column is decoded by a rule chosen from the type name the driver reports,
// because the same logical type surfaces under different names depending on the
// backend. When a driver reports no type name (SQLite expressions), the dynamic
// Go type of the scanned value decides.
package codec

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type rule int

const (
	ruleText rule = iota
	ruleFloat
	ruleDecimal
	ruleMoney
	ruleInt
	ruleBool
	ruleDate
	ruleTime
	ruleTimestamp
	ruleTimestampTZ
	ruleJSON
	ruleUUID
	ruleBlob
)

// typeRules is the closed table of known type names. Names not listed decode as text.
var typeRules = map[string]rule{
	"REAL": ruleFloat, "FLOAT": ruleFloat, "FLOAT4": ruleFloat, "FLOAT8": ruleFloat,
	"DOUBLE": ruleFloat, "DOUBLE PRECISION": ruleFloat,

	"NUMERIC": ruleDecimal, "DECIMAL": ruleDecimal,
	"MONEY": ruleMoney, "SMALLMONEY": ruleMoney,

	"INT2": ruleInt, "INT4": ruleInt, "INT8": ruleInt, "SMALLINT": ruleInt, "INT": ruleInt,
	"INTEGER": ruleInt, "BIGINT": ruleInt, "TINYINT": ruleInt, "MEDIUMINT": ruleInt,
	"SERIAL": ruleInt, "BIGSERIAL": ruleInt, "OID": ruleInt, "YEAR": ruleInt,

	"BOOL": ruleBool, "BOOLEAN": ruleBool, "BIT": ruleBool,

	"DATE": ruleDate,
	"TIME": ruleTime, "TIMETZ": ruleTime,
	"DATETIME": ruleTimestamp, "DATETIME2": ruleTimestamp, "SMALLDATETIME": ruleTimestamp,
	"TIMESTAMP": ruleTimestamp,
	"TIMESTAMPTZ": ruleTimestampTZ, "DATETIMEOFFSET": ruleTimestampTZ,

	"JSON": ruleJSON, "JSONB": ruleJSON,

	"UUID": ruleUUID, "UNIQUEIDENTIFIER": ruleUUID,

	"BLOB": ruleBlob, "BYTEA": ruleBlob, "BINARY": ruleBlob, "VARBINARY": ruleBlob,
	"IMAGE": ruleBlob, "TINYBLOB": ruleBlob, "MEDIUMBLOB": ruleBlob, "LONGBLOB": ruleBlob,
}

// Column describes one result column.
type Column struct {
	Name     string
	TypeName string
	// JSON forces JSON parsing of a textual value, for drivers that report
	// JSON-producing expressions as plain text.
	JSON bool
}

// Options tune decoding for one backend.
type Options struct {
	// FoldUppercaseNames lowercases column names that are entirely upper-case.
	FoldUppercaseNames bool
	// MixedEndianUUID selects the SQL Server byte order for 16-byte UUIDs.
	MixedEndianUUID bool
}

// Columns converts driver column metadata.
func Columns(types []*sql.ColumnType, opts Options) []Column {
	cols := make([]Column, len(types))
	for i, ct := range types {
		name := ct.Name()
		if opts.FoldUppercaseNames {
			name = foldUppercase(name)
		}
		cols[i] = Column{Name: name, TypeName: ct.DatabaseTypeName()}
	}
	return cols
}

func foldUppercase(name string) string {
	hasLetter := false
	for _, r := range name {
		if unicode.IsLower(r) {
			return name
		}
		if unicode.IsLetter(r) {
			hasLetter = true
		}
	}
	if !hasLetter {
		return name
	}
	return strings.ToLower(name)
}

// DecodeRow builds a row from scanned values. Repeated column names fold into arrays.
func DecodeRow(cols []Column, values []any, opts Options) *Row {
	row := NewRow(len(cols))
	for i, col := range cols {
		row.Add(col.Name, DecodeValue(col, values[i], opts))
	}
	return row
}

// DecodeValue converts one scanned value to a JSON-compatible value.
func DecodeValue(col Column, raw any, opts Options) any {
	if raw == nil {
		return nil
	}
	if col.JSON {
		return decodeJSON(col, raw)
	}
	typ, isArray := normalizeTypeName(col.TypeName)
	if typ == "" {
		return decodeDynamic(raw)
	}
	r, known := typeRules[typ]
	if !known {
		r = ruleText
	}
	if isArray {
		return decodeArray(col, r, raw, opts)
	}
	return decodeWithRule(col, r, raw, opts)
}

// normalizeTypeName strips sizes, the UNSIGNED qualifier and array markers
// ("_int4", "INT[]"), and reports whether the type was an array.
func normalizeTypeName(name string) (string, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '('); i >= 0 {
		if j := strings.IndexByte(name[i:], ')'); j >= 0 {
			name = name[:i] + name[i+j+1:]
		} else {
			name = name[:i]
		}
	}
	isArray := false
	if n, ok := strings.CutPrefix(name, "_"); ok {
		name, isArray = n, true
	}
	if n, ok := strings.CutSuffix(name, "[]"); ok {
		name, isArray = n, true
	}
	name = strings.TrimPrefix(name, "UNSIGNED ")
	name = strings.TrimSuffix(name, " UNSIGNED")
	return strings.TrimSpace(name), isArray
}

func decodeDynamic(raw any) any {
	switch v := raw.(type) {
	case int64:
		return v
	case float64:
		return finite(v)
	case bool:
		return v
	case []byte:
		return DataURL(v)
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(raw)
}

func decodeWithRule(col Column, r rule, raw any, opts Options) any {
	switch r {
	case ruleFloat:
		return decodeFloat(col, raw)
	case ruleDecimal:
		return decodeDecimal(col, raw)
	case ruleMoney:
		return decodeMoney(col, raw)
	case ruleInt:
		return decodeInt(col, raw)
	case ruleBool:
		return decodeBool(col, raw)
	case ruleDate, ruleTime, ruleTimestamp, ruleTimestampTZ:
		return decodeTime(r, raw)
	case ruleJSON:
		return decodeJSON(col, raw)
	case ruleUUID:
		return decodeUUID(col, raw, opts)
	case ruleBlob:
		switch v := raw.(type) {
		case []byte:
			return DataURL(v)
		case string:
			return DataURL([]byte(v))
		}
	}
	return decodeText(raw)
}

func decodeText(raw any) any {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return strings.ToValidUTF8(string(v), "�")
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	}
	return fmt.Sprint(raw)
}

func decodeFloat(col Column, raw any) any {
	switch v := raw.(type) {
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int64:
		return float64(v)
	case []byte, string:
		f, err := strconv.ParseFloat(strings.TrimSpace(textOf(v)), 64)
		if err != nil {
			warnDecode(col, raw, err)
			return 0.0
		}
		return finite(f)
	}
	warnDecode(col, raw, nil)
	return 0.0
}

// decodeMoney reads a currency amount as a double. PostgreSQL sends money as
// formatted text such as "-$1,234.50"; symbols and group separators are dropped.
func decodeMoney(col Column, raw any) any {
	switch v := raw.(type) {
	case []byte, string:
		s := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				return r
			}
			return -1
		}, textOf(v))
		return decodeFloat(col, s)
	}
	return decodeFloat(col, raw)
}

// finite maps NaN and infinities, which JSON cannot represent, to null.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func decodeDecimal(col Column, raw any) any {
	switch v := raw.(type) {
	case []byte, string:
		s := strings.TrimSpace(textOf(v))
		if isJSONNumber(s) {
			return json.Number(s)
		}
		// NaN and other specials have no JSON number form.
		return s
	case float64:
		return finite(v)
	case int64:
		return v
	}
	warnDecode(col, raw, nil)
	return json.Number("0")
}

func decodeInt(col Column, raw any) any {
	switch v := raw.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case uint64:
		return v
	case float64:
		return v
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case []byte, string:
		s := strings.TrimSpace(textOf(v))
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
		if isJSONNumber(s) {
			return json.Number(s)
		}
		warnDecode(col, raw, nil)
		return int64(0)
	}
	warnDecode(col, raw, nil)
	return int64(0)
}

func decodeBool(col Column, raw any) any {
	switch v := raw.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case []byte:
		if len(v) == 1 && v[0] <= 1 {
			return v[0] == 1
		}
	}
	s := strings.ToLower(strings.TrimSpace(textOf(raw)))
	switch s {
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off", "":
		return false
	}
	warnDecode(col, raw, nil)
	return false
}

func decodeTime(r rule, raw any) any {
	t, ok := raw.(time.Time)
	if !ok {
		return decodeText(raw)
	}
	switch r {
	case ruleDate:
		return t.Format(time.DateOnly)
	case ruleTime:
		return t.Format("15:04:05.999999999")
	case ruleTimestamp:
		return t.Format("2006-01-02T15:04:05.999999999")
	}
	return t.Format(time.RFC3339Nano)
}

func decodeJSON(col Column, raw any) any {
	var s string
	switch v := raw.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return decodeDynamic(raw)
	}
	parsed, err := ParseJSON(s)
	if err != nil {
		warnDecode(col, raw, err)
		return s
	}
	return parsed
}

func decodeUUID(col Column, raw any, opts Options) any {
	switch v := raw.(type) {
	case []byte:
		if len(v) == 16 {
			b := append([]byte(nil), v...)
			if opts.MixedEndianUUID {
				swapUUIDFields(b)
			}
			if id, err := uuid.FromBytes(b); err == nil {
				return id.String()
			}
		}
		return normalizeUUIDText(col, string(v))
	case string:
		return normalizeUUIDText(col, v)
	}
	return decodeText(raw)
}

func normalizeUUIDText(col Column, s string) string {
	id, err := uuid.Parse(s)
	if err != nil {
		warnDecode(col, s, err)
		return s
	}
	return id.String()
}

// swapUUIDFields converts SQL Server's little-endian first three groups to RFC 4122 order.
func swapUUIDFields(b []byte) {
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
}

// decodeArray parses a PostgreSQL array literal and decodes each element with
// the element type's rule.
func decodeArray(col Column, r rule, raw any, opts Options) any {
	var elems []sql.NullString
	if err := (pq.GenericArray{A: &elems}).Scan(raw); err != nil {
		warnDecode(col, raw, err)
		return decodeText(raw)
	}
	out := make([]any, len(elems))
	for i, e := range elems {
		if !e.Valid {
			continue
		}
		if r == ruleBlob {
			out[i] = DataURL([]byte(e.String))
			continue
		}
		out[i] = decodeWithRule(col, r, e.String, opts)
	}
	return out
}

func textOf(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func isJSONNumber(s string) bool {
	if s == "" {
		return false
	}
	return json.Valid([]byte(s)) && (s[0] == '-' || (s[0] >= '0' && s[0] <= '9'))
}

func warnDecode(col Column, raw any, err error) {
	slog.Warn("unable to decode column value, using a default",
		"column", col.Name, "type", col.TypeName, "value_type", fmt.Sprintf("%T", raw), "err", err)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
