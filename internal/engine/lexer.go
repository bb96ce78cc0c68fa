package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tEOF tokenType = iota
	tIdent
	tQuotedIdent
	tNumber
	tString
	tSymbol
	tKeyword
	tParam
	tError
)

type token struct {
	Typ tokenType
	// Val is the upper-cased keyword, the unescaped string or identifier, the
	// parameter with its sigil, or the error message.
	Val string
	Pos int
	End int
}

// lexer is a single-pass byte scanner. Tokens keep their byte span, so the
// rewriter copies untouched SQL verbatim.
type lexer struct {
	s   string
	pos int
}

func newLexer(s string) *lexer { return &lexer{s: s} }

func (lx *lexer) peek() byte { return lx.peekN(0) }

func (lx *lexer) peekN(n int) byte {
	p := lx.pos + n
	if p >= len(lx.s) {
		return 0
	}
	return lx.s[p]
}

// skipWS skips whitespace and comments. It reports an unterminated block
// comment as an error token.
func (lx *lexer) skipWS() *token {
	for lx.pos < len(lx.s) {
		r, size := utf8.DecodeRuneInString(lx.s[lx.pos:])
		if unicode.IsSpace(r) {
			lx.pos += size
			continue
		}
		if r == '-' && lx.peekN(1) == '-' {
			lx.pos += 2
			for lx.pos < len(lx.s) && lx.s[lx.pos] != '\n' {
				lx.pos++
			}
			continue
		}
		if r == '/' && lx.peekN(1) == '*' {
			start := lx.pos
			end := strings.Index(lx.s[lx.pos+2:], "*/")
			if end < 0 {
				return &token{Typ: tError, Val: "unterminated block comment", Pos: start, End: len(lx.s)}
			}
			lx.pos += end + 4
			continue
		}
		return nil
	}
	return nil
}

func (lx *lexer) nextToken() token {
	if errTok := lx.skipWS(); errTok != nil {
		lx.pos = len(lx.s)
		return *errTok
	}
	start := lx.pos
	if start >= len(lx.s) {
		return token{Typ: tEOF, Pos: start, End: start}
	}
	c := lx.peek()
	r, _ := utf8.DecodeRuneInString(lx.s[start:])

	switch {
	case c == '\'':
		return lx.tokenizeString(start)
	case c == '"' || c == '`':
		return lx.tokenizeQuotedIdent(start, c, c)
	case c == '[':
		return lx.tokenizeQuotedIdent(start, '[', ']')
	case c == '$':
		return lx.tokenizeDollar(start)
	case c == ':' || c == '?' || c == '@':
		return lx.tokenizeSigil(start)
	case isDigit(c) || (c == '.' && isDigit(lx.peekN(1))):
		return lx.tokenizeNumber(start)
	case unicode.IsLetter(r) || c == '_':
		return lx.tokenizeIdentOrKeyword(start)
	}
	return lx.tokenizeSymbol(start)
}

// tokenizeString reads a single-quoted literal where '' stands for a quote.
func (lx *lexer) tokenizeString(start int) token {
	lx.pos++
	var val strings.Builder
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		lx.pos++
		if ch == '\'' {
			if lx.peek() == '\'' {
				lx.pos++
				val.WriteByte('\'')
				continue
			}
			return token{Typ: tString, Val: val.String(), Pos: start, End: lx.pos}
		}
		val.WriteByte(ch)
	}
	return token{Typ: tError, Val: "unterminated string literal", Pos: start, End: lx.pos}
}

// tokenizeQuotedIdent reads "ident", `ident` or [ident]. A doubled closing
// character stands for itself.
func (lx *lexer) tokenizeQuotedIdent(start int, open, closing byte) token {
	lx.pos++
	var val strings.Builder
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		lx.pos++
		if ch == closing {
			if open != '[' && lx.peek() == closing {
				lx.pos++
				val.WriteByte(closing)
				continue
			}
			return token{Typ: tQuotedIdent, Val: val.String(), Pos: start, End: lx.pos}
		}
		val.WriteByte(ch)
	}
	return token{Typ: tError, Val: fmt.Sprintf("unterminated quoted identifier %c", open), Pos: start, End: lx.pos}
}

// tokenizeDollar reads $name and $1 parameters, or PostgreSQL dollar-quoted
// strings ($$...$$, $tag$...$tag$).
func (lx *lexer) tokenizeDollar(start int) token {
	end := start + 1
	for end < len(lx.s) && isIdentByte(lx.s[end]) {
		end++
	}
	if end < len(lx.s) && lx.s[end] == '$' && (end == start+1 || !isDigit(lx.s[start+1])) {
		tag := lx.s[start : end+1]
		body := end + 1
		close := strings.Index(lx.s[body:], tag)
		if close < 0 {
			lx.pos = len(lx.s)
			return token{Typ: tError, Val: "unterminated dollar-quoted string", Pos: start, End: lx.pos}
		}
		lx.pos = body + close + len(tag)
		return token{Typ: tString, Val: lx.s[body : body+close], Pos: start, End: lx.pos}
	}
	if end == start+1 {
		lx.pos++
		return token{Typ: tSymbol, Val: "$", Pos: start, End: lx.pos}
	}
	lx.pos = end
	return token{Typ: tParam, Val: lx.s[start:end], Pos: start, End: end}
}

// tokenizeSigil reads :name, ?name and @name parameters, leaving the
// operators ::, :=, @@ and a bare ? as symbols.
func (lx *lexer) tokenizeSigil(start int) token {
	c, next := lx.peek(), lx.peekN(1)
	switch {
	case c == ':' && (next == ':' || next == '='),
		c == '@' && next == '@':
		lx.pos += 2
		return token{Typ: tSymbol, Val: lx.s[start:lx.pos], Pos: start, End: lx.pos}
	case next == '_' || isLetterByte(next):
		end := start + 1
		for end < len(lx.s) && isIdentByte(lx.s[end]) {
			end++
		}
		lx.pos = end
		return token{Typ: tParam, Val: lx.s[start:end], Pos: start, End: end}
	}
	lx.pos++
	return token{Typ: tSymbol, Val: string(c), Pos: start, End: lx.pos}
}

func (lx *lexer) tokenizeNumber(start int) token {
	dot, exp := false, false
	for lx.pos < len(lx.s) {
		ch := lx.peek()
		switch {
		case isDigit(ch):
		case ch == '.' && !dot && !exp:
			dot = true
		case (ch == 'e' || ch == 'E') && !exp && (isDigit(lx.peekN(1)) ||
			((lx.peekN(1) == '+' || lx.peekN(1) == '-') && isDigit(lx.peekN(2)))):
			exp = true
			lx.pos++
		default:
			return token{Typ: tNumber, Val: lx.s[start:lx.pos], Pos: start, End: lx.pos}
		}
		lx.pos++
	}
	return token{Typ: tNumber, Val: lx.s[start:lx.pos], Pos: start, End: lx.pos}
}

// tokenizeIdentOrKeyword reads identifiers, including dotted names such as
// sqlpage.cookie or schema.table.
func (lx *lexer) tokenizeIdentOrKeyword(start int) token {
	for lx.pos < len(lx.s) {
		r, size := utf8.DecodeRuneInString(lx.s[lx.pos:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' ||
			(r == '.' && lx.pos+1 < len(lx.s) && (isLetterByte(lx.s[lx.pos+1]) || lx.s[lx.pos+1] == '_')) {
			lx.pos += size
			continue
		}
		break
	}
	word := lx.s[start:lx.pos]
	if up := strings.ToUpper(word); isKeyword(up) {
		return token{Typ: tKeyword, Val: up, Pos: start, End: lx.pos}
	}
	return token{Typ: tIdent, Val: word, Pos: start, End: lx.pos}
}

func (lx *lexer) tokenizeSymbol(start int) token {
	for _, op := range []string{"||", "<=", ">=", "<>", "!=", "->>", "->", "=="} {
		if strings.HasPrefix(lx.s[start:], op) {
			lx.pos += len(op)
			return token{Typ: tSymbol, Val: op, Pos: start, End: lx.pos}
		}
	}
	_, size := utf8.DecodeRuneInString(lx.s[start:])
	lx.pos += size
	return token{Typ: tSymbol, Val: lx.s[start:lx.pos], Pos: start, End: lx.pos}
}

// tokenize lexes the whole input. The last token is tEOF or tError.
func tokenize(s string) []token {
	lx := newLexer(s)
	var toks []token
	for {
		t := lx.nextToken()
		toks = append(toks, t)
		if t.Typ == tEOF || t.Typ == tError {
			return toks
		}
	}
}

func isDigit(c byte) bool      { return '0' <= c && c <= '9' }
func isLetterByte(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || c >= 0x80 }
func isIdentByte(c byte) bool  { return isLetterByte(c) || isDigit(c) || c == '_' }

// isKeyword lists the words the rewriter needs to recognize. Everything else
// is passed through to the database as an identifier.
func isKeyword(up string) bool {
	switch up {
	case "SELECT", "DISTINCT", "ALL", "FROM", "WHERE", "GROUP", "BY", "HAVING",
		"ORDER", "LIMIT", "OFFSET", "FETCH", "FOR", "WINDOW", "INTO",
		"UNION", "EXCEPT", "INTERSECT", "WITH", "AS",
		"SET", "COPY", "STDIN", "CREATE", "ALTER", "DROP", "TRUNCATE",
		"NULL", "TRUE", "FALSE", "CONCAT":
		return true
	}
	return false
}
