package importer

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// scanner reads delimited records with an arbitrary quote character and an
// optional escape character, which encoding/csv does not support.
type scanner struct {
	r      *bufio.Reader
	delim  rune
	quote  rune
	escape rune
}

func newScanner(r io.Reader, delim, quote, escape rune) *scanner {
	return &scanner{r: bufio.NewReader(r), delim: delim, quote: quote, escape: escape}
}

// Read returns the next record, or io.EOF once the input is exhausted.
func (s *scanner) Read() ([]string, error) {
	var (
		fields   []string
		field    strings.Builder
		inQuotes bool
		started  bool
	)
	for {
		ch, _, err := s.r.ReadRune()
		if errors.Is(err, io.EOF) {
			if inQuotes {
				return nil, errors.New("unterminated quoted field")
			}
			if !started {
				return nil, io.EOF
			}
			return append(fields, field.String()), nil
		}
		if err != nil {
			return nil, err
		}
		started = true

		if inQuotes {
			switch {
			case s.escape != 0 && s.escape != s.quote && ch == s.escape:
				next, _, err := s.r.ReadRune()
				if err != nil {
					return nil, errors.New("unterminated escape sequence")
				}
				field.WriteRune(next)
			case ch == s.quote:
				next, _, err := s.r.ReadRune()
				if err == nil && next == s.quote {
					field.WriteRune(s.quote)
					continue
				}
				if err == nil {
					_ = s.r.UnreadRune()
				}
				inQuotes = false
			default:
				field.WriteRune(ch)
			}
			continue
		}

		switch ch {
		case s.quote:
			inQuotes = true
		case s.delim:
			fields = append(fields, field.String())
			field.Reset()
		case '\r':
			if next, _, err := s.r.ReadRune(); err == nil && next != '\n' {
				_ = s.r.UnreadRune()
			}
			return append(fields, field.String()), nil
		case '\n':
			return append(fields, field.String()), nil
		default:
			field.WriteRune(ch)
		}
	}
}
