package engine

import "testing"

func TestTokenize(t *testing.T) {
	tests := []struct {
		src  string
		want []token
	}{
		{"SELECT $x", []token{{Typ: tKeyword, Val: "SELECT"}, {Typ: tParam, Val: "$x"}}},
		{"a::int", []token{{Typ: tIdent, Val: "a"}, {Typ: tSymbol, Val: "::"}, {Typ: tIdent, Val: "int"}}},
		{":name ?q @v", []token{{Typ: tParam, Val: ":name"}, {Typ: tParam, Val: "?q"}, {Typ: tParam, Val: "@v"}}},
		{"x ? y", []token{{Typ: tIdent, Val: "x"}, {Typ: tSymbol, Val: "?"}, {Typ: tIdent, Val: "y"}}},
		{"'it''s'", []token{{Typ: tString, Val: "it's"}}},
		{"$$a'b$$", []token{{Typ: tString, Val: "a'b"}}},
		{"$fn$ body $fn$", []token{{Typ: tString, Val: " body "}}},
		{`"my col" [x] ` + "`y`", []token{{Typ: tQuotedIdent, Val: "my col"}, {Typ: tQuotedIdent, Val: "x"}, {Typ: tQuotedIdent, Val: "y"}}},
		{"1.5e3 .5 7.", []token{{Typ: tNumber, Val: "1.5e3"}, {Typ: tNumber, Val: ".5"}, {Typ: tNumber, Val: "7."}}},
		{"sqlpage.cookie('a')", []token{{Typ: tIdent, Val: "sqlpage.cookie"}, {Typ: tSymbol, Val: "("}, {Typ: tString, Val: "a"}, {Typ: tSymbol, Val: ")"}}},
		{"a || b -- comment\n/* block */ c", []token{{Typ: tIdent, Val: "a"}, {Typ: tSymbol, Val: "||"}, {Typ: tIdent, Val: "b"}, {Typ: tIdent, Val: "c"}}},
		{"doc->>'k'", []token{{Typ: tIdent, Val: "doc"}, {Typ: tSymbol, Val: "->>"}, {Typ: tString, Val: "k"}}},
	}
	for _, tt := range tests {
		got := tokenize(tt.src)
		if last := got[len(got)-1]; last.Typ != tEOF {
			t.Fatalf("%q: expected EOF, got %+v", tt.src, last)
		}
		got = got[:len(got)-1]
		if len(got) != len(tt.want) {
			t.Fatalf("%q: expected %d tokens, got %+v", tt.src, len(tt.want), got)
		}
		for i := range got {
			if got[i].Typ != tt.want[i].Typ || got[i].Val != tt.want[i].Val {
				t.Fatalf("%q: token %d = %+v, want %+v", tt.src, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTokenizeSpans(t *testing.T) {
	src := "SELECT  'a' AS x"
	for _, tok := range tokenize(src) {
		if tok.Typ == tString && src[tok.Pos:tok.End] != "'a'" {
			t.Fatalf("string span = %q", src[tok.Pos:tok.End])
		}
	}
}

func TestTokenizeErrors(t *testing.T) {
	for _, src := range []string{"SELECT 'abc", "SELECT /* x", `SELECT "abc`, "SELECT $$abc"} {
		toks := tokenize(src)
		if last := toks[len(toks)-1]; last.Typ != tError {
			t.Fatalf("%q: expected an error token, got %+v", src, last)
		}
	}
}
