// ABOUTME: Tests for the tokenizer
// ABOUTME: Token streams, keywords, two-character operators, and errors

package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func scanAll(source string) []Token {
	s := newTokenizer(source)
	var toks []Token
	for {
		tok := s.next()
		toks = append(toks, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return toks
		}
	}
}

func types(toks []Token) []TokenType {
	out := make([]TokenType, len(toks))
	for i, tok := range toks {
		out[i] = tok.Type
	}
	return out
}

func TestTokenizerBasics(t *testing.T) {
	toks := scanAll(`var x = 1 + 2;`)
	want := []TokenType{
		TokenVar, TokenIdentifier, TokenEqual, TokenNumber,
		TokenPlus, TokenNumber, TokenSemicolon, TokenEOF,
	}
	if diff := cmp.Diff(want, types(toks)); diff != "" {
		t.Errorf("token types mismatch (-want +got):\n%s", diff)
	}
	if toks[1].Lexeme != "x" {
		t.Errorf("identifier lexeme = %q, want x", toks[1].Lexeme)
	}
}

func TestTokenizerTwoCharOperators(t *testing.T) {
	toks := scanAll(`== != <= >= < > = !`)
	want := []TokenType{
		TokenEqualEqual, TokenBangEqual, TokenLessEqual, TokenGreaterEqual,
		TokenLess, TokenGreater, TokenEqual, TokenBang, TokenEOF,
	}
	if diff := cmp.Diff(want, types(toks)); diff != "" {
		t.Errorf("token types mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizerKeywords(t *testing.T) {
	toks := scanAll(`and class else false for fun if nil or print return super this true var while`)
	want := []TokenType{
		TokenAnd, TokenClass, TokenElse, TokenFalse, TokenFor, TokenFun,
		TokenIf, TokenNil, TokenOr, TokenPrint, TokenReturn, TokenSuper,
		TokenThis, TokenTrue, TokenVar, TokenWhile, TokenEOF,
	}
	if diff := cmp.Diff(want, types(toks)); diff != "" {
		t.Errorf("keyword types mismatch (-want +got):\n%s", diff)
	}
}

func TestTokenizerStringAndComments(t *testing.T) {
	toks := scanAll("// a comment\n\"hello\" // trailing")
	if toks[0].Type != TokenString {
		t.Fatalf("first token = %v, want string", toks[0].Type)
	}
	if toks[0].Lexeme != `"hello"` {
		t.Errorf("string lexeme = %q", toks[0].Lexeme)
	}
	if toks[0].Line != 2 {
		t.Errorf("string line = %d, want 2", toks[0].Line)
	}
}

func TestTokenizerUnterminatedString(t *testing.T) {
	toks := scanAll(`"oops`)
	last := toks[len(toks)-1]
	if last.Type != TokenError {
		t.Errorf("expected error token, got %v", last.Type)
	}
}

func TestTokenizerLineNumbers(t *testing.T) {
	toks := scanAll("1\n2\n3")
	for i, want := range []int{1, 2, 3} {
		if toks[i].Line != want {
			t.Errorf("token %d line = %d, want %d", i, toks[i].Line, want)
		}
	}
}
