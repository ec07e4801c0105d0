package pySource

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type TokenKind int

const (
	TokenKind_Name TokenKind = iota
	TokenKind_Number
	TokenKind_String
	TokenKind_Op
	TokenKind_Comment
	TokenKind_Newline
	TokenKind_Indent
	TokenKind_Dedent
	TokenKind_EOF
)

func (k TokenKind) String() string {
	switch k {
	case TokenKind_Name:
		return "NAME"
	case TokenKind_Number:
		return "NUMBER"
	case TokenKind_String:
		return "STRING"
	case TokenKind_Op:
		return "OP"
	case TokenKind_Comment:
		return "COMMENT"
	case TokenKind_Newline:
		return "NEWLINE"
	case TokenKind_Indent:
		return "INDENT"
	case TokenKind_Dedent:
		return "DEDENT"
	default:
		return "EOF"
	}
}

type Token struct {
	Kind TokenKind
	// Text is the raw source text of the token.
	Text string
	// Value holds the decoded body of a string literal, without prefix or quotes.
	Value string
	// Prefix holds the lower-cased string prefix (r, b, f, rb, ...).
	Prefix string
	Line   int
}

func (t Token) Is(kind TokenKind, text string) bool {
	return t.Kind == kind && t.Text == text
}

func (t Token) IsOp(text string) bool {
	return t.Is(TokenKind_Op, text)
}

func (t Token) IsName(text string) bool {
	return t.Is(TokenKind_Name, text)
}

// threeCharOps and twoCharOps are matched greedily before single characters.
var threeCharOps = []string{"**=", "//=", ">>=", "<<=", "..."}
var twoCharOps = []string{
	"->", "**", "//", "==", "!=", "<=", ">=", ":=", "+=", "-=", "*=", "/=",
	"%=", "&=", "|=", "^=", "@=", "<<", ">>",
}

var closingBrackets = map[byte]byte{')': '(', ']': '[', '}': '{'}

type tokenizer struct {
	file   string
	src    string
	pos    int
	line   int
	tokens []Token

	indents  []int
	brackets []byte
	// pendingComments are comment-only lines waiting for the indentation of the
	// next logical line so they land inside the block they visually belong to.
	pendingComments []Token
	pendingWidths   []int
	lineHasTokens   bool
}

// Tokenize splits Python source into tokens. Indentation is reported with
// INDENT/DEDENT tokens and newlines inside brackets are dropped, the same way
// the Python tokenizer does it.
func Tokenize(file string, src string) ([]Token, error) {
	t := &tokenizer{
		file:    file,
		src:     strings.TrimPrefix(src, "\ufeff"),
		line:    1,
		indents: []int{0},
	}
	if err := t.run(); err != nil {
		return nil, err
	}
	return t.tokens, nil
}

func (t *tokenizer) errorf(line int, format string, args ...interface{}) error {
	return &ParseError{File: t.file, Line: line, Reason: fmt.Sprintf(format, args...)}
}

func (t *tokenizer) emit(tok Token) {
	t.tokens = append(t.tokens, tok)
}

func (t *tokenizer) run() error {
	atLineStart := true
	for t.pos < len(t.src) {
		if atLineStart && len(t.brackets) == 0 {
			handled, err := t.indentation()
			if err != nil {
				return err
			}
			atLineStart = false
			if handled {
				atLineStart = true
				continue
			}
		}

		c := t.src[t.pos]
		switch {
		case c == '\n':
			t.pos++
			if len(t.brackets) == 0 && t.lineHasTokens {
				t.emit(Token{Kind: TokenKind_Newline, Text: "\n", Line: t.line})
				t.lineHasTokens = false
			}
			t.line++
			atLineStart = true
		case c == '\r':
			t.pos++
		case c == ' ' || c == '\t' || c == '\f':
			t.pos++
		case c == '\\':
			if t.pos+1 < len(t.src) && (t.src[t.pos+1] == '\n' || t.src[t.pos+1] == '\r') {
				t.pos++
				if t.src[t.pos] == '\r' {
					t.pos++
				}
				if t.pos < len(t.src) && t.src[t.pos] == '\n' {
					t.pos++
				}
				t.line++
				continue
			}
			return t.errorf(t.line, "unexpected character after line continuation")
		case c == '#':
			t.emitComment()
		case isStringStart(t.src, t.pos):
			if err := t.readString(); err != nil {
				return err
			}
		case isNameStart(t.src, t.pos):
			t.readName()
		case isDigit(c) || (c == '.' && t.pos+1 < len(t.src) && isDigit(t.src[t.pos+1])):
			t.readNumber()
		default:
			if err := t.readOp(); err != nil {
				return err
			}
		}
	}

	if len(t.brackets) > 0 {
		return t.errorf(t.line, "unexpected EOF, unclosed '%c'", t.brackets[len(t.brackets)-1])
	}
	if t.lineHasTokens {
		t.emit(Token{Kind: TokenKind_Newline, Text: "", Line: t.line})
		t.lineHasTokens = false
	}
	t.flushCommentsDeeperThan(0)
	for len(t.indents) > 1 {
		t.indents = t.indents[:len(t.indents)-1]
		t.emit(Token{Kind: TokenKind_Dedent, Line: t.line})
	}
	t.flushComments()
	t.emit(Token{Kind: TokenKind_EOF, Line: t.line})
	return nil
}

// indentation measures the leading whitespace of a physical line. It returns
// true when the line is blank or holds only a comment, in which case the whole
// line has been consumed.
func (t *tokenizer) indentation() (bool, error) {
	width := 0
	measuring := true
	for measuring && t.pos < len(t.src) {
		switch t.src[t.pos] {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		case '\f':
			width = 0
		default:
			measuring = false
			continue
		}
		t.pos++
	}
	if t.pos >= len(t.src) {
		return true, nil
	}
	switch t.src[t.pos] {
	case '\n':
		t.pos++
		t.line++
		return true, nil
	case '\r':
		t.pos++
		return true, nil
	case '#':
		t.pendingComments = append(t.pendingComments, t.readCommentToken())
		t.pendingWidths = append(t.pendingWidths, width)
		return true, nil
	}

	current := t.indents[len(t.indents)-1]
	if width > current {
		t.indents = append(t.indents, width)
		t.emit(Token{Kind: TokenKind_Indent, Line: t.line})
	} else {
		// comments indented deeper than the next line close the block they
		// were written in
		t.flushCommentsDeeperThan(width)
		for width < t.indents[len(t.indents)-1] {
			t.indents = t.indents[:len(t.indents)-1]
			t.emit(Token{Kind: TokenKind_Dedent, Line: t.line})
		}
		if width != t.indents[len(t.indents)-1] {
			return false, t.errorf(t.line, "unindent does not match any outer indentation level")
		}
	}
	t.flushComments()
	return false, nil
}

func (t *tokenizer) flushComments() {
	t.tokens = append(t.tokens, t.pendingComments...)
	t.pendingComments = nil
	t.pendingWidths = nil
}

func (t *tokenizer) flushCommentsDeeperThan(width int) {
	n := 0
	for n < len(t.pendingWidths) && t.pendingWidths[n] > width {
		n++
	}
	t.tokens = append(t.tokens, t.pendingComments[:n]...)
	t.pendingComments = t.pendingComments[n:]
	t.pendingWidths = t.pendingWidths[n:]
}

func (t *tokenizer) readCommentToken() Token {
	start := t.pos
	for t.pos < len(t.src) && t.src[t.pos] != '\n' && t.src[t.pos] != '\r' {
		t.pos++
	}
	text := t.src[start:t.pos]
	return Token{Kind: TokenKind_Comment, Text: text, Line: t.line}
}

func (t *tokenizer) emitComment() {
	t.emit(t.readCommentToken())
}

func isStringStart(src string, pos int) bool {
	i := pos
	for i < len(src) && i-pos < 2 && strings.IndexByte("rRbBuUfF", src[i]) >= 0 {
		i++
	}
	if i >= len(src) || (src[i] != '"' && src[i] != '\'') {
		return false
	}
	prefix := strings.ToLower(src[pos:i])
	switch prefix {
	case "", "r", "b", "u", "f", "rb", "br", "rf", "fr":
		return true
	default:
		return false
	}
}

func (t *tokenizer) readString() error {
	start := t.pos
	startLine := t.line
	for t.src[t.pos] != '"' && t.src[t.pos] != '\'' {
		t.pos++
	}
	prefix := strings.ToLower(t.src[start:t.pos])
	raw := strings.Contains(prefix, "r")
	quote := t.src[t.pos]
	triple := strings.HasPrefix(t.src[t.pos:], strings.Repeat(string(quote), 3))
	delim := string(quote)
	if triple {
		delim = strings.Repeat(string(quote), 3)
	}
	t.pos += len(delim)

	var value strings.Builder
	for {
		if t.pos >= len(t.src) {
			return t.errorf(startLine, "unterminated string literal")
		}
		c := t.src[t.pos]
		if strings.HasPrefix(t.src[t.pos:], delim) {
			t.pos += len(delim)
			break
		}
		if c == '\n' {
			if !triple {
				return t.errorf(startLine, "unterminated string literal")
			}
			t.line++
		}
		if c == '\\' && t.pos+1 < len(t.src) {
			next := t.src[t.pos+1]
			if next == '\n' {
				t.line++
			}
			if raw {
				value.WriteByte(c)
				value.WriteByte(next)
			} else {
				value.WriteString(unescape(next))
			}
			t.pos += 2
			continue
		}
		value.WriteByte(c)
		t.pos++
	}

	t.emit(Token{
		Kind:   TokenKind_String,
		Text:   t.src[start:t.pos],
		Value:  value.String(),
		Prefix: prefix,
		Line:   startLine,
	})
	t.lineHasTokens = true
	return nil
}

func unescape(c byte) string {
	switch c {
	case 'n':
		return "\n"
	case 't':
		return "\t"
	case 'r':
		return "\r"
	case '0':
		return "\x00"
	case '\n':
		return ""
	case '\\', '\'', '"':
		return string(c)
	default:
		return "\\" + string(c)
	}
}

func isNameStart(src string, pos int) bool {
	r, _ := utf8.DecodeRuneInString(src[pos:])
	return r == '_' || unicode.IsLetter(r)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func (t *tokenizer) readName() {
	start := t.pos
	for t.pos < len(t.src) {
		r, size := utf8.DecodeRuneInString(t.src[t.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		t.pos += size
	}
	t.emit(Token{Kind: TokenKind_Name, Text: t.src[start:t.pos], Line: t.line})
	t.lineHasTokens = true
}

func (t *tokenizer) readNumber() {
	start := t.pos
	for t.pos < len(t.src) {
		c := t.src[t.pos]
		if isDigit(c) || c == '.' || c == '_' || unicode.IsLetter(rune(c)) {
			t.pos++
			continue
		}
		if (c == '+' || c == '-') && (t.src[t.pos-1] == 'e' || t.src[t.pos-1] == 'E') &&
			!strings.HasPrefix(strings.ToLower(t.src[start:t.pos]), "0x") {
			t.pos++
			continue
		}
		break
	}
	t.emit(Token{Kind: TokenKind_Number, Text: t.src[start:t.pos], Line: t.line})
	t.lineHasTokens = true
}

func (t *tokenizer) readOp() error {
	rest := t.src[t.pos:]
	for _, group := range [][]string{threeCharOps, twoCharOps} {
		for _, op := range group {
			if strings.HasPrefix(rest, op) {
				t.pos += len(op)
				t.emit(Token{Kind: TokenKind_Op, Text: op, Line: t.line})
				t.lineHasTokens = true
				return nil
			}
		}
	}

	c := t.src[t.pos]
	if c < 0x20 || c >= 0x7f {
		return t.errorf(t.line, "invalid character %q", c)
	}
	switch c {
	case '(', '[', '{':
		t.brackets = append(t.brackets, c)
	case ')', ']', '}':
		if len(t.brackets) == 0 || t.brackets[len(t.brackets)-1] != closingBrackets[c] {
			return t.errorf(t.line, "unmatched '%c'", c)
		}
		t.brackets = t.brackets[:len(t.brackets)-1]
	}
	t.pos++
	t.emit(Token{Kind: TokenKind_Op, Text: string(c), Line: t.line})
	t.lineHasTokens = true
	return nil
}
