package pySource

import "strings"

// Statement is one logical line of source together with the indented block
// that follows it, if any.
type Statement struct {
	Tokens   []Token
	Comments []Token
	// Body holds the raw tokens of the nested block without the enclosing
	// INDENT/DEDENT pair.
	Body []Token
	Line int
}

// Keyword returns the leading name of the statement ("def", "class", "with", ...).
func (s *Statement) Keyword() string {
	if len(s.Tokens) == 0 || s.Tokens[0].Kind != TokenKind_Name {
		return ""
	}
	return s.Tokens[0].Text
}

func (s *Statement) Children() []*Statement {
	return ParseBlock(s.Body)
}

// DefinedName returns the name declared by a "def" or "class" statement.
func (s *Statement) DefinedName() string {
	toks := s.Tokens
	if len(toks) > 0 && toks[0].IsName("async") {
		toks = toks[1:]
	}
	if len(toks) < 2 || (!toks[0].IsName("def") && !toks[0].IsName("class")) {
		return ""
	}
	if toks[1].Kind != TokenKind_Name {
		return ""
	}
	return toks[1].Text
}

// ParseBlock splits a token stream into statements at one indentation level.
func ParseBlock(toks []Token) []*Statement {
	stmts := make([]*Statement, 0)
	i := 0
	for i < len(toks) {
		tok := toks[i]
		switch tok.Kind {
		case TokenKind_EOF:
			return stmts
		case TokenKind_Newline, TokenKind_Indent, TokenKind_Dedent:
			i++
			continue
		case TokenKind_Comment:
			stmts = append(stmts, &Statement{Comments: []Token{tok}, Line: tok.Line})
			i++
			continue
		}

		stmt := &Statement{Line: tok.Line}
		for i < len(toks) && toks[i].Kind != TokenKind_Newline && toks[i].Kind != TokenKind_EOF {
			if toks[i].Kind == TokenKind_Comment {
				stmt.Comments = append(stmt.Comments, toks[i])
			} else {
				stmt.Tokens = append(stmt.Tokens, toks[i])
			}
			i++
		}
		if i < len(toks) && toks[i].Kind == TokenKind_Newline {
			i++
		}
		if i < len(toks) && toks[i].Kind == TokenKind_Indent {
			end := matchingDedent(toks, i)
			stmt.Body = toks[i+1 : end]
			i = end + 1
		}
		stmts = append(stmts, stmt)
	}
	return stmts
}

func matchingDedent(toks []Token, indent int) int {
	depth := 0
	for j := indent; j < len(toks); j++ {
		switch toks[j].Kind {
		case TokenKind_Indent:
			depth++
		case TokenKind_Dedent:
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks)
}

// Walk visits statements depth first. Returning false from fn skips the
// children of that statement.
func Walk(stmts []*Statement, fn func(*Statement) bool) {
	for _, s := range stmts {
		if fn(s) && len(s.Body) > 0 {
			Walk(s.Children(), fn)
		}
	}
}

func isOpening(t Token) bool {
	return t.Kind == TokenKind_Op && (t.Text == "(" || t.Text == "[" || t.Text == "{")
}

func isClosing(t Token) bool {
	return t.Kind == TokenKind_Op && (t.Text == ")" || t.Text == "]" || t.Text == "}")
}

// MatchingBracket returns the index of the bracket closing toks[open], or -1.
func MatchingBracket(toks []Token, open int) int {
	depth := 0
	for j := open; j < len(toks); j++ {
		if isOpening(toks[j]) {
			depth++
		} else if isClosing(toks[j]) {
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// Expr is the token run of a single expression.
type Expr []Token

// StringLiteral returns the value of a plain string literal, concatenating
// adjacent literals. f-strings are not literals.
func (e Expr) StringLiteral() (string, bool) {
	if len(e) == 0 {
		return "", false
	}
	var sb strings.Builder
	for _, t := range e {
		if t.Kind != TokenKind_String || strings.Contains(t.Prefix, "f") {
			return "", false
		}
		sb.WriteString(t.Value)
	}
	return sb.String(), true
}

func (e Expr) BoolLiteral() (bool, bool) {
	if len(e) != 1 {
		return false, false
	}
	switch {
	case e[0].IsName("True"):
		return true, true
	case e[0].IsName("False"):
		return false, true
	}
	return false, false
}

func (e Expr) IsNone() bool {
	return len(e) == 1 && e[0].IsName("None")
}

// StringList accepts a string literal or a tuple/list of string literals.
func (e Expr) StringList() ([]string, bool) {
	inner := e
	if len(e) >= 2 && (e[0].IsOp("(") || e[0].IsOp("[")) && MatchingBracket(e, 0) == len(e)-1 {
		inner = e[1 : len(e)-1]
	}
	values := make([]string, 0)
	for _, item := range splitTopLevel(inner) {
		s, ok := item.StringLiteral()
		if !ok {
			return nil, false
		}
		values = append(values, s)
	}
	return values, true
}

// Call returns the call when the whole expression is a single call.
func (e Expr) Call() (*Call, bool) {
	c, ok := CallAt(e, 0)
	if !ok || c.End != len(e)-1 {
		return nil, false
	}
	return c, true
}

func splitTopLevel(toks []Token) []Expr {
	parts := make([]Expr, 0)
	depth := 0
	start := 0
	for i, t := range toks {
		switch {
		case isOpening(t):
			depth++
		case isClosing(t):
			depth--
		case t.IsOp(",") && depth == 0:
			if i > start {
				parts = append(parts, Expr(toks[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(toks) {
		parts = append(parts, Expr(toks[start:]))
	}
	return parts
}

type Arg struct {
	Keyword string
	Value   Expr
}

// SplitArgs splits the tokens between a call's parentheses into arguments.
func SplitArgs(toks []Token) []Arg {
	args := make([]Arg, 0)
	for _, part := range splitTopLevel(toks) {
		if len(part) >= 2 && part[0].Kind == TokenKind_Name && part[1].IsOp("=") {
			args = append(args, Arg{Keyword: part[0].Text, Value: part[2:]})
			continue
		}
		args = append(args, Arg{Value: part})
	}
	return args
}

type Call struct {
	// Path is the dotted callee, e.g. ["op", "drop_column"].
	Path []string
	Args []Arg
	Line int
	// Start and End index the first name and the closing parenthesis.
	Start int
	End   int
}

func (c *Call) Name() string {
	return c.Path[len(c.Path)-1]
}

// Receiver returns the dotted prefix before the method name.
func (c *Call) Receiver() string {
	return strings.Join(c.Path[:len(c.Path)-1], ".")
}

// Positional returns the n-th positional argument.
func (c *Call) Positional(n int) (Expr, bool) {
	i := 0
	for _, a := range c.Args {
		if a.Keyword != "" {
			continue
		}
		if i == n {
			return a.Value, true
		}
		i++
	}
	return nil, false
}

func (c *Call) Keyword(name string) (Expr, bool) {
	for _, a := range c.Args {
		if a.Keyword == name {
			return a.Value, true
		}
	}
	return nil, false
}

// StringArg resolves an argument given either positionally or by keyword.
func (c *Call) StringArg(position int, keyword string) (string, bool) {
	if v, ok := c.Keyword(keyword); ok {
		return v.StringLiteral()
	}
	if position < 0 {
		return "", false
	}
	if v, ok := c.Positional(position); ok {
		return v.StringLiteral()
	}
	return "", false
}

// CallAt parses a call whose dotted callee starts at toks[i].
func CallAt(toks []Token, i int) (*Call, bool) {
	if i >= len(toks) || toks[i].Kind != TokenKind_Name {
		return nil, false
	}
	path := []string{toks[i].Text}
	j := i + 1
	for j+1 < len(toks) && toks[j].IsOp(".") && toks[j+1].Kind == TokenKind_Name {
		path = append(path, toks[j+1].Text)
		j += 2
	}
	if j >= len(toks) || !toks[j].IsOp("(") {
		return nil, false
	}
	end := MatchingBracket(toks, j)
	if end < 0 {
		return nil, false
	}
	return &Call{
		Path:  path,
		Args:  SplitArgs(toks[j+1 : end]),
		Line:  toks[i].Line,
		Start: i,
		End:   end,
	}, true
}

// FindCalls returns every call in toks, outer calls before the calls nested
// in their arguments.
func FindCalls(toks []Token) []*Call {
	calls := make([]*Call, 0)
	for i := range toks {
		if toks[i].Kind != TokenKind_Name || (i > 0 && toks[i-1].IsOp(".")) {
			continue
		}
		if c, ok := CallAt(toks, i); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

var keywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true,
	"def": true, "del": true, "elif": true, "else": true, "except": true,
	"finally": true, "for": true, "from": true, "global": true, "if": true,
	"import": true, "in": true, "is": true, "lambda": true, "nonlocal": true,
	"not": true, "or": true, "pass": true, "raise": true, "return": true,
	"try": true, "while": true, "with": true, "yield": true,
}

type Assignment struct {
	Target     string
	Annotation Expr
	// Value is nil for a bare annotation such as "price: Mapped[int]".
	Value Expr
	Line  int
}

// Assignment recognises "name = expr" and "name: annotation [= expr]".
func (s *Statement) Assignment() (*Assignment, bool) {
	toks := s.Tokens
	if len(toks) < 2 || toks[0].Kind != TokenKind_Name || keywords[toks[0].Text] {
		return nil, false
	}
	a := &Assignment{Target: toks[0].Text, Line: toks[0].Line}
	switch {
	case toks[1].IsOp("="):
		a.Value = toks[2:]
		return a, true
	case toks[1].IsOp(":"):
		depth := 0
		for j := 2; j < len(toks); j++ {
			switch {
			case isOpening(toks[j]):
				depth++
			case isClosing(toks[j]):
				depth--
			case toks[j].IsOp("=") && depth == 0:
				a.Annotation = toks[2:j]
				a.Value = toks[j+1:]
				return a, true
			}
		}
		a.Annotation = toks[2:]
		return a, true
	}
	return nil, false
}
