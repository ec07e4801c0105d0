package migrationParser

import (
	"os"
	"strings"
	"time"

	"github.com/Layr-Labs/deferred-check/pkg/pySource"
	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
)

type OperationKind string

const (
	OperationKind_DropColumn  OperationKind = "drop_column"
	OperationKind_AddColumn   OperationKind = "add_column"
	OperationKind_AlterColumn OperationKind = "alter_column"
	OperationKind_Other       OperationKind = "other"
)

// MigrationOperation is one schema operation found in a migration's upgrade().
type MigrationOperation struct {
	Kind   OperationKind
	Table  string
	Column string
	Line   int
	// Deferred is set on alter_column operations that mark the model column as
	// deferred (true) or eagerly loaded (false).
	Deferred *bool
}

func (mo *MigrationOperation) Targets(table string, column string) bool {
	return mo.Table == table && mo.Column == column
}

type MigrationScript struct {
	Revision      string
	DownRevisions []string
	File          string
	Operations    []*MigrationOperation
}

func (ms *MigrationScript) IsRoot() bool {
	return len(ms.DownRevisions) == 0
}

func (ms *MigrationScript) DroppedColumns() []*MigrationOperation {
	dropped := make([]*MigrationOperation, 0)
	for _, op := range ms.Operations {
		if op.Kind == OperationKind_DropColumn {
			dropped = append(dropped, op)
		}
	}
	return dropped
}

// OperationsOn returns the operations touching one column, latest first.
func (ms *MigrationScript) OperationsOn(table string, column string) []*MigrationOperation {
	ops := make([]*MigrationOperation, 0)
	for i := len(ms.Operations) - 1; i >= 0; i-- {
		if ms.Operations[i].Targets(table, column) {
			ops = append(ops, ms.Operations[i])
		}
	}
	return ops
}

const identQuote = "[\"`']?"

const sqlMatchTimeout = time.Second

// alterTableSqlRegex matches the head of an ALTER TABLE statement, with the
// optional IF EXISTS, ONLY and schema prefix.
var alterTableSqlRegex = mustCompileSql(
	`ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?(?:` + identQuote + `\w+` + identQuote + `\.)?` +
		identQuote + `(\w+)` + identQuote + `(?=\s)`,
)

// dropColumnClauseRegex matches one comma separated action of an ALTER TABLE.
// DROP CONSTRAINT and friends are rejected by the negative lookahead.
var dropColumnClauseRegex = mustCompileSql(
	`\A\s*DROP\s+` +
		`(?!(?:CONSTRAINT|INDEX|KEY|PRIMARY\s+KEY|FOREIGN\s+KEY|CHECK)\b)` +
		`(?:COLUMN\s+)?(?:IF\s+EXISTS\s+)?` + identQuote + `(\w+)` + identQuote + `(?=\s|$)`,
)

func mustCompileSql(expr string) *regexp2.Regexp {
	re := regexp2.MustCompile(expr, regexp2.IgnoreCase)
	re.MatchTimeout = sqlMatchTimeout
	return re
}

const deferredDirective = "deferred:"

func ParseFile(path string) (*MigrationScript, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migration '%s'", path)
	}
	return Parse(path, string(content))
}

// Parse reads the revision header and the upgrade() operations of an Alembic
// migration script.
func Parse(file string, src string) (*MigrationScript, error) {
	tokens, err := pySource.Tokenize(file, src)
	if err != nil {
		return nil, err
	}
	stmts := pySource.ParseBlock(tokens)

	script := &MigrationScript{
		File:       file,
		Operations: make([]*MigrationOperation, 0),
	}
	if err := parseHeader(script, stmts); err != nil {
		return nil, err
	}

	for _, stmt := range stmts {
		if stmt.Keyword() == "def" && stmt.DefinedName() == "upgrade" {
			ops, err := parseUpgrade(file, stmt)
			if err != nil {
				return nil, err
			}
			script.Operations = append(script.Operations, ops...)
		}
	}
	return script, nil
}

func parseHeader(script *MigrationScript, stmts []*pySource.Statement) error {
	foundRevision := false
	foundDownRevision := false
	for _, stmt := range stmts {
		a, ok := stmt.Assignment()
		if !ok || a.Value == nil {
			continue
		}
		switch a.Target {
		case "revision":
			rev, ok := a.Value.StringLiteral()
			if !ok || strings.TrimSpace(rev) == "" {
				return pySource.NewParseError(script.File, a.Line, "revision must be a non-empty string literal")
			}
			script.Revision = strings.TrimSpace(rev)
			foundRevision = true
		case "down_revision":
			foundDownRevision = true
			if a.Value.IsNone() {
				script.DownRevisions = []string{}
				continue
			}
			parents, ok := a.Value.StringList()
			if !ok {
				return pySource.NewParseError(script.File, a.Line, "down_revision must be None, a string or a tuple of strings")
			}
			script.DownRevisions = make([]string, 0, len(parents))
			for _, p := range parents {
				if p = strings.TrimSpace(p); p != "" {
					script.DownRevisions = append(script.DownRevisions, p)
				}
			}
		}
	}
	if !foundRevision {
		return pySource.NewParseError(script.File, 0, "missing revision header")
	}
	if !foundDownRevision {
		return pySource.NewParseError(script.File, 0, "missing down_revision header")
	}
	return nil
}

type upgradeParser struct {
	file string
	// batchAliases maps "batch_op" style names to the table of the enclosing
	// op.batch_alter_table() block.
	batchAliases map[string]string
	ops          []*MigrationOperation
	// first failure while reading literal SQL
	err error
}

func parseUpgrade(file string, fn *pySource.Statement) ([]*MigrationOperation, error) {
	up := &upgradeParser{
		file:         file,
		batchAliases: make(map[string]string),
		ops:          make([]*MigrationOperation, 0),
	}

	// one-line bodies, e.g. "def upgrade(): op.drop_column('a', 'b')"
	up.visit(&pySource.Statement{Tokens: headerTail(fn.Tokens), Comments: fn.Comments})

	pySource.Walk(fn.Children(), func(s *pySource.Statement) bool {
		up.visit(s)
		return true
	})
	if up.err != nil {
		return nil, up.err
	}
	return up.ops, nil
}

// headerTail returns whatever follows the colon ending a "def" header.
func headerTail(toks []pySource.Token) []pySource.Token {
	depth := 0
	for i, t := range toks {
		switch {
		case t.IsOp("(") || t.IsOp("[") || t.IsOp("{"):
			depth++
		case t.IsOp(")") || t.IsOp("]") || t.IsOp("}"):
			depth--
		case t.IsOp(":") && depth == 0:
			return toks[i+1:]
		}
	}
	return nil
}

func (up *upgradeParser) visit(s *pySource.Statement) {
	for _, c := range s.Comments {
		up.parseDirective(c)
	}
	if s.Keyword() == "with" {
		up.registerBatchAliases(s.Tokens)
	}
	for _, call := range pySource.FindCalls(s.Tokens) {
		if len(call.Path) != 2 {
			continue
		}
		receiver := call.Path[0]
		if receiver == "op" {
			up.ops = append(up.ops, up.parseOpCall(call)...)
			continue
		}
		if table, ok := up.batchAliases[receiver]; ok {
			up.ops = append(up.ops, up.parseBatchCall(table, call)...)
		}
	}
}

// parseDirective handles "# deferred: table.column" comments, which record that
// the model column was switched to deferred loading alongside this revision.
func (up *upgradeParser) parseDirective(c pySource.Token) {
	text := strings.TrimSpace(strings.TrimPrefix(c.Text, "#"))
	if !strings.HasPrefix(strings.ToLower(text), deferredDirective) {
		return
	}
	for _, target := range strings.Split(text[len(deferredDirective):], ",") {
		table, column, ok := strings.Cut(strings.TrimSpace(target), ".")
		if !ok || table == "" || column == "" || strings.ContainsAny(column, " \t.") {
			continue
		}
		up.ops = append(up.ops, &MigrationOperation{
			Kind:     OperationKind_AlterColumn,
			Table:    table,
			Column:   column,
			Line:     c.Line,
			Deferred: boolPtr(true),
		})
	}
}

// registerBatchAliases records "with op.batch_alter_table('t') as batch_op:".
func (up *upgradeParser) registerBatchAliases(toks []pySource.Token) {
	for _, call := range pySource.FindCalls(toks) {
		if call.Receiver() != "op" || call.Name() != "batch_alter_table" {
			continue
		}
		table, ok := call.StringArg(0, "table_name")
		if !ok {
			continue
		}
		if call.End+2 < len(toks) && toks[call.End+1].IsName("as") && toks[call.End+2].Kind == pySource.TokenKind_Name {
			up.batchAliases[toks[call.End+2].Text] = table
		}
	}
}

func (up *upgradeParser) parseOpCall(call *pySource.Call) []*MigrationOperation {
	switch call.Name() {
	case "drop_column":
		table, tok := call.StringArg(0, "table_name")
		column, cok := call.StringArg(1, "column_name")
		if !tok || !cok {
			return []*MigrationOperation{{Kind: OperationKind_Other, Line: call.Line}}
		}
		return []*MigrationOperation{{Kind: OperationKind_DropColumn, Table: table, Column: column, Line: call.Line}}
	case "add_column":
		table, _ := call.StringArg(0, "table_name")
		column := ""
		if v, ok := call.Positional(1); ok {
			column = columnNameFromExpr(v)
		} else if v, ok := call.Keyword("column"); ok {
			column = columnNameFromExpr(v)
		}
		return []*MigrationOperation{{Kind: OperationKind_AddColumn, Table: table, Column: column, Line: call.Line}}
	case "alter_column":
		table, _ := call.StringArg(0, "table_name")
		column, _ := call.StringArg(1, "column_name")
		return []*MigrationOperation{{
			Kind:     OperationKind_AlterColumn,
			Table:    table,
			Column:   column,
			Line:     call.Line,
			Deferred: deferredFlag(call),
		}}
	case "execute":
		return up.parseExecute(call)
	default:
		table, _ := call.StringArg(0, "table_name")
		return []*MigrationOperation{{Kind: OperationKind_Other, Table: table, Line: call.Line}}
	}
}

func (up *upgradeParser) parseBatchCall(table string, call *pySource.Call) []*MigrationOperation {
	switch call.Name() {
	case "drop_column":
		column, ok := call.StringArg(0, "column_name")
		if !ok {
			return []*MigrationOperation{{Kind: OperationKind_Other, Table: table, Line: call.Line}}
		}
		return []*MigrationOperation{{Kind: OperationKind_DropColumn, Table: table, Column: column, Line: call.Line}}
	case "add_column":
		column := ""
		if v, ok := call.Positional(0); ok {
			column = columnNameFromExpr(v)
		}
		return []*MigrationOperation{{Kind: OperationKind_AddColumn, Table: table, Column: column, Line: call.Line}}
	case "alter_column":
		column, _ := call.StringArg(0, "column_name")
		return []*MigrationOperation{{
			Kind:     OperationKind_AlterColumn,
			Table:    table,
			Column:   column,
			Line:     call.Line,
			Deferred: deferredFlag(call),
		}}
	case "execute":
		return up.parseExecute(call)
	default:
		return []*MigrationOperation{{Kind: OperationKind_Other, Table: table, Line: call.Line}}
	}
}

// parseExecute finds "ALTER TABLE ... DROP COLUMN ..." in literal SQL passed to
// op.execute, either directly or wrapped in text()/sa.text(). Dynamic SQL is
// ignored.
func (up *upgradeParser) parseExecute(call *pySource.Call) []*MigrationOperation {
	arg, ok := call.Positional(0)
	if !ok {
		arg, ok = call.Keyword("sqltext")
	}
	if !ok {
		return []*MigrationOperation{{Kind: OperationKind_Other, Line: call.Line}}
	}
	sql, ok := arg.StringLiteral()
	if !ok {
		if inner, isCall := arg.Call(); isCall && inner.Name() == "text" {
			sql, ok = inner.StringArg(0, "text")
		}
	}
	if !ok {
		return []*MigrationOperation{{Kind: OperationKind_Other, Line: call.Line}}
	}

	dropped, err := FindDroppedColumnsInSql(sql)
	if err != nil {
		if up.err == nil {
			up.err = pySource.NewParseError(up.file, call.Line, "failed to read execute() SQL: %v", err)
		}
		return []*MigrationOperation{{Kind: OperationKind_Other, Line: call.Line}}
	}
	ops := make([]*MigrationOperation, 0)
	for _, m := range dropped {
		ops = append(ops, &MigrationOperation{
			Kind:   OperationKind_DropColumn,
			Table:  m[0],
			Column: m[1],
			Line:   call.Line,
		})
	}
	if len(ops) == 0 {
		ops = append(ops, &MigrationOperation{Kind: OperationKind_Other, Line: call.Line})
	}
	return ops
}

// FindDroppedColumnsInSql returns (table, column) pairs dropped by the SQL,
// including every DROP of a multi action "ALTER TABLE t DROP a, DROP b". The
// error is a regex match timeout.
func FindDroppedColumnsInSql(sql string) ([][2]string, error) {
	found := make([][2]string, 0)
	for _, stmt := range strings.Split(sql, ";") {
		runes := []rune(stmt)
		m, err := alterTableSqlRegex.FindRunesMatch(runes)
		for m != nil {
			next, nextErr := alterTableSqlRegex.FindNextMatch(m)
			if nextErr != nil {
				return nil, errors.Wrap(nextErr, "failed to match ALTER TABLE")
			}
			end := len(runes)
			if next != nil {
				end = next.Index
			}
			table := m.GroupByNumber(1).String()
			for _, clause := range splitSqlClauses(string(runes[m.Index+m.Length : end])) {
				column, err := droppedColumnInClause(clause)
				if err != nil {
					return nil, err
				}
				if table != "" && column != "" {
					found = append(found, [2]string{table, column})
				}
			}
			m = next
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to match ALTER TABLE")
		}
	}
	return found, nil
}

func droppedColumnInClause(clause string) (string, error) {
	m, err := dropColumnClauseRegex.FindStringMatch(clause)
	if err != nil {
		return "", errors.Wrap(err, "failed to match DROP clause")
	}
	if m == nil {
		return "", nil
	}
	return m.GroupByNumber(1).String(), nil
}

// splitSqlClauses splits the actions of an ALTER TABLE on the commas that are
// not inside parentheses, e.g. the one in "numeric(10, 2)".
func splitSqlClauses(body string) []string {
	clauses := make([]string, 0)
	depth, start := 0, 0
	for i, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				clauses = append(clauses, body[start:i])
				start = i + 1
			}
		}
	}
	return append(clauses, body[start:])
}

// columnNameFromExpr reads the name out of sa.Column("name", ...).
func columnNameFromExpr(e pySource.Expr) string {
	c, ok := e.Call()
	if !ok || c.Name() != "Column" {
		return ""
	}
	name, _ := c.StringArg(0, "name")
	return name
}

// deferredFlag reads deferred=<bool> or info={"deferred": <bool>} from an
// alter_column call.
func deferredFlag(call *pySource.Call) *bool {
	if v, ok := call.Keyword("deferred"); ok {
		if b, ok := v.BoolLiteral(); ok {
			return boolPtr(b)
		}
	}
	info, ok := call.Keyword("info")
	if !ok {
		return nil
	}
	for i := 0; i+2 < len(info); i++ {
		if info[i].Kind == pySource.TokenKind_String && info[i].Value == "deferred" && info[i+1].IsOp(":") {
			if b, ok := pySource.Expr(info[i+2 : i+3]).BoolLiteral(); ok {
				return boolPtr(b)
			}
		}
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
