package pySource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) []*Statement {
	t.Helper()
	toks, err := Tokenize("test.py", src)
	require.NoError(t, err)
	return ParseBlock(toks)
}

func expr(t *testing.T, src string) Expr {
	t.Helper()
	stmts := parse(t, src)
	require.Len(t, stmts, 1)
	return Expr(stmts[0].Tokens)
}

func Test_ParseBlock(t *testing.T) {
	t.Run("Should split statements and attach bodies", func(t *testing.T) {
		stmts := parse(t, `revision = "0001"

def upgrade():
    op.drop_column("products", "price")
    if True:
        op.drop_column("products", "sku")

def downgrade():
    pass
`)
		require.Len(t, stmts, 3)
		assert.Equal(t, "", stmts[0].Keyword())
		assert.Equal(t, "def", stmts[1].Keyword())
		assert.Equal(t, "upgrade", stmts[1].DefinedName())
		assert.Equal(t, "downgrade", stmts[2].DefinedName())

		children := stmts[1].Children()
		require.Len(t, children, 2)
		assert.Equal(t, "if", children[1].Keyword())
		assert.Len(t, children[1].Children(), 1)
	})

	t.Run("Should emit comment only lines as statements", func(t *testing.T) {
		stmts := parse(t, "def upgrade():\n    # deferred: products.price\n    pass\n")
		require.Len(t, stmts, 1)
		children := stmts[0].Children()
		require.Len(t, children, 2)
		assert.Empty(t, children[0].Tokens)
		assert.Equal(t, "# deferred: products.price", children[0].Comments[0].Text)
	})

	t.Run("Should keep trailing comments with their statement", func(t *testing.T) {
		stmts := parse(t, "x = 1  # note\n")
		require.Len(t, stmts, 1)
		assert.Len(t, stmts[0].Tokens, 3)
		assert.Equal(t, "# note", stmts[0].Comments[0].Text)
	})

	t.Run("Should walk nested statements depth first", func(t *testing.T) {
		stmts := parse(t, "class A:\n    class B:\n        x = 1\n    y = 2\n")
		visited := make([]int, 0)
		Walk(stmts, func(s *Statement) bool {
			visited = append(visited, s.Line)
			return true
		})
		assert.Equal(t, []int{1, 2, 3, 4}, visited)

		visited = visited[:0]
		Walk(stmts, func(s *Statement) bool {
			visited = append(visited, s.Line)
			return s.Keyword() != "class" || s.DefinedName() != "B"
		})
		assert.Equal(t, []int{1, 2, 4}, visited)
	})

	t.Run("Should read async def names", func(t *testing.T) {
		stmts := parse(t, "async def upgrade():\n    pass\n")
		assert.Equal(t, "upgrade", stmts[0].DefinedName())
	})
}

func Test_Expr(t *testing.T) {
	t.Run("Should concatenate adjacent string literals", func(t *testing.T) {
		s, ok := expr(t, `"ALTER TABLE products " "DROP COLUMN price"`).StringLiteral()
		assert.True(t, ok)
		assert.Equal(t, "ALTER TABLE products DROP COLUMN price", s)
	})

	t.Run("Should not treat f-strings as literals", func(t *testing.T) {
		_, ok := expr(t, `f"DROP COLUMN {name}"`).StringLiteral()
		assert.False(t, ok)
	})

	t.Run("Should read string lists", func(t *testing.T) {
		cases := map[string][]string{
			`"a"`:          {"a"},
			`("a", "b")`:   {"a", "b"},
			`("a",)`:       {"a"},
			`["a", "b", ]`: {"a", "b"},
		}
		for src, expected := range cases {
			values, ok := expr(t, src).StringList()
			assert.True(t, ok, src)
			assert.Equal(t, expected, values, src)
		}

		_, ok := expr(t, `("a", b)`).StringList()
		assert.False(t, ok)
	})

	t.Run("Should read bool and none literals", func(t *testing.T) {
		b, ok := expr(t, "True").BoolLiteral()
		assert.True(t, ok)
		assert.True(t, b)

		b, ok = expr(t, "False").BoolLiteral()
		assert.True(t, ok)
		assert.False(t, b)

		_, ok = expr(t, "1").BoolLiteral()
		assert.False(t, ok)

		assert.True(t, expr(t, "None").IsNone())
	})
}

func Test_Call(t *testing.T) {
	t.Run("Should parse dotted calls with positional and keyword arguments", func(t *testing.T) {
		c, ok := expr(t, `op.drop_column("products", column_name="price", schema=None)`).Call()
		require.True(t, ok)
		assert.Equal(t, []string{"op", "drop_column"}, c.Path)
		assert.Equal(t, "drop_column", c.Name())
		assert.Equal(t, "op", c.Receiver())

		table, ok := c.StringArg(0, "table_name")
		assert.True(t, ok)
		assert.Equal(t, "products", table)

		column, ok := c.StringArg(1, "column_name")
		assert.True(t, ok)
		assert.Equal(t, "price", column)

		schema, ok := c.Keyword("schema")
		assert.True(t, ok)
		assert.True(t, schema.IsNone())

		_, ok = c.Positional(1)
		assert.False(t, ok)
	})

	t.Run("Should keep nested brackets inside one argument", func(t *testing.T) {
		c, ok := expr(t, `op.add_column("products", sa.Column("price", sa.Numeric(10, 2)), info={"a": (1, 2)})`).Call()
		require.True(t, ok)
		assert.Len(t, c.Args, 3)

		inner, ok := c.Args[1].Value.Call()
		require.True(t, ok)
		assert.Equal(t, "sa.Column", inner.Receiver()+"."+inner.Name())
	})

	t.Run("Should not treat a call followed by more tokens as a single call", func(t *testing.T) {
		_, ok := expr(t, `foo(1) + 2`).Call()
		assert.False(t, ok)
	})

	t.Run("Should find nested calls outer first", func(t *testing.T) {
		calls := FindCalls(expr(t, `op.execute(sa.text("ALTER TABLE a DROP COLUMN b"))`))
		require.Len(t, calls, 2)
		assert.Equal(t, "execute", calls[0].Name())
		assert.Equal(t, "text", calls[1].Name())
	})

	t.Run("Should find the matching bracket", func(t *testing.T) {
		e := expr(t, `f(a, (b, c), [d])`)
		assert.Equal(t, len(e)-1, MatchingBracket(e, 1))
		assert.Equal(t, -1, MatchingBracket(e[:len(e)-1], 1))
	})
}

func Test_Assignment(t *testing.T) {
	t.Run("Should read plain assignments", func(t *testing.T) {
		a, ok := parse(t, `revision = "0001"`)[0].Assignment()
		require.True(t, ok)
		assert.Equal(t, "revision", a.Target)
		v, _ := a.Value.StringLiteral()
		assert.Equal(t, "0001", v)
	})

	t.Run("Should read annotated assignments", func(t *testing.T) {
		a, ok := parse(t, `down_revision: Union[str, Sequence[str], None] = ("a", "b")`)[0].Assignment()
		require.True(t, ok)
		assert.Equal(t, "down_revision", a.Target)
		assert.Equal(t, "Union", a.Annotation[0].Text)
		values, ok := a.Value.StringList()
		assert.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, values)
	})

	t.Run("Should read bare annotations", func(t *testing.T) {
		a, ok := parse(t, `price: Mapped[int]`)[0].Assignment()
		require.True(t, ok)
		assert.Nil(t, a.Value)
		assert.Equal(t, "Mapped", a.Annotation[0].Text)
	})

	t.Run("Should ignore statements that are not assignments", func(t *testing.T) {
		for _, src := range []string{"return x", "x == 1", "x.y = 1", "print(x)"} {
			_, ok := parse(t, src)[0].Assignment()
			assert.False(t, ok, src)
		}
	})
}
