package revisionGraph

import (
	"testing"

	"github.com/Layr-Labs/deferred-check/pkg/migrationParser"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func script(rev string, parents ...string) *migrationParser.MigrationScript {
	return &migrationParser.MigrationScript{
		Revision:      rev,
		DownRevisions: parents,
		File:          "migrations/versions/" + rev + ".py",
		Operations:    []*migrationParser.MigrationOperation{},
	}
}

func revisions(nodes []*Node) []string {
	revs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		revs = append(revs, n.Revision())
	}
	return revs
}

func Test_RevisionGraph(t *testing.T) {
	t.Run("Should order a linear history", func(t *testing.T) {
		g, err := NewRevisionGraph([]*migrationParser.MigrationScript{
			script("0003", "0002"),
			script("0001"),
			script("0002", "0001"),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, g.Len())
		assert.Equal(t, []string{"0001", "0002", "0003"}, revisions(g.Ordered()))
		assert.Equal(t, []string{"0001"}, revisions(g.Roots()))
		assert.Equal(t, []string{"0003"}, revisions(g.Heads()))
		assert.Equal(t, []string{"0002", "0001"}, revisions(g.Ancestors("0003")))
	})

	t.Run("Should order branches and merges deterministically", func(t *testing.T) {
		g, err := NewRevisionGraph([]*migrationParser.MigrationScript{
			script("0004", "0003b", "0003a"),
			script("0003b", "0002"),
			script("0003a", "0002"),
			script("0002", "0001"),
			script("0001"),
			script("0005", "0004"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"0001", "0002", "0003a", "0003b", "0004", "0005"}, revisions(g.Ordered()))
		assert.Equal(t, []string{"0004", "0003b", "0003a", "0002", "0001"}, revisions(g.Ancestors("0005")))
		assert.Equal(t, []string{"0005"}, revisions(g.Heads()))
	})

	t.Run("Should return no ancestors for roots and unknown revisions", func(t *testing.T) {
		g, err := NewRevisionGraph([]*migrationParser.MigrationScript{script("0001")})
		require.NoError(t, err)
		assert.Empty(t, g.Ancestors("0001"))
		assert.Nil(t, g.Ancestors("nope"))
	})

	t.Run("Should find nodes by file", func(t *testing.T) {
		g, err := NewRevisionGraph([]*migrationParser.MigrationScript{script("0001"), script("0002", "0001")})
		require.NoError(t, err)

		n, ok := g.FindByFile("migrations/versions/./0002.py")
		require.True(t, ok)
		assert.Equal(t, "0002", n.Revision())

		_, ok = g.FindByFile("migrations/versions/0003.py")
		assert.False(t, ok)

		n, ok = g.Get("0001")
		require.True(t, ok)
		assert.Len(t, n.Children, 1)
	})

	t.Run("Should report a missing parent", func(t *testing.T) {
		_, err := NewRevisionGraph([]*migrationParser.MigrationScript{
			script("0001"),
			script("0007", "0006"),
		})
		require.Error(t, err)

		var chainErr *ChainBrokenError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, ChainBrokenReason_MissingParent, chainErr.Reason)
		assert.Equal(t, "0007", chainErr.Revision)
		assert.Equal(t, "0006", chainErr.Parent)
		assert.Equal(t, "revision chain broken: 0007 (migrations/versions/0007.py) references missing parent revision '0006'", err.Error())
	})

	t.Run("Should report duplicate revisions", func(t *testing.T) {
		dup := script("0001")
		dup.File = "migrations/versions/0001_copy.py"
		_, err := NewRevisionGraph([]*migrationParser.MigrationScript{script("0001"), dup})

		var chainErr *ChainBrokenError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, ChainBrokenReason_DuplicateRevision, chainErr.Reason)
	})

	t.Run("Should report cycles", func(t *testing.T) {
		_, err := NewRevisionGraph([]*migrationParser.MigrationScript{
			script("0001", "0003"),
			script("0002", "0001"),
			script("0003", "0002"),
		})

		var chainErr *ChainBrokenError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, ChainBrokenReason_Cycle, chainErr.Reason)
		assert.Equal(t, []string{"0001", "0003", "0002", "0001"}, chainErr.Cycle)
		assert.Contains(t, err.Error(), "cycle detected: 0001 -> 0003 -> 0002 -> 0001")
	})

	t.Run("Should report a revision that is its own parent", func(t *testing.T) {
		_, err := NewRevisionGraph([]*migrationParser.MigrationScript{script("0001", "0001")})

		var chainErr *ChainBrokenError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, ChainBrokenReason_Cycle, chainErr.Reason)
		assert.Equal(t, []string{"0001", "0001"}, chainErr.Cycle)
	})
}
