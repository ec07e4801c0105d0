package gitHistory

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Layr-Labs/deferred-check/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}
	cmd := exec.Command("git", append(base, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func setup(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not installed")
	}
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	return dir
}

func Test_GitHistory(t *testing.T) {
	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	ctx := context.Background()

	t.Run("Should fail outside of a repository", func(t *testing.T) {
		if _, err := exec.LookPath("git"); err != nil {
			t.Skip("git is not installed")
		}
		_, err := NewGitHistory(ctx, t.TempDir(), l)
		assert.Error(t, err)
	})

	t.Run("Should read a model as of the commit introducing a migration", func(t *testing.T) {
		dir := setup(t)
		model := filepath.Join(dir, "app", "models.py")
		migration := filepath.Join(dir, "migrations", "0005_defer_price.py")

		writeFile(t, model, "eager\n")
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "initial")

		writeFile(t, model, "deferred\n")
		writeFile(t, migration, "revision = '0005'\n")
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "defer price")
		deferCommit := runGit(t, dir, "rev-parse", "HEAD")

		writeFile(t, model, "removed\n")
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "drop price")

		gh, err := NewGitHistory(ctx, dir, l)
		require.NoError(t, err)

		commit, ok, err := gh.IntroducingCommit(ctx, migration)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, deferCommit, commit)

		src, ok, err := gh.SourceAtMigration(ctx, migration, model)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "deferred\n", src)

		src, ok, err = gh.SourceAtRef(ctx, "HEAD~2", model)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "eager\n", src)
	})

	t.Run("Should report uncommitted migrations as having no history", func(t *testing.T) {
		dir := setup(t)
		writeFile(t, filepath.Join(dir, "README"), "x\n")
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "initial")

		migration := filepath.Join(dir, "migrations", "0007_drop_price.py")
		writeFile(t, migration, "revision = '0007'\n")

		gh, err := NewGitHistory(ctx, dir, l)
		require.NoError(t, err)

		_, ok, err := gh.SourceAtMigration(ctx, migration, filepath.Join(dir, "README"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should report files missing at a revision", func(t *testing.T) {
		dir := setup(t)
		writeFile(t, filepath.Join(dir, "README"), "x\n")
		runGit(t, dir, "add", ".")
		runGit(t, dir, "commit", "-q", "-m", "initial")

		gh, err := NewGitHistory(ctx, dir, l)
		require.NoError(t, err)

		_, ok, err := gh.FileAtRevision(ctx, "HEAD", filepath.Join(dir, "models.py"))
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = gh.SourceAtRef(ctx, "origin/does-not-exist", filepath.Join(dir, "README"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should reject paths outside of the repository", func(t *testing.T) {
		dir := setup(t)
		gh, err := NewGitHistory(ctx, dir, l)
		require.NoError(t, err)

		_, _, err = gh.FileAtRevision(ctx, "HEAD", filepath.Join(t.TempDir(), "models.py"))
		assert.Error(t, err)
	})
}
