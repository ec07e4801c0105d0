package gitHistory

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type execFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// GitHistory reads past versions of files from the git repository containing
// the working directory.
type GitHistory struct {
	repoRoot    string
	logger      *zap.Logger
	execCommand execFunc

	// introducing commits looked up during this run
	commits map[string]string
}

func NewGitHistory(ctx context.Context, dir string, l *zap.Logger) (*GitHistory, error) {
	return newGitHistory(ctx, dir, l, exec.CommandContext)
}

func newGitHistory(ctx context.Context, dir string, l *zap.Logger, execCommand execFunc) (*GitHistory, error) {
	gh := &GitHistory{
		logger:      l,
		execCommand: execCommand,
		commits:     make(map[string]string),
	}
	out, err := gh.git(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, errors.Wrapf(err, "'%s' is not inside a git repository", dir)
	}
	root := strings.TrimSpace(out)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	gh.repoRoot = root
	return gh, nil
}

func (gh *GitHistory) RepoRoot() string {
	return gh.repoRoot
}

func (gh *GitHistory) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := gh.execCommand(ctx, "git", append([]string{"-C", dir}, args...)...) //nolint:gosec // G204: arguments are paths and revisions
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return stdout.String(), nil
}

// CommandError is a git invocation that failed or exited non-zero.
type CommandError struct {
	Args   []string
	Stderr string
	err    error
}

func (e *CommandError) Error() string {
	msg := "git " + strings.Join(e.Args, " ") + ": " + e.err.Error()
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.err
}

// exited reports whether git ran and returned a non-zero status, as opposed to
// failing to start.
func (e *CommandError) exited() bool {
	var exitErr *exec.ExitError
	return errors.As(e.err, &exitErr)
}

// relPath returns path relative to the repository root using forward slashes,
// as git expects in "<rev>:<path>".
func (gh *GitHistory) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve '%s'", path)
	}
	dir, base := filepath.Split(abs)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		abs = filepath.Join(resolved, base)
	}
	rel, err := filepath.Rel(gh.repoRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("'%s' is outside of repository '%s'", path, gh.repoRoot)
	}
	return filepath.ToSlash(rel), nil
}

// IntroducingCommit returns the commit that first added path. The second
// return value is false for files that were never committed.
func (gh *GitHistory) IntroducingCommit(ctx context.Context, path string) (string, bool, error) {
	rel, err := gh.relPath(path)
	if err != nil {
		return "", false, err
	}
	if commit, ok := gh.commits[rel]; ok {
		return commit, commit != "", nil
	}

	out, err := gh.git(ctx, gh.repoRoot, "log", "--diff-filter=A", "--format=%H", "-n", "1", "--", rel)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.exited() {
			// a repository without any commit yet
			gh.commits[rel] = ""
			return "", false, nil
		}
		return "", false, err
	}
	commit := strings.TrimSpace(out)
	gh.commits[rel] = commit
	return commit, commit != "", nil
}

// FileAtRevision returns the content of path at rev. The second return value is
// false when the file did not exist at that revision.
func (gh *GitHistory) FileAtRevision(ctx context.Context, rev string, path string) (string, bool, error) {
	rel, err := gh.relPath(path)
	if err != nil {
		return "", false, err
	}
	out, err := gh.git(ctx, gh.repoRoot, "show", rev+":"+rel)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.exited() {
			gh.logger.Sugar().Debugw("File not present at revision",
				zap.String("revision", rev),
				zap.String("path", rel),
			)
			return "", false, nil
		}
		return "", false, err
	}
	return out, true, nil
}

// SourceAtMigration returns file as it was in the commit that introduced
// migrationFile.
func (gh *GitHistory) SourceAtMigration(ctx context.Context, migrationFile string, file string) (string, bool, error) {
	commit, ok, err := gh.IntroducingCommit(ctx, migrationFile)
	if err != nil || !ok {
		return "", false, err
	}
	return gh.FileAtRevision(ctx, commit, file)
}

// SourceAtRef returns file as it is at ref, e.g. "origin/master".
func (gh *GitHistory) SourceAtRef(ctx context.Context, ref string, file string) (string, bool, error) {
	return gh.FileAtRevision(ctx, ref, file)
}
