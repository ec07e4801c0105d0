package migrationParser

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// IsMigrationFile reports whether path looks like a migration script.
func IsMigrationFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".py") && base != "__init__.py" && !strings.HasPrefix(base, ".")
}

// FindMigrationFiles lists migration scripts below dir in lexical order.
func FindMigrationFiles(dir string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != dir && (name == "__pycache__" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsMigrationFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list migrations in '%s'", dir)
	}
	return files, nil
}

// ParseDirectory parses every migration below dir. The first parse error
// aborts the whole load.
func ParseDirectory(dir string) ([]*MigrationScript, error) {
	files, err := FindMigrationFiles(dir)
	if err != nil {
		return nil, err
	}
	scripts := make([]*MigrationScript, 0, len(files))
	for _, f := range files {
		script, err := ParseFile(f)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, nil
}
