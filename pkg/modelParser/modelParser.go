package modelParser

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Layr-Labs/deferred-check/pkg/pySource"
	"github.com/dlclark/regexp2"
	"github.com/pkg/errors"
)

// ModelColumn is a column attribute of an ORM model as written in source.
type ModelColumn struct {
	Table     string
	Column    string
	Attribute string
	ModelFile string
	Line      int
	Deferred  bool
}

type Model struct {
	ClassName string
	Table     string
	File      string
	Columns   []*ModelColumn
}

// FindColumn matches on the database column name first, then on the python
// attribute name.
func (m *Model) FindColumn(column string) *ModelColumn {
	for _, c := range m.Columns {
		if c.Column == column {
			return c
		}
	}
	for _, c := range m.Columns {
		if c.Attribute == column {
			return c
		}
	}
	return nil
}

// columnFactories are the callables that declare a mapped column.
var columnFactories = map[string]bool{
	"Column":          true,
	"mapped_column":   true,
	"column_property": true,
	"deferred":        true,
}

// ParseModels extracts every class declaring __tablename__ from a source file.
func ParseModels(file string, src string) ([]*Model, error) {
	tokens, err := pySource.Tokenize(file, src)
	if err != nil {
		return nil, err
	}

	models := make([]*Model, 0)
	pySource.Walk(pySource.ParseBlock(tokens), func(s *pySource.Statement) bool {
		if s.Keyword() != "class" {
			return true
		}
		if m := parseClass(file, s); m != nil {
			models = append(models, m)
		}
		return true
	})
	return models, nil
}

func parseClass(file string, class *pySource.Statement) *Model {
	m := &Model{
		ClassName: class.DefinedName(),
		File:      file,
		Columns:   make([]*ModelColumn, 0),
	}

	for _, s := range class.Children() {
		a, ok := s.Assignment()
		if !ok {
			continue
		}
		if a.Target == "__tablename__" {
			if name, ok := a.Value.StringLiteral(); ok {
				m.Table = name
			}
			continue
		}
		if strings.HasPrefix(a.Target, "__") {
			continue
		}
		if col := parseColumn(a); col != nil {
			col.ModelFile = file
			m.Columns = append(m.Columns, col)
		}
	}

	if m.Table == "" {
		return nil
	}
	for _, c := range m.Columns {
		c.Table = m.Table
	}
	return m
}

func parseColumn(a *pySource.Assignment) *ModelColumn {
	col := &ModelColumn{Attribute: a.Target, Column: a.Target, Line: a.Line}

	if a.Value == nil {
		// "price: Mapped[int]" maps an eagerly loaded column.
		if len(a.Annotation) > 0 && a.Annotation[0].IsName("Mapped") {
			return col
		}
		return nil
	}

	call, ok := a.Value.Call()
	if !ok || !columnFactories[call.Name()] {
		return nil
	}

	switch call.Name() {
	case "deferred":
		col.Deferred = true
		if inner, ok := firstPositionalCall(call); ok {
			if name, ok := inner.StringArg(0, "name"); ok && inner.Name() == "Column" {
				col.Column = name
			}
		}
	case "Column", "mapped_column":
		if name, ok := call.StringArg(0, "name"); ok {
			col.Column = name
		}
		col.Deferred = deferredKeyword(call)
	case "column_property":
		col.Deferred = deferredKeyword(call)
		if inner, ok := firstPositionalCall(call); ok && inner.Name() == "Column" {
			if name, ok := inner.StringArg(0, "name"); ok {
				col.Column = name
			}
		}
	}
	return col
}

func firstPositionalCall(call *pySource.Call) (*pySource.Call, bool) {
	arg, ok := call.Positional(0)
	if !ok {
		return nil, false
	}
	return arg.Call()
}

func deferredKeyword(call *pySource.Call) bool {
	v, ok := call.Keyword("deferred")
	if !ok {
		return false
	}
	b, _ := v.BoolLiteral()
	return b
}

// ColumnState returns the column as defined by the model for table in src, or
// nil when no such model or column exists.
func ColumnState(file string, src string, table string, column string) (*ModelColumn, error) {
	models, err := ParseModels(file, src)
	if err != nil {
		return nil, err
	}
	return FindModelColumn(models, table, column), nil
}

// FindModelColumn looks the column up in the models mapping table.
func FindModelColumn(models []*Model, table string, column string) *ModelColumn {
	for _, m := range models {
		if m.Table != table {
			continue
		}
		if c := m.FindColumn(column); c != nil {
			return c
		}
	}
	return nil
}

// directories that never hold application models
var skippedDirs = []string{"site-packages", ".venv", "venv", "alembic", "__pycache__", "node_modules", ".git"}

func shouldSkipDir(name string, excluded map[string]bool, path string) bool {
	for _, d := range skippedDirs {
		if name == d {
			return true
		}
	}
	return excluded[path]
}

// FindModelFile scans searchPath for the python file declaring __tablename__
// for table. Directories in exclude (e.g. the migrations directory) are not
// searched. An empty string means no model declares the table.
func FindModelFile(table string, searchPath string, exclude ...string) (string, error) {
	pattern := regexp2.MustCompile(
		`__tablename__\s*(?::\s*[\w\[\].]+\s*)?=\s*['"]`+regexp2.Escape(table)+`['"]`,
		regexp2.None,
	)

	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		if abs, err := filepath.Abs(e); err == nil {
			excluded[abs] = true
		}
	}

	found := ""
	err := filepath.WalkDir(searchPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			abs, _ := filepath.Abs(path)
			if path != searchPath && shouldSkipDir(d.Name(), excluded, abs) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".py") {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		if ok, _ := pattern.MatchString(string(content)); ok {
			found = filepath.Clean(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to search models in '%s'", searchPath)
	}
	return found, nil
}
