package dropChecker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Layr-Labs/deferred-check/internal/metrics"
	"github.com/Layr-Labs/deferred-check/internal/metrics/metricsTypes"
	"github.com/Layr-Labs/deferred-check/pkg/migrationParser"
	"github.com/Layr-Labs/deferred-check/pkg/modelParser"
	"github.com/Layr-Labs/deferred-check/pkg/pySource"
	"github.com/Layr-Labs/deferred-check/pkg/revisionGraph"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SourceHistory returns past versions of a source file. The boolean is false
// when no such version exists.
type SourceHistory interface {
	// SourceAtMigration returns file as of the commit that introduced
	// migrationFile.
	SourceAtMigration(ctx context.Context, migrationFile string, file string) (string, bool, error)
	SourceAtRef(ctx context.Context, ref string, file string) (string, bool, error)
}

type DropCheckerConfig struct {
	ModelsPath     string
	MigrationsPath string
	// BaseRef is the ref holding the deployed models, e.g. "origin/master".
	// When empty, HEAD is consulted instead but only a deferred column there
	// counts; an eager one falls through to the ancestor walk.
	BaseRef string
}

// headRef holds the last commit, so a deferral committed on its own before
// the drop is found without a configured base ref.
const headRef = "HEAD"

type DropChecker struct {
	config      *DropCheckerConfig
	history     SourceHistory
	logger      *zap.Logger
	metricsSink *metrics.MetricsSink
}

// NewDropChecker creates a checker. history may be nil, in which case only the
// operations found in the migrations themselves are considered.
func NewDropChecker(cfg *DropCheckerConfig, history SourceHistory, l *zap.Logger, ms *metrics.MetricsSink) *DropChecker {
	if ms == nil {
		ms = metrics.NewNoopMetricsSink()
	}
	return &DropChecker{
		config:      cfg,
		history:     history,
		logger:      l,
		metricsSink: ms,
	}
}

// LoadHistory parses every migration and links them into the revision graph.
func (dc *DropChecker) LoadHistory() (*revisionGraph.RevisionGraph, error) {
	scripts, err := migrationParser.ParseDirectory(dc.config.MigrationsPath)
	if err != nil {
		return nil, err
	}
	_ = dc.metricsSink.Incr(metricsTypes.Metric_Incr_MigrationParsed, nil, float64(len(scripts)))

	graph, err := revisionGraph.NewRevisionGraph(scripts)
	if err != nil {
		return nil, err
	}
	_ = dc.metricsSink.Gauge(metricsTypes.Metric_Gauge_Revisions, float64(graph.Len()), nil)
	return graph, nil
}

// Check reports every column dropped by changedFiles that was not marked
// deferred beforehand. Files outside of the migrations path are ignored.
func (dc *DropChecker) Check(ctx context.Context, changedFiles []string) ([]*Violation, error) {
	start := time.Now()
	violations, err := dc.check(ctx, changedFiles)
	_ = dc.metricsSink.Timing(metricsTypes.Metric_Timing_CheckDuration, time.Since(start), nil)
	if err != nil {
		_ = dc.metricsSink.Incr(metricsTypes.Metric_Incr_CheckFailed, []metricsTypes.MetricsLabel{
			{Name: "error", Value: errorKind(err)},
		}, 1)
		return nil, err
	}
	for _, v := range violations {
		_ = dc.metricsSink.Incr(metricsTypes.Metric_Incr_Violation, []metricsTypes.MetricsLabel{
			{Name: "reason", Value: string(v.Reason)},
		}, 1)
	}
	return violations, nil
}

func errorKind(err error) string {
	var chainErr *revisionGraph.ChainBrokenError
	switch {
	case pySource.IsParseError(err):
		return "parse_error"
	case errors.As(err, &chainErr):
		return "chain_broken"
	default:
		return "other"
	}
}

func (dc *DropChecker) check(ctx context.Context, changedFiles []string) ([]*Violation, error) {
	migrations := dc.changedMigrations(changedFiles)
	if len(migrations) == 0 {
		dc.logger.Sugar().Debugw("No changed migrations to check")
		return []*Violation{}, nil
	}

	graph, err := dc.LoadHistory()
	if err != nil {
		return nil, err
	}

	run := newCheckRun(dc, graph)
	violations := make([]*Violation, 0)
	for _, file := range migrations {
		node, ok := graph.FindByFile(file)
		if !ok {
			dc.logger.Sugar().Debugw("Changed file is not part of the revision history", zap.String("file", file))
			continue
		}

		found, err := run.checkMigration(ctx, file, node)
		if err != nil {
			return nil, err
		}
		violations = append(violations, found...)
	}
	return violations, nil
}

// changedMigrations keeps the existing python files below the migrations path,
// in the order given and without duplicates.
func (dc *DropChecker) changedMigrations(changedFiles []string) []string {
	root, err := filepath.Abs(dc.config.MigrationsPath)
	if err != nil {
		root = filepath.Clean(dc.config.MigrationsPath)
	}

	seen := make(map[string]bool)
	files := make([]string, 0)
	for _, f := range changedFiles {
		if !migrationParser.IsMigrationFile(f) {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(f); err != nil {
			dc.logger.Sugar().Debugw("Skipping deleted migration", zap.String("file", f))
			continue
		}
		files = append(files, f)
	}
	return files
}

// checkRun holds what is looked up while checking one set of changed files.
type checkRun struct {
	*DropChecker
	graph *revisionGraph.RevisionGraph

	modelFiles    map[string]string
	currentModels map[string][]*modelParser.Model
	snapshots     map[string][]*modelParser.Model
}

func newCheckRun(dc *DropChecker, graph *revisionGraph.RevisionGraph) *checkRun {
	return &checkRun{
		DropChecker:   dc,
		graph:         graph,
		modelFiles:    make(map[string]string),
		currentModels: make(map[string][]*modelParser.Model),
		snapshots:     make(map[string][]*modelParser.Model),
	}
}

func (r *checkRun) checkMigration(ctx context.Context, file string, node *revisionGraph.Node) ([]*Violation, error) {
	violations := make([]*Violation, 0)
	seen := make(map[string]bool)
	for _, drop := range node.Script.DroppedColumns() {
		key := drop.Table + "." + drop.Column
		if seen[key] {
			continue
		}
		seen[key] = true
		_ = r.metricsSink.Incr(metricsTypes.Metric_Incr_DropChecked, nil, 1)

		reason, err := r.checkDrop(ctx, node, drop)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			continue
		}
		violations = append(violations, &Violation{
			MigrationFile: file,
			Revision:      node.Revision(),
			Table:         drop.Table,
			Column:        drop.Column,
			Line:          drop.Line,
			Reason:        reason,
		})
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Line < violations[j].Line
	})
	return violations, nil
}

// checkDrop returns the violation reason for one dropped column, or "" when the
// drop is safe.
func (r *checkRun) checkDrop(ctx context.Context, node *revisionGraph.Node, drop *migrationParser.MigrationOperation) (ViolationReason, error) {
	modelFile, err := r.modelFile(drop.Table)
	if err != nil {
		return "", err
	}
	if modelFile == "" {
		r.logger.Sugar().Warnw("No model found for table, relying on migrations only",
			zap.String("table", drop.Table),
			zap.String("models_path", r.config.ModelsPath),
		)
	}

	deferred, err := r.priorDeferred(ctx, node, drop, modelFile)
	if err != nil {
		return "", err
	}
	if !deferred {
		return ViolationReason_NeverDeferred, nil
	}

	current, err := r.currentColumn(modelFile, drop.Table, drop.Column)
	if err != nil {
		return "", err
	}
	if current != nil && !current.Deferred {
		return ViolationReason_DeferredAfterDrop, nil
	}
	return "", nil
}

// priorDeferred walks the ancestors of node, nearest first, and reports whether
// the first state found for the column marks it deferred.
func (r *checkRun) priorDeferred(ctx context.Context, node *revisionGraph.Node, drop *migrationParser.MigrationOperation, modelFile string) (bool, error) {
	table, column := drop.Table, drop.Column

	if r.history != nil && modelFile != "" {
		ref := r.config.BaseRef
		if ref == "" {
			ref = headRef
		}
		col, err := r.columnAtRef(ctx, ref, modelFile, table, column)
		if err != nil {
			return false, err
		}
		if col != nil && (col.Deferred || r.config.BaseRef != "") {
			r.logger.Sugar().Debugw("Column state from ref",
				zap.String("ref", ref),
				zap.String("column", table+"."+column),
				zap.Bool("deferred", col.Deferred),
			)
			return col.Deferred, nil
		}
	}

	for _, ancestor := range r.graph.Ancestors(node.Revision()) {
		ops := ancestor.Script.OperationsOn(table, column)
		for _, op := range ops {
			if op.Kind == migrationParser.OperationKind_AlterColumn && op.Deferred != nil {
				r.logger.Sugar().Debugw("Column state from migration",
					zap.String("revision", ancestor.Revision()),
					zap.String("column", table+"."+column),
					zap.Bool("deferred", *op.Deferred),
				)
				return *op.Deferred, nil
			}
		}

		if r.history != nil && modelFile != "" {
			col, err := r.columnAtMigration(ctx, ancestor, modelFile, table, column)
			if err != nil {
				return false, err
			}
			if col != nil {
				r.logger.Sugar().Debugw("Column state from model snapshot",
					zap.String("revision", ancestor.Revision()),
					zap.String("column", table+"."+column),
					zap.Bool("deferred", col.Deferred),
				)
				return col.Deferred, nil
			}
		}

		for _, op := range ops {
			if op.Kind == migrationParser.OperationKind_AddColumn || op.Kind == migrationParser.OperationKind_DropColumn {
				return false, nil
			}
		}
	}
	return false, nil
}

func (r *checkRun) modelFile(table string) (string, error) {
	if f, ok := r.modelFiles[table]; ok {
		return f, nil
	}
	f, err := modelParser.FindModelFile(table, r.config.ModelsPath, r.config.MigrationsPath)
	if err != nil {
		return "", err
	}
	r.modelFiles[table] = f
	return f, nil
}

// currentColumn reads the column from the working tree. Parse errors here are
// fatal since the committed code is what is being checked.
func (r *checkRun) currentColumn(modelFile string, table string, column string) (*modelParser.ModelColumn, error) {
	if modelFile == "" {
		return nil, nil
	}
	models, ok := r.currentModels[modelFile]
	if !ok {
		content, err := os.ReadFile(modelFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read model '%s'", modelFile)
		}
		models, err = modelParser.ParseModels(modelFile, string(content))
		if err != nil {
			return nil, err
		}
		r.currentModels[modelFile] = models
	}
	return modelParser.FindModelColumn(models, table, column), nil
}

func (r *checkRun) columnAtRef(ctx context.Context, ref string, modelFile string, table string, column string) (*modelParser.ModelColumn, error) {
	key := "ref\x00" + ref + "\x00" + modelFile
	models, ok := r.snapshots[key]
	if !ok {
		src, found, err := r.history.SourceAtRef(ctx, ref, modelFile)
		if err != nil {
			return nil, err
		}
		models = r.parseSnapshot(modelFile, ref, src, found)
		r.snapshots[key] = models
	}
	return modelParser.FindModelColumn(models, table, column), nil
}

func (r *checkRun) columnAtMigration(ctx context.Context, ancestor *revisionGraph.Node, modelFile string, table string, column string) (*modelParser.ModelColumn, error) {
	key := "migration\x00" + ancestor.Script.File + "\x00" + modelFile
	models, ok := r.snapshots[key]
	if !ok {
		src, found, err := r.history.SourceAtMigration(ctx, ancestor.Script.File, modelFile)
		if err != nil {
			return nil, err
		}
		models = r.parseSnapshot(modelFile, ancestor.Revision(), src, found)
		r.snapshots[key] = models
	}
	return modelParser.FindModelColumn(models, table, column), nil
}

// parseSnapshot parses a historical model. Old sources that no longer parse
// count as having no state.
func (r *checkRun) parseSnapshot(modelFile string, at string, src string, found bool) []*modelParser.Model {
	if !found {
		return nil
	}
	models, err := modelParser.ParseModels(modelFile, src)
	if err != nil {
		r.logger.Sugar().Warnw("Failed to parse historical model, ignoring it",
			zap.String("file", modelFile),
			zap.String("at", at),
			zap.Error(err),
		)
		return nil
	}
	return models
}
