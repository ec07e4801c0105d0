package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
	// Close flushes anything buffered. The hook is short lived so every client
	// must push its data out before the process exits.
	Close() error
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_MigrationParsed = "migration.parsed"
	Metric_Incr_DropChecked     = "drop.checked"
	Metric_Incr_Violation       = "violation"
	Metric_Incr_CheckFailed     = "check.failed"

	Metric_Gauge_Revisions = "revisions"

	Metric_Timing_CheckDuration = "check.duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_MigrationParsed,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_DropChecked,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_Violation,
			Labels: []string{"reason"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_CheckFailed,
			Labels: []string{"error"},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_Revisions,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_CheckDuration,
			Labels: []string{},
		},
	},
}
