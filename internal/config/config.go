package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "DEFERRED_CHECK"

// ConfigFileName is read from the working directory when present.
const ConfigFileName = ".deferred-check"

type OutputFormat string

const (
	OutputFormat_Text OutputFormat = "text"
	OutputFormat_Json OutputFormat = "json"
	OutputFormat_Csv  OutputFormat = "csv"
)

func ParseOutputFormat(f string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case "", "text":
		return OutputFormat_Text, nil
	case "json":
		return OutputFormat_Json, nil
	case "csv":
		return OutputFormat_Csv, nil
	default:
		return "", errors.Errorf("unsupported output format '%s'", f)
	}
}

const (
	Debug            = "debug"
	ModelsPath       = "models_path"
	DbMigrationsPath = "db_migrations_path"
	GitHistory       = "git_history"
	BaseRef          = "base_ref"
	OutputFormatKey  = "output_format"

	DataDogStatsdEnabled    = "datadog.statsd.enabled"
	DataDogStatsdUrl        = "datadog.statsd.url"
	DataDogStatsdSampleRate = "datadog.statsd.sample_rate"

	PrometheusEnabled  = "prometheus.enabled"
	PrometheusTextfile = "prometheus.textfile"
)

type Config struct {
	Debug            bool
	ModelsPath       string
	DbMigrationsPath string
	GitHistory       bool
	BaseRef          string
	OutputFormat     OutputFormat
	DataDogConfig    DataDogConfig
	PrometheusConfig PrometheusConfig
}

type DataDogConfig struct {
	StatsdConfig StatsdConfig
}

type StatsdConfig struct {
	Enabled    bool
	Url        string
	SampleRate float64
}

type PrometheusConfig struct {
	Enabled  bool
	Textfile string
}

// SetDefaults registers defaults for settings that have no flag.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(GitHistory, true)
	v.SetDefault(BaseRef, "")
	v.SetDefault(OutputFormatKey, string(OutputFormat_Text))
	v.SetDefault(DataDogStatsdEnabled, false)
	v.SetDefault(DataDogStatsdUrl, "")
	v.SetDefault(DataDogStatsdSampleRate, 1.0)
	v.SetDefault(PrometheusEnabled, false)
	v.SetDefault(PrometheusTextfile, "deferred-check.prom")
}

// ReadConfigFile loads .deferred-check.{yaml,toml,json} from dir if one exists.
func ReadConfigFile(v *viper.Viper, dir string) error {
	v.SetConfigName(ConfigFileName)
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

func NewConfig() (*Config, error) {
	return NewConfigFromViper(viper.GetViper())
}

func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	format, err := ParseOutputFormat(v.GetString(OutputFormatKey))
	if err != nil {
		return nil, err
	}
	return &Config{
		Debug:            v.GetBool(Debug),
		ModelsPath:       v.GetString(ModelsPath),
		DbMigrationsPath: v.GetString(DbMigrationsPath),
		GitHistory:       v.GetBool(GitHistory),
		BaseRef:          strings.TrimSpace(v.GetString(BaseRef)),
		OutputFormat:     format,

		DataDogConfig: DataDogConfig{
			StatsdConfig: StatsdConfig{
				Enabled:    v.GetBool(DataDogStatsdEnabled),
				Url:        v.GetString(DataDogStatsdUrl),
				SampleRate: v.GetFloat64(DataDogStatsdSampleRate),
			},
		},

		PrometheusConfig: PrometheusConfig{
			Enabled:  v.GetBool(PrometheusEnabled),
			Textfile: v.GetString(PrometheusTextfile),
		},
	}, nil
}

// ValidatePaths checks that the models and migrations directories exist.
func (c *Config) ValidatePaths() error {
	if err := requireDir("--models-path", c.ModelsPath); err != nil {
		return err
	}
	return c.ValidateMigrationsPath()
}

func (c *Config) ValidateMigrationsPath() error {
	return requireDir("--db-migrations-path", c.DbMigrationsPath)
}

func requireDir(flag string, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", flag)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "%s '%s' is not accessible", flag, path)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s '%s' is not a directory", flag, filepath.Clean(path))
	}
	return nil
}

func KebabToSnakeCase(str string) string {
	return strings.ReplaceAll(str, "-", "_")
}
