package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

// EnvPrefix is prepended to every setting read from the environment,
// e.g. SC2GPKG_IN_PATH.
const EnvPrefix = "SC2GPKG"

// Setting keys. Flags, env vars and config file entries share them.
const (
	KeyInPath       = "in_path"
	KeyOutPath      = "out_path"
	KeyExport       = "export"
	KeyReport       = "report"
	KeyReportFormat = "report_format"
	KeyDebug        = "debug"
	KeySchema       = "schema"
	KeySchemaFile   = "schema_file"
	KeyLayer        = "layer"
	KeyLogLevel     = "log_level"
	KeyLogFormat    = "log_format"
	KeyMetricsFile  = "metrics_file"
	KeyConfig       = "config"
)

// DefaultLayer is the feature table written when none is configured.
const DefaultLayer = "gps_traces"

var layerName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds all settings for one conversion run.
type Config struct {
	InPath       string
	OutPath      string
	Export       bool
	Report       bool
	ReportFormat string
	Debug        bool

	Schema     string
	SchemaFile string
	Layer      string

	LogLevel    string
	LogFormat   string
	MetricsFile string
}

// RegisterFlags declares every setting on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP(KeyInPath, "i", "", "path to the StorageConnect JSON export (required)")
	fs.StringP(KeyOutPath, "o", "", "path of the GeoPackage to write, ending in .gpkg (required)")
	fs.BoolP(KeyExport, "e", false, "also write an ESRI shapefile next to the GeoPackage")
	fs.BoolP(KeyReport, "r", false, "print the number of logs per user")
	fs.String(KeyReportFormat, "table", "report format: table or json")
	fs.BoolP(KeyDebug, "d", false, "print every rejected record with its reason")
	fs.String(KeySchema, schema.Default, "built-in input schema: "+strings.Join(schema.Names(), ", "))
	fs.String(KeySchemaFile, "", "YAML schema file overriding the built-in schema")
	fs.String(KeyLayer, DefaultLayer, "name of the feature layer")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn or error")
	fs.String(KeyLogFormat, "text", "log format: text or json")
	fs.String(KeyMetricsFile, "", "write run metrics in Prometheus text format to this file")
	fs.String(KeyConfig, "", "YAML, TOML or JSON config file")
}

// Load resolves settings from, in increasing priority, defaults, the config
// file, SC2GPKG_* environment variables and flags set on the command line.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if file := v.GetString(KeyConfig); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		InPath:       strings.TrimSpace(v.GetString(KeyInPath)),
		OutPath:      strings.TrimSpace(v.GetString(KeyOutPath)),
		Export:       v.GetBool(KeyExport),
		Report:       v.GetBool(KeyReport),
		ReportFormat: orDefault(v.GetString(KeyReportFormat), "table"),
		Debug:        v.GetBool(KeyDebug),
		Schema:       orDefault(v.GetString(KeySchema), schema.Default),
		SchemaFile:   v.GetString(KeySchemaFile),
		Layer:        orDefault(v.GetString(KeyLayer), DefaultLayer),
		LogLevel:     orDefault(v.GetString(KeyLogLevel), "info"),
		LogFormat:    orDefault(v.GetString(KeyLogFormat), "text"),
		MetricsFile:  v.GetString(KeyMetricsFile),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InPath == "" {
		return errors.New("in_path is required")
	}
	if c.OutPath == "" {
		return errors.New("out_path is required")
	}
	if !strings.EqualFold(filepath.Ext(c.InPath), ".json") {
		return fmt.Errorf("in_path %q must be a .json file", c.InPath)
	}
	if !strings.EqualFold(filepath.Ext(c.OutPath), ".gpkg") {
		return fmt.Errorf("out_path %q must be a .gpkg file", c.OutPath)
	}
	if !layerName.MatchString(c.Layer) || strings.HasPrefix(strings.ToLower(c.Layer), "gpkg_") {
		return fmt.Errorf("invalid layer name %q", c.Layer)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(c.ReportFormat) {
	case "table", "json":
	default:
		return fmt.Errorf("invalid report_format %q", c.ReportFormat)
	}
	if c.SchemaFile == "" {
		if _, err := schema.Builtin(c.Schema); err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
