package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/sc2gpkg/internal/adapter/gpkg"
	"github.com/couchcryptid/sc2gpkg/internal/adapter/jsonfile"
	"github.com/couchcryptid/sc2gpkg/internal/adapter/shapefile"
	"github.com/couchcryptid/sc2gpkg/internal/config"
	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/observability"
	"github.com/couchcryptid/sc2gpkg/internal/pipeline"
	"github.com/couchcryptid/sc2gpkg/internal/report"
	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

var version = "dev"

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sc2gpkg",
		Short: "Convert StorageConnect GPS exports to GeoPackage",
		Long: `sc2gpkg reads the JSON export produced by the StorageConnect tracking app,
validates every GPS fix and writes the valid ones as WGS 84 points to a
GeoPackage layer. Invalid fixes are skipped and counted; use --debug to see
each one with the reason it was rejected.

Every flag can also be set as SC2GPKG_<FLAG> in the environment or as a key
in the file given by --config.`,
		Example: `  # Convert an export
  sc2gpkg -i Export2022-04-19T16-23-09.json -o traces.gpkg

  # Also write traces.shp and print logs per user
  sc2gpkg -i export.json -o traces.gpkg --export --report

  # Show rejected records as JSON lines
  sc2gpkg -i export.json -o traces.gpkg --debug --report_format json`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, stdout, stderr)
		},
	}
	config.RegisterFlags(cmd.Flags())
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

// run performs one conversion. Logs and the run totals go to stderr so
// stdout carries only the report and debug output.
func run(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(stderr, level, cfg.LogFormat)

	s, err := schema.Resolve(cfg.Schema, cfg.SchemaFile)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}

	sinks := []pipeline.Sink{
		gpkg.NewWriter(cfg.OutPath, gpkg.Options{
			Layer:       cfg.Layer,
			Description: fmt.Sprintf("GPS fixes from %s (%s)", filepath.Base(cfg.InPath), s.Version),
		}, logger),
	}
	if cfg.Export {
		sinks = append(sinks, shapefile.NewWriter(shapefile.PathFor(cfg.OutPath), logger))
	}

	metrics := observability.NewMetrics()
	p := pipeline.New(jsonfile.NewReader(cfg.InPath, s, logger), domain.NewExtractor(s), sinks, logger, metrics)
	sum, runErr := p.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("metrics not written", "path", cfg.MetricsFile, "error", err)
		}
	}

	jsonOut := strings.EqualFold(cfg.ReportFormat, "json")

	// Rejections are still worth showing when a later write failed.
	if cfg.Debug && (runErr == nil || len(sum.Result.Rejections) > 0) {
		if jsonOut {
			if err := report.WriteRejectionsJSON(stdout, sum.Result.Rejections); err != nil {
				return err
			}
		} else {
			report.WriteRejections(stdout, sum.Result.Rejections)
		}
	}
	if runErr != nil {
		return runErr
	}

	if cfg.Report {
		users := domain.SummarizeUsers(sum.Result.Features, s.DetailAttribute)
		if jsonOut {
			if err := report.WriteUsersJSON(stdout, users); err != nil {
				return err
			}
		} else {
			report.WriteUsers(stdout, users)
		}
	}

	report.WriteTotals(stderr, report.Totals{
		Read:     sum.Result.Total,
		Accepted: sum.Result.Accepted(),
		Rejected: sum.Result.Rejected,
		Outputs:  sum.Outputs,
	})
	return nil
}
