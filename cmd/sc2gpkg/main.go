// Command sc2gpkg converts a StorageConnect GPS export into a GeoPackage
// point layer, optionally with a shapefile copy, a per-user report and a
// dump of every rejected record.
//
// Usage:
//
//	sc2gpkg --in_path Export2022-04-19T16-23-09.json --out_path traces.gpkg --export --report
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("conversion failed", "error", err)
		os.Exit(1)
	}
}
