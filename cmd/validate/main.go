// Command validate checks a GeoPackage written by sc2gpkg against the export
// it was made from. The export is re-extracted with the same schema and
// every stored point is compared with the feature it should hold.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -in data/mock/export.json \
//	  -gpkg out/traces.gpkg \
//	  -shp out/traces.shp
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/fatih/color"
	shp "github.com/jonas-p/go-shp"

	"github.com/couchcryptid/sc2gpkg/internal/adapter/gpkg"
	"github.com/couchcryptid/sc2gpkg/internal/adapter/jsonfile"
	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

const coordTolerance = 1e-9

// maxErrorsPerPhase keeps a badly broken file from flooding the output.
const maxErrorsPerPhase = 20

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
	hidden int
}

func (p *phase) errorf(format string, args ...any) {
	if len(p.errors) >= maxErrorsPerPhase {
		p.hidden++
		return
	}
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type options struct {
	in, gpkgPath, shpPath string
	layer, schemaName     string
	schemaFile            string
}

func main() {
	var o options
	flag.StringVar(&o.in, "in", "", "path to the source JSON export")
	flag.StringVar(&o.gpkgPath, "gpkg", "", "path to the GeoPackage to check")
	flag.StringVar(&o.shpPath, "shp", "", "optional shapefile exported alongside")
	flag.StringVar(&o.layer, "layer", "gps_traces", "feature layer name")
	flag.StringVar(&o.schemaName, "schema", schema.Default, "input schema version")
	flag.StringVar(&o.schemaFile, "schema-file", "", "YAML schema file")
	flag.Parse()

	if o.in == "" || o.gpkgPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(context.Background(), o, os.Stdout))
}

func run(ctx context.Context, o options, w io.Writer) int {
	fmt.Fprintln(w, "=== GeoPackage Integrity Validation ===")
	fmt.Fprintln(w)

	s, err := schema.Resolve(o.schemaName, o.schemaFile)
	if err != nil {
		fmt.Fprintf(w, "FATAL: resolve schema: %v\n", err)
		return 1
	}

	data, err := os.ReadFile(o.in)
	if err != nil {
		fmt.Fprintf(w, "FATAL: read export: %v\n", err)
		return 1
	}
	records, _, err := jsonfile.Decode(data, s)
	if err != nil {
		fmt.Fprintf(w, "FATAL: decode export: %v\n", err)
		return 1
	}
	res := domain.NewExtractor(s).Extract(records)

	layer, err := gpkg.ReadLayer(ctx, o.gpkgPath, o.layer)
	if err != nil {
		fmt.Fprintf(w, "FATAL: read geopackage: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateMetadata(layer),
		validateCounts(layer, res),
		validateFeatures(layer, res.Features),
		validateExtent(layer),
	}
	if o.shpPath != "" {
		phases = append(phases, validateShapefile(o.shpPath, res.Features))
	}

	pass := color.New(color.FgGreen).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	allPassed := true
	for _, p := range phases {
		status := pass("PASS")
		if !p.passed() {
			status = fail(fmt.Sprintf("FAIL (%d errors)", len(p.errors)+p.hidden))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-36s %s\n", p.name, status)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records: %d in export, %d valid, %d rejected, %d stored\n",
		res.Total, res.Accepted(), res.Rejected, len(layer.Rows))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
		if p.hidden > 0 {
			fmt.Fprintf(w, "  ... and %d more\n", p.hidden)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

func validateMetadata(l *gpkg.Layer) *phase {
	p := &phase{name: "GeoPackage metadata"}
	if l.ApplicationID != gpkg.ApplicationID {
		p.errorf("application_id = %#x, want GPKG", l.ApplicationID)
	}
	if l.UserVersion < gpkg.UserVersion {
		p.errorf("user_version = %d, want >= %d", l.UserVersion, gpkg.UserVersion)
	}
	if l.Contents.DataType != "features" {
		p.errorf("data_type = %q, want features", l.Contents.DataType)
	}
	if l.Contents.SRSID != gpkg.SRSID {
		p.errorf("srs_id = %d, want %d", l.Contents.SRSID, gpkg.SRSID)
	}
	if l.GeometryType != "POINT" {
		p.errorf("geometry_type_name = %q, want POINT", l.GeometryType)
	}
	if _, err := gpkg.ParseDateTime(l.Contents.LastChange); err != nil {
		p.errorf("last_change: %v", err)
	}
	return p
}

func validateCounts(l *gpkg.Layer, res domain.Result) *phase {
	p := &phase{name: "Feature count parity"}
	if res.Accepted()+res.Rejected != res.Total {
		p.errorf("accepted %d + rejected %d != total %d", res.Accepted(), res.Rejected, res.Total)
	}
	if len(l.Rows) != res.Accepted() {
		p.errorf("layer holds %d features, export has %d valid records", len(l.Rows), res.Accepted())
	}
	storedUsers := map[string]int{}
	for _, r := range l.Rows {
		storedUsers[r.UserID]++
	}
	for id, n := range domain.CountByUser(res.Features) {
		if storedUsers[id] != n {
			p.errorf("user %q: %d stored, %d expected", id, storedUsers[id], n)
		}
	}
	return p
}

func validateFeatures(l *gpkg.Layer, features []domain.Feature) *phase {
	p := &phase{name: "Feature values and order"}
	for i := range min(len(l.Rows), len(features)) {
		row, f := l.Rows[i], features[i]
		if math.Abs(row.Longitude-f.Longitude) > coordTolerance || math.Abs(row.Latitude-f.Latitude) > coordTolerance {
			p.errorf("fid %d: point (%g %g), want (%g %g)", row.FID, row.Longitude, row.Latitude, f.Longitude, f.Latitude)
		}
		if row.UserID != f.UserID {
			p.errorf("fid %d: user_id %q, want %q", row.FID, row.UserID, f.UserID)
		}
		ts, err := gpkg.ParseDateTime(row.Timestamp)
		switch {
		case err != nil:
			p.errorf("fid %d: %v", row.FID, err)
		case !ts.Equal(f.Timestamp.Truncate(time.Millisecond)):
			p.errorf("fid %d: timestamp %s, want %s", row.FID, ts, f.Timestamp)
		}
	}
	return p
}

func validateExtent(l *gpkg.Layer) *phase {
	p := &phase{name: "Layer extent"}
	if len(l.Rows) == 0 {
		if l.Contents.Extent != nil {
			p.errorf("empty layer has extent %v", *l.Contents.Extent)
		}
		return p
	}
	if l.Contents.Extent == nil {
		p.errorf("layer with %d features has no extent", len(l.Rows))
		return p
	}
	e := *l.Contents.Extent
	for _, r := range l.Rows {
		if r.Longitude < e[0] || r.Latitude < e[1] || r.Longitude > e[2] || r.Latitude > e[3] {
			p.errorf("fid %d (%g %g) lies outside extent %v", r.FID, r.Longitude, r.Latitude, e)
		}
	}
	return p
}

func validateShapefile(path string, features []domain.Feature) *phase {
	p := &phase{name: "Shapefile parity"}
	r, err := shp.Open(path)
	if err != nil {
		p.errorf("open: %v", err)
		return p
	}
	defer r.Close()

	n := 0
	for r.Next() {
		_, shape := r.Shape()
		pt, ok := shape.(*shp.Point)
		if !ok {
			p.errorf("shape %d is %T, want point", n, shape)
		} else if n < len(features) &&
			(math.Abs(pt.X-features[n].Longitude) > coordTolerance || math.Abs(pt.Y-features[n].Latitude) > coordTolerance) {
			p.errorf("shape %d: (%g %g), want (%g %g)", n, pt.X, pt.Y, features[n].Longitude, features[n].Latitude)
		}
		n++
	}
	if n != len(features) {
		p.errorf("shapefile holds %d points, want %d", n, len(features))
	}
	return p
}
