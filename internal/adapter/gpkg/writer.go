// Package gpkg writes validated features to an OGC GeoPackage using the
// pure Go SQLite driver.
package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/couchcryptid/sc2gpkg/internal/domain"
)

const (
	// ApplicationID is "GPKG" as a big-endian int32.
	ApplicationID = 0x47504B47
	UserVersion   = 10200

	SRSID = 4326

	// GeometryColumn is the name of the point column in every layer.
	GeometryColumn = "geom"

	// DateTimeLayout is the GeoPackage DATETIME text form.
	DateTimeLayout = "2006-01-02T15:04:05.000Z"

	// insertCheckEvery bounds how many rows are written between
	// cancellation checks.
	insertCheckEvery = 1000
)

// ErrUnwritable is returned when the output location cannot be written.
var ErrUnwritable = errors.New("output not writable")

// wgs84WKT is the OGC WKT definition registered for EPSG:4326.
const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0,AUTHORITY["EPSG","8901"]],UNIT["degree",0.0174532925199433,AUTHORITY["EPSG","9122"]],AUTHORITY["EPSG","4326"]]`

// reservedColumns are the fixed columns of a feature table.
var reservedColumns = []string{"fid", GeometryColumn, domain.FieldUserID, domain.FieldTimestamp}

// Options configures the layer written by a Writer.
type Options struct {
	Layer       string
	Description string
}

// Writer writes a single-layer GeoPackage.
// It implements pipeline.Sink.
type Writer struct {
	path   string
	opts   Options
	logger *slog.Logger
}

// NewWriter creates a Writer targeting path. An existing file at path is
// replaced only once the new package has been fully written.
func NewWriter(path string, opts Options, logger *slog.Logger) *Writer {
	return &Writer{path: path, opts: opts, logger: logger}
}

// Name identifies the output format in logs and metrics.
func (w *Writer) Name() string { return "gpkg" }

// Path returns the target file.
func (w *Writer) Path() string { return w.path }

// column maps an attribute key to its SQL column.
type column struct {
	domain.Column
	sqlName string
}

// Write stores features as one point layer. An empty slice produces a valid
// package holding an empty layer.
func (w *Writer) Write(ctx context.Context, features []domain.Feature) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".sc2gpkg-*.gpkg")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnwritable, err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := w.writeFile(ctx, tmpPath, features); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrUnwritable, err)
	}

	w.logger.Info("wrote geopackage", "path", w.path, "layer", w.opts.Layer, "features", len(features))
	return nil
}

func (w *Writer) writeFile(ctx context.Context, path string, features []domain.Feature) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open geopackage: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA application_id = %d", ApplicationID),
		fmt.Sprintf("PRAGMA user_version = %d", UserVersion),
		"PRAGMA journal_mode = DELETE",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%w: %v", ErrUnwritable, err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin geopackage transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createCore(ctx, tx); err != nil {
		return err
	}

	cols := columnsFor(features)
	if err := w.createLayer(ctx, tx, cols); err != nil {
		return err
	}
	if err := w.insertFeatures(ctx, tx, cols, features); err != nil {
		return err
	}
	if err := w.registerLayer(ctx, tx, features); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit geopackage: %w", err)
	}
	return nil
}

const coreDDL = `
CREATE TABLE gpkg_spatial_ref_sys (
  srs_name TEXT NOT NULL,
  srs_id INTEGER NOT NULL PRIMARY KEY,
  organization TEXT NOT NULL,
  organization_coordsys_id INTEGER NOT NULL,
  definition TEXT NOT NULL,
  description TEXT
);
CREATE TABLE gpkg_contents (
  table_name TEXT NOT NULL PRIMARY KEY,
  data_type TEXT NOT NULL,
  identifier TEXT UNIQUE,
  description TEXT DEFAULT '',
  last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
  min_x DOUBLE,
  min_y DOUBLE,
  max_x DOUBLE,
  max_y DOUBLE,
  srs_id INTEGER,
  CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
CREATE TABLE gpkg_geometry_columns (
  table_name TEXT NOT NULL,
  column_name TEXT NOT NULL,
  geometry_type_name TEXT NOT NULL,
  srs_id INTEGER NOT NULL,
  z TINYINT NOT NULL,
  m TINYINT NOT NULL,
  CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
  CONSTRAINT uk_gc_table_name UNIQUE (table_name),
  CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
  CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
);
`

func createCore(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range strings.Split(coreDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create geopackage tables: %w", err)
		}
	}

	srs := []struct {
		name, org  string
		id, orgID  int
		definition string
		desc       string
	}{
		{"Undefined cartesian SRS", "NONE", -1, -1, "undefined", "undefined cartesian coordinate reference system"},
		{"Undefined geographic SRS", "NONE", 0, 0, "undefined", "undefined geographic coordinate reference system"},
		{"WGS 84 geodetic", "EPSG", SRSID, SRSID, wgs84WKT, "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid"},
	}
	for _, s := range srs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gpkg_spatial_ref_sys (srs_name, srs_id, organization, organization_coordsys_id, definition, description) VALUES (?, ?, ?, ?, ?, ?)`,
			s.name, s.id, s.org, s.orgID, s.definition, s.desc,
		); err != nil {
			return fmt.Errorf("register spatial reference %d: %w", s.id, err)
		}
	}
	return nil
}

func (w *Writer) createLayer(ctx context.Context, tx *sql.Tx, cols []column) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (fid INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL, %s POINT, %s TEXT NOT NULL, %s DATETIME NOT NULL",
		quoteIdent(w.opts.Layer), GeometryColumn, domain.FieldUserID, domain.FieldTimestamp)
	for _, c := range cols {
		fmt.Fprintf(&b, ", %s %s", quoteIdent(c.sqlName), sqlType(c.Kind))
	}
	b.WriteString(")")

	if _, err := tx.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create layer %q: %w", w.opts.Layer, err)
	}
	return nil
}

func (w *Writer) insertFeatures(ctx context.Context, tx *sql.Tx, cols []column, features []domain.Feature) error {
	names := []string{GeometryColumn, domain.FieldUserID, domain.FieldTimestamp}
	for _, c := range cols {
		names = append(names, quoteIdent(c.sqlName))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(w.opts.Layer), strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", "))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(names))
	for i := range features {
		if i%insertCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		f := &features[i]

		g, err := encodePoint(point(f.Longitude, f.Latitude))
		if err != nil {
			return fmt.Errorf("encode feature %d: %w", i, err)
		}
		args[0] = g
		args[1] = f.UserID
		args[2] = f.Timestamp.UTC().Format(DateTimeLayout)
		for j, c := range cols {
			args[3+j] = columnValue(c.Kind, f.Attributes[c.Name])
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert feature %d: %w", i, err)
		}
	}
	return nil
}

func (w *Writer) registerLayer(ctx context.Context, tx *sql.Tx, features []domain.Feature) error {
	var minX, minY, maxX, maxY sql.NullFloat64
	if len(features) > 0 {
		x0, y0, x1, y1 := math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)
		for i := range features {
			x0 = math.Min(x0, features[i].Longitude)
			y0 = math.Min(y0, features[i].Latitude)
			x1 = math.Max(x1, features[i].Longitude)
			y1 = math.Max(y1, features[i].Latitude)
		}
		minX = sql.NullFloat64{Float64: x0, Valid: true}
		minY = sql.NullFloat64{Float64: y0, Valid: true}
		maxX = sql.NullFloat64{Float64: x1, Valid: true}
		maxY = sql.NullFloat64{Float64: y1, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, description, last_change, min_x, min_y, max_x, max_y, srs_id) VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.opts.Layer, w.opts.Layer, w.opts.Description, domain.Now().Format(DateTimeLayout),
		minX, minY, maxX, maxY, SRSID,
	); err != nil {
		return fmt.Errorf("register layer contents: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns (table_name, column_name, geometry_type_name, srs_id, z, m) VALUES (?, ?, 'POINT', ?, 0, 0)`,
		w.opts.Layer, GeometryColumn, SRSID,
	); err != nil {
		return fmt.Errorf("register geometry column: %w", err)
	}
	return nil
}

func point(lon, lat float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(SRSID)
}

// columnsFor assigns SQL names to attribute columns. Names clashing with a
// fixed column, or with each other ignoring case, get an attr_ prefix and
// a numeric suffix where still needed.
func columnsFor(features []domain.Feature) []column {
	inferred := domain.InferColumns(features)
	taken := make(map[string]bool, len(inferred)+len(reservedColumns))
	for _, r := range reservedColumns {
		taken[strings.ToLower(r)] = true
	}

	cols := make([]column, 0, len(inferred))
	for _, c := range inferred {
		name := c.Name
		if taken[strings.ToLower(name)] {
			name = "attr_" + c.Name
		}
		base := name
		for n := 2; taken[strings.ToLower(name)]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		taken[strings.ToLower(name)] = true
		cols = append(cols, column{Column: c, sqlName: name})
	}
	return cols
}

func sqlType(k domain.Kind) string {
	switch k {
	case domain.KindInteger:
		return "INTEGER"
	case domain.KindReal:
		return "REAL"
	case domain.KindBoolean:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// columnValue converts an attribute to the driver value for its column.
func columnValue(k domain.Kind, v any) any {
	if v == nil {
		return nil
	}
	switch k {
	case domain.KindInteger:
		if n, ok := v.(interface{ Int64() (int64, error) }); ok {
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
	case domain.KindReal:
		if n, ok := v.(interface{ Float64() (float64, error) }); ok {
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	case domain.KindBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return domain.Text(v)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ParseDateTime reads a GeoPackage DATETIME value.
func ParseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse geopackage datetime %q: %w", s, err)
	}
	return t.UTC(), nil
}
