package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// ErrNotGeoPackage is returned when a file lacks the GeoPackage header or
// the requested layer.
var ErrNotGeoPackage = errors.New("not a geopackage")

// Contents is a layer's gpkg_contents entry.
type Contents struct {
	DataType    string
	Description string
	LastChange  string
	SRSID       int64
	// Extent is nil for an empty layer.
	Extent *[4]float64
}

// Row is one stored point feature.
type Row struct {
	FID        int64
	Longitude  float64
	Latitude   float64
	SRSID      int
	UserID     string
	Timestamp  string
	Attributes map[string]any
}

// Layer is a feature layer read back from a GeoPackage.
type Layer struct {
	ApplicationID int64
	UserVersion   int64
	Name          string
	GeometryType  string
	Contents      Contents
	// Columns lists the attribute columns in table order.
	Columns []string
	Rows    []Row
}

// ReadLayer loads a whole point layer. It is used to check written output.
func ReadLayer(ctx context.Context, path, layer string) (*Layer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open geopackage: %w", err)
	}
	defer db.Close()

	l := &Layer{Name: layer}
	if err := db.QueryRowContext(ctx, "PRAGMA application_id").Scan(&l.ApplicationID); err != nil {
		return nil, fmt.Errorf("read application id: %w", err)
	}
	if l.ApplicationID != ApplicationID {
		return nil, fmt.Errorf("%w: application id %#x", ErrNotGeoPackage, l.ApplicationID)
	}
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&l.UserVersion); err != nil {
		return nil, fmt.Errorf("read user version: %w", err)
	}

	var minX, minY, maxX, maxY sql.NullFloat64
	var desc sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT data_type, description, last_change, min_x, min_y, max_x, max_y, srs_id FROM gpkg_contents WHERE table_name = ?`, layer,
	).Scan(&l.Contents.DataType, &desc, &l.Contents.LastChange, &minX, &minY, &maxX, &maxY, &l.Contents.SRSID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no layer %q", ErrNotGeoPackage, layer)
	}
	if err != nil {
		return nil, fmt.Errorf("read contents: %w", err)
	}
	l.Contents.Description = desc.String
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		l.Contents.Extent = &[4]float64{minX.Float64, minY.Float64, maxX.Float64, maxY.Float64}
	}

	if err := db.QueryRowContext(ctx,
		`SELECT geometry_type_name FROM gpkg_geometry_columns WHERE table_name = ? AND column_name = ?`, layer, GeometryColumn,
	).Scan(&l.GeometryType); err != nil {
		return nil, fmt.Errorf("read geometry column: %w", err)
	}

	if err := l.readRows(ctx, db); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layer) readRows(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY fid", quoteIdent(l.Name)))
	if err != nil {
		return fmt.Errorf("query layer: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("layer columns: %w", err)
	}
	fixed := len(reservedColumns)
	if len(names) < fixed {
		return fmt.Errorf("%w: layer %q has %d columns", ErrNotGeoPackage, l.Name, len(names))
	}
	l.Columns = names[fixed:]

	for rows.Next() {
		var (
			r     Row
			blob  []byte
			attrs = make([]any, len(l.Columns))
		)
		dest := []any{&r.FID, &blob, &r.UserID, &r.Timestamp}
		for i := range attrs {
			dest = append(dest, &attrs[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan feature: %w", err)
		}

		p, err := decodePoint(blob)
		if err != nil {
			return fmt.Errorf("feature %d: %w", r.FID, err)
		}
		r.Longitude, r.Latitude, r.SRSID = p.X(), p.Y(), p.SRID()

		r.Attributes = make(map[string]any, len(l.Columns))
		for i, name := range l.Columns {
			r.Attributes[name] = attrs[i]
		}
		l.Rows = append(l.Rows, r)
	}
	return rows.Err()
}
