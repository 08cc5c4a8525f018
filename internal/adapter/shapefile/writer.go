// Package shapefile exports validated features as an ESRI point shapefile.
package shapefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	shp "github.com/jonas-p/go-shp"

	"github.com/couchcryptid/sc2gpkg/internal/adapter/gpkg"
	"github.com/couchcryptid/sc2gpkg/internal/domain"
)

const (
	// maxFieldName is the dBASE limit on attribute names.
	maxFieldName = 10
	// maxFieldSize is the largest dBASE character field.
	maxFieldSize = 254

	realDecimals = 8

	// TimestampLayout is the fixed-width text form of the timestamp field.
	TimestampLayout = "2006-01-02T15:04:05Z"
)

// esriWGS84 is the .prj content for longitude/latitude on WGS 84.
const esriWGS84 = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// sidecars are the files that make up one shapefile.
var sidecars = []string{".shp", ".shx", ".dbf", ".prj", ".cpg"}

// PathFor returns the .shp path that sits next to out.
func PathFor(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".shp"
}

// Writer exports a point layer as .shp, .shx, .dbf, .prj and .cpg files.
// It implements pipeline.Sink.
type Writer struct {
	path   string
	logger *slog.Logger
}

// NewWriter creates a Writer for the shapefile at path.
func NewWriter(path string, logger *slog.Logger) *Writer {
	return &Writer{path: path, logger: logger}
}

// Name identifies the output format in logs and metrics.
func (w *Writer) Name() string { return "shapefile" }

// Path returns the target .shp file.
func (w *Writer) Path() string { return w.path }

// field is one dBASE column. builtin names the feature property it carries
// when it is not a passthrough attribute.
type field struct {
	builtin string
	attr    string
	kind    domain.Kind
	def     shp.Field
}

// Write exports features with the same attributes as the GeoPackage layer.
func (w *Writer) Write(ctx context.Context, features []domain.Feature) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := fieldsFor(features)
	if err := w.create(ctx, fields, features); err != nil {
		w.remove()
		return err
	}

	w.logger.Info("wrote shapefile", "path", w.path, "features", len(features), "fields", len(fields))
	return nil
}

func (w *Writer) create(ctx context.Context, fields []field, features []domain.Feature) error {
	defs := make([]shp.Field, len(fields))
	for i, f := range fields {
		defs[i] = f.def
	}

	out, err := shp.Create(w.path, shp.POINT)
	if err != nil {
		return fmt.Errorf("%w: %v", gpkg.ErrUnwritable, err)
	}
	if err := out.SetFields(defs); err != nil {
		out.Close()
		return fmt.Errorf("set shapefile fields: %w", err)
	}
	if err := writeRows(ctx, out, fields, features); err != nil {
		out.Close()
		return err
	}
	out.Close()

	base := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	if err := os.WriteFile(base+".prj", []byte(esriWGS84), 0o644); err != nil {
		return fmt.Errorf("%w: %v", gpkg.ErrUnwritable, err)
	}
	if err := os.WriteFile(base+".cpg", []byte("UTF-8"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", gpkg.ErrUnwritable, err)
	}
	return nil
}

// remove deletes whatever part of the file set a failed write left behind.
func (w *Writer) remove() {
	base := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	for _, ext := range sidecars {
		if err := os.Remove(base + ext); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("partial shapefile not removed", "path", base+ext, "error", err)
		}
	}
}

func writeRows(ctx context.Context, out *shp.Writer, fields []field, features []domain.Feature) error {
	for i := range features {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		f := &features[i]
		row := int(out.Write(&shp.Point{X: f.Longitude, Y: f.Latitude}))

		for j, fd := range fields {
			v, ok := fieldValue(fd, f)
			if !ok {
				continue
			}
			if err := out.WriteAttribute(row, j, v); err != nil {
				return fmt.Errorf("write attribute %q of feature %d: %w", fd.attr, i, err)
			}
		}
	}
	return nil
}

// fieldValue returns the dBASE value for one cell. Null attributes are
// left blank.
func fieldValue(fd field, f *domain.Feature) (any, bool) {
	switch fd.builtin {
	case domain.FieldUserID:
		return truncate(f.UserID, int(fd.def.Size)), true
	case domain.FieldTimestamp:
		return f.Timestamp.UTC().Format(TimestampLayout), true
	}

	v := f.Attributes[fd.attr]
	if v == nil {
		return nil, false
	}
	switch fd.kind {
	case domain.KindInteger:
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return int(i), true
			}
		}
	case domain.KindReal:
		if n, ok := v.(json.Number); ok {
			if x, err := n.Float64(); err == nil {
				return x, true
			}
		}
	}
	return truncate(domain.Text(v), int(fd.def.Size)), true
}

// fieldsFor builds the dBASE schema: user_id and timestamp first, then one
// field per attribute with its name shortened to ten bytes and made unique.
func fieldsFor(features []domain.Feature) []field {
	userSize := 1
	for i := range features {
		userSize = max(userSize, len(features[i].UserID))
	}

	fields := []field{
		{builtin: domain.FieldUserID, def: shp.StringField(domain.FieldUserID, uint8(min(userSize, maxFieldSize)))},
		{builtin: domain.FieldTimestamp, def: shp.StringField(domain.FieldTimestamp, uint8(len(TimestampLayout)))},
	}
	taken := map[string]bool{
		strings.ToLower(domain.FieldUserID):    true,
		strings.ToLower(domain.FieldTimestamp): true,
	}

	for _, c := range domain.InferColumns(features) {
		def, kind := fieldDef(uniqueName(c.Name, taken), c, features)
		fields = append(fields, field{attr: c.Name, kind: kind, def: def})
	}
	return fields
}

// fieldDef sizes the dBASE field for column c. A real column whose values
// do not fit a numeric field is written as text instead.
func fieldDef(name string, c domain.Column, features []domain.Feature) (shp.Field, domain.Kind) {
	textSize, realSize := 1, 1
	for i := range features {
		v := features[i].Attributes[c.Name]
		if v == nil {
			continue
		}
		textSize = max(textSize, len(domain.Text(v)))
		if n, ok := v.(json.Number); ok && c.Kind == domain.KindReal {
			if x, err := n.Float64(); err == nil {
				realSize = max(realSize, len(strconv.FormatFloat(x, 'f', realDecimals, 64)))
			}
		}
	}

	switch c.Kind {
	case domain.KindInteger:
		return shp.NumberField(name, uint8(min(textSize, maxFieldSize))), c.Kind
	case domain.KindReal:
		if realSize <= maxFieldSize {
			return shp.FloatField(name, uint8(realSize), realDecimals), c.Kind
		}
		return shp.StringField(name, uint8(min(textSize, maxFieldSize))), domain.KindText
	default:
		return shp.StringField(name, uint8(min(textSize, maxFieldSize))), c.Kind
	}
}

// uniqueName shortens name to a valid dBASE field name not yet in taken.
// Collisions are resolved case-insensitively with a numeric suffix.
func uniqueName(name string, taken map[string]bool) string {
	if name == "" {
		name = "field"
	}
	candidate := truncate(name, maxFieldName)
	for n := 1; taken[strings.ToLower(candidate)]; n++ {
		suffix := "_" + strconv.Itoa(n)
		candidate = truncate(name, maxFieldName-len(suffix)) + suffix
	}
	taken[strings.ToLower(candidate)] = true
	return candidate
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
