//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	shp "github.com/jonas-p/go-shp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/sc2gpkg/internal/adapter/gpkg"
	"github.com/couchcryptid/sc2gpkg/internal/adapter/jsonfile"
	"github.com/couchcryptid/sc2gpkg/internal/adapter/shapefile"
	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/observability"
	"github.com/couchcryptid/sc2gpkg/internal/pipeline"
	"github.com/couchcryptid/sc2gpkg/internal/schema"
)

const (
	testUsers   = 25
	testPackets = 400
	testFixes   = 60
	testBadEach = 7 // every seventh fix has an out-of-range latitude
)

type packet struct {
	UserID        string   `json:"user_id"`
	DeviceDetails string   `json:"device_details"`
	Longitude     []string `json:"longitude"`
	Latitude      []string `json:"latitude"`
	Timestamp     []string `json:"timestamp"`
	Accuracy      []string `json:"accuracy"`
}

// writeExport generates a StorageConnect export and returns its path and the
// number of fixes that should be accepted.
func writeExport(t *testing.T, dir string) (string, int) {
	t.Helper()
	f := gofakeit.New(99)
	base := time.Date(2022, time.April, 19, 0, 0, 0, 0, time.UTC)

	users := make([]string, testUsers)
	for i := range users {
		users[i] = fmt.Sprintf("%s-%d", strings.ToLower(f.Username()), i)
	}

	var doc struct {
		Packets []packet `json:"packets"`
	}
	valid, n := 0, 0
	for i := range testPackets {
		p := packet{UserID: users[i%testUsers], DeviceDetails: "Pixel 4a"}
		for range testFixes {
			lat := f.Float64Range(-80, 80)
			if n%testBadEach == 0 {
				lat = 95
			} else {
				valid++
			}
			n++
			p.Longitude = append(p.Longitude, strings.Replace(strconv.FormatFloat(f.Float64Range(-179, 179), 'f', 6, 64), ".", ",", 1))
			p.Latitude = append(p.Latitude, strings.Replace(strconv.FormatFloat(lat, 'f', 6, 64), ".", ",", 1))
			p.Timestamp = append(p.Timestamp, base.Add(time.Duration(n)*time.Second).Format("2006-01-02 15:04:05"))
			p.Accuracy = append(p.Accuracy, strconv.Itoa(f.IntRange(0, 120)))
		}
		doc.Packets = append(doc.Packets, p)
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, valid
}

func newPipeline(t *testing.T, in, out string, m *observability.Metrics) *pipeline.Pipeline {
	t.Helper()
	s, err := schema.Builtin(schema.Default)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return pipeline.New(
		jsonfile.NewReader(in, s, logger),
		domain.NewExtractor(s),
		[]pipeline.Sink{
			gpkg.NewWriter(out, gpkg.Options{Layer: "gps_traces", Description: "integration"}, logger),
			shapefile.NewWriter(shapefile.PathFor(out), logger),
		},
		logger,
		m,
	)
}

// TestFilePipeline runs a large generated export through the real reader,
// extractor and both writers, then reads every output back.
func TestFilePipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir := t.TempDir()
	in, valid := writeExport(t, dir)
	out := filepath.Join(dir, "traces.gpkg")
	m := observability.NewMetrics()

	sum, err := newPipeline(t, in, out, m).Run(ctx)
	require.NoError(t, err)

	total := testPackets * testFixes
	assert.Equal(t, total, sum.Result.Total)
	assert.Equal(t, valid, sum.Result.Accepted())
	assert.Equal(t, total-valid, sum.Result.ReasonCounts()[domain.ReasonOutOfRange])

	assert.InDelta(t, float64(total), testutil.ToFloat64(m.RecordsRead), 0)
	assert.InDelta(t, float64(valid), testutil.ToFloat64(m.FeaturesWritten.WithLabelValues("gpkg")), 0)
	assert.InDelta(t, float64(valid), testutil.ToFloat64(m.FeaturesWritten.WithLabelValues("shapefile")), 0)

	layer, err := gpkg.ReadLayer(ctx, out, "gps_traces")
	require.NoError(t, err)
	require.Len(t, layer.Rows, valid)
	assert.Equal(t, "integration", layer.Contents.Description)
	assert.Equal(t, []string{"accuracy", "device_details"}, layer.Columns)
	require.NotNil(t, layer.Contents.Extent)

	prev := time.Time{}
	for i, row := range layer.Rows {
		f := sum.Result.Features[i]
		assert.InDelta(t, f.Longitude, row.Longitude, 1e-9)
		assert.InDelta(t, f.Latitude, row.Latitude, 1e-9)
		ts, err := gpkg.ParseDateTime(row.Timestamp)
		require.NoError(t, err)
		assert.True(t, ts.After(prev), "fid %d is out of input order", row.FID)
		prev = ts
	}

	r, err := shp.Open(shapefile.PathFor(out))
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for r.Next() {
		n++
	}
	assert.Equal(t, valid, n)
}

// TestFilePipeline_Rerun checks that converting twice into the same target
// replaces the package instead of appending to it.
func TestFilePipeline_Rerun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	in, valid := writeExport(t, dir)
	out := filepath.Join(dir, "traces.gpkg")

	for range 2 {
		_, err := newPipeline(t, in, out, observability.NewMetrics()).Run(ctx)
		require.NoError(t, err)
	}

	layer, err := gpkg.ReadLayer(ctx, out, "gps_traces")
	require.NoError(t, err)
	assert.Len(t, layer.Rows, valid)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".sc2gpkg-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
