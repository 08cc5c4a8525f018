package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")

	logger.Debug("hidden")
	logger.Info("wrote geopackage", "features", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "wrote geopackage", entry["msg"])
	assert.Equal(t, "sc2gpkg", entry["service"])
	assert.EqualValues(t, 3, entry["features"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelDebug, "text").Debug("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordsRead.Add(3)
	m.RecordsRejected.WithLabelValues("out_of_range").Inc()
	m.FeaturesWritten.WithLabelValues("gpkg").Add(2)

	assert.InDelta(t, 3, testutil.ToFloat64(m.RecordsRead), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsRejected.WithLabelValues("out_of_range")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.RecordsRejected.WithLabelValues("missing_field")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.FeaturesWritten.WithLabelValues("gpkg")), 0)

	// Every reason series exists before any rejection.
	assert.Equal(t, 4, testutil.CollectAndCount(NewMetrics().RecordsRejected))
}

func TestNewMetrics_Independent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.RecordsRead.Inc()

	assert.InDelta(t, 0, testutil.ToFloat64(b.RecordsRead), 0)
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordsRead.Add(5)
	path := filepath.Join(t.TempDir(), "sc2gpkg.prom")

	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sc2gpkg_records_read_total 5")
	assert.Contains(t, string(data), `sc2gpkg_records_rejected_total{reason="missing_field"} 0`)
}

func TestWriteTextfile_Unwritable(t *testing.T) {
	err := NewMetrics().WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	assert.Error(t, err)
}
