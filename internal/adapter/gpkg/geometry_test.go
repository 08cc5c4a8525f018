package gpkg

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

func TestWriter_StoredGeometryHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.gpkg")
	w := NewWriter(path, Options{Layer: "gps_traces"}, discardLogger())
	require.NoError(t, w.Write(context.Background(), sampleFeatures()))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var blob []byte
	require.NoError(t, db.QueryRow(`SELECT geom FROM gps_traces WHERE fid = 1`).Scan(&blob))
	require.Len(t, blob, headerSize+21)

	assert.Equal(t, byte('G'), blob[0])
	assert.Equal(t, byte('P'), blob[1])
	assert.Equal(t, byte(0), blob[2], "version")
	assert.Equal(t, byte(0x01), blob[3], "little endian, no envelope, not empty")
	assert.Equal(t, uint32(4326), binary.LittleEndian.Uint32(blob[4:8]))

	// WKB point: byte order, type 1, x, y.
	body := blob[headerSize:]
	assert.Equal(t, byte(1), body[0])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(body[1:5]))
	assert.InDelta(t, -2.2345, math.Float64frombits(binary.LittleEndian.Uint64(body[5:13])), 1e-12)
	assert.InDelta(t, 53.4668, math.Float64frombits(binary.LittleEndian.Uint64(body[13:21])), 1e-12)
}

func TestDecodePoint(t *testing.T) {
	p := geom.NewPointFlat(geom.XY, []float64{1.5, -2.5}).SetSRID(SRSID)
	blob, err := encodePoint(p)
	require.NoError(t, err)

	got, err := decodePoint(blob)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2.5}, got.FlatCoords())
	assert.Equal(t, SRSID, got.SRID())

	t.Run("big endian with envelope", func(t *testing.T) {
		body, err := wkb.Marshal(p, binary.BigEndian)
		require.NoError(t, err)

		b := []byte{'G', 'P', 0, 0x02, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(b[4:], 3857)
		env := make([]byte, 32)
		for i, v := range []float64{1.5, 1.5, -2.5, -2.5} {
			binary.BigEndian.PutUint64(env[i*8:], math.Float64bits(v))
		}
		b = append(append(b, env...), body...)

		got, err := decodePoint(b)
		require.NoError(t, err)
		assert.Equal(t, []float64{1.5, -2.5}, got.FlatCoords())
		assert.Equal(t, 3857, got.SRID())
	})

	bad := []struct {
		name string
		blob []byte
	}{
		{"too short", []byte("GP")},
		{"bad magic", append([]byte("XP"), blob[2:]...)},
		{"bad version", append([]byte{'G', 'P', 1}, blob[3:]...)},
		{"empty flag", append([]byte{'G', 'P', 0, 0x11}, blob[4:]...)},
		{"unknown envelope", append([]byte{'G', 'P', 0, 0x0b}, blob[4:]...)},
		{"truncated envelope", []byte{'G', 'P', 0, 0x03, 0xe6, 0x10, 0, 0, 1, 2}},
		{"truncated wkb", blob[:headerSize+5]},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodePoint(tt.blob)
			assert.Error(t, err)
		})
	}
}
