package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin_StorageConnect(t *testing.T) {
	s, err := Builtin(Default)
	require.NoError(t, err)

	assert.Equal(t, "storageconnect-v1", s.Version)
	assert.Equal(t, LayoutPackets, s.Layout)
	assert.Equal(t, "packets", s.RecordsKey)
	assert.True(t, s.DecimalComma)
	assert.True(t, s.IsPerFix("accuracy"))
	assert.False(t, s.IsPerFix("device_details"))
	assert.Equal(t, time.UTC, s.Location())
	assert.Equal(t, "device_details", s.DetailAttribute)
}

func TestBuiltin_ReturnsCopy(t *testing.T) {
	s, err := Builtin(Default)
	require.NoError(t, err)
	s.PerFix[0] = "changed"

	again, err := Builtin(Default)
	require.NoError(t, err)
	assert.Equal(t, "longitude", again.PerFix[0])
}

func TestBuiltin_Unknown(t *testing.T) {
	_, err := Builtin("garmin-v9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garmin-v9")
	assert.Contains(t, err.Error(), "flat-v1")
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"flat-v1", "storageconnect-v1"}, Names())
}

func TestParse(t *testing.T) {
	t.Run("standalone records schema", func(t *testing.T) {
		s, err := Parse([]byte(`
version: tracker-v2
layout: records
records_key: fixes
fields:
  longitude: position.lng
  latitude: position.lat
  timestamp: recorded_at
  user_id: device
timezone: Europe/London
epoch_unit: ms
`))
		require.NoError(t, err)
		assert.Equal(t, "tracker-v2", s.Version)
		assert.Equal(t, LayoutRecords, s.Layout)
		assert.Equal(t, "position.lng", s.Fields.Longitude)
		assert.Equal(t, EpochMilliseconds, s.EpochUnit)
		assert.Equal(t, "Europe/London", s.Location().String())
	})

	t.Run("base fills unset settings", func(t *testing.T) {
		s, err := Parse([]byte(`
base: storageconnect-v1
version: storageconnect-v2
reject_null_island: true
attributes: [accuracy, device_details, battery]
`))
		require.NoError(t, err)
		assert.Equal(t, "storageconnect-v2", s.Version)
		assert.Equal(t, LayoutPackets, s.Layout)
		assert.Equal(t, "user_id", s.Fields.UserID)
		assert.True(t, s.DecimalComma)
		assert.True(t, s.RejectNullIsland)
		assert.Equal(t, []string{"accuracy", "device_details", "battery"}, s.Attributes)
	})

	t.Run("defaults applied", func(t *testing.T) {
		s, err := Parse([]byte(`
version: minimal
layout: records
fields: {longitude: x, latitude: y, timestamp: t, user_id: u}
`))
		require.NoError(t, err)
		assert.Equal(t, "UTC", s.TimeZone)
		assert.Equal(t, EpochAuto, s.EpochUnit)
	})
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"unknown key", "version: x\nlayout: records\nbogus: 1\n", "bogus"},
		{"missing version", "layout: records\n", "version"},
		{"unknown layout", "version: x\nlayout: csv\n", "unknown layout"},
		{"missing fields", "version: x\nlayout: records\nfields: {longitude: lon}\n", "fields"},
		{"packets without key", "version: x\nlayout: packets\nper_fix: [a]\nfields: {longitude: x, latitude: y, timestamp: t, user_id: u}\n", "records_key"},
		{"packets without per_fix", "version: x\nlayout: packets\nrecords_key: p\nfields: {longitude: x, latitude: y, timestamp: t, user_id: u}\n", "per_fix"},
		{"bad epoch unit", "version: x\nlayout: records\nepoch_unit: us\nfields: {longitude: x, latitude: y, timestamp: t, user_id: u}\n", "epoch_unit"},
		{"bad timezone", "version: x\nlayout: records\ntimezone: Mars/Olympus\nfields: {longitude: x, latitude: y, timestamp: t, user_id: u}\n", "timezone"},
		{"unknown base", "base: nope\n", "unknown schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolve(t *testing.T) {
	t.Run("empty name uses default", func(t *testing.T) {
		s, err := Resolve("", "")
		require.NoError(t, err)
		assert.Equal(t, Default, s.Version)
	})

	t.Run("file wins over name", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "schema.yaml")
		require.NoError(t, os.WriteFile(path, []byte("base: flat-v1\nversion: custom\n"), 0o600))

		s, err := Resolve(Default, path)
		require.NoError(t, err)
		assert.Equal(t, "custom", s.Version)
		assert.Equal(t, LayoutRecords, s.Layout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Resolve("", filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read schema file")
	})
}

func TestMapped(t *testing.T) {
	s, err := Builtin("flat-v1")
	require.NoError(t, err)
	assert.True(t, s.Mapped("latitude"))
	assert.True(t, s.Mapped("user_id"))
	assert.False(t, s.Mapped("accuracy"))
}
