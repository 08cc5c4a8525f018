package report

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/sc2gpkg/internal/domain"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestTable_Render(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable("user_id", "n_logs")
	tbl.AddRow("u1", "2")
	tbl.AddRow("a-much-longer-id", "10")
	tbl.Render(&buf)

	assert.Equal(t, strings.Join([]string{
		"user_id           n_logs",
		"----------------  ------",
		"u1                2",
		"a-much-longer-id  10",
		"",
	}, "\n"), buf.String())
}

func TestTable_ShortRows(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTable("a", "b", "c")
	tbl.AddRow("x")
	tbl.Render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "x     ", lines[2])
}

func TestWriteUsers(t *testing.T) {
	var buf bytes.Buffer
	WriteUsers(&buf, []domain.UserSummary{
		{UserID: "u1", Count: 2, FirstLog: time.Date(2022, 4, 19, 16, 23, 9, 0, time.UTC), LastLog: time.Date(2022, 4, 19, 16, 23, 39, 0, time.UTC), Detail: "Pixel 4a"},
		{UserID: "u2", Count: 1},
	})

	out := buf.String()
	assert.Contains(t, out, "n_logs")
	assert.Contains(t, out, "2022-04-19T16:23:09Z")
	assert.Contains(t, out, "Pixel 4a")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[2], "u1"))
	assert.True(t, strings.HasPrefix(lines[3], "u2"))
}

func TestWriteUsers_Empty(t *testing.T) {
	var buf bytes.Buffer
	WriteUsers(&buf, nil)
	assert.Contains(t, buf.String(), "user report is empty")
}

func TestWriteUsersJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUsersJSON(&buf, nil))
	assert.JSONEq(t, `[]`, buf.String())

	buf.Reset()
	require.NoError(t, WriteUsersJSON(&buf, []domain.UserSummary{{UserID: "u1", Count: 3}}))
	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0]["user_id"])
	assert.EqualValues(t, 3, got[0]["n_logs"])
}

func TestWriteRejections(t *testing.T) {
	var buf bytes.Buffer
	WriteRejections(&buf, []domain.Rejection{
		{Index: 1, Reason: domain.ReasonOutOfRange, Field: domain.FieldLatitude, Detail: "latitude: out_of_range: 95 not in [-90, 90]", Raw: json.RawMessage(`{ "latitude": 95 }`)},
		{Index: 4, Reason: domain.ReasonMissingField, Field: domain.FieldUserID, Detail: "user_id: missing_field", Raw: json.RawMessage(`{}`)},
		{Index: 6, Reason: domain.ReasonOutOfRange, Field: domain.FieldLongitude, Detail: "longitude: out_of_range", Raw: nil},
	})

	out := buf.String()
	assert.Contains(t, out, "record 1: out_of_range (latitude)")
	assert.Contains(t, out, `raw:    {"latitude":95}`)
	assert.Contains(t, out, "record 4: missing_field (user_id)")
	assert.Contains(t, out, "raw:    null")

	tally := out[strings.Index(out, "reason"):]
	assert.Less(t, strings.Index(tally, "missing_field"), strings.Index(tally, "out_of_range"))
	assert.Contains(t, tally, "out_of_range   2")
}

func TestWriteRejections_None(t *testing.T) {
	var buf bytes.Buffer
	WriteRejections(&buf, nil)
	assert.Equal(t, "no records rejected\n", buf.String())
}

func TestWriteRejectionsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRejectionsJSON(&buf, []domain.Rejection{
		{Index: 1, Reason: domain.ReasonOutOfRange, Field: domain.FieldLatitude, Detail: "d", Raw: json.RawMessage("{\n \"latitude\": 95\n}")},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.JSONEq(t, `{"index":1,"reason":"out_of_range","field":"latitude","detail":"d","raw":{"latitude":95}}`, lines[0])
}

func TestWriteTotals(t *testing.T) {
	var buf bytes.Buffer
	WriteTotals(&buf, Totals{Read: 3, Accepted: 2, Rejected: 1, Outputs: []string{"out.gpkg"}})

	assert.Equal(t, "✓ 2 of 3 records converted (1 rejected)\n  wrote out.gpkg\n", buf.String())
}
