// Package report renders run results for the terminal.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/couchcryptid/sc2gpkg/internal/domain"
)

var (
	headerColor = color.New(color.FgWhite, color.Bold)
	okColor     = color.New(color.FgGreen, color.Bold)
	warnColor   = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
)

// Table is a fixed-width text table with a colored header.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table to w. Cells are padded by rune count.
func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len([]rune(h))
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], len([]rune(cell)))
			}
		}
	}

	for i, h := range t.headers {
		headerColor.Fprint(w, pad(h, widths[i], i == len(t.headers)-1))
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, pad(strings.Repeat("-", widths[i]), widths[i], i == len(t.headers)-1))
	}
	fmt.Fprintln(w)
	for _, row := range t.rows {
		for i := range t.headers {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			fmt.Fprint(w, pad(cell, widths[i], i == len(t.headers)-1))
		}
		fmt.Fprintln(w)
	}
}

func pad(s string, width int, last bool) string {
	if last {
		return s
	}
	return s + strings.Repeat(" ", width-len([]rune(s))+2)
}

// WriteUsers prints the per-user log counts, busiest user first.
func WriteUsers(w io.Writer, users []domain.UserSummary) {
	if len(users) == 0 {
		warnColor.Fprintln(w, "no valid records: user report is empty")
		return
	}
	t := NewTable("user_id", "n_logs", "first_log", "last_log", "device_details")
	for _, u := range users {
		t.AddRow(u.UserID, strconv.Itoa(u.Count), formatTime(u.FirstLog), formatTime(u.LastLog), u.Detail)
	}
	t.Render(w)
}

// WriteUsersJSON prints the per-user summary as indented JSON.
func WriteUsersJSON(w io.Writer, users []domain.UserSummary) error {
	if users == nil {
		users = []domain.UserSummary{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(users)
}

// WriteRejections prints each rejected record with its reason, then a
// tally per reason.
func WriteRejections(w io.Writer, rejections []domain.Rejection) {
	if len(rejections) == 0 {
		okColor.Fprintln(w, "no records rejected")
		return
	}
	for _, r := range rejections {
		errColor.Fprintf(w, "record %d: %s (%s)\n", r.Index, r.Reason, r.Field)
		fmt.Fprintf(w, "  detail: %s\n", r.Detail)
		fmt.Fprintf(w, "  raw:    %s\n", compact(r.Raw))
	}

	counts := make(map[domain.Reason]int)
	for _, r := range rejections {
		counts[r.Reason]++
	}
	t := NewTable("reason", "count")
	for _, reason := range domain.Reasons() {
		if n := counts[reason]; n > 0 {
			t.AddRow(string(reason), strconv.Itoa(n))
		}
	}
	fmt.Fprintln(w)
	t.Render(w)
}

// WriteRejectionsJSON writes one JSON object per rejected record.
func WriteRejectionsJSON(w io.Writer, rejections []domain.Rejection) error {
	enc := json.NewEncoder(w)
	for _, r := range rejections {
		r.Raw = json.RawMessage(compact(r.Raw))
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode rejection %d: %w", r.Index, err)
		}
	}
	return nil
}

// Totals is the end-of-run line printed after a conversion.
type Totals struct {
	Read     int
	Accepted int
	Rejected int
	Outputs  []string
}

// WriteTotals prints the record counts and the files written.
func WriteTotals(w io.Writer, t Totals) {
	okColor.Fprintf(w, "✓ %d of %d records converted", t.Accepted, t.Read)
	if t.Rejected > 0 {
		warnColor.Fprintf(w, " (%d rejected)", t.Rejected)
	}
	fmt.Fprintln(w)
	for _, out := range t.Outputs {
		fmt.Fprintf(w, "  wrote %s\n", out)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// compact renders raw JSON on one line; anything unparsable is shown as is.
func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
