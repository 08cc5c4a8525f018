package domain

import (
	"fmt"
	"sort"
	"time"
)

// UserSummary aggregates the fixes of one user.
type UserSummary struct {
	UserID   string    `json:"user_id"`
	Count    int       `json:"n_logs"`
	FirstLog time.Time `json:"first_log"`
	LastLog  time.Time `json:"last_log"`
	Detail   string    `json:"detail,omitempty"`
}

// CountByUser returns the number of features per user id.
func CountByUser(features []Feature) map[string]int {
	counts := make(map[string]int)
	for i := range features {
		counts[features[i].UserID]++
	}
	return counts
}

// SummarizeUsers groups features by user, ordered by count descending and
// then user id. Detail is the first non-null value of detailAttr seen for
// the user; an empty detailAttr leaves it blank.
func SummarizeUsers(features []Feature, detailAttr string) []UserSummary {
	byUser := make(map[string]*UserSummary)
	order := make([]string, 0)

	for i := range features {
		f := &features[i]
		s, ok := byUser[f.UserID]
		if !ok {
			s = &UserSummary{UserID: f.UserID, FirstLog: f.Timestamp, LastLog: f.Timestamp}
			byUser[f.UserID] = s
			order = append(order, f.UserID)
		}
		s.Count++
		if f.Timestamp.Before(s.FirstLog) {
			s.FirstLog = f.Timestamp
		}
		if f.Timestamp.After(s.LastLog) {
			s.LastLog = f.Timestamp
		}
		if s.Detail == "" && detailAttr != "" {
			if v, ok := f.Attributes[detailAttr]; ok && v != nil {
				s.Detail = fmt.Sprint(v)
			}
		}
	}

	out := make([]UserSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byUser[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
