package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// LeaderboardID identifies one of the fixed leaderboards of an instance.
type LeaderboardID string

const (
	LeaderboardFourDisks LeaderboardID = "lb4"
	LeaderboardFiveDisks LeaderboardID = "lb5"
)

// LeaderboardIDs is the complete, ordered set of leaderboards every instance carries.
var LeaderboardIDs = []LeaderboardID{LeaderboardFourDisks, LeaderboardFiveDisks}

// IsValid reports whether id is part of the leaderboard set.
func (id LeaderboardID) IsValid() bool {
	for _, known := range LeaderboardIDs {
		if id == known {
			return true
		}
	}
	return false
}

// Record is a single leaderboard entry. Score is the solve time in milliseconds.
type Record struct {
	Name  string `json:"name"`
	Score int64  `json:"score"`
}

// Leaderboard is ordered ascending by score.
type Leaderboard []Record

// Sort orders the leaderboard ascending by score, keeping insertion order for ties.
func (l Leaderboard) Sort() {
	sort.SliceStable(l, func(i, j int) bool {
		return l[i].Score < l[j].Score
	})
}

// IsSorted reports whether the leaderboard is in display order.
func (l Leaderboard) IsSorted() bool {
	return sort.SliceIsSorted(l, func(i, j int) bool {
		return l[i].Score < l[j].Score
	})
}

// HanoiData maps every leaderboard id to its leaderboard.
type HanoiData map[LeaderboardID]Leaderboard

// EmptyData returns data with an empty leaderboard for every id.
func EmptyData() HanoiData {
	data := make(HanoiData, len(LeaderboardIDs))
	for _, id := range LeaderboardIDs {
		data[id] = Leaderboard{}
	}
	return data
}

// Normalize fills missing leaderboards, drops unknown ids and sorts every leaderboard.
func (d HanoiData) Normalize() HanoiData {
	out := make(HanoiData, len(LeaderboardIDs))
	for _, id := range LeaderboardIDs {
		lb := make(Leaderboard, len(d[id]))
		copy(lb, d[id])
		lb.Sort()
		out[id] = lb
	}
	return out
}

// Clone returns a deep copy of the data.
func (d HanoiData) Clone() HanoiData {
	out := make(HanoiData, len(d))
	for id, lb := range d {
		cp := make(Leaderboard, len(lb))
		copy(cp, lb)
		out[id] = cp
	}
	return out
}

// ParseHanoiData decodes and validates a leaderboard payload. Every leaderboard id must be
// present as an array of {name: string, score: number} objects. Fractional scores are
// rounded to the nearest millisecond. The result is normalized.
func ParseHanoiData(raw []byte) (HanoiData, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, NewValidationError("Payload is not an object.")
	}

	data := make(HanoiData, len(LeaderboardIDs))
	for _, id := range LeaderboardIDs {
		lbRaw, ok := fields[string(id)]
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("Missing '%s'", id))
		}

		var entries []json.RawMessage
		trimmed := bytes.TrimSpace(lbRaw)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, NewValidationError(fmt.Sprintf("Leaderboard '%s' is not an array.", id))
		}
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, NewValidationError(fmt.Sprintf("Leaderboard '%s' is not an array.", id))
		}

		lb := make(Leaderboard, 0, len(entries))
		for i, entry := range entries {
			record, err := parseRecord(entry)
			if err != nil {
				return nil, NewValidationError(fmt.Sprintf("Invalid %s at leaderboard '%s' index %d.", err.Error(), id, i))
			}
			lb = append(lb, record)
		}
		data[id] = lb
	}

	return data.Normalize(), nil
}

func parseRecord(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Record{}, fmt.Errorf("record")
	}

	var name string
	nameRaw, ok := fields["name"]
	if !ok || !bytes.HasPrefix(bytes.TrimSpace(nameRaw), []byte(`"`)) || json.Unmarshal(nameRaw, &name) != nil {
		return Record{}, fmt.Errorf("name")
	}

	var score json.Number
	scoreRaw, ok := fields["score"]
	if !ok || bytes.HasPrefix(bytes.TrimSpace(scoreRaw), []byte(`"`)) || json.Unmarshal(scoreRaw, &score) != nil {
		return Record{}, fmt.Errorf("score")
	}
	value, err := score.Float64()
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return Record{}, fmt.Errorf("score")
	}
	// float64(math.MaxInt64) is 2^63, which does not fit in an int64
	if value >= math.MaxInt64 || value < math.MinInt64 {
		return Record{}, fmt.Errorf("score")
	}

	return Record{Name: name, Score: int64(math.Round(value))}, nil
}
