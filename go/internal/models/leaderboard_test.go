package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHanoiData(t *testing.T) {
	data, err := ParseHanoiData([]byte(`{
		"lb4": [{"name": "b", "score": 2000}, {"name": "a", "score": 1000.4}],
		"lb5": [],
		"extra": 1
	}`))
	require.NoError(t, err)

	assert.Equal(t, Leaderboard{{Name: "a", Score: 1000}, {Name: "b", Score: 2000}}, data[LeaderboardFourDisks])
	assert.Equal(t, Leaderboard{}, data[LeaderboardFiveDisks])
	assert.Len(t, data, 2)
}

func TestParseHanoiDataRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		message string
	}{
		{"not an object", `[]`, "Payload is not an object."},
		{"missing leaderboard", `{"lb4": []}`, "Missing 'lb5'"},
		{"not an array", `{"lb4": {}, "lb5": []}`, "Leaderboard 'lb4' is not an array."},
		{"record not object", `{"lb4": [1], "lb5": []}`, "Invalid record at leaderboard 'lb4' index 0."},
		{"name not string", `{"lb4": [], "lb5": [{"name": 5, "score": 1}]}`, "Invalid name at leaderboard 'lb5' index 0."},
		{"null name", `{"lb4": [{"name": null, "score": 1}], "lb5": []}`, "Invalid name at leaderboard 'lb4' index 0."},
		{"score string", `{"lb4": [{"name": "x", "score": 1}, {"name": "y", "score": "2"}], "lb5": []}`, "Invalid score at leaderboard 'lb4' index 1."},
		{"score missing", `{"lb4": [{"name": "x"}], "lb5": []}`, "Invalid score at leaderboard 'lb4' index 0."},
		{"score overflows int64", `{"lb4": [{"name": "fast", "score": 1000}, {"name": "huge", "score": 9223372036854775807}], "lb5": []}`, "Invalid score at leaderboard 'lb4' index 1."},
		{"score far out of range", `{"lb4": [], "lb5": [{"name": "x", "score": -1e300}]}`, "Invalid score at leaderboard 'lb5' index 0."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHanoiData([]byte(tt.payload))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.message, verr.Message)
		})
	}
}

func TestEmptyDataMarshalsArrays(t *testing.T) {
	raw, err := json.Marshal(EmptyData())
	require.NoError(t, err)
	assert.JSONEq(t, `{"lb4":[],"lb5":[]}`, string(raw))
}

func TestSortIsStable(t *testing.T) {
	lb := Leaderboard{{Name: "x", Score: 5}, {Name: "first", Score: 1}, {Name: "second", Score: 1}}
	lb.Sort()
	assert.Equal(t, Leaderboard{{Name: "first", Score: 1}, {Name: "second", Score: 1}, {Name: "x", Score: 5}}, lb)
	assert.True(t, lb.IsSorted())
}

func TestNormalizeTimeLimit(t *testing.T) {
	assert.Equal(t, NoTimeLimit, NormalizeTimeLimit(-1))
	assert.Equal(t, NoTimeLimit, NormalizeTimeLimit(-500))
	assert.Equal(t, TimeLimit(0), NormalizeTimeLimit(0))
	assert.Equal(t, TimeLimit(90_000), NormalizeTimeLimit(90_000))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{InputAccess: AccessEveryone, OutputAccess: AccessRestricted}.Validate())
	assert.Error(t, Config{InputAccess: "sometimes", OutputAccess: AccessEveryone}.Validate())
	assert.NoError(t, Config{InputAccess: AccessNone, OutputAccess: AccessRestricted}.Validate())
}
