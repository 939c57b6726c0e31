package models

// TimeLimit is a per-leaderboard time limit in milliseconds. NoTimeLimit disables it.
type TimeLimit int64

// NoTimeLimit marks a leaderboard without a time limit.
const NoTimeLimit TimeLimit = -1

// NormalizeTimeLimit maps every negative value to NoTimeLimit.
func NormalizeTimeLimit(ms int64) TimeLimit {
	if ms < 0 {
		return NoTimeLimit
	}
	return TimeLimit(ms)
}

// NamingMode controls how input clients collect competitor names.
type NamingMode string

const (
	NamingFree NamingMode = "free"
)

// InstanceMeta holds the display settings of an instance.
type InstanceMeta struct {
	TimeLimits map[LeaderboardID]TimeLimit `json:"timeLimits"`
	Theme      string                      `json:"theme"`
	Naming     NamingMode                  `json:"naming"`
}

// DefaultMeta returns the metadata written for a freshly created instance.
func DefaultMeta() InstanceMeta {
	return InstanceMeta{
		TimeLimits: map[LeaderboardID]TimeLimit{
			LeaderboardFourDisks: 3 * 60 * 1000,
			LeaderboardFiveDisks: 4 * 60 * 1000,
		},
		Theme:  "demonslayer",
		Naming: NamingFree,
	}
}

// Clone returns a deep copy of the metadata.
func (m InstanceMeta) Clone() InstanceMeta {
	limits := make(map[LeaderboardID]TimeLimit, len(m.TimeLimits))
	for id, limit := range m.TimeLimits {
		limits[id] = limit
	}
	m.TimeLimits = limits
	return m
}

// Instance is a named save slot.
type Instance struct {
	Meta InstanceMeta `json:"meta"`
	Data HanoiData    `json:"data"`
}

// NewInstance returns an instance with default metadata and empty leaderboards.
func NewInstance() Instance {
	return Instance{Meta: DefaultMeta(), Data: EmptyData()}
}

// InstanceList is pushed to the admin whenever the set of instances changes.
type InstanceList struct {
	Instances []string `json:"instances"`
	Current   string   `json:"current"`
}
