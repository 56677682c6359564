package models

import "time"

// ContentFormat is the kind of study material generated for a cluster.
type ContentFormat string

const (
	FormatText    ContentFormat = "text"
	FormatPodcast ContentFormat = "podcast"
)

// ParseContentFormat normalizes s, falling back to text.
func ParseContentFormat(s string) ContentFormat {
	if ContentFormat(normalize(s)) == FormatPodcast {
		return FormatPodcast
	}
	return FormatText
}

// StudyContent is generated study material cached per cluster and preference set.
type StudyContent struct {
	CreatedAt time.Time     `json:"createdAt"`
	ClusterID string        `json:"clusterId"`
	PrefsKey  string        `json:"prefsKey"`
	Format    ContentFormat `json:"format"`
	Model     string        `json:"model"`
	Text      string        `json:"text"`
	Cached    bool          `json:"cached"`
}
