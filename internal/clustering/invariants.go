package clustering

import (
	"strings"

	"github.com/thebtf/bookmind/pkg/models"
)

// rawCluster is one cluster as the oracle writes it.
type rawCluster struct {
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	AvgDifficulty    string                `json:"avgDifficulty"`
	IRIDs            []string              `json:"irIds"`
	AggregatedTopics models.LenientStrings `json:"aggregatedTopics"`
}

// idSet is a set of IR or cluster ids.
type idSet map[string]bool

func newIDSet(ids []string) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// buildCluster turns a raw cluster into a result with a fresh id. Member ids
// outside allowed, blanks and repeats are removed; the count of removed ids
// is returned alongside.
func (e *Engine) buildCluster(raw rawCluster, allowed idSet) (models.ClusterResult, int) {
	members := make([]string, 0, len(raw.IRIDs))
	seen := make(idSet, len(raw.IRIDs))
	dropped := 0
	for _, id := range raw.IRIDs {
		id = strings.TrimSpace(id)
		if id == "" || !allowed[id] || seen[id] {
			dropped++
			continue
		}
		seen[id] = true
		members = append(members, id)
	}

	topics := models.DedupeStrings(raw.AggregatedTopics)
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = fallbackName(topics, "")
	}

	return models.ClusterResult{
		ID:               e.newID(),
		Name:             name,
		Description:      strings.TrimSpace(raw.Description),
		AvgDifficulty:    models.ParseDifficulty(raw.AvgDifficulty),
		IRIDs:            members,
		AggregatedTopics: topics,
		MemberCount:      len(members),
	}, dropped
}

// fallbackName names a cluster after its first topic, then title.
func fallbackName(topics []string, title string) string {
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return "Untitled"
}

// enforceCap keeps at most MaxClustersPerIR memberships per IR, preferring
// clusters earlier in the slice. counts holds memberships granted before the
// slice and is updated in place. It returns the number of memberships removed.
func enforceCap(clusters []models.ClusterResult, counts map[string]int) int {
	removed := 0
	for i := range clusters {
		kept := clusters[i].IRIDs[:0]
		for _, id := range clusters[i].IRIDs {
			if counts[id] >= models.MaxClustersPerIR {
				removed++
				continue
			}
			counts[id]++
			kept = append(kept, id)
		}
		clusters[i].IRIDs = kept
		clusters[i].MemberCount = len(kept)
	}
	return removed
}

// dropEmpty removes clusters left without members.
func dropEmpty(clusters []models.ClusterResult) []models.ClusterResult {
	out := clusters[:0]
	for _, c := range clusters {
		if len(c.IRIDs) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// orphans returns the ids in order that covered does not contain.
func orphans(ids []string, covered idSet) []string {
	var out []string
	for _, id := range ids {
		if !covered[id] {
			out = append(out, id)
		}
	}
	return out
}

// dedupeRecords drops records without an id and repeated ids, keeping order.
func dedupeRecords(irs []models.IRRecord) ([]models.IRRecord, []string) {
	out := make([]models.IRRecord, 0, len(irs))
	ids := make([]string, 0, len(irs))
	seen := make(idSet, len(irs))
	for _, ir := range irs {
		id := strings.TrimSpace(ir.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ir.ID = id
		out = append(out, ir)
		ids = append(ids, id)
	}
	return out, ids
}
