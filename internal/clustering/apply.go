package clustering

import "github.com/thebtf/bookmind/pkg/models"

// ApplyAssignments merges res.Assignments into copies of existing and returns
// them in the same order. Membership only grows: every id of an existing
// cluster is still present afterwards. Assignments naming unknown clusters are
// ignored. New clusters in res are not included; the caller inserts them.
func ApplyAssignments(existing []models.Cluster, res *models.IncrementalResult) []models.Cluster {
	updated := make([]models.Cluster, len(existing))
	index := make(map[string]int, len(existing))
	for i, c := range existing {
		c.IRIDs = append([]string(nil), c.IRIDs...)
		c.AggregatedTopics = append([]string(nil), c.AggregatedTopics...)
		c.MemberCount = len(c.IRIDs)
		updated[i] = c
		index[c.ID] = i
	}
	if res == nil {
		return updated
	}

	for _, a := range res.Assignments {
		for _, cid := range a.AddToClusterIDs {
			if i, ok := index[cid]; ok {
				updated[i].AddMembers(a.IRID)
			}
		}
	}
	return updated
}

// ToCluster converts an engine result into a storable cluster.
func ToCluster(r models.ClusterResult, position int) models.Cluster {
	ids := append([]string(nil), r.IRIDs...)
	return models.Cluster{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		AvgDifficulty:    r.AvgDifficulty,
		IRIDs:            ids,
		AggregatedTopics: append([]string(nil), r.AggregatedTopics...),
		MemberCount:      len(ids),
		Position:         position,
	}
}
