package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/bookmind/internal/llmjson"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

type rawAssignment struct {
	IRID            string   `json:"irId"`
	AddToClusterIDs []string `json:"addToClusterIds"`
}

// rawIncremental uses pointers so that absent keys can be told apart from
// empty lists.
type rawIncremental struct {
	Assignments *[]rawAssignment `json:"assignments"`
	NewClusters *[]rawCluster    `json:"newClusters"`
}

func (e *Engine) incremental(ctx context.Context, unassigned []models.IRRecord, existing []models.ExistingClusterSummary) (*Result, error) {
	unassigned, ids := dedupeRecords(unassigned)
	if len(unassigned) == 0 {
		return &Result{Mode: ModeIncremental, Incremental: &models.IncrementalResult{
			Assignments: []models.Assignment{},
			NewClusters: []models.ClusterResult{},
		}}, nil
	}

	profile := e.profiles.MustGet(oracle.ProfileClustering)
	resp, err := e.gen.Generate(ctx, profile.Request(BuildIncrementalPrompt(unassigned, existing)))
	if err != nil {
		return nil, fmt.Errorf("incremental clustering: %w", err)
	}

	var raw rawIncremental
	if err := llmjson.DecodeObject(resp.Text, &raw); err != nil {
		return nil, contractError(ModeIncremental, err)
	}
	if raw.Assignments == nil && raw.NewClusters == nil {
		return nil, contractError(ModeIncremental, errors.New("neither assignments nor newClusters present"))
	}

	stats := Stats{Model: resp.Model}
	allowed := newIDSet(ids)
	clusterIDs := make(idSet, len(existing))
	for _, c := range existing {
		clusterIDs[c.ID] = true
	}

	counts := make(map[string]int, len(ids))
	covered := make(idSet, len(ids))

	assignments := []models.Assignment{}
	if raw.Assignments != nil {
		var dropped int
		assignments, dropped = mergeAssignments(*raw.Assignments, allowed, clusterIDs)
		stats.DroppedIDs += dropped
	}
	for i := range assignments {
		a := &assignments[i]
		if len(a.AddToClusterIDs) > models.MaxClustersPerIR {
			stats.Capped += len(a.AddToClusterIDs) - models.MaxClustersPerIR
			a.AddToClusterIDs = a.AddToClusterIDs[:models.MaxClustersPerIR]
		}
		counts[a.IRID] = len(a.AddToClusterIDs)
		covered[a.IRID] = true
	}

	newClusters := []models.ClusterResult{}
	if raw.NewClusters != nil {
		for _, rc := range *raw.NewClusters {
			c, dropped := e.buildCluster(rc, allowed)
			stats.DroppedIDs += dropped
			newClusters = append(newClusters, c)
		}
	}
	stats.Capped += enforceCap(newClusters, counts)
	newClusters = dropEmpty(newClusters)
	for _, c := range newClusters {
		for _, id := range c.IRIDs {
			covered[id] = true
		}
	}
	stats.Orphans = orphans(ids, covered)

	logStats(ModeIncremental, stats, len(ids), len(newClusters))
	return &Result{
		Mode:  ModeIncremental,
		Stats: stats,
		Incremental: &models.IncrementalResult{
			Assignments: assignments,
			NewClusters: newClusters,
		},
	}, nil
}

// mergeAssignments validates raw assignments. Entries for IRs outside
// allowed and cluster ids outside clusterIDs are dropped, repeated entries
// for one IR are merged in order. The number of dropped references is returned.
func mergeAssignments(raw []rawAssignment, allowed, clusterIDs idSet) ([]models.Assignment, int) {
	out := []models.Assignment{}
	index := make(map[string]int, len(raw))
	dropped := 0

	for _, ra := range raw {
		irID := strings.TrimSpace(ra.IRID)
		if !allowed[irID] {
			log.Debug().Str("ir_id", irID).Msg("Dropping assignment for unknown IR")
			dropped++
			continue
		}

		pos, ok := index[irID]
		if !ok {
			out = append(out, models.Assignment{IRID: irID, AddToClusterIDs: []string{}})
			pos = len(out) - 1
			index[irID] = pos
		}
		target := &out[pos]

		for _, cid := range ra.AddToClusterIDs {
			cid = strings.TrimSpace(cid)
			if !clusterIDs[cid] {
				log.Debug().Str("ir_id", irID).Str("cluster_id", cid).Msg("Dropping assignment to unknown cluster")
				dropped++
				continue
			}
			if containsString(target.AddToClusterIDs, cid) {
				continue
			}
			target.AddToClusterIDs = append(target.AddToClusterIDs, cid)
		}
	}

	kept := out[:0]
	for _, a := range out {
		if len(a.AddToClusterIDs) > 0 {
			kept = append(kept, a)
		}
	}
	return kept, dropped
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
