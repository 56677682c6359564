package clustering

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/bookmind/internal/llmjson"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

func (e *Engine) bulk(ctx context.Context, irs []models.IRRecord) (*Result, error) {
	irs, ids := dedupeRecords(irs)
	switch len(irs) {
	case 0:
		return nil, ErrNoIRs
	case 1:
		return &Result{Mode: ModeBulk, Clusters: []models.ClusterResult{e.singleton(&irs[0])}}, nil
	}

	profile := e.profiles.MustGet(oracle.ProfileClustering)
	resp, err := e.gen.Generate(ctx, profile.Request(BuildBulkPrompt(irs)))
	if err != nil {
		return nil, fmt.Errorf("bulk clustering: %w", err)
	}

	var raw []rawCluster
	repaired, err := llmjson.DecodeArray(resp.Text, &raw)
	if err != nil {
		return nil, contractError(ModeBulk, err)
	}
	if repaired {
		log.Warn().Str("model", resp.Model).Int("clusters", len(raw)).Msg("Repaired truncated cluster array")
	}
	if len(raw) == 0 {
		return nil, contractError(ModeBulk, errors.New("empty cluster array"))
	}

	stats := Stats{Model: resp.Model, Repaired: repaired}
	known := newIDSet(ids)
	clusters := make([]models.ClusterResult, 0, len(raw))
	for _, rc := range raw {
		c, dropped := e.buildCluster(rc, known)
		stats.DroppedIDs += dropped
		clusters = append(clusters, c)
	}

	stats.Capped = enforceCap(clusters, make(map[string]int, len(ids)))
	clusters = dropEmpty(clusters)
	if len(clusters) == 0 {
		return nil, contractError(ModeBulk, errors.New("no cluster references a known IR"))
	}

	covered := make(idSet, len(ids))
	for _, c := range clusters {
		for _, id := range c.IRIDs {
			covered[id] = true
		}
	}
	stats.Orphans = orphans(ids, covered)

	logStats(ModeBulk, stats, len(ids), len(clusters))
	return &Result{Mode: ModeBulk, Clusters: clusters, Stats: stats}, nil
}

// singleton builds the only cluster of a one-IR library without the oracle.
func (e *Engine) singleton(ir *models.IRRecord) models.ClusterResult {
	topics := models.DedupeStrings(ir.KeyTopics)
	return models.ClusterResult{
		ID:               e.newID(),
		Name:             fallbackName(topics, ir.SourceTitle),
		Description:      ir.Summary,
		AvgDifficulty:    models.ParseDifficulty(string(ir.Difficulty)),
		IRIDs:            []string{ir.ID},
		AggregatedTopics: topics,
		MemberCount:      1,
	}
}

func logStats(mode Mode, stats Stats, irs, clusters int) {
	event := log.Info()
	if len(stats.Orphans) > 0 || stats.Capped > 0 || stats.DroppedIDs > 0 {
		event = log.Warn()
	}
	event.
		Str("mode", mode.String()).
		Str("model", stats.Model).
		Int("irs", irs).
		Int("clusters", clusters).
		Int("orphans", len(stats.Orphans)).
		Strs("orphan_ids", stats.Orphans).
		Int("capped", stats.Capped).
		Int("dropped_ids", stats.DroppedIDs).
		Bool("repaired", stats.Repaired).
		Msg("Clustering finished")
}
