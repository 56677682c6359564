// Package models contains domain models for bookmind.
package models

import (
	"strings"
	"time"
)

// MaxClustersPerIR is the hard cap on how many clusters one IR may belong to.
const MaxClustersPerIR = 10

// Cluster is a persisted topic cluster.
// MemberCount always equals len(IRIDs); a cluster with no members is tombstoned.
type Cluster struct {
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	AvgDifficulty    Difficulty `json:"avgDifficulty"`
	IRIDs            []string   `json:"irIds"`
	AggregatedTopics []string   `json:"aggregatedTopics"`
	MemberCount      int        `json:"memberCount"`
	Position         int        `json:"position"`
}

// AddMembers appends ids not already present and returns how many were added.
func (c *Cluster) AddMembers(ids ...string) int {
	seen := make(map[string]bool, len(c.IRIDs)+len(ids))
	for _, id := range c.IRIDs {
		seen[id] = true
	}
	added := 0
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.IRIDs = append(c.IRIDs, id)
		added++
	}
	c.MemberCount = len(c.IRIDs)
	return added
}

// RemoveMember drops id from the cluster. Returns true if it was a member.
func (c *Cluster) RemoveMember(id string) bool {
	kept := c.IRIDs[:0]
	removed := false
	for _, member := range c.IRIDs {
		if member == id {
			removed = true
			continue
		}
		kept = append(kept, member)
	}
	c.IRIDs = kept
	c.MemberCount = len(c.IRIDs)
	return removed
}

// HasMember reports whether id belongs to the cluster.
func (c *Cluster) HasMember(id string) bool {
	for _, member := range c.IRIDs {
		if member == id {
			return true
		}
	}
	return false
}

// Summary returns the view of the cluster sent to the oracle in incremental mode.
func (c *Cluster) Summary() ExistingClusterSummary {
	return ExistingClusterSummary{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		IRIDs:       append([]string(nil), c.IRIDs...),
	}
}

// ClusterResult is a cluster produced by the clustering engine, ready to persist.
type ClusterResult struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	AvgDifficulty    Difficulty `json:"avgDifficulty"`
	IRIDs            []string   `json:"irIds"`
	AggregatedTopics []string   `json:"aggregatedTopics"`
	MemberCount      int        `json:"memberCount"`
}

// ExistingClusterSummary is the incremental-mode view of an existing cluster.
type ExistingClusterSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IRIDs       []string `json:"irIds"`
}

// Assignment adds one IR to existing clusters. It never removes membership.
type Assignment struct {
	IRID            string   `json:"irId"`
	AddToClusterIDs []string `json:"addToClusterIds"`
}

// IncrementalResult is the outcome of an incremental assignment run.
type IncrementalResult struct {
	Assignments []Assignment    `json:"assignments"`
	NewClusters []ClusterResult `json:"newClusters"`
}

// Empty reports whether the result carries no changes.
func (r *IncrementalResult) Empty() bool {
	return r == nil || (len(r.Assignments) == 0 && len(r.NewClusters) == 0)
}

// DedupeStrings removes empty and repeated entries, keeping first occurrence order.
func DedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
