// Package content builds study material for a cluster from its IRs.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

// Default study session length in minutes.
const DefaultMinutes = 15

// Preferences personalizes generated material.
type Preferences struct {
	Format  models.ContentFormat `json:"format"`
	Level   models.Difficulty    `json:"level"`
	Goals   []string             `json:"goals"`
	Minutes int                  `json:"minutes"`
}

// Normalize fills defaults and cleans user input.
func (p Preferences) Normalize() Preferences {
	p.Format = models.ParseContentFormat(string(p.Format))
	p.Level = models.ParseDifficulty(string(p.Level))
	p.Goals = models.DedupeStrings(p.Goals)
	if p.Minutes <= 0 {
		p.Minutes = DefaultMinutes
	}
	return p
}

// Key identifies a normalized preference set for caching.
func (p Preferences) Key() string {
	n := p.Normalize()
	raw := fmt.Sprintf("%s|%s|%d|%s", n.Format, n.Level, n.Minutes, strings.Join(n.Goals, "\x1f"))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TextGenerator is the oracle surface used for generation.
type TextGenerator interface {
	Generate(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// ProfileSource resolves model profiles by name.
type ProfileSource interface {
	MustGet(name string) oracle.Profile
}

// Cache stores generated material.
type Cache interface {
	Get(ctx context.Context, clusterID, prefsKey string) (*models.StudyContent, error)
	Put(ctx context.Context, content *models.StudyContent) error
}

// Generator produces study text or podcast scripts for clusters.
type Generator struct {
	gen      TextGenerator
	profiles ProfileSource
	cache    Cache
}

// NewGenerator creates a generator. cache may be nil.
func NewGenerator(gen TextGenerator, profiles ProfileSource, cache Cache) *Generator {
	return &Generator{gen: gen, profiles: profiles, cache: cache}
}

// Generate returns study material for cluster. Cached material is reused
// unless refresh is set.
func (g *Generator) Generate(ctx context.Context, cluster *models.Cluster, irs []*models.IR, prefs Preferences, refresh bool) (*models.StudyContent, error) {
	prefs = prefs.Normalize()
	key := prefs.Key()

	if g.cache != nil && !refresh {
		cached, err := g.cache.Get(ctx, cluster.ID, key)
		if err != nil {
			log.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("Study content cache read failed")
		} else if cached != nil {
			cached.Cached = true
			return cached, nil
		}
	}

	profile := g.profiles.MustGet(oracle.ProfileContent)
	resp, err := g.gen.Generate(ctx, profile.Request(BuildPrompt(cluster, irs, prefs)))
	if err != nil {
		return nil, fmt.Errorf("generate study content: %w", err)
	}

	out := &models.StudyContent{
		ClusterID: cluster.ID,
		PrefsKey:  key,
		Format:    prefs.Format,
		Model:     resp.Model,
		Text:      strings.TrimSpace(resp.Text),
		CreatedAt: time.Now().UTC(),
	}
	if g.cache != nil {
		if err := g.cache.Put(ctx, out); err != nil {
			log.Warn().Err(err).Str("cluster_id", cluster.ID).Msg("Study content cache write failed")
		}
	}

	log.Info().
		Str("cluster_id", cluster.ID).
		Str("format", string(prefs.Format)).
		Str("model", resp.Model).
		Int("sources", len(irs)).
		Msg("Generated study content")
	return out, nil
}

// BuildPrompt builds the generation prompt for cluster.
func BuildPrompt(cluster *models.Cluster, irs []*models.IR, prefs Preferences) string {
	var sb strings.Builder
	switch prefs.Format {
	case models.FormatPodcast:
		sb.WriteString("Write a podcast script with two hosts who explore the topic below conversationally.\n")
	default:
		sb.WriteString("Write a self-contained study guide on the topic below.\n")
	}
	sb.WriteString(fmt.Sprintf("Target a %s learner and about %d minutes of %s.\n\n", prefs.Level, prefs.Minutes, durationNoun(prefs.Format)))

	sb.WriteString("<topic>\n")
	sb.WriteString(fmt.Sprintf("  <name>%s</name>\n", cluster.Name))
	if cluster.Description != "" {
		sb.WriteString(fmt.Sprintf("  <description>%s</description>\n", cluster.Description))
	}
	if len(cluster.AggregatedTopics) > 0 {
		sb.WriteString(fmt.Sprintf("  <themes>%s</themes>\n", strings.Join(cluster.AggregatedTopics, ", ")))
	}
	sb.WriteString("</topic>\n\n")

	if len(prefs.Goals) > 0 {
		sb.WriteString("The learner's goals:\n")
		for _, goal := range prefs.Goals {
			sb.WriteString(fmt.Sprintf("- %s\n", goal))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Base the material on these saved sources:\n")
	for _, ir := range irs {
		sb.WriteString(fmt.Sprintf("<source url=%q>\n", ir.SourceURL))
		if ir.SourceTitle != "" {
			sb.WriteString(fmt.Sprintf("  title: %s\n", ir.SourceTitle))
		}
		sb.WriteString(fmt.Sprintf("  summary: %s\n", ir.Summary))
		for _, c := range ir.Concepts {
			if c.Description != "" {
				sb.WriteString(fmt.Sprintf("  concept: %s: %s\n", c.Name, c.Description))
			} else {
				sb.WriteString(fmt.Sprintf("  concept: %s\n", c.Name))
			}
		}
		sb.WriteString("</source>\n")
	}
	sb.WriteString("\nConnect ideas across sources and reference them by title where useful.")
	return sb.String()
}

func durationNoun(f models.ContentFormat) string {
	if f == models.FormatPodcast {
		return "listening"
	}
	return "reading"
}
