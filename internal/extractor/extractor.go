// Package extractor turns a bookmarked URL into an IR via the oracle.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/bookmind/internal/llmjson"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/internal/privacy"
	"github.com/thebtf/bookmind/pkg/models"
)

// ErrInvalidIR is returned when the oracle answer cannot form a usable IR.
var ErrInvalidIR = errors.New("extractor: invalid IR")

// Generator is the oracle surface the extractor needs.
type Generator interface {
	Generate(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// ProfileSource resolves model profiles by name.
type ProfileSource interface {
	MustGet(name string) oracle.Profile
}

// rawIR mirrors the oracle's answer before validation.
type rawIR struct {
	EstimatedReadTime models.LenientMinutes  `json:"estimatedReadTime"`
	Summary           string                 `json:"summary"`
	Difficulty        string                 `json:"difficulty"`
	ContentType       string                 `json:"contentType"`
	KeyTopics         models.LenientStrings  `json:"keyTopics"`
	Concepts          models.LenientConcepts `json:"concepts"`
}

// Extractor builds IRs for bookmarks.
type Extractor struct {
	gen      Generator
	profiles ProfileSource
	now      func() time.Time
}

// New creates an extractor.
func New(gen Generator, profiles ProfileSource) *Extractor {
	return &Extractor{gen: gen, profiles: profiles, now: time.Now}
}

// Extract asks the oracle for the IR of url and validates it.
// Credentials in url and private sections of title never reach the oracle
// or the IR. The returned IR has a fresh id; BookmarkID is left for the caller.
func (e *Extractor) Extract(ctx context.Context, url, title string) (*models.IR, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidIR)
	}
	url = privacy.RedactURL(strings.TrimSpace(url))
	title = privacy.CleanTitle(title)

	profile := e.profiles.MustGet(oracle.ProfileExtraction)
	resp, err := e.gen.Generate(ctx, profile.Request(BuildPrompt(url, title)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}

	var raw rawIR
	if err := llmjson.DecodeObject(resp.Text, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIR, err)
	}

	ir, err := e.build(url, title, raw)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("url", url).
		Str("model", resp.Model).
		Int("topics", len(ir.KeyTopics)).
		Int("concepts", len(ir.Concepts)).
		Msg("Extracted IR")
	return ir, nil
}

func (e *Extractor) build(url, title string, raw rawIR) (*models.IR, error) {
	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrInvalidIR)
	}

	concepts := make([]models.Concept, 0, len(raw.Concepts))
	for _, c := range raw.Concepts {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		concepts = append(concepts, models.Concept{
			Name:            name,
			Description:     strings.TrimSpace(c.Description),
			Importance:      models.ParseImportance(string(c.Importance)),
			RelatedConcepts: models.DedupeStrings(c.RelatedConcepts),
		})
	}

	return &models.IR{
		ID:                uuid.NewString(),
		Version:           models.CurrentIRVersion,
		SourceURL:         url,
		SourceTitle:       strings.TrimSpace(title),
		Summary:           summary,
		KeyTopics:         models.DedupeStrings(raw.KeyTopics),
		Concepts:          concepts,
		Difficulty:        models.ParseDifficulty(raw.Difficulty),
		ContentType:       models.ParseContentType(raw.ContentType),
		EstimatedReadTime: raw.EstimatedReadTime.Minutes,
		CreatedAt:         e.now().UTC(),
	}, nil
}
