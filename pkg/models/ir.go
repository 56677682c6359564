// Package models contains domain models for bookmind.
package models

import "time"

// CurrentIRVersion is the schema revision stamped on newly extracted IRs.
const CurrentIRVersion = 1

// Difficulty is the reading level of a source or cluster.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// ParseDifficulty normalizes s, falling back to intermediate for unknown values.
func ParseDifficulty(s string) Difficulty {
	switch d := Difficulty(normalize(s)); d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return d
	default:
		return DifficultyIntermediate
	}
}

// ContentType classifies the bookmarked source.
type ContentType string

const (
	ContentArticle    ContentType = "article"
	ContentVideo      ContentType = "video"
	ContentTutorial   ContentType = "tutorial"
	ContentReference  ContentType = "reference"
	ContentDiscussion ContentType = "discussion"
	ContentOther      ContentType = "other"
)

// ParseContentType normalizes s, falling back to other for unknown values.
func ParseContentType(s string) ContentType {
	switch c := ContentType(normalize(s)); c {
	case ContentArticle, ContentVideo, ContentTutorial, ContentReference, ContentDiscussion, ContentOther:
		return c
	default:
		return ContentOther
	}
}

// Importance ranks a concept within its source.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// ParseImportance normalizes s, falling back to medium.
func ParseImportance(s string) Importance {
	switch i := Importance(normalize(s)); i {
	case ImportanceHigh, ImportanceMedium, ImportanceLow:
		return i
	default:
		return ImportanceMedium
	}
}

// Concept is one idea extracted from a source.
type Concept struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Importance      Importance `json:"importance,omitempty"`
	RelatedConcepts []string   `json:"relatedConcepts,omitempty"`
}

// IR is the immutable semantic summary of one bookmark.
type IR struct {
	CreatedAt         time.Time   `json:"createdAt"`
	EstimatedReadTime *int        `json:"estimatedReadTime,omitempty"`
	ID                string      `json:"id"`
	BookmarkID        string      `json:"bookmarkId"`
	SourceURL         string      `json:"sourceUrl"`
	SourceTitle       string      `json:"sourceTitle,omitempty"`
	Summary           string      `json:"summary"`
	Difficulty        Difficulty  `json:"difficulty"`
	ContentType       ContentType `json:"contentType"`
	KeyTopics         []string    `json:"keyTopics"`
	Concepts          []Concept   `json:"concepts"`
	Version           int         `json:"version"`
}

// Record converts the IR into the clustering engine's input shape.
func (ir *IR) Record() IRRecord {
	return IRRecord{
		ID:          ir.ID,
		SourceTitle: ir.SourceTitle,
		Summary:     ir.Summary,
		KeyTopics:   LenientStrings(ir.KeyTopics),
		Concepts:    LenientConcepts(ir.Concepts),
		Difficulty:  ir.Difficulty,
		ContentType: ir.ContentType,
	}
}

// IRRecord is the minimal IR view consumed by the clustering engine.
// KeyTopics and Concepts tolerate being delivered as JSON-encoded strings.
type IRRecord struct {
	ID          string          `json:"id"`
	SourceTitle string          `json:"sourceTitle,omitempty"`
	Summary     string          `json:"summary"`
	Difficulty  Difficulty      `json:"difficulty"`
	ContentType ContentType     `json:"contentType"`
	KeyTopics   LenientStrings  `json:"keyTopics"`
	Concepts    LenientConcepts `json:"concepts"`
}

// Bookmark is a saved URL owned by the user.
type Bookmark struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	IRID      string    `json:"irId,omitempty"`
}
