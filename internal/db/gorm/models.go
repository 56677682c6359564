// Package gorm provides GORM-based database operations for bookmind.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/bookmind/pkg/models"
)

// GORM Models

// JSON list columns use models.JSONStringArray and models.JSONConcepts, which
// implement sql.Scanner and driver.Valuer and tolerate corrupt values.

// Bookmark is a saved URL.
type Bookmark struct {
	ID             string         `gorm:"primaryKey;type:varchar(36)"`
	URL            string         `gorm:"type:text;not null;index"`
	Title          sql.NullString `gorm:"type:text"`
	IRID           sql.NullString `gorm:"column:ir_id;type:varchar(36);index"`
	CreatedAt      string         `gorm:"not null"`
	CreatedAtEpoch int64          `gorm:"index:idx_bookmarks_created,sort:desc;not null"`
}

func (Bookmark) TableName() string { return "bookmarks" }

// BeforeCreate hook to ensure timestamps are set.
func (b *Bookmark) BeforeCreate(tx *gorm.DB) error {
	setCreated(&b.CreatedAt, &b.CreatedAtEpoch)
	return nil
}

// IR is the stored semantic summary of one bookmark. Rows are never updated.
type IR struct {
	ID                string                 `gorm:"primaryKey;type:varchar(36)"`
	BookmarkID        string                 `gorm:"type:varchar(36);uniqueIndex;not null"`
	Version           int                    `gorm:"not null;default:1"`
	SourceURL         string                 `gorm:"type:text;not null"`
	SourceTitle       sql.NullString         `gorm:"type:text"`
	Summary           string                 `gorm:"type:text;not null"`
	KeyTopics         models.JSONStringArray `gorm:"type:text"` // JSON array
	Concepts          models.JSONConcepts    `gorm:"type:text"` // JSON array
	Difficulty        string                 `gorm:"type:varchar(16);not null;default:'intermediate'"`
	ContentType       string                 `gorm:"type:varchar(16);not null;default:'other'"`
	EstimatedReadTime sql.NullInt64
	CreatedAt         string `gorm:"not null"`
	CreatedAtEpoch    int64  `gorm:"index:idx_irs_created,sort:desc;not null"`
}

func (IR) TableName() string { return "irs" }

// BeforeCreate hook to ensure timestamps are set.
func (i *IR) BeforeCreate(tx *gorm.DB) error {
	setCreated(&i.CreatedAt, &i.CreatedAtEpoch)
	if i.Version == 0 {
		i.Version = models.CurrentIRVersion
	}
	return nil
}

// Cluster is a persisted topic cluster. MemberCount mirrors len(IRIDs).
type Cluster struct {
	ID               string                 `gorm:"primaryKey;type:varchar(36)"`
	Name             string                 `gorm:"type:text;not null"`
	Description      string                 `gorm:"type:text"`
	AvgDifficulty    string                 `gorm:"type:varchar(16);not null;default:'intermediate'"`
	IRIDs            models.JSONStringArray `gorm:"column:ir_ids;type:text"`  // JSON array
	AggregatedTopics models.JSONStringArray `gorm:"type:text"`                // JSON array
	MemberCount      int                    `gorm:"not null;default:0;index"` // 0 = tombstoned
	Position         int                    `gorm:"not null;default:0;index:idx_clusters_position"`
	CreatedAtEpoch   int64                  `gorm:"not null"`
	UpdatedAtEpoch   int64                  `gorm:"not null"`
}

func (Cluster) TableName() string { return "clusters" }

// BeforeSave keeps MemberCount consistent with IRIDs and stamps times.
func (c *Cluster) BeforeSave(tx *gorm.DB) error {
	c.MemberCount = len(c.IRIDs)
	now := time.Now().UnixMilli()
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = now
	}
	c.UpdatedAtEpoch = now
	return nil
}

// StudyContent caches generated study material.
type StudyContent struct {
	ClusterID      string `gorm:"primaryKey;type:varchar(36)"`
	PrefsKey       string `gorm:"primaryKey;type:varchar(64)"`
	Format         string `gorm:"type:varchar(16);not null"`
	Model          string `gorm:"type:text"`
	Text           string `gorm:"type:text;not null"`
	CreatedAtEpoch int64  `gorm:"not null"`
}

func (StudyContent) TableName() string { return "study_contents" }

// BeforeCreate hook to ensure timestamps are set.
func (s *StudyContent) BeforeCreate(tx *gorm.DB) error {
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}

func setCreated(at *string, epoch *int64) {
	now := time.Now()
	if *epoch == 0 {
		*epoch = now.UnixMilli()
	}
	if *at == "" {
		*at = time.UnixMilli(*epoch).UTC().Format(time.RFC3339)
	}
}

func toModelBookmark(b *Bookmark) *models.Bookmark {
	return &models.Bookmark{
		ID:        b.ID,
		URL:       b.URL,
		Title:     b.Title.String,
		IRID:      b.IRID.String,
		CreatedAt: time.UnixMilli(b.CreatedAtEpoch).UTC(),
	}
}

func toModelIR(i *IR) *models.IR {
	ir := &models.IR{
		ID:          i.ID,
		BookmarkID:  i.BookmarkID,
		Version:     i.Version,
		SourceURL:   i.SourceURL,
		SourceTitle: i.SourceTitle.String,
		Summary:     i.Summary,
		KeyTopics:   nonNilStrings(i.KeyTopics),
		Concepts:    []models.Concept(i.Concepts),
		Difficulty:  models.ParseDifficulty(i.Difficulty),
		ContentType: models.ParseContentType(i.ContentType),
		CreatedAt:   time.UnixMilli(i.CreatedAtEpoch).UTC(),
	}
	if ir.Concepts == nil {
		ir.Concepts = []models.Concept{}
	}
	if i.EstimatedReadTime.Valid {
		minutes := int(i.EstimatedReadTime.Int64)
		ir.EstimatedReadTime = &minutes
	}
	return ir
}

func fromModelIR(ir *models.IR) *IR {
	row := &IR{
		ID:          ir.ID,
		BookmarkID:  ir.BookmarkID,
		Version:     ir.Version,
		SourceURL:   ir.SourceURL,
		SourceTitle: nullString(ir.SourceTitle),
		Summary:     ir.Summary,
		KeyTopics:   models.JSONStringArray(ir.KeyTopics),
		Concepts:    models.JSONConcepts(ir.Concepts),
		Difficulty:  string(models.ParseDifficulty(string(ir.Difficulty))),
		ContentType: string(models.ParseContentType(string(ir.ContentType))),
	}
	if !ir.CreatedAt.IsZero() {
		row.CreatedAtEpoch = ir.CreatedAt.UnixMilli()
	}
	if ir.EstimatedReadTime != nil {
		row.EstimatedReadTime = sql.NullInt64{Int64: int64(*ir.EstimatedReadTime), Valid: true}
	}
	return row
}

func toModelCluster(c *Cluster) *models.Cluster {
	ids := nonNilStrings(c.IRIDs)
	return &models.Cluster{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		AvgDifficulty:    models.ParseDifficulty(c.AvgDifficulty),
		IRIDs:            ids,
		AggregatedTopics: nonNilStrings(c.AggregatedTopics),
		MemberCount:      len(ids),
		Position:         c.Position,
		CreatedAt:        time.UnixMilli(c.CreatedAtEpoch).UTC(),
		UpdatedAt:        time.UnixMilli(c.UpdatedAtEpoch).UTC(),
	}
}

func fromModelCluster(c *models.Cluster) *Cluster {
	row := &Cluster{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		AvgDifficulty:    string(models.ParseDifficulty(string(c.AvgDifficulty))),
		IRIDs:            models.JSONStringArray(c.IRIDs),
		AggregatedTopics: models.JSONStringArray(c.AggregatedTopics),
		MemberCount:      len(c.IRIDs),
		Position:         c.Position,
	}
	if !c.CreatedAt.IsZero() {
		row.CreatedAtEpoch = c.CreatedAt.UnixMilli()
	}
	return row
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
