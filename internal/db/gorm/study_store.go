// Package gorm provides GORM-based database operations for bookmind.
package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/bookmind/pkg/models"
)

// StudyContentStore caches generated study material per cluster.
type StudyContentStore struct {
	db *gorm.DB
}

// NewStudyContentStore creates a new study content store.
func NewStudyContentStore(store *Store) *StudyContentStore {
	return &StudyContentStore{db: store.DB}
}

// Get returns cached content. Returns (nil, nil) if nothing is cached.
func (s *StudyContentStore) Get(ctx context.Context, clusterID, prefsKey string) (*models.StudyContent, error) {
	var row StudyContent
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND prefs_key = ?", clusterID, prefsKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.StudyContent{
		ClusterID: row.ClusterID,
		PrefsKey:  row.PrefsKey,
		Format:    models.ParseContentFormat(row.Format),
		Model:     row.Model,
		Text:      row.Text,
		CreatedAt: time.UnixMilli(row.CreatedAtEpoch).UTC(),
	}, nil
}

// Put stores content, replacing any previous entry for the same key.
func (s *StudyContentStore) Put(ctx context.Context, content *models.StudyContent) error {
	row := &StudyContent{
		ClusterID: content.ClusterID,
		PrefsKey:  content.PrefsKey,
		Format:    string(content.Format),
		Model:     content.Model,
		Text:      content.Text,
	}
	if !content.CreatedAt.IsZero() {
		row.CreatedAtEpoch = content.CreatedAt.UnixMilli()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cluster_id"}, {Name: "prefs_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"format", "model", "text", "created_at_epoch"}),
	}).Create(row).Error
}
