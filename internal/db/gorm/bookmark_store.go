// Package gorm provides GORM-based database operations for bookmind.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/bookmind/pkg/models"
)

// BookmarkStore provides bookmark and IR database operations using GORM.
type BookmarkStore struct {
	db *gorm.DB
}

// NewBookmarkStore creates a new bookmark store.
func NewBookmarkStore(store *Store) *BookmarkStore {
	return &BookmarkStore{db: store.DB}
}

// CreateBookmark stores a new bookmark and returns it with its generated id.
func (s *BookmarkStore) CreateBookmark(ctx context.Context, url, title string) (*models.Bookmark, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("create bookmark: url is required")
	}
	row := &Bookmark{
		ID:    uuid.NewString(),
		URL:   url,
		Title: nullString(strings.TrimSpace(title)),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create bookmark: %w", err)
	}
	return toModelBookmark(row), nil
}

// GetBookmark retrieves a bookmark by id. Returns (nil, nil) if not found.
func (s *BookmarkStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	var row Bookmark
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelBookmark(&row), nil
}

// ListBookmarks returns bookmarks, newest first. limit <= 0 means all.
func (s *BookmarkStore) ListBookmarks(ctx context.Context, limit int) ([]*models.Bookmark, error) {
	var rows []Bookmark
	query := s.db.WithContext(ctx).Order("created_at_epoch DESC, id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.Bookmark, len(rows))
	for i := range rows {
		out[i] = toModelBookmark(&rows[i])
	}
	return out, nil
}

// StoreIR persists ir for its bookmark and links the bookmark to it.
// A bookmark has at most one IR; storing a second one fails.
func (s *BookmarkStore) StoreIR(ctx context.Context, ir *models.IR) error {
	if ir.ID == "" || ir.BookmarkID == "" {
		return fmt.Errorf("store IR: id and bookmark id are required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Bookmark{}).Where("id = ?", ir.BookmarkID).Update("ir_id", ir.ID)
		if res.Error != nil {
			return fmt.Errorf("link IR: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("store IR for bookmark %s: %w", ir.BookmarkID, ErrNotFound)
		}
		if err := tx.Create(fromModelIR(ir)).Error; err != nil {
			return fmt.Errorf("store IR: %w", err)
		}
		return nil
	})
}

// GetIR retrieves an IR by id. Returns (nil, nil) if not found.
func (s *BookmarkStore) GetIR(ctx context.Context, id string) (*models.IR, error) {
	var row IR
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toModelIR(&row), nil
}

// GetAllIRs returns every IR, oldest first.
func (s *BookmarkStore) GetAllIRs(ctx context.Context) ([]*models.IR, error) {
	var rows []IR
	if err := s.db.WithContext(ctx).Order("created_at_epoch ASC, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModelIRs(rows), nil
}

// GetIRsByIDs returns the IRs with the given ids, oldest first. Unknown ids are skipped.
func (s *BookmarkStore) GetIRsByIDs(ctx context.Context, ids []string) ([]*models.IR, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []IR
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("created_at_epoch ASC, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toModelIRs(rows), nil
}

// DeleteBookmark removes a bookmark and its IR. The IR is pulled out of every
// cluster that lists it and cached study content of those clusters is dropped.
// Clusters left empty stay tombstoned until the next hygiene pass.
func (s *BookmarkStore) DeleteBookmark(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bm Bookmark
		err := tx.Where("id = ?", id).First(&bm).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("delete bookmark %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if bm.IRID.Valid && bm.IRID.String != "" {
			if err := removeIRFromClusters(tx, bm.IRID.String); err != nil {
				return err
			}
			if err := tx.Where("id = ?", bm.IRID.String).Delete(&IR{}).Error; err != nil {
				return fmt.Errorf("delete IR: %w", err)
			}
		}

		if err := tx.Where("id = ?", id).Delete(&Bookmark{}).Error; err != nil {
			return fmt.Errorf("delete bookmark: %w", err)
		}
		return nil
	})
}

// removeIRFromClusters drops irID from every cluster membership list.
func removeIRFromClusters(tx *gorm.DB, irID string) error {
	var rows []Cluster
	// JSON columns are text on every driver; the LIKE prefilter is refined below.
	if err := tx.Where("ir_ids LIKE ?", "%\""+irID+"\"%").Find(&rows).Error; err != nil {
		return fmt.Errorf("find clusters of IR: %w", err)
	}

	var touched []string
	for i := range rows {
		c := toModelCluster(&rows[i])
		if !c.RemoveMember(irID) {
			continue
		}
		row := &rows[i]
		row.IRIDs = models.JSONStringArray(c.IRIDs)
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("update cluster %s: %w", row.ID, err)
		}
		touched = append(touched, row.ID)
	}

	if len(touched) > 0 {
		if err := tx.Where("cluster_id IN ?", touched).Delete(&StudyContent{}).Error; err != nil {
			return fmt.Errorf("invalidate study content: %w", err)
		}
	}
	return nil
}

func toModelIRs(rows []IR) []*models.IR {
	out := make([]*models.IR, len(rows))
	for i := range rows {
		out[i] = toModelIR(&rows[i])
	}
	return out
}
