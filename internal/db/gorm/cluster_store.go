// Package gorm provides GORM-based database operations for bookmind.
package gorm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/bookmind/pkg/models"
)

// ClusterStore persists the cluster set. It stores what it is told; the
// clustering engine decides membership.
type ClusterStore struct {
	db *gorm.DB
}

// NewClusterStore creates a new cluster store.
func NewClusterStore(store *Store) *ClusterStore {
	return &ClusterStore{db: store.DB}
}

// ReplaceAll atomically swaps the whole cluster set for clusters. Positions
// follow slice order. Cached study content is dropped with the old set.
func (s *ClusterStore) ReplaceAll(ctx context.Context, clusters []models.Cluster) error {
	rows := make([]*Cluster, 0, len(clusters))
	for i := range clusters {
		c := clusters[i]
		c.Position = i
		rows = append(rows, fromModelCluster(&c))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&StudyContent{}).Error; err != nil {
			return fmt.Errorf("clear study content: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Cluster{}).Error; err != nil {
			return fmt.Errorf("clear clusters: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(rows).Error; err != nil {
			return fmt.Errorf("insert clusters: %w", err)
		}
		return nil
	})
}

// ApplyIncremental merges updated into the stored clusters and inserts created.
// Stored membership is only ever extended: ids already stored are kept even
// if updated lacks them. Position of existing clusters is preserved; created
// clusters are appended after the last position.
func (s *ClusterStore) ApplyIncremental(ctx context.Context, updated, created []models.Cluster) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range updated {
			var row Cluster
			err := tx.Where("id = ?", updated[i].ID).First(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Warn().Str("cluster_id", updated[i].ID).Msg("Skipping update of vanished cluster")
				continue
			}
			if err != nil {
				return fmt.Errorf("load cluster %s: %w", updated[i].ID, err)
			}

			current := toModelCluster(&row)
			if current.AddMembers(updated[i].IRIDs...) == 0 {
				continue
			}
			row.IRIDs = models.JSONStringArray(current.IRIDs)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("update cluster %s: %w", row.ID, err)
			}
			if err := tx.Where("cluster_id = ?", row.ID).Delete(&StudyContent{}).Error; err != nil {
				return fmt.Errorf("invalidate study content: %w", err)
			}
		}

		if len(created) == 0 {
			return nil
		}

		var maxPos int
		if err := tx.Model(&Cluster{}).Select("COALESCE(MAX(position), -1)").Row().Scan(&maxPos); err != nil {
			return fmt.Errorf("read max position: %w", err)
		}
		next := maxPos + 1

		rows := make([]*Cluster, 0, len(created))
		for i := range created {
			c := created[i]
			c.Position = next + i
			rows = append(rows, fromModelCluster(&c))
		}
		if err := tx.Create(rows).Error; err != nil {
			return fmt.Errorf("insert clusters: %w", err)
		}
		return nil
	})
}

// ListActive returns clusters with at least one member ordered by position.
// Tombstoned clusters found on the way are deleted.
func (s *ClusterStore) ListActive(ctx context.Context) ([]*models.Cluster, error) {
	var rows []Cluster
	if err := s.db.WithContext(ctx).Order("position ASC, id").Find(&rows).Error; err != nil {
		return nil, err
	}

	active := make([]*models.Cluster, 0, len(rows))
	var empty []string
	for i := range rows {
		c := toModelCluster(&rows[i])
		if len(c.IRIDs) == 0 {
			empty = append(empty, c.ID)
			continue
		}
		active = append(active, c)
	}

	if len(empty) > 0 {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("cluster_id IN ?", empty).Delete(&StudyContent{}).Error; err != nil {
				return err
			}
			return tx.Where("id IN ?", empty).Delete(&Cluster{}).Error
		})
		if err != nil {
			return nil, fmt.Errorf("remove empty clusters: %w", err)
		}
		log.Info().Int("count", len(empty)).Msg("Removed empty clusters")
	}
	return active, nil
}

// GetCluster retrieves a cluster by id. Returns (nil, nil) if not found or empty.
func (s *ClusterStore) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	var row Cluster
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c := toModelCluster(&row)
	if len(c.IRIDs) == 0 {
		return nil, nil
	}
	return c, nil
}

// Summaries returns the incremental-mode view of every active cluster.
func (s *ClusterStore) Summaries(ctx context.Context) ([]models.ExistingClusterSummary, error) {
	clusters, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ExistingClusterSummary, len(clusters))
	for i, c := range clusters {
		out[i] = c.Summary()
	}
	return out, nil
}

// UnassignedIRs returns IRs that belong to no cluster, oldest first.
func (s *ClusterStore) UnassignedIRs(ctx context.Context) ([]*models.IR, error) {
	var clusters []Cluster
	if err := s.db.WithContext(ctx).Select("ir_ids").Find(&clusters).Error; err != nil {
		return nil, err
	}
	assigned := make(map[string]bool)
	for _, c := range clusters {
		for _, id := range c.IRIDs {
			assigned[id] = true
		}
	}

	var rows []IR
	if err := s.db.WithContext(ctx).Order("created_at_epoch ASC, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*models.IR, 0, len(rows))
	for i := range rows {
		if !assigned[rows[i].ID] {
			out = append(out, toModelIR(&rows[i]))
		}
	}
	return out, nil
}

// Count returns the number of stored clusters with members.
func (s *ClusterStore) Count(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Cluster{}).
		Where("member_count > 0").
		Count(&count).Error
	return int(count), err
}
