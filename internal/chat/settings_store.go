package chat

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingsStore struct {
	db *gorm.DB
}

func NewSettingsStore(db *gorm.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, userID string) (*Settings, error) {
	var st Settings
	if err := s.db.WithContext(ctx).First(&st, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

// Upsert writes the user-editable columns. The legacy sessions column and
// created_at are left alone when the row already exists.
func (s *SettingsStore) Upsert(ctx context.Context, st *Settings) error {
	err := s.db.WithContext(ctx).
		Omit("sessions").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"dialog_id", "model_params", "kb_ids", "role_prompt", "updated_at"}),
		}).
		Create(st).Error
	if err != nil {
		return fmt.Errorf("upsert settings %s: %w", st.UserID, err)
	}
	return nil
}

func (s *SettingsStore) Delete(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Delete(&Settings{}, "user_id = ?", userID)
	if res.Error != nil {
		return fmt.Errorf("delete settings %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns up to limit rows ordered by user id, for cache warmup.
func (s *SettingsStore) List(ctx context.Context, limit int) ([]Settings, error) {
	q := s.db.WithContext(ctx).Omit("sessions").Order("user_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Settings
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListUserIDs returns the first limit user ids in List order.
func (s *SettingsStore) ListUserIDs(ctx context.Context, limit int) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&Settings{}).Order("user_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SettingsStore) exists(ctx context.Context, userID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Settings{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// BatchWithLegacySessions pages through every row that still carries an
// embedded session array.
func (s *SettingsStore) BatchWithLegacySessions(ctx context.Context, batchSize int, fn func([]Settings) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	var batch []Settings
	res := s.db.WithContext(ctx).
		Where("sessions IS NOT NULL").
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	return res.Error
}

func (s *SettingsStore) ReplaceLegacySessions(ctx context.Context, userID string, raw datatypes.JSON) error {
	res := s.db.WithContext(ctx).
		Model(&Settings{}).
		Where("user_id = ?", userID).
		UpdateColumn("sessions", raw)
	if res.Error != nil {
		return fmt.Errorf("replace legacy sessions %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.notFoundUnlessExists(ctx, userID)
	}
	return nil
}

// notFoundUnlessExists settles a zero-row update. MySQL reports changed rows,
// so an update that wrote identical values also affects none.
func (s *SettingsStore) notFoundUnlessExists(ctx context.Context, userID string) error {
	ok, err := s.exists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
