package chat

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/freechat/internal/common"
	"gorm.io/gorm"
)

type SessionOrder string

const (
	OrderCreatedDesc SessionOrder = "created_desc"
	OrderCreatedAsc  SessionOrder = "created_asc"
	OrderUpdatedDesc SessionOrder = "updated_desc"
)

func ParseSessionOrder(s string) (SessionOrder, error) {
	switch SessionOrder(s) {
	case "", OrderCreatedDesc:
		return OrderCreatedDesc, nil
	case OrderCreatedAsc, OrderUpdatedDesc:
		return SessionOrder(s), nil
	}
	return "", fmt.Errorf("%w: unknown order %q", ErrInvalidArgument, s)
}

func (o SessionOrder) clause() string {
	switch o {
	case OrderCreatedAsc:
		return "created_at ASC, id ASC"
	case OrderUpdatedDesc:
		return "updated_at DESC, id DESC"
	default:
		return "created_at DESC, id DESC"
	}
}

type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// WithTx binds the store to an open transaction.
func (s *SessionStore) WithTx(tx *gorm.DB) *SessionStore {
	return &SessionStore{db: tx}
}

func (s *SessionStore) Create(ctx context.Context, sess *Session) error {
	if err := s.db.WithContext(ctx).Omit("Messages").Create(sess).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: session %s exists", ErrConflict, sess.ID)
		}
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *SessionStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExistingIDs returns the subset of ids that have a row.
func (s *SessionStore) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).Model(&Session{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// Update applies fields to one session. updated_at is stamped when absent.
func (s *SessionStore) Update(ctx context.Context, id string, fields map[string]any) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = common.NowMillis()
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", id).UpdateColumns(fields)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
	}
	return nil
}

// Delete removes the session and all its messages in one transaction.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages of %s: %w", id, err)
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete session %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string, order SessionOrder) ([]Session, error) {
	var out []Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(order.clause()).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&Session{}).Select("id").Where("user_id = ?", userID)
		if err := tx.Where("session_id IN (?)", sub).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ?", userID).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete sessions of %s: %w", userID, err)
	}
	return deleted, nil
}

// CountByUser returns the number of normalized sessions for a user.
func (s *SessionStore) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}
