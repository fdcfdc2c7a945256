package chat

import (
	"context"
	"fmt"
	"math"

	"gorm.io/gorm"
)

type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// WithTx binds the store to an open transaction.
func (s *MessageStore) WithTx(tx *gorm.DB) *MessageStore {
	return &MessageStore{db: tx}
}

// Create inserts one message. A taken id or (session_id, seq) pair is
// ErrConflict.
func (s *MessageStore) Create(ctx context.Context, m *Message) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: message %s seq %d", ErrConflict, m.ID, m.Seq)
		}
		return fmt.Errorf("create message %s: %w", m.ID, err)
	}
	return nil
}

// BatchCreate inserts all messages or none.
func (s *MessageStore) BatchCreate(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(msgs, 200).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: batch of %d messages", ErrConflict, len(msgs))
		}
		return fmt.Errorf("batch create messages: %w", err)
	}
	return nil
}

func (s *MessageStore) Get(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *MessageStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MessageStore) Update(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Message{}).Where("id = ?", id).UpdateColumns(fields)
	if res.Error != nil {
		return fmt.Errorf("update message %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// zero also means the values were already in place
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

func (s *MessageStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Message{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete message %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBySession returns messages in seq order. limit <= 0 means no limit.
func (s *MessageStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		if limit <= 0 {
			// OFFSET needs a LIMIT on both engines
			q = q.Limit(math.MaxInt32)
		}
		q = q.Offset(offset)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MessageStore) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).Where("session_id = ?", sessionID).Count(&n).Error
	return n, err
}

// CountBySessions returns message counts keyed by session id. Sessions without
// messages are absent from the map.
func (s *MessageStore) CountBySessions(ctx context.Context, ids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		SessionID string
		N         int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Message{}).
		Select("session_id, COUNT(*) AS n").
		Where("session_id IN ?", ids).
		Group("session_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.SessionID] = r.N
	}
	return out, nil
}

// NextSeq is max(seq)+1, or 0 for an empty session.
func (s *MessageStore) NextSeq(ctx context.Context, sessionID string) (int, error) {
	var maxSeq int
	if err := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), -1)").
		Scan(&maxSeq).Error; err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}

func (s *MessageStore) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Message{})
	return res.RowsAffected, res.Error
}

// DeleteAfterSeq removes every message of the session with seq > seq.
func (s *MessageStore) DeleteAfterSeq(ctx context.Context, sessionID string, seq int) (int64, error) {
	res := s.db.WithContext(ctx).Where("session_id = ? AND seq > ?", sessionID, seq).Delete(&Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("truncate session %s after %d: %w", sessionID, seq, res.Error)
	}
	return res.RowsAffected, nil
}

// ErrorReply identifies an assistant message matched by DeleteErrorReplies.
type ErrorReply struct {
	ID        string
	SessionID string
}

// DeleteErrorReplies removes assistant messages whose content contains marker.
// With dryRun it only reports them.
func (s *MessageStore) DeleteErrorReplies(ctx context.Context, marker string, dryRun bool) ([]ErrorReply, error) {
	var found []ErrorReply
	q := s.db.WithContext(ctx).
		Model(&Message{}).
		Select("id, session_id").
		Where("role = ? AND content LIKE ?", RoleAssistant, "%"+marker+"%")
	if err := q.Scan(&found).Error; err != nil {
		return nil, err
	}
	if dryRun || len(found) == 0 {
		return found, nil
	}

	ids := make([]string, 0, len(found))
	for _, f := range found {
		ids = append(ids, f.ID)
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Message{}).Error; err != nil {
		return nil, fmt.Errorf("delete error replies: %w", err)
	}
	return found, nil
}
