package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/suPer8Hu/freechat/internal/cache"
	"github.com/suPer8Hu/freechat/internal/common"
	"github.com/suPer8Hu/freechat/internal/lock"
	"github.com/suPer8Hu/freechat/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	SettingsKeyPrefix = "freechat:settings:"
	SessionsKeyPrefix = "freechat:sessions:"

	settingsGenPrefix = "freechat:gen:settings:"
	sessionsGenPrefix = "freechat:gen:sessions:"

	defaultSettingsTTL   = 5 * time.Minute
	defaultSessionsTTL   = 7 * 24 * time.Hour
	defaultAppendRetries = 5
)

func SettingsKey(userID string) string { return SettingsKeyPrefix + userID }
func SessionsKey(userID string) string { return SessionsKeyPrefix + userID }

func settingsGenKey(userID string) string { return settingsGenPrefix + userID }
func sessionsGenKey(userID string) string { return sessionsGenPrefix + userID }

// genTTL keeps a generation counter alive past every entry it guards.
func genTTL(ttl time.Duration) time.Duration { return 2 * ttl }

func settingsLockName(userID string) string { return "freechat_settings:" + userID }
func sessionsLockName(userID string) string { return "freechat_sessions:" + userID }
func appendLockName(sessionID string) string { return "freechat_append:" + sessionID }

// DialogVerifier answers whether a dialog may be used by a tenant. The tenant
// directory lives outside this service.
type DialogVerifier interface {
	DialogBelongsToTenant(ctx context.Context, dialogID, tenantID string) (bool, error)
}

type Options struct {
	SettingsTTL   time.Duration
	SessionsTTL   time.Duration
	AppendRetries int
	Verifier      DialogVerifier
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Coordinator keeps the cache and the database in agreement for settings,
// sessions and messages. Writes for one user (or one session, for appends)
// are serialized by a distributed lock.
type Coordinator struct {
	cache    *cache.TieredCache
	locker   *lock.Locker
	settings *SettingsStore
	sessions *SessionStore
	messages *MessageStore

	settingsTTL   time.Duration
	sessionsTTL   time.Duration
	appendRetries int
	verifier      DialogVerifier
	log           *zap.Logger
	metrics       *metrics.Metrics
}

func NewCoordinator(c *cache.TieredCache, l *lock.Locker, settings *SettingsStore, sessions *SessionStore, messages *MessageStore, opts Options) *Coordinator {
	co := &Coordinator{
		cache:         c,
		locker:        l,
		settings:      settings,
		sessions:      sessions,
		messages:      messages,
		settingsTTL:   opts.SettingsTTL,
		sessionsTTL:   opts.SessionsTTL,
		appendRetries: opts.AppendRetries,
		verifier:      opts.Verifier,
		log:           opts.Logger,
		metrics:       opts.Metrics,
	}
	if co.settingsTTL <= 0 {
		co.settingsTTL = defaultSettingsTTL
	}
	if co.sessionsTTL <= 0 {
		co.sessionsTTL = defaultSessionsTTL
	}
	if co.appendRetries <= 0 {
		co.appendRetries = defaultAppendRetries
	}
	if co.log == nil {
		co.log = zap.NewNop()
	}
	if co.metrics == nil {
		co.metrics = metrics.New()
	}
	co.log = co.log.Named("coordinator")
	return co
}

type SettingsInput struct {
	DialogID    string         `json:"dialog_id"`
	ModelParams map[string]any `json:"model_params"`
	KBIDs       []string       `json:"kb_ids"`
	RolePrompt  string         `json:"role_prompt"`
}

// SaveSettings writes the cache first and then the database. If the database
// write fails the cache entry is dropped again and a *DurableWriteError is
// returned, so a rejected write never stays readable.
func (co *Coordinator) SaveSettings(ctx context.Context, tenantID, userID string, in SettingsInput) (*Settings, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	if err := co.checkDialog(ctx, tenantID, in.DialogID); err != nil {
		return nil, err
	}

	var saved *Settings
	err := co.locker.WithLock(ctx, settingsLockName(userID), func(ctx context.Context) error {
		now := common.NowMillis()
		createdAt := now
		existing, err := co.settings.Get(ctx, userID)
		switch {
		case err == nil:
			createdAt = existing.CreatedAt
		case !errors.Is(err, ErrNotFound):
			return err
		}

		st := &Settings{
			UserID:      userID,
			DialogID:    in.DialogID,
			ModelParams: datatypes.JSONMap(in.ModelParams),
			KBIDs:       datatypes.JSONSlice[string](in.KBIDs),
			RolePrompt:  in.RolePrompt,
			CreatedAt:   createdAt,
			UpdatedAt:   now,
		}
		if st.ModelParams == nil {
			st.ModelParams = DefaultModelParams()
		}
		if st.KBIDs == nil {
			st.KBIDs = datatypes.JSONSlice[string]{}
		}

		key := SettingsKey(userID)
		if !co.cache.SetJSON(ctx, key, st, co.settingsTTL) {
			co.log.Warn("settings cache write skipped", zap.String("user_id", userID))
		}

		if err := co.settings.Upsert(ctx, st); err != nil {
			co.invalidateSettings(ctx, userID)
			co.metrics.CacheRollbacksTotal.Inc()
			co.log.Error("settings write rejected, cache invalidated",
				zap.String("user_id", userID), zap.Error(err))
			return &DurableWriteError{Op: "save_settings", Key: userID, Err: err}
		}
		// a reader may have filled the key from the old row meanwhile
		co.bumpSettings(ctx, userID)
		co.cache.SetJSON(ctx, key, st, co.settingsTTL)
		saved = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// GetSettings is read-through. Users without a row get DefaultSettings, which
// is not cached.
func (co *Coordinator) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	key := SettingsKey(userID)
	var st Settings
	if co.cache.GetJSON(ctx, key, &st) {
		return &st, nil
	}

	genKey := settingsGenKey(userID)
	gen, genOK := co.cache.Generation(ctx, genKey)
	got, err := co.settings.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return nil, err
	}
	got.Sessions = nil
	if genOK {
		co.cache.SetJSONIfGeneration(ctx, key, got, co.settingsTTL, genKey, gen)
	}
	return got, nil
}

func (co *Coordinator) DeleteSettings(ctx context.Context, userID string) error {
	return co.locker.WithLock(ctx, settingsLockName(userID), func(ctx context.Context) error {
		err := co.settings.Delete(ctx, userID)
		co.invalidateSettings(ctx, userID)
		return err
	})
}

// CheckAccess rejects a tenant reaching a user whose saved dialog belongs to
// another tenant. Users without settings or without a dialog are open to any
// tenant until they save one.
func (co *Coordinator) CheckAccess(ctx context.Context, tenantID, userID string) error {
	if co.verifier == nil {
		return nil
	}
	st, err := co.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	return co.checkDialog(ctx, tenantID, st.DialogID)
}

func (co *Coordinator) checkDialog(ctx context.Context, tenantID, dialogID string) error {
	if dialogID == "" || co.verifier == nil {
		return nil
	}
	ok, err := co.verifier.DialogBelongsToTenant(ctx, dialogID, tenantID)
	if err != nil {
		return fmt.Errorf("verify dialog %s: %w", dialogID, err)
	}
	if !ok {
		return fmt.Errorf("%w: dialog %s", ErrUnauthorized, dialogID)
	}
	return nil
}

type SessionInput struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	ConversationID *string `json:"conversation_id"`
	ModelCardID    *int    `json:"model_card_id"`
}

type SessionUpdate struct {
	Name           *string `json:"name"`
	ConversationID *string `json:"conversation_id"`
	ModelCardID    *int    `json:"model_card_id"`
}

func (co *Coordinator) CreateSession(ctx context.Context, userID string, in SessionInput) (*Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	id := in.ID
	if id == "" {
		var err error
		if id, err = common.NewULID(); err != nil {
			return nil, err
		}
	}
	if len(id) > 64 {
		return nil, fmt.Errorf("%w: session id longer than 64", ErrInvalidArgument)
	}

	now := common.NowMillis()
	sess := &Session{
		ID:             id,
		UserID:         userID,
		Name:           in.Name,
		ConversationID: in.ConversationID,
		ModelCardID:    in.ModelCardID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := co.locker.WithLock(ctx, sessionsLockName(userID), func(ctx context.Context) error {
		if err := co.sessions.Create(ctx, sess); err != nil {
			return err
		}
		co.invalidateSessions(ctx, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (co *Coordinator) UpdateSession(ctx context.Context, userID, sessionID string, in SessionUpdate) (*Session, error) {
	fields := map[string]any{}
	if in.Name != nil {
		fields["name"] = *in.Name
	}
	if in.ConversationID != nil {
		fields["conversation_id"] = *in.ConversationID
	}
	if in.ModelCardID != nil {
		fields["model_card_id"] = *in.ModelCardID
	}

	var out *Session
	err := co.locker.WithLock(ctx, sessionsLockName(userID), func(ctx context.Context) error {
		if _, err := co.ownedSession(ctx, userID, sessionID); err != nil {
			return err
		}
		if err := co.sessions.Update(ctx, sessionID, fields); err != nil {
			return err
		}
		co.invalidateSessions(ctx, userID)

		var err error
		out, err = co.sessions.Get(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (co *Coordinator) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return co.locker.WithLock(ctx, sessionsLockName(userID), func(ctx context.Context) error {
		if _, err := co.ownedSession(ctx, userID, sessionID); err != nil {
			return err
		}
		if err := co.sessions.Delete(ctx, sessionID); err != nil {
			return err
		}
		co.invalidateSessions(ctx, userID)
		return nil
	})
}

// ListSessions is read-through over the user's session list. The cached list
// is kept newest-created first; other orders are derived from it.
func (co *Coordinator) ListSessions(ctx context.Context, userID string, order SessionOrder) ([]SessionSummary, error) {
	key := SessionsKey(userID)
	var list []SessionSummary
	if !co.cache.GetJSON(ctx, key, &list) {
		genKey := sessionsGenKey(userID)
		gen, genOK := co.cache.Generation(ctx, genKey)
		sessions, err := co.sessions.ListByUser(ctx, userID, OrderCreatedDesc)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(sessions))
		for i, s := range sessions {
			ids[i] = s.ID
		}
		counts, err := co.messages.CountBySessions(ctx, ids)
		if err != nil {
			return nil, err
		}
		list = make([]SessionSummary, len(sessions))
		for i, s := range sessions {
			list[i] = SessionSummary{Session: s, MessageCount: counts[s.ID]}
		}
		if genOK {
			co.cache.SetJSONIfGeneration(ctx, key, list, co.sessionsTTL, genKey, gen)
		}
	}

	switch order {
	case OrderCreatedAsc:
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].CreatedAt != list[j].CreatedAt {
				return list[i].CreatedAt < list[j].CreatedAt
			}
			return list[i].ID < list[j].ID
		})
	case OrderUpdatedDesc:
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].UpdatedAt != list[j].UpdatedAt {
				return list[i].UpdatedAt > list[j].UpdatedAt
			}
			return list[i].ID > list[j].ID
		})
	}
	return list, nil
}

type MessageInput struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Reference json.RawMessage `json:"reference"`
}

type MessageUpdate struct {
	Content   *string         `json:"content"`
	Reference json.RawMessage `json:"reference"`
}

// AppendMessage adds a message at the end of the session. Appends to one
// session are serialized; a (session_id, seq) collision from a writer that
// bypassed the lock is retried with a fresh seq.
func (co *Coordinator) AppendMessage(ctx context.Context, userID, sessionID string, in MessageInput) (*Message, error) {
	if in.Role != RoleUser && in.Role != RoleAssistant {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidArgument, in.Role)
	}
	if in.ID != "" && !common.ValidMessageID(in.ID) {
		return nil, fmt.Errorf("%w: message id shorter than %d", ErrInvalidArgument, common.MessageIDLen)
	}
	if _, err := co.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	var out *Message
	err := co.locker.WithLock(ctx, appendLockName(sessionID), func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < co.appendRetries; attempt++ {
			seq, err := co.messages.NextSeq(ctx, sessionID)
			if err != nil {
				return err
			}
			m := &Message{
				ID:        in.ID,
				SessionID: sessionID,
				Role:      in.Role,
				Content:   in.Content,
				Seq:       seq,
				CreatedAt: common.NowMillis(),
			}
			if m.ID == "" {
				m.ID = common.NewMessageID()
			}
			if len(in.Reference) > 0 {
				m.Reference = datatypes.JSON(in.Reference)
			}

			err = co.messages.Create(ctx, m)
			if err == nil {
				out = m
				break
			}
			if !errors.Is(err, ErrConflict) {
				return err
			}
			if in.ID != "" {
				// a caller-chosen id that already exists will never succeed
				if taken, _ := co.messages.Exists(ctx, in.ID); taken {
					return err
				}
			}
			lastErr = err
			co.metrics.SeqConflictsTotal.Inc()
			co.log.Warn("seq conflict on append, retrying",
				zap.String("session_id", sessionID), zap.Int("seq", seq), zap.Int("attempt", attempt+1))
		}
		if out == nil {
			return lastErr
		}

		if err := co.sessions.Update(ctx, sessionID, map[string]any{"updated_at": out.CreatedAt}); err != nil {
			co.log.Warn("bump session updated_at failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		co.invalidateSessions(ctx, userID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (co *Coordinator) UpdateMessage(ctx context.Context, userID, messageID string, in MessageUpdate) (*Message, error) {
	m, err := co.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if in.Content != nil {
		fields["content"] = *in.Content
	}
	if len(in.Reference) > 0 {
		fields["reference"] = datatypes.JSON(in.Reference)
	}
	if len(fields) == 0 {
		return m, nil
	}
	if err := co.messages.Update(ctx, messageID, fields); err != nil {
		return nil, err
	}
	return co.messages.Get(ctx, messageID)
}

func (co *Coordinator) DeleteMessage(ctx context.Context, userID, messageID string) error {
	m, err := co.ownedMessage(ctx, userID, messageID)
	if err != nil {
		return err
	}
	return co.locker.WithLock(ctx, appendLockName(m.SessionID), func(ctx context.Context) error {
		if err := co.messages.Delete(ctx, messageID); err != nil {
			return err
		}
		co.invalidateSessions(ctx, userID)
		return nil
	})
}

func (co *Coordinator) ListMessages(ctx context.Context, userID, sessionID string, limit, offset int) ([]Message, error) {
	if _, err := co.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return co.messages.ListBySession(ctx, sessionID, limit, offset)
}

// TruncateAfter deletes every message with seq greater than seq and returns
// how many were removed.
func (co *Coordinator) TruncateAfter(ctx context.Context, userID, sessionID string, seq int) (int64, error) {
	if seq < 0 {
		return 0, fmt.Errorf("%w: seq must be >= 0", ErrInvalidArgument)
	}
	if _, err := co.ownedSession(ctx, userID, sessionID); err != nil {
		return 0, err
	}
	var n int64
	err := co.locker.WithLock(ctx, appendLockName(sessionID), func(ctx context.Context) error {
		var err error
		if n, err = co.messages.DeleteAfterSeq(ctx, sessionID, seq); err != nil {
			return err
		}
		co.invalidateSessions(ctx, userID)
		return nil
	})
	return n, err
}

// InvalidateUser drops every cached view of the user.
func (co *Coordinator) InvalidateUser(ctx context.Context, userID string) {
	co.invalidateSettings(ctx, userID)
	co.invalidateSessions(ctx, userID)
}

// WarmupSettings preloads up to limit settings rows into the cache.
func (co *Coordinator) WarmupSettings(ctx context.Context, limit int) int {
	return co.cache.Warmup(ctx, func(ctx context.Context) (map[string]cache.Entry, error) {
		// generations are read before the rows they guard
		ids, err := co.settings.ListUserIDs(ctx, limit)
		if err != nil {
			return nil, err
		}
		genKeys := make([]string, len(ids))
		for i, id := range ids {
			genKeys[i] = settingsGenKey(id)
		}
		gens, ok := co.cache.Generations(ctx, genKeys...)
		if !ok {
			return nil, errors.New("read settings generations")
		}

		rows, err := co.settings.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		entries := make(map[string]cache.Entry, len(rows))
		for i := range rows {
			genKey := settingsGenKey(rows[i].UserID)
			gen, seen := gens[genKey]
			if !seen {
				continue
			}
			raw, err := json.Marshal(&rows[i])
			if err != nil {
				return nil, err
			}
			entries[SettingsKey(rows[i].UserID)] = cache.Entry{Value: raw, TTL: co.settingsTTL, GenKey: genKey, Gen: gen}
		}
		return entries, nil
	})
}

// Invalidation bumps the generation before deleting, so a reader that loaded
// the old rows cannot put them back.
func (co *Coordinator) invalidateSessions(ctx context.Context, userID string) {
	bumped := co.cache.BumpGeneration(ctx, sessionsGenKey(userID), genTTL(co.sessionsTTL))
	if !co.cache.Delete(ctx, SessionsKey(userID)) || !bumped {
		co.log.Warn("session list cache not invalidated", zap.String("user_id", userID))
	}
}

func (co *Coordinator) invalidateSettings(ctx context.Context, userID string) {
	co.bumpSettings(ctx, userID)
	if !co.cache.Delete(ctx, SettingsKey(userID)) {
		co.log.Warn("settings cache not invalidated", zap.String("user_id", userID))
	}
}

func (co *Coordinator) bumpSettings(ctx context.Context, userID string) {
	if !co.cache.BumpGeneration(ctx, settingsGenKey(userID), genTTL(co.settingsTTL)) {
		co.log.Warn("settings generation not advanced", zap.String("user_id", userID))
	}
}

func (co *Coordinator) ownedSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	sess, err := co.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrUnauthorized, sessionID)
	}
	return sess, nil
}

func (co *Coordinator) ownedMessage(ctx context.Context, userID, messageID string) (*Message, error) {
	m, err := co.messages.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := co.ownedSession(ctx, userID, m.SessionID); err != nil {
		return nil, err
	}
	return m, nil
}
