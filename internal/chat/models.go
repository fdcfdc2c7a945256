package chat

import (
	"encoding/json"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultModelParams is what a user without saved settings gets.
func DefaultModelParams() map[string]any {
	return map[string]any{"temperature": 0.7, "top_p": 0.9}
}

// Settings is the per-user chat configuration. Sessions holds the legacy
// embedded session array; only the migration tooling reads or rewrites it.
type Settings struct {
	UserID      string                      `gorm:"primaryKey;type:varchar(255)" json:"user_id"`
	DialogID    string                      `gorm:"type:varchar(32);not null;default:''" json:"dialog_id"`
	ModelParams datatypes.JSONMap           `gorm:"type:json" json:"model_params"`
	KBIDs       datatypes.JSONSlice[string] `gorm:"column:kb_ids;type:json" json:"kb_ids"`
	RolePrompt  string                      `gorm:"type:longtext" json:"role_prompt"`
	Sessions    datatypes.JSON              `gorm:"type:json" json:"-"`
	CreatedAt   int64                       `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64                       `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Settings) TableName() string { return "free_chat_user_settings" }

// DefaultSettings is returned for users that never saved anything. It is not
// persisted.
func DefaultSettings(userID string) *Settings {
	return &Settings{
		UserID:      userID,
		ModelParams: DefaultModelParams(),
		KBIDs:       datatypes.JSONSlice[string]{},
	}
}

type Session struct {
	ID             string  `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID         string  `gorm:"type:varchar(255);index;not null" json:"user_id"`
	Name           string  `gorm:"type:varchar(255);not null;default:''" json:"name"`
	ConversationID *string `gorm:"type:varchar(64)" json:"conversation_id"`
	ModelCardID    *int    `gorm:"index" json:"model_card_id"`
	CreatedAt      int64   `gorm:"autoCreateTime:milli;index" json:"created_at"`
	UpdatedAt      int64   `gorm:"autoUpdateTime:milli" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "free_chat_session" }

type Message struct {
	ID        string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID string         `gorm:"type:varchar(64);not null;index;index:uniq_free_chat_msg_session_seq,unique,priority:1" json:"session_id"`
	Role      string         `gorm:"type:varchar(16);not null" json:"role"`
	Content   string         `gorm:"type:longtext;not null" json:"content"`
	Seq       int            `gorm:"not null;index:uniq_free_chat_msg_session_seq,unique,priority:2" json:"seq"`
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at"`
	Reference datatypes.JSON `gorm:"type:json" json:"reference,omitempty"`
}

func (Message) TableName() string { return "free_chat_message" }

// SessionSummary is one entry of a user's cached session list.
type SessionSummary struct {
	Session
	MessageCount int64 `json:"message_count"`
}

// LegacyMessage is a message embedded in Settings.Sessions.
type LegacyMessage struct {
	ID        string          `json:"id,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content"`
	CreatedAt int64           `json:"created_at,omitempty"`
	Reference json.RawMessage `json:"reference,omitempty"`
}

// LegacySession is one element of Settings.Sessions. A slimmed session has no
// Messages and carries MessageCount instead.
type LegacySession struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	ModelCardID    *int            `json:"model_card_id,omitempty"`
	CreatedAt      int64           `json:"created_at,omitempty"`
	UpdatedAt      int64           `json:"updated_at,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Messages       []LegacyMessage `json:"messages,omitempty"`
	MessageCount   *int            `json:"message_count,omitempty"`
}

// LegacySessions decodes the embedded session array. A NULL or empty column
// yields no sessions.
func (s *Settings) LegacySessions() ([]LegacySession, error) {
	if len(s.Sessions) == 0 || string(s.Sessions) == "null" {
		return nil, nil
	}
	var out []LegacySession
	if err := json.Unmarshal(s.Sessions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func EncodeLegacySessions(sessions []LegacySession) (datatypes.JSON, error) {
	if sessions == nil {
		sessions = []LegacySession{}
	}
	b, err := json.Marshal(sessions)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
