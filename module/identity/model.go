package identity

import "strings"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// User identity is immutable; presence is session-layer state and lives in
// redis, not here.
type User struct {
	ID          string  `json:"id" mapstructure:"id"`
	DisplayName string  `json:"display_name" mapstructure:"display_name"`
	Handle      *string `json:"handle,omitempty" mapstructure:"handle"`
	CreatedAtMS int64   `json:"created_at_ms" mapstructure:"created_at_ms"`
}

// Conversation. DirectKey is set only for non-group conversations: the
// sorted user pair, unique at the store. That single constraint is what
// makes concurrent ResolveDirect converge on one row.
type Conversation struct {
	ID          string  `json:"id" mapstructure:"id"`
	Name        *string `json:"name,omitempty" mapstructure:"name"`
	IsGroup     bool    `json:"is_group" mapstructure:"is_group"`
	InviteCode  *string `json:"invite_code,omitempty" mapstructure:"invite_code"`
	DirectKey   *string `json:"direct_key,omitempty" mapstructure:"direct_key"`
	CreatedBy   string  `json:"created_by" mapstructure:"created_by"`
	CreatedAtMS int64   `json:"created_at_ms" mapstructure:"created_at_ms"`
	UpdatedAtMS int64   `json:"updated_at_ms" mapstructure:"updated_at_ms"`
}

type Participant struct {
	ConversationID string `json:"conversation_id" mapstructure:"conversation_id"`
	UserID         string `json:"user_id" mapstructure:"user_id"`
	Role           Role   `json:"role" mapstructure:"role"`
	JoinedAtMS     int64  `json:"joined_at_ms" mapstructure:"joined_at_ms"`
}

// DirectKey builds the unordered-pair key for a direct conversation.
func DirectKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

func (c Conversation) Entity() map[string]any {
	m := map[string]any{
		"id":            c.ID,
		"is_group":      c.IsGroup,
		"created_by":    c.CreatedBy,
		"created_at_ms": c.CreatedAtMS,
		"updated_at_ms": c.UpdatedAtMS,
	}
	if c.Name != nil {
		m["name"] = *c.Name
	}
	if c.InviteCode != nil {
		m["invite_code"] = *c.InviteCode
	}
	if c.DirectKey != nil {
		m["direct_key"] = *c.DirectKey
	}
	return m
}

func (p Participant) Entity() map[string]any {
	return map[string]any{
		"conversation_id": p.ConversationID,
		"user_id":         p.UserID,
		"role":            string(p.Role),
		"joined_at_ms":    p.JoinedAtMS,
	}
}
