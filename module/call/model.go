package call

type CallType string

const (
	TypeAudio CallType = "audio"
	TypeVideo CallType = "video"
)

func ValidCallType(t CallType) bool { return t == TypeAudio || t == TypeVideo }

type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Session is one call attempt scoped to a conversation. ringing→active on
// the first non-caller join, anything non-ended→ended on hangup. There is
// no way back out of ended.
type Session struct {
	ID             string   `json:"id" mapstructure:"id"`
	ConversationID string   `json:"conversation_id" mapstructure:"conversation_id"`
	CallerID       string   `json:"caller_id" mapstructure:"caller_id"`
	Type           CallType `json:"call_type" mapstructure:"call_type"`
	Status         Status   `json:"status" mapstructure:"status"`
	StartedAtMS    int64    `json:"started_at_ms" mapstructure:"started_at_ms"`
	EndedAtMS      int64    `json:"ended_at_ms,omitempty" mapstructure:"ended_at_ms"`
}

func (s Session) Entity() map[string]any {
	out := map[string]any{
		"id":              s.ID,
		"conversation_id": s.ConversationID,
		"caller_id":       s.CallerID,
		"call_type":       string(s.Type),
		"status":          string(s.Status),
		"started_at_ms":   s.StartedAtMS,
	}
	if s.EndedAtMS != 0 {
		out["ended_at_ms"] = s.EndedAtMS
	}
	return out
}

type Participant struct {
	SessionID  string `json:"call_session_id" mapstructure:"call_session_id"`
	UserID     string `json:"user_id" mapstructure:"user_id"`
	JoinedAtMS int64  `json:"joined_at_ms" mapstructure:"joined_at_ms"`
}

func (p Participant) Entity() map[string]any {
	return map[string]any{
		"call_session_id": p.SessionID,
		"user_id":         p.UserID,
		"joined_at_ms":    p.JoinedAtMS,
	}
}
