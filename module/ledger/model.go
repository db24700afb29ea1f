package ledger

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeVoice MessageType = "voice"
	TypeVideo MessageType = "video"
)

func ValidType(t MessageType) bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeVoice, TypeVideo:
		return true
	}
	return false
}

// Attachment is the opaque descriptor handed back by the upload
// collaborator. The ledger stores it, it never inspects content.
type Attachment struct {
	URL  string `bson:"url" json:"url" mapstructure:"url"`
	Name string `bson:"name" json:"name" mapstructure:"name"`
	Size int64  `bson:"size" json:"size" mapstructure:"size"`
}

// Message is one slot in a conversation's append-only log. Edit and delete
// are overlays on the slot; the (created_at_ms, id) position never changes.
type Message struct {
	ID             string      `bson:"_id" json:"id" mapstructure:"id"`
	ConversationID string      `bson:"conversation_id" json:"conversation_id" mapstructure:"conversation_id"`
	SenderID       string      `bson:"sender_id" json:"sender_id" mapstructure:"sender_id"`
	ClientMsgID    string      `bson:"client_msg_id,omitempty" json:"client_msg_id,omitempty" mapstructure:"client_msg_id"`
	Type           MessageType `bson:"msg_type" json:"msg_type" mapstructure:"msg_type"`
	Content        *string     `bson:"content" json:"content" mapstructure:"content"`
	Attachment     *Attachment `bson:"attachment,omitempty" json:"attachment,omitempty" mapstructure:"attachment"`
	ReplyTo        *string     `bson:"reply_to,omitempty" json:"reply_to,omitempty" mapstructure:"reply_to"`
	Seq            int64       `bson:"seq" json:"seq" mapstructure:"seq"`
	Edited         bool        `bson:"edited" json:"edited" mapstructure:"edited"`
	Deleted        bool        `bson:"deleted" json:"deleted" mapstructure:"deleted"`
	CreatedAtMS    int64       `bson:"created_at_ms" json:"created_at_ms" mapstructure:"created_at_ms"`
	UpdatedAtMS    int64       `bson:"updated_at_ms" json:"updated_at_ms" mapstructure:"updated_at_ms"`
}

// Redacted returns the reader-facing form: a deleted message keeps its slot
// but exposes no content.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Content = nil
	m.Attachment = nil
	return m
}

func (m Message) Entity() map[string]any {
	r := m.Redacted()
	out := map[string]any{
		"id":              r.ID,
		"conversation_id": r.ConversationID,
		"sender_id":       r.SenderID,
		"msg_type":        string(r.Type),
		"seq":             r.Seq,
		"edited":          r.Edited,
		"deleted":         r.Deleted,
		"created_at_ms":   r.CreatedAtMS,
		"updated_at_ms":   r.UpdatedAtMS,
	}
	if r.ClientMsgID != "" {
		out["client_msg_id"] = r.ClientMsgID
	}
	if r.Content != nil {
		out["content"] = *r.Content
	}
	if r.Attachment != nil {
		out["attachment"] = map[string]any{
			"url": r.Attachment.URL, "name": r.Attachment.Name, "size": r.Attachment.Size,
		}
	}
	if r.ReplyTo != nil {
		out["reply_to"] = *r.ReplyTo
	}
	return out
}

// Payload is the caller-supplied part of an append.
type Payload struct {
	ClientMsgID string      `json:"client_msg_id"`
	Type        MessageType `json:"msg_type"`
	Content     *string     `json:"content"`
	Attachment  *Attachment `json:"attachment"`
	ReplyTo     *string     `json:"reply_to"`
}

// Cursor addresses a position in the (created_at_ms, id) order. The zero
// cursor starts from the beginning.
type Cursor struct {
	AfterTsMS int64  `json:"after_ts_ms"`
	AfterID   string `json:"after_id"`
}
