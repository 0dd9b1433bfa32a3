package bus

import "time"

// Direction distinguishes messages authored by remote users from the
// account's own messages captured for history.
type Direction string

const (
	DirectionIncoming     Direction = "incoming"
	DirectionOutgoingUser Direction = "outgoing_user"
)

// AttachmentType classifies one attachment by payload kind.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
	AttachmentFile     AttachmentType = "file"
)

// Attachment describes one media item carried by a normalized message.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url,omitempty"`
	FileName string         `json:"file_name,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size,omitempty"`
}

// Message is the canonical normalized form every adapter produces.
//
// It is immutable once constructed: adapters build it, the router stamps
// the routing outcome, and the gateway consumes it exactly once.
type Message struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	ChatID      string            `json:"chat_id"`
	IsGroup     bool              `json:"is_group,omitempty"`
	Direction   Direction         `json:"direction"`
	Text        string            `json:"text"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	IngestOnly  bool              `json:"ingest_only,omitempty"`
	RouteReason string            `json:"route_reason,omitempty"`
	SessionKey  string            `json:"session_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Outgoing is a reply the agent (or an operator) wants delivered through
// one adapter. Exactly one adapter consumes it, selected by Channel.
type Outgoing struct {
	Channel     string            `json:"channel"`
	ChatID      string            `json:"chat_id"`
	Text        string            `json:"text"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	ParseMode   string            `json:"parse_mode,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	SessionKey  string            `json:"session_key,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MessageHandler consumes one normalized message.
type MessageHandler func(Message) error
