// Package inbox holds the operator's client-side projection of ongoing
// conversations: the per-conversation message store and the thread directory.
// Both structures are lock-free and must be confined to a single session
// goroutine; see the session package for the write path.
package inbox

import (
	"fmt"
	"strings"
)

// Channel identifies a messaging platform a campaign runs on.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelFacebook  Channel = "facebook"
)

// String returns the channel as a plain string.
func (c Channel) String() string {
	return string(c)
}

// Role distinguishes who a message belongs to in the transcript.
type Role string

const (
	// RoleUser is an inbound message from the contact.
	RoleUser Role = "user"
	// RoleAssistant is an outbound message, whether sent by the bot or by a
	// human operator who has taken the conversation over.
	RoleAssistant Role = "assistant"
)

// Source tells bot-authored outbound messages apart from operator-authored ones.
type Source string

const (
	SourceBot   Source = "bot"
	SourceHuman Source = "human"
)

// Direction classifies the latest activity on a thread.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TakeoverMode says who currently owns the right to write to a conversation.
type TakeoverMode string

const (
	ModeBot   TakeoverMode = "bot"
	ModeHuman TakeoverMode = "human"
)

// TakeoverState is the per-thread lock state. LockHolder and LockedAt are
// meaningful only when Mode is ModeHuman. Transitions are always
// server-confirmed; the client never flips this locally.
type TakeoverState struct {
	Mode       TakeoverMode `json:"mode"`
	LockHolder string       `json:"lock_holder,omitempty"`
	LockedAt   int64        `json:"locked_at,omitempty"`
}

// MediaRef describes an attachment on a message: the send category plus the
// concrete MIME type.
type MediaRef struct {
	Kind string `json:"type"`
	Mime string `json:"mime,omitempty"`
}

// Profile carries optional source metadata on a message.
type Profile struct {
	Source Source    `json:"source,omitempty"`
	Media  *MediaRef `json:"media,omitempty"`
}

// Message is one entry in a conversation transcript. Timestamp (epoch millis)
// is the only reliable sortable field; the backend guarantees no unique id.
type Message struct {
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Profile   *Profile `json:"profile,omitempty"`
	// ClientID is a locally generated correlation id stamped on optimistic
	// messages and echoed on send requests. It is not part of message
	// identity; deduplication stays tuple-based.
	ClientID string `json:"client_id,omitempty"`
}

// Valid reports whether the message can participate in the ordered store.
// Entries that fail this check are dropped rather than corrupting ordering.
func (m Message) Valid() bool {
	if m.Timestamp <= 0 {
		return false
	}
	return m.Role == RoleUser || m.Role == RoleAssistant
}

// Source returns the message source, defaulting to bot for outbound messages
// without profile metadata.
func (m Message) Source() Source {
	if m.Profile != nil && m.Profile.Source != "" {
		return m.Profile.Source
	}
	if m.Role == RoleAssistant {
		return SourceBot
	}
	return ""
}

// mediaSignature folds the attachment descriptor into the dedup tuple.
func (m Message) mediaSignature() string {
	if m.Profile == nil || m.Profile.Media == nil {
		return ""
	}
	return m.Profile.Media.Kind + "/" + m.Profile.Media.Mime
}

// DedupKey is the identity tuple (timestamp, role, content, media signature).
// Two messages with the same key are the same message and collapse to one.
func (m Message) DedupKey() string {
	return fmt.Sprintf("%d\x00%s\x00%s\x00%s", m.Timestamp, m.Role, m.Content, m.mediaSignature())
}

// ThreadKey is the stable identity of a conversation.
type ThreadKey struct {
	AgentID   string  `json:"agent_id"`
	Channel   Channel `json:"channel"`
	ContactID string  `json:"contact_id"`
}

// Thread is one conversation in the inbox sidebar. Takeover metadata is
// embedded because it is always read and written together with the thread.
type Thread struct {
	AgentID         string        `json:"agent_id"`
	Channel         Channel       `json:"channel"`
	ContactID       string        `json:"contact_id"`
	DisplayName     string        `json:"display_name,omitempty"`
	LastMessageAt   int64         `json:"last_message_at"`
	LastMessageText string        `json:"last_message_text,omitempty"`
	LastDirection   Direction     `json:"last_direction,omitempty"`
	UnreadCount     int           `json:"unread_count"`
	Takeover        TakeoverState `json:"takeover"`
}

// Key returns the thread's identity tuple.
func (t Thread) Key() ThreadKey {
	return ThreadKey{AgentID: t.AgentID, Channel: t.Channel, ContactID: t.ContactID}
}

// Title returns the display name, falling back to a formatted contact id.
func (t Thread) Title() string {
	if name := strings.TrimSpace(t.DisplayName); name != "" {
		return name
	}
	return FormatContactID(t.ContactID)
}

// FormatContactID renders a raw contact identifier for display. Phone-style
// ids (WhatsApp) get a leading plus and the channel suffix stripped.
func FormatContactID(contactID string) string {
	id := strings.TrimSpace(contactID)
	if id == "" {
		return ""
	}
	if at := strings.IndexByte(id, '@'); at > 0 {
		id = id[:at]
	}
	digitsOnly := true
	for _, r := range id {
		if r < '0' || r > '9' {
			digitsOnly = false
			break
		}
	}
	if digitsOnly && len(id) >= 7 {
		return "+" + id
	}
	return id
}
