// Package backend is the HTTP client for the conversational-campaign
// backend: thread listing, history pages, sends, read receipts, and takeover
// transitions. All state it returns is authoritative; callers merge it into
// local projections.
package backend

import (
	"fmt"

	"github.com/lumadesk/operator/internal/inbox"
	"github.com/lumadesk/operator/internal/media"
)

// StatusError carries a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend status %d", e.Code)
	}
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// ThreadMessagesQuery selects a page of history for a thread.
type ThreadMessagesQuery struct {
	Limit  int
	Before int64
}

// ThreadMessagesResult is a page of history plus the thread's current
// directory entry, so a fetch also refreshes takeover and unread state.
type ThreadMessagesResult struct {
	Thread   inbox.Thread    `json:"thread"`
	Messages []inbox.Message `json:"messages"`
}

// SendBody is the tagged send payload: exactly one of Text or Attachment.
type SendBody struct {
	Type       string             `json:"type"`
	ClientID   string             `json:"client_id,omitempty"`
	Text       string             `json:"text,omitempty"`
	Attachment *AttachmentPayload `json:"attachment,omitempty"`
}

// AttachmentPayload is the encoded media half of a send.
type AttachmentPayload struct {
	Kind    media.Kind `json:"kind"`
	Payload string     `json:"payload"`
	Mime    string     `json:"mime"`
	Caption string     `json:"caption,omitempty"`
	Name    string     `json:"name,omitempty"`
}

// TextBody builds a text send.
func TextBody(clientID, text string) SendBody {
	return SendBody{Type: "text", ClientID: clientID, Text: text}
}

// AttachmentBody builds a media send from a pending attachment.
func AttachmentBody(clientID string, att media.PendingAttachment) SendBody {
	return SendBody{
		Type:     "attachment",
		ClientID: clientID,
		Attachment: &AttachmentPayload{
			Kind:    att.Kind,
			Payload: att.Payload,
			Mime:    att.Mime,
			Caption: att.Caption,
			Name:    att.Name,
		},
	}
}

// SendResult is the backend acknowledgement of a send.
type SendResult struct {
	MessageID string        `json:"message_id"`
	Timestamp int64         `json:"timestamp"`
	Message   inbox.Message `json:"message"`
}
