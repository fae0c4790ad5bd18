// Package media converts binary payloads to and from the transferable
// encoding used by the send API and classifies MIME types into the allowed
// send categories.
package media

import (
	"io"
	"strings"
)

// Kind classifies an attachment into a send category.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// KindForMime maps a MIME type to its send category. Image, video, and audio
// types map by prefix; every other concrete type is sent as a document. An
// empty or malformed MIME type is not sendable.
func KindForMime(mime string) (Kind, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" || !strings.Contains(mime, "/") {
		return "", false
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage, true
	case strings.HasPrefix(mime, "video/"):
		return KindVideo, true
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio, true
	default:
		return KindDocument, true
	}
}

// PendingAttachment is a transient, unsent, client-only value: an encoded
// payload the operator selected or recorded, waiting to be sent or discarded.
type PendingAttachment struct {
	Kind    Kind   `json:"kind"`
	Payload string `json:"payload"`
	Mime    string `json:"mime"`
	Caption string `json:"caption,omitempty"`
	Name    string `json:"name,omitempty"`
	// Preview holds the local preview resource, released when the
	// attachment is replaced or discarded.
	Preview io.Closer `json:"-"`
}

func (a *PendingAttachment) releasePreview() {
	if a != nil && a.Preview != nil {
		_ = a.Preview.Close()
		a.Preview = nil
	}
}

// Slot holds at most one pending attachment. A new selection replaces the
// previous one and releases its preview resource.
type Slot struct {
	current *PendingAttachment
}

// Set installs a new pending attachment, discarding any previous one.
func (s *Slot) Set(att PendingAttachment) {
	s.current.releasePreview()
	s.current = &att
}

// Get returns the pending attachment, if any.
func (s *Slot) Get() (PendingAttachment, bool) {
	if s.current == nil {
		return PendingAttachment{}, false
	}
	return *s.current, true
}

// Clear discards the pending attachment and releases its preview.
func (s *Slot) Clear() {
	s.current.releasePreview()
	s.current = nil
}
