package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MaxPayloadBytes is the max accepted attachment size before encoding.
	MaxPayloadBytes int64 = 64 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("attachment payload too large")
	// ErrUnsupportedMime indicates the MIME type maps to no send category.
	ErrUnsupportedMime = errors.New("unsupported attachment mime type")
)

// Encode reads the raw payload, enforces the size limit, and returns a
// data-URL encoding suitable for the send API.
func Encode(reader io.Reader, mime string) (string, error) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if _, ok := KindForMime(mime); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMime, mime)
	}
	data, err := readAllWithLimit(reader, MaxPayloadBytes)
	if err != nil {
		return "", err
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// Decode reverses Encode. It accepts a data URL or bare base64 (with an
// unknown MIME type in the latter case).
func Decode(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, "", fmt.Errorf("encoded payload is empty")
	}
	mime := ""
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data url")
		}
		mime = strings.TrimSuffix(header, ";base64")
		encoded = body
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	return data, mime, nil
}

// NewPending builds a pending attachment from raw bytes, classifying the MIME
// type and encoding the payload.
func NewPending(reader io.Reader, mime, name, caption string) (PendingAttachment, error) {
	kind, ok := KindForMime(mime)
	if !ok {
		return PendingAttachment{}, fmt.Errorf("%w: %q", ErrUnsupportedMime, mime)
	}
	payload, err := Encode(reader, mime)
	if err != nil {
		return PendingAttachment{}, err
	}
	return PendingAttachment{
		Kind:    kind,
		Payload: payload,
		Mime:    strings.ToLower(strings.TrimSpace(mime)),
		Caption: caption,
		Name:    name,
	}, nil
}

func readAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	limited := &io.LimitedReader{R: reader, N: maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrPayloadTooLarge, maxBytes)
	}
	return data, nil
}
