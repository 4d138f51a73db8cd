package message

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultJSONAttachmentName is the filename used by senders for JSON payloads.
const DefaultJSONAttachmentName = "attachment.json"

// ErrAttachmentNotFound is returned when no attachment satisfies the lookup.
var ErrAttachmentNotFound = errors.New("attachment not found")

type attachmentLookup struct {
	filename    string
	contentType string
	base64      bool
	gzipped     bool
}

// AttachmentOption narrows or post-processes a JSON attachment lookup.
type AttachmentOption func(*attachmentLookup)

// WithAttachmentName matches the attachment filename exactly. An empty name
// matches any attachment.
func WithAttachmentName(name string) AttachmentOption {
	return func(l *attachmentLookup) { l.filename = name }
}

// WithAttachmentContentType matches the attachment media type.
func WithAttachmentContentType(ct string) AttachmentOption {
	return func(l *attachmentLookup) { l.contentType = strings.ToLower(ct) }
}

// WithBase64Payload decodes a payload that is itself base64 text.
func WithBase64Payload() AttachmentOption {
	return func(l *attachmentLookup) { l.base64 = true }
}

// WithGzipPayload gunzips the payload before any base64 decoding.
func WithGzipPayload() AttachmentOption {
	return func(l *attachmentLookup) { l.gzipped = true }
}

// JSONAttachment decodes the first matching attachment into v.
func (m *Message) JSONAttachment(v any, opts ...AttachmentOption) error {
	lookup := attachmentLookup{}
	for _, opt := range opts {
		opt(&lookup)
	}
	atts, err := m.Attachments()
	if err != nil {
		return err
	}
	for _, att := range atts {
		if lookup.filename != "" && att.Filename != lookup.filename {
			continue
		}
		if lookup.contentType != "" && !strings.EqualFold(att.ContentType, lookup.contentType) {
			continue
		}
		payload, err := lookup.decode(att.Data)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", att.Filename, err)
		}
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("attachment %q: decode json: %w", att.Filename, err)
		}
		return nil
	}
	return ErrAttachmentNotFound
}

func (l attachmentLookup) decode(data []byte) ([]byte, error) {
	if l.gzipped {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gunzip: %w", err)
		}
	}
	if l.base64 {
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, newlineStripper(data)))
		if err != nil {
			return nil, fmt.Errorf("base64: %w", err)
		}
		data = decoded
	}
	return data, nil
}

func newlineStripper(data []byte) io.Reader {
	return strings.NewReader(strings.NewReplacer("\r", "", "\n", "").Replace(string(data)))
}
