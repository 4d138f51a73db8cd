// Package message provides a read-only view over a raw RFC 5322 email.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// ErrMalformed is returned when a payload has no parsable header.
var ErrMalformed = errors.New("malformed email message")

// Message is an immutable view of one email. The raw payload is kept and the
// MIME tree is re-read on demand, so a Message is safe to share across
// handlers.
type Message struct {
	Header     gomail.Header
	Raw        []byte
	ReceivedAt time.Time
	// Metadata carries transport details (uid, folder, remote id).
	Metadata map[string]string
}

// Parse builds a Message from a raw payload. Unknown charsets are tolerated.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	e, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Message{
		Header:   gomail.Header{Header: e.Header},
		Raw:      raw,
		Metadata: map[string]string{},
	}, nil
}

// Valid reports whether m carries a parsed header.
func (m *Message) Valid() bool {
	return m != nil && m.Header.Len() > 0
}

// From returns the first From address, or nil.
func (m *Message) From() *gomail.Address {
	list, err := m.Header.AddressList("From")
	if err != nil || len(list) == 0 {
		return nil
	}
	return list[0]
}

// FromAddress returns the bare sender address with the display name stripped.
func (m *Message) FromAddress() string {
	if addr := m.From(); addr != nil {
		return addr.Address
	}
	raw := strings.TrimSpace(m.Header.Get("From"))
	if i := strings.LastIndexByte(raw, '<'); i >= 0 {
		if j := strings.IndexByte(raw[i:], '>'); j > 0 {
			return strings.TrimSpace(raw[i+1 : i+j])
		}
	}
	return raw
}

// FromName returns the decoded display name of the sender.
func (m *Message) FromName() string {
	if addr := m.From(); addr != nil {
		return addr.Name
	}
	return ""
}

// To returns the To recipients.
func (m *Message) To() []*gomail.Address {
	list, _ := m.Header.AddressList("To")
	return list
}

// Subject returns the RFC 2047 decoded subject.
func (m *Message) Subject() string {
	s, err := m.Header.Subject()
	if err != nil {
		return strings.TrimSpace(m.Header.Get("Subject"))
	}
	return s
}

// Date returns the Date header, or the receive time when missing.
func (m *Message) Date() time.Time {
	d, err := m.Header.Date()
	if err != nil || d.IsZero() {
		return m.ReceivedAt
	}
	return d
}

// MessageID returns the Message-ID without angle brackets.
func (m *Message) MessageID() string {
	id, err := m.Header.MessageID()
	if err != nil {
		return strings.Trim(strings.TrimSpace(m.Header.Get("Message-Id")), "<>")
	}
	return id
}

// Get returns a raw header value.
func (m *Message) Get(key string) string {
	return m.Header.Get(key)
}

// Body concatenates the inline text/plain parts, or the text/html parts when
// html is set, in message order. Attachments are skipped.
func (m *Message) Body(html bool) (string, error) {
	want := "text/plain"
	if html {
		want = "text/html"
	}
	var b strings.Builder
	err := m.walk(func(p *gomail.Part) error {
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			return nil
		}
		ct, _, err := h.ContentType()
		if err != nil || ct == "" {
			ct = "text/plain"
		}
		if !strings.EqualFold(ct, want) {
			return nil
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return err
		}
		b.Write(data)
		return nil
	})
	return b.String(), err
}

// Text returns the plain body, falling back to tag-stripped HTML.
func (m *Message) Text() string {
	if plain, err := m.Body(false); err == nil && strings.TrimSpace(plain) != "" {
		return plain
	}
	html, err := m.Body(true)
	if err != nil || html == "" {
		return ""
	}
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(html))
}

// Attachment is a decoded attachment part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Attachments returns every attachment part, decoded from its transfer
// encoding.
func (m *Message) Attachments() ([]Attachment, error) {
	var out []Attachment
	err := m.walk(func(p *gomail.Part) error {
		h, ok := p.Header.(*gomail.AttachmentHeader)
		if !ok {
			return nil
		}
		name, _ := h.Filename()
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(p.Body)
		if err != nil {
			return err
		}
		out = append(out, Attachment{Filename: name, ContentType: ct, Data: data})
		return nil
	})
	return out, err
}

func (m *Message) walk(fn func(*gomail.Part) error) error {
	r, err := gomail.CreateReader(bytes.NewReader(m.Raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer r.Close()
	for {
		p, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return fmt.Errorf("read part: %w", err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
}
