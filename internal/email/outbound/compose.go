// Package outbound composes MIME messages and sends them over SMTP, SES or
// to a directory.
package outbound

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

var (
	// ErrNoRecipients is returned for drafts without To, Cc or Bcc.
	ErrNoRecipients = errors.New("no recipients specified")
	// ErrNoSender is returned for drafts without a From address.
	ErrNoSender = errors.New("no sender specified")
)

// JSONOptions controls how Draft.JSON is attached.
type JSONOptions struct {
	Filename string
	// Base64 encodes the JSON text before it is attached.
	Base64 bool
	// Gzip compresses the payload and attaches it as application/x-gzip.
	Gzip bool
}

// Draft is an outgoing message.
type Draft struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
	// Markdown is rendered to the HTML alternative when HTML is empty.
	Markdown    string
	JSON        any
	JSONOptions JSONOptions
	// Log labels the SEND lines; it defaults to the To list.
	Log string
}

// Recipients returns the envelope recipients: To, Cc and Bcc.
func (d Draft) Recipients() []string {
	out := make([]string, 0, len(d.To)+len(d.Cc)+len(d.Bcc))
	for _, list := range [][]string{d.To, d.Cc, d.Bcc} {
		for _, addr := range list {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

func (d Draft) label() string {
	if d.Log != "" {
		return d.Log
	}
	return strings.Join(d.To, ", ")
}

func (d Draft) validate() error {
	if strings.TrimSpace(d.From) == "" {
		return ErrNoSender
	}
	if len(d.Recipients()) == 0 {
		return ErrNoRecipients
	}
	return nil
}

// Compose renders d as an RFC 5322 message. A text-only draft becomes a
// single text/plain message; otherwise the body sits in multipart/mixed,
// with HTML (or Markdown) bodies wrapped in multipart/alternative. Bcc is
// never written to the header.
func Compose(d Draft) ([]byte, error) {
	return composeAt(d, time.Now())
}

func composeAt(d Draft, now time.Time) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)
	from, err := gomail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("from %q: %w", d.From, err)
	}
	h.SetAddressList("From", []*gomail.Address{from})
	if err := setAddressHeader(&h, "To", d.To); err != nil {
		return nil, err
	}
	if err := setAddressHeader(&h, "Cc", d.Cc); err != nil {
		return nil, err
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}

	htmlBody := d.HTML
	text := d.Text
	if htmlBody == "" && d.Markdown != "" {
		htmlBody = markdownToHTML(d.Markdown)
		if text == "" {
			text = d.Markdown
		}
	}

	var buf bytes.Buffer
	if htmlBody == "" && d.JSON == nil {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := gomail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create writer: %w", err)
		}
		if _, err := io.WriteString(w, text); err != nil {
			w.Close()
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if htmlBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("create alternative: %w", err)
		}
		if err := writeInline(iw.CreatePart, "text/plain", text); err != nil {
			return nil, err
		}
		if err := writeInline(iw.CreatePart, "text/html", htmlBody); err != nil {
			return nil, err
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("close alternative: %w", err)
		}
	} else if err := writeInline(mw.CreateSingleInline, "text/plain", text); err != nil {
		return nil, err
	}

	if d.JSON != nil {
		if err := attachJSON(mw, d.JSON, d.JSONOptions); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func setAddressHeader(h *gomail.Header, key string, list []string) error {
	joined := strings.TrimSpace(strings.Join(list, ", "))
	if joined == "" {
		return nil
	}
	addrs, err := gomail.ParseAddressList(joined)
	if err != nil {
		return fmt.Errorf("%s %q: %w", strings.ToLower(key), joined, err)
	}
	h.SetAddressList(key, addrs)
	return nil
}

func writeInline(create func(gomail.InlineHeader) (io.WriteCloser, error), contentType, body string) error {
	var ih gomail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ih.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := create(ih)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

func attachJSON(mw *gomail.Writer, v any, opts JSONOptions) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json attachment: %w", err)
	}
	if opts.Base64 {
		payload = []byte(encodeBase64WithLineBreaks(payload) + "\n")
	}
	contentType := "application/json"
	params := map[string]string{"charset": "utf-8"}
	if opts.Gzip {
		var zbuf bytes.Buffer
		zw := gzip.NewWriter(&zbuf)
		if _, err := zw.Write(payload); err != nil {
			return fmt.Errorf("gzip json attachment: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip json attachment: %w", err)
		}
		payload = zbuf.Bytes()
		contentType, params = "application/x-gzip", nil
	}

	name := opts.Filename
	if name == "" {
		name = message.DefaultJSONAttachmentName
	}
	var ah gomail.AttachmentHeader
	ah.SetContentType(contentType, params)
	ah.SetFilename(name)
	ah.Set("Content-Transfer-Encoding", "base64")
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", name, err)
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return fmt.Errorf("write attachment %s: %w", name, err)
	}
	return w.Close()
}

// encodeBase64WithLineBreaks encodes data with 76-character lines per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\n")
}

func markdownToHTML(markdown string) string {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
		),
		goldmark.WithRendererOptions(
			html.WithUnsafe(),
		),
	)

	var buf strings.Builder
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return markdown
	}
	return buf.String()
}

func envelopeAddress(addr string) (string, error) {
	parsed, err := gomail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	return parsed.Address, nil
}
