package filters

import (
	"context"
	"log"
	"net/textproto"
	"strings"
)

// HeaderTokenFilter copies selected headers into annotations so handlers can
// read them as extra context under "header.<lower-name>". Ignore headers
// carrying a truthy value mark the message to be skipped.
type HeaderTokenFilter struct {
	logger  *log.Logger
	headers []string
	ignore  []string
}

// NewHeaderTokenFilter returns a filter copying the named headers.
func NewHeaderTokenFilter(logger *log.Logger, headers ...string) *HeaderTokenFilter {
	return &HeaderTokenFilter{logger: logger, headers: canonicalHeaderList(headers...)}
}

// WithIgnoreHeaders adds headers such as X-Mailproc-Ignore that suppress
// dispatch when set to yes/true/1.
func (f *HeaderTokenFilter) WithIgnoreHeaders(names ...string) *HeaderTokenFilter {
	f.ignore = canonicalHeaderList(append(f.ignore, names...)...)
	return f
}

// ID implements Filter.
func (f *HeaderTokenFilter) ID() string { return "header_token" }

// Apply copies decoded header values into the annotations.
func (f *HeaderTokenFilter) Apply(ctx context.Context, m *MessageContext) error {
	if m == nil || !m.Message.Valid() {
		return nil
	}
	for _, name := range f.headers {
		value := f.decoded(m, name)
		if value == "" {
			continue
		}
		m.Annotate(annotationHeaderKey(name), value)
	}
	for _, name := range f.ignore {
		if truthy(f.decoded(m, name)) {
			m.Annotate(AnnotationIgnoreMessage, true)
			f.logf("header_token: %s requests ignore for %s", name, m.Message.MessageID())
			break
		}
	}
	return nil
}

func (f *HeaderTokenFilter) decoded(m *MessageContext, name string) string {
	if m.Message.Header.Get(name) == "" {
		return ""
	}
	value, err := m.Message.Header.Text(name)
	if err != nil {
		f.logf("header_token: decode %s failed: %v", name, err)
		value = m.Message.Header.Get(name)
	}
	return strings.TrimSpace(value)
}

func (f *HeaderTokenFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

func canonicalHeaderList(values ...string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		canonical := textproto.CanonicalMIMEHeaderKey(value)
		key := strings.ToLower(canonical)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

func annotationHeaderKey(headerName string) string {
	return AnnotationHeaderPrefix + strings.ToLower(headerName)
}
