package filters

import (
	"context"
	"log"
)

// Deduper remembers keys and reports whether one was seen before.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
}

// DedupeFilter marks messages whose Message-ID was already dispatched.
// Messages without a Message-ID always pass.
type DedupeFilter struct {
	store  Deduper
	logger *log.Logger
}

// NewDedupeFilter returns a filter backed by store.
func NewDedupeFilter(store Deduper, logger *log.Logger) *DedupeFilter {
	return &DedupeFilter{store: store, logger: logger}
}

// ID implements Filter.
func (f *DedupeFilter) ID() string { return "dedupe" }

// Apply consults the deduper. Lookup failures are logged and the message
// passes.
func (f *DedupeFilter) Apply(ctx context.Context, m *MessageContext) error {
	if f == nil || f.store == nil || m == nil || !m.Message.Valid() {
		return nil
	}
	id := m.Message.MessageID()
	if id == "" {
		return nil
	}
	seen, err := f.store.Seen(ctx, "msgid:"+id)
	if err != nil {
		f.logf("dedupe: lookup %s failed: %v", id, err)
		return nil
	}
	if seen {
		m.Annotate(AnnotationIgnoreMessage, true)
		m.Annotate(AnnotationDuplicateOf, id)
		f.logf("dedupe: %s already processed", id)
	}
	return nil
}

func (f *DedupeFilter) logf(format string, args ...any) {
	if f == nil || f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
