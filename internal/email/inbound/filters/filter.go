package filters

import (
	"context"

	"github.com/gotrs-io/gotrs-mailproc/internal/email/message"
)

// MessageContext is the mutable envelope filters operate on.
type MessageContext struct {
	Message     *message.Message
	Annotations map[string]any
}

// Annotate stores value under key, allocating the map on first use.
func (m *MessageContext) Annotate(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// Ignored reports whether a filter asked for the message to be skipped.
func (m *MessageContext) Ignored() bool {
	if m == nil {
		return false
	}
	ignore, _ := m.Annotations[AnnotationIgnoreMessage].(bool)
	return ignore
}

// Filter annotates a message before it is dispatched.
type Filter interface {
	ID() string
	Apply(ctx context.Context, m *MessageContext) error
}

// Chain executes filters in order, short-circuiting on error.
type Chain struct {
	filters []Filter
}

// NewChain returns a filter chain that runs the provided filters sequentially.
func NewChain(fs ...Filter) Chain {
	return Chain{filters: fs}
}

// Len returns the number of filters in the chain.
func (c Chain) Len() int { return len(c.filters) }

// Run executes the chain.
func (c Chain) Run(ctx context.Context, m *MessageContext) error {
	for _, f := range c.filters {
		if err := f.Apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
