package connector

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// ReceiverConstructor builds a receiver for one account.
type ReceiverConstructor func(Account) Receiver

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu           sync.RWMutex
	constructors map[string]ReceiverConstructor
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{constructors: make(map[string]ReceiverConstructor)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with built-in receivers.
func DefaultFactory(logger *log.Logger) Factory {
	return NewFactory(
		WithReceiver(func(a Account) Receiver {
			return NewPOP3Receiver(a, WithPOP3Logger(logger))
		}, "pop3", "pop3s", "pop3_tls", "pop3s_tls"),
		WithReceiver(func(a Account) Receiver {
			return NewIMAPReceiver(a, WithIMAPLogger(logger))
		}, "imap", "imaps", "imap_tls", "imaps_tls", "imaptls"),
		WithReceiver(func(a Account) Receiver {
			return NewFileReceiver(a)
		}, "file"),
	)
}

// WithReceiver registers a constructor for the provided account types.
func WithReceiver(ctor ReceiverConstructor, accountTypes ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || ctor == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range accountTypes {
			key := normalizeType(t)
			if key == "" {
				continue
			}
			f.constructors[key] = ctor
		}
	}
}

func (f *simpleFactory) ReceiverFor(account Account) (Receiver, error) {
	key := normalizeType(account.Type)
	f.mu.RLock()
	ctor, ok := f.constructors[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for account type %s", account.Type)
	}
	return ctor(account), nil
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
