// Package messaging carries change notifications out of the repositories.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goliatone/go-repository-index/model"
)

// EntityChanged announces that documents of Type changed. An empty ID marks
// an aggregate notification covering many documents.
type EntityChanged struct {
	Type       string           `json:"type"`
	ID         string           `json:"id,omitempty"`
	ChangeType model.ChangeType `json:"change_type"`
	Data       map[string]any   `json:"data,omitempty"`
}

// Publisher delivers notifications, optionally after delay.
type Publisher interface {
	Publish(ctx context.Context, msg EntityChanged, delay time.Duration) error
}

// NoopPublisher drops every message.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, EntityChanged, time.Duration) error { return nil }

// Handler receives messages delivered by a MemoryPublisher.
type Handler func(ctx context.Context, msg EntityChanged)

// MemoryPublisher delivers messages in process. It records every delivered
// message, which makes it the publisher of choice in tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []EntityChanged
	handlers []Handler
	pending  sync.WaitGroup
	logger   *slog.Logger
}

func NewMemoryPublisher(logger *slog.Logger) *MemoryPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPublisher{logger: logger.With("component", "messaging")}
}

// Subscribe registers h for every later delivery.
func (p *MemoryPublisher) Subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Publish delivers msg now, or after delay on a timer.
func (p *MemoryPublisher) Publish(ctx context.Context, msg EntityChanged, delay time.Duration) error {
	if delay <= 0 {
		p.deliver(ctx, msg)
		return nil
	}

	p.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer p.pending.Done()
		p.deliver(context.WithoutCancel(ctx), msg)
	})
	return nil
}

func (p *MemoryPublisher) deliver(ctx context.Context, msg EntityChanged) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	handlers := append([]Handler(nil), p.handlers...)
	p.mu.Unlock()

	p.logger.Debug("entity changed", "type", msg.Type, "id", msg.ID, "change", msg.ChangeType)
	for _, h := range handlers {
		h(ctx, msg)
	}
}

// Wait blocks until every delayed message was delivered.
func (p *MemoryPublisher) Wait() {
	p.pending.Wait()
}

// Messages returns a copy of the delivered messages.
func (p *MemoryPublisher) Messages() []EntityChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EntityChanged(nil), p.messages...)
}

// Reset forgets delivered messages.
func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
