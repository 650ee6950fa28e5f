// Package natsbus publishes change notifications to NATS JetStream. Each
// message goes to "{prefix}.{entity}.{change}" as JSON.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/goliatone/go-repository-index/messaging"
)

// JetStream is the part of jetstream.JetStream the publisher uses.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Options configures a Publisher.
type Options struct {
	// StreamName is created or updated on construction when set.
	StreamName    string
	SubjectPrefix string
	MemoryStorage bool
	RetryAttempts int
	// PublishTimeout bounds delayed publishes, which run detached from the
	// caller's context.
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

func (o Options) prefix() string {
	if o.SubjectPrefix != "" {
		return o.SubjectPrefix
	}
	if o.StreamName != "" {
		return o.StreamName
	}
	return "entities"
}

// Publisher implements messaging.Publisher.
type Publisher struct {
	js      JetStream
	opts    Options
	logger  *slog.Logger
	pending sync.WaitGroup
}

var _ messaging.Publisher = (*Publisher)(nil)

// New ensures the configured stream exists and returns a Publisher.
func New(ctx context.Context, js JetStream, opts Options) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("natsbus: jetstream cannot be nil")
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.StreamName != "" {
		storage := jetstream.FileStorage
		if opts.MemoryStorage {
			storage = jetstream.MemoryStorage
		}
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: []string{opts.prefix() + ".>"},
			Storage:  storage,
		})
		if err != nil {
			return nil, fmt.Errorf("natsbus: ensure stream %s: %w", opts.StreamName, err)
		}
	}

	return &Publisher{
		js:     js,
		opts:   opts,
		logger: logger.With("component", "natsbus"),
	}, nil
}

// Connect dials url and builds a Publisher on its JetStream context. The
// returned close function drains the connection.
func Connect(ctx context.Context, url string, opts Options) (*Publisher, func() error, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("natsbus: jetstream: %w", err)
	}

	p, err := New(ctx, js, opts)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return p, func() error {
		p.Wait()
		return nc.Drain()
	}, nil
}

// Subject returns the subject msg is published to.
func (p *Publisher) Subject(msg messaging.EntityChanged) string {
	return fmt.Sprintf("%s.%s.%s", p.opts.prefix(), msg.Type, msg.ChangeType)
}

// Publish sends msg, or schedules it when delay is positive. A delayed
// publish failure is logged.
func (p *Publisher) Publish(ctx context.Context, msg messaging.EntityChanged, delay time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("natsbus: encode message: %w", err)
	}
	if delay <= 0 {
		return p.send(ctx, p.Subject(msg), data)
	}

	subject := p.Subject(msg)
	p.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer p.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PublishTimeout)
		defer cancel()
		if err := p.send(ctx, subject, data); err != nil {
			p.logger.Error("delayed publish failed", "subject", subject, "error", err)
		}
	})
	return nil
}

func (p *Publisher) send(ctx context.Context, subject string, data []byte) error {
	var opts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		opts = append(opts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}
	if _, err := p.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("natsbus: publish to %s: %w", subject, err)
	}
	return nil
}

// Wait blocks until scheduled publishes have run.
func (p *Publisher) Wait() {
	p.pending.Wait()
}
