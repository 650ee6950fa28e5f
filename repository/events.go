package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

// Handler observes an event. Returning an error from a handler of a
// pre-write event aborts the call.
type Handler[A any] func(ctx context.Context, args A) error

type registration[A any] struct {
	id int
	fn Handler[A]
}

// Event is an ordered list of handlers run one after the other.
type Event[A any] struct {
	mu       sync.RWMutex
	handlers []registration[A]
	nextID   int
}

// AddHandler appends h and returns a func that removes it again.
func (e *Event[A]) AddHandler(h Handler[A]) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, registration[A]{id: id, fn: h})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, reg := range e.handlers {
			if reg.id == id {
				e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
				return
			}
		}
	}
}

func (e *Event[A]) HasHandlers() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers) > 0
}

// Invoke runs the handlers in registration order and stops at the first
// error.
func (e *Event[A]) Invoke(ctx context.Context, args A) error {
	e.mu.RLock()
	handlers := append([]registration[A](nil), e.handlers...)
	e.mu.RUnlock()

	for _, reg := range handlers {
		if err := reg.fn(ctx, args); err != nil {
			return err
		}
	}
	return nil
}

// InvokeAll runs every handler in registration order and joins their
// errors.
func (e *Event[A]) InvokeAll(ctx context.Context, args A) error {
	e.mu.RLock()
	handlers := append([]registration[A](nil), e.handlers...)
	e.mu.RUnlock()

	var errs []error
	for _, reg := range handlers {
		if err := reg.fn(ctx, args); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DocumentsEventArgs carries the documents of an add or remove.
type DocumentsEventArgs[T any] struct {
	Documents []T
}

// ModifiedDocumentsEventArgs carries the before/after pairs of a save.
type ModifiedDocumentsEventArgs[T any] struct {
	Documents []model.ModifiedDocument[T]
}

// DocumentsChangeEventArgs is raised for every kind of write.
type DocumentsChangeEventArgs[T any] struct {
	ChangeType model.ChangeType
	Documents  []model.ModifiedDocument[T]
}

// BeforeQueryEventArgs exposes the query about to run. Handlers may modify
// it.
type BeforeQueryEventArgs struct {
	Entity string
	Query  *store.Query
}

func added[T any](docs []T) []model.ModifiedDocument[T] {
	out := make([]model.ModifiedDocument[T], len(docs))
	for i, doc := range docs {
		out[i] = model.ModifiedDocument[T]{Value: doc}
	}
	return out
}
