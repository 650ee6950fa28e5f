package repository

import (
	"context"

	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

// PageHandler processes one page of a batch. Returning false stops the
// batch after the page was counted.
type PageHandler[T model.Identity] func(ctx context.Context, page *FindResults[T]) (bool, error)

// BatchProcess runs handler over every document matching q, one page at a
// time. Pages always come from a server-side cursor so concurrent writes
// cannot shift rows between pages; the cursor lives CursorKeepAlive unless
// WithCursor sets another lifetime, and pages hold BatchSize documents
// unless a limit is given.
//
// It returns the number of documents in the pages the handler completed.
// A handler error stops the batch and is returned with the partial count.
func (r *ReadOnlyRepository[T]) BatchProcess(ctx context.Context, q store.Query, handler PageHandler[T], opts ...Option) (int64, error) {
	if handler == nil {
		return 0, inputError("batch process", "handler is required")
	}

	o := r.batchOptions(opts)
	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return 0, err
	}

	results, err := r.find(ctx, query, o)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := results.Close(context.WithoutCancel(ctx)); err != nil {
			r.logger.Debug("clearing batch cursor failed", "error", err)
		}
	}()

	var processed int64
	for len(results.Hits) > 0 {
		more, err := handler(ctx, results)
		if err != nil {
			return processed, err
		}
		processed += int64(len(results.Hits))
		if !more {
			break
		}
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		ok, err := results.NextPage(ctx)
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
	}
	return processed, nil
}

func (r *ReadOnlyRepository[T]) batchOptions(opts []Option) callOptions {
	raw := callOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&raw)
		}
	}

	o := r.options(opts)
	o.cursor = true
	o.cache = false
	o.page = 1
	if raw.keepAlive <= 0 {
		o.keepAlive = r.cfg.CursorKeepAlive
	}
	if raw.limit <= 0 {
		o.limit = r.cfg.BatchSize
	}
	return o
}
