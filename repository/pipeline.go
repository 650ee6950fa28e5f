package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

type pendingWrite[T any] struct {
	doc       T
	index     string
	ifVersion model.VersionStamp
}

type writeResult[T any] struct {
	pos int
	doc T
	hit store.Hit
}

// writeDocs indexes full documents, with a point write for one document
// and a bulk write otherwise. Per-document failures are returned
// separately from a failure of the whole request.
func (r *Repository[T]) writeDocs(ctx context.Context, op string, writes []pendingWrite[T], o callOptions) ([]writeResult[T], []error, error) {
	sources := make([]json.RawMessage, len(writes))
	for i, w := range writes {
		src, err := json.Marshal(w.doc)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: encode %s %s: %w", op, r.entity, w.doc.GetID(), err)
		}
		sources[i] = src
	}

	var out []writeResult[T]
	var failures []error

	if len(writes) == 1 {
		w := writes[0]
		req := store.IndexRequest{Index: w.index, ID: w.doc.GetID(), Source: sources[0], IfVersion: w.ifVersion, Refresh: o.immediate}
		resp, err := r.client.Index(ctx, req)
		if err != nil {
			return nil, []error{writeError(op, req.ID, w.ifVersion, req, err)}, nil
		}
		setVersion(w.doc, resp.Version)
		out = append(out, writeResult[T]{doc: w.doc, hit: store.Hit{Index: resp.Index, ID: req.ID, Version: resp.Version, Source: sources[0]}})
		return out, nil, nil
	}

	req := store.BulkRequest{Refresh: o.immediate}
	for i, w := range writes {
		req.Ops = append(req.Ops, store.BulkOp{
			Action:    store.ActionIndex,
			Index:     w.index,
			ID:        w.doc.GetID(),
			Source:    sources[i],
			IfVersion: w.ifVersion,
		})
	}
	resp, err := r.client.Bulk(ctx, req)
	if err != nil {
		return nil, nil, &EngineError{Op: op, Request: req, Err: err}
	}

	for i, item := range resp.Items {
		w := writes[i]
		if item.Err != nil {
			failures = append(failures, writeError(op, item.ID, w.ifVersion, req.Ops[i], item.Err))
			continue
		}
		setVersion(w.doc, item.Version)
		out = append(out, writeResult[T]{pos: i, doc: w.doc, hit: store.Hit{Index: item.Index, ID: item.ID, Version: item.Version, Source: sources[i]}})
	}
	return out, failures, nil
}

func (r *Repository[T]) failureResult(op string, total int, failures []error, o callOptions) error {
	switch {
	case len(failures) == 0:
		return nil
	case total == 1:
		return failures[0]
	case o.tolerate:
		r.logger.Warn("partial failure tolerated", "op", op, "failed", len(failures), "total", total, "error", errors.Join(failures...))
		return nil
	}
	return &BulkError{Failures: failures}
}

func (r *Repository[T]) validateAll(ctx context.Context, docs []T, o callOptions) error {
	if o.skipValidation || r.validate == nil {
		return nil
	}
	for _, doc := range docs {
		if err := r.validate(ctx, doc); err != nil {
			return &ValidationError{ID: doc.GetID(), Err: err}
		}
	}
	return nil
}

// cacheWritten stores written documents when caching was requested and
// evicts them otherwise, which also clears negative entries.
func (r *Repository[T]) cacheWritten(ctx context.Context, docs []writeResult[T], o callOptions) {
	if r.cache == nil {
		return
	}

	if o.cache {
		for _, w := range docs {
			if err := r.cache.Set(ctx, idKey(w.hit.ID), toCached(w.hit), o.cacheTTL); err != nil {
				r.logger.Warn("cache write failed", "id", w.hit.ID, "error", err)
			}
		}
	} else {
		keys := make([]string, len(docs))
		for i, w := range docs {
			keys[i] = idKey(w.hit.ID)
		}
		if err := r.cache.Remove(ctx, keys...); err != nil {
			r.logger.Warn("cache invalidation failed", "error", err)
		}
	}
	r.evictPages(ctx)
}

func (r *Repository[T]) evictPages(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.RemoveByPrefix(ctx, pageKeyPrefix); err != nil {
		r.logger.Warn("query cache invalidation failed", "error", err)
	}
}

func (r *Repository[T]) post(event string, err error) {
	if err != nil {
		r.logger.Warn("event handler failed", "event", event, "error", err)
	}
}

// notify publishes one message per document, or a single aggregate message
// above the batch threshold.
func (r *Repository[T]) notify(ctx context.Context, kind model.ChangeType, ids []string, o callOptions) {
	if !o.notify || len(ids) == 0 {
		return
	}
	if len(ids) > r.cfg.NotificationBatchThreshold {
		r.notifyAggregate(ctx, kind, int64(len(ids)), o)
		return
	}
	for _, id := range ids {
		r.publish(ctx, messaging.EntityChanged{Type: r.entity, ID: id, ChangeType: kind})
	}
}

func (r *Repository[T]) notifyAggregate(ctx context.Context, kind model.ChangeType, count int64, o callOptions) {
	if !o.notify {
		return
	}
	r.publish(ctx, messaging.EntityChanged{Type: r.entity, ChangeType: kind, Data: map[string]any{"count": count}})
}

func (r *Repository[T]) publish(ctx context.Context, msg messaging.EntityChanged) {
	if err := r.publisher.Publish(ctx, msg, r.cfg.NotificationDelay); err != nil {
		r.logger.Error("publishing change notification failed", "id", msg.ID, "change", msg.ChangeType, "error", err)
	}
}

func checkDocuments[T model.Identity](op string, docs []T, requireID bool) error {
	if len(docs) == 0 {
		return inputError(op, "no documents given")
	}
	for i, doc := range docs {
		if model.IsNil(doc) {
			return inputError(op, fmt.Sprintf("document %d is nil", i))
		}
		if requireID && doc.GetID() == "" {
			return inputError(op, fmt.Sprintf("document %d has no id", i))
		}
	}
	return nil
}

func documentIDs[T model.Identity](docs []T) []string {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.GetID()
	}
	return ids
}

func writtenDocs[T any](ws []writeResult[T]) []T {
	docs := make([]T, len(ws))
	for i, w := range ws {
		docs[i] = w.doc
	}
	return docs
}

func removed[T any](docs []T) []model.ModifiedDocument[T] {
	out := make([]model.ModifiedDocument[T], len(docs))
	for i, doc := range docs {
		out[i] = model.ModifiedDocument[T]{Original: doc, Value: doc}
	}
	return out
}

func versionOf(doc any) model.VersionStamp {
	if v, ok := doc.(model.Versioned); ok {
		return v.GetVersion()
	}
	return model.EmptyVersion
}

func setVersion(doc any, v model.VersionStamp) {
	if d, ok := doc.(model.Versioned); ok {
		d.SetVersion(v)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
