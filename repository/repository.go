package repository

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/store"
)

// Repository adds the write pipeline to ReadOnlyRepository. Every write
// follows the same shape: input checks, pre-write events, validation, the
// physical write, post-write events and the outbound notification.
//
// Pre-write handler errors abort the call. Post-write handler errors are
// logged since the write already happened.
type Repository[T model.Identity] struct {
	*ReadOnlyRepository[T]

	publisher messaging.Publisher
	validate  Validator[T]

	DocumentsAdding   Event[DocumentsEventArgs[T]]
	DocumentsAdded    Event[DocumentsEventArgs[T]]
	DocumentsSaving   Event[ModifiedDocumentsEventArgs[T]]
	DocumentsSaved    Event[ModifiedDocumentsEventArgs[T]]
	DocumentsRemoving Event[DocumentsEventArgs[T]]
	DocumentsRemoved  Event[DocumentsEventArgs[T]]
	DocumentsChanging Event[DocumentsChangeEventArgs[T]]
	DocumentsChanged  Event[DocumentsChangeEventArgs[T]]
}

// New builds a repository for documents of type T stored in idx.
func New[T model.Identity](client store.Client, idx *index.Index, opts ...RepositoryOption) (*Repository[T], error) {
	s := newSettings(opts)
	ro, err := newReadOnly[T](client, idx, s)
	if err != nil {
		return nil, err
	}

	validate := Validator[T](DefaultValidator[T])
	if s.validator != nil {
		v, ok := s.validator.(Validator[T])
		if !ok {
			return nil, fmt.Errorf("repository: validator %T does not accept %s", s.validator, ro.caps.Type)
		}
		validate = v
	}

	publisher := s.publisher
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}

	return &Repository[T]{
		ReadOnlyRepository: ro,
		publisher:          publisher,
		validate:           validate,
	}, nil
}

// Add stores a new document. The id is generated when empty, dates are
// stamped and any version set by the caller is discarded. Adding an id that
// already exists overwrites it.
func (r *Repository[T]) Add(ctx context.Context, doc T, opts ...Option) (T, error) {
	return doc, r.AddMany(ctx, []T{doc}, opts...)
}

// AddMany stores new documents with a single bulk write.
func (r *Repository[T]) AddMany(ctx context.Context, docs []T, opts ...Option) error {
	if err := checkDocuments("add", docs, false); err != nil {
		return err
	}
	return r.add(ctx, docs, r.options(opts))
}

func (r *Repository[T]) add(ctx context.Context, docs []T, o callOptions) error {
	failures, err := r.addDocs(ctx, docs, o)
	if err != nil {
		return err
	}
	return r.failureResult("add", len(docs), failures, o)
}

// addDocs writes docs and returns the per-document failures separately from
// an error that stopped the whole write.
func (r *Repository[T]) addDocs(ctx context.Context, docs []T, o callOptions) ([]error, error) {
	now := r.cfg.Clock().UTC()
	for _, doc := range docs {
		if doc.GetID() == "" {
			doc.SetID(newID())
		}
		if d, ok := any(doc).(model.Dated); ok {
			if d.GetCreatedUTC().IsZero() {
				d.SetCreatedUTC(now)
			}
			d.SetUpdatedUTC(now)
		}
		if v, ok := any(doc).(model.Versioned); ok {
			v.SetVersion(model.EmptyVersion)
		}
	}

	if err := r.DocumentsAdding.Invoke(ctx, DocumentsEventArgs[T]{Documents: docs}); err != nil {
		return nil, fmt.Errorf("documents adding: %w", err)
	}
	if err := r.DocumentsChanging.Invoke(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeAdded, Documents: added(docs)}); err != nil {
		return nil, fmt.Errorf("documents changing: %w", err)
	}
	if err := r.validateAll(ctx, docs, o); err != nil {
		return nil, err
	}
	if err := r.ensureTargets(ctx, docs); err != nil {
		return nil, err
	}

	writes := make([]pendingWrite[T], len(docs))
	for i, doc := range docs {
		writes[i] = pendingWrite[T]{doc: doc, index: r.index.WriteIndex(doc)}
	}
	written, failures, err := r.writeDocs(ctx, "add", writes, o)
	if err != nil {
		return nil, err
	}

	if len(written) > 0 {
		succeeded := writtenDocs(written)
		r.cacheWritten(ctx, written, o)
		r.post("documents added", r.DocumentsAdded.InvokeAll(ctx, DocumentsEventArgs[T]{Documents: succeeded}))
		r.post("documents changed", r.DocumentsChanged.InvokeAll(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeAdded, Documents: added(succeeded)}))
		r.notify(ctx, model.ChangeAdded, documentIDs(succeeded), o)
	}
	return failures, nil
}

// ensureTargets creates the date shards the documents go to, one call per
// distinct shard.
func (r *Repository[T]) ensureTargets(ctx context.Context, docs []T) error {
	if !r.index.IsSharded() {
		return nil
	}

	targets := map[string]struct{}{}
	for _, doc := range docs {
		targets[r.index.WriteIndex(doc)] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for name := range targets {
		g.Go(func() error {
			return r.index.Ensure(gctx, r.client, name)
		})
	}
	if err := g.Wait(); err != nil {
		return &EngineError{Op: "ensure index", Request: targets, Err: err}
	}
	return nil
}

// Save writes documents that already exist, guarded by their version.
// Documents without a stored original are added instead.
func (r *Repository[T]) Save(ctx context.Context, doc T, opts ...Option) (T, error) {
	return doc, r.SaveMany(ctx, []T{doc}, opts...)
}

// SaveMany saves documents with one bulk write for existing documents and
// one for new ones. A stale version fails only its own document with a
// *ConcurrencyError; the others are written and the call reports a
// *BulkError unless TolerateFailures is set.
func (r *Repository[T]) SaveMany(ctx context.Context, docs []T, opts ...Option) error {
	if err := checkDocuments("save", docs, true); err != nil {
		return err
	}
	o := r.options(opts)

	ids := documentIDs(docs)
	hits, err := r.getHits(ctx, ids, callOptions{cache: r.cache != nil, cacheTTL: o.cacheTTL})
	if err != nil {
		return err
	}

	originals := make(map[string]store.Hit, len(hits))
	for _, hit := range hits {
		originals[hit.ID] = hit
	}

	var adds []T
	var mods []model.ModifiedDocument[T]
	var targets []string
	for _, doc := range docs {
		hit, ok := originals[doc.GetID()]
		if !ok {
			adds = append(adds, doc)
			continue
		}
		orig, err := r.decode(hit)
		if err != nil {
			return err
		}
		mods = append(mods, model.ModifiedDocument[T]{Original: orig, Value: doc})
		targets = append(targets, r.saveTarget(doc, hit.Index))
	}

	// New and existing documents are written independently so a failure
	// in one group does not keep the other from being written.
	var failures, aborted []error
	if len(adds) > 0 {
		f, err := r.addDocs(ctx, adds, o)
		if err != nil {
			aborted = append(aborted, err)
		}
		failures = append(failures, f...)
	}
	if len(mods) > 0 {
		f, err := r.saveDocs(ctx, mods, targets, o)
		if err != nil {
			aborted = append(aborted, err)
		}
		failures = append(failures, f...)
	}

	switch {
	case len(aborted) == 0:
		return r.failureResult("save", len(docs), failures, o)
	case len(aborted) == 1 && len(failures) == 0 && (len(adds) == 0 || len(mods) == 0):
		return aborted[0]
	}
	return &BulkError{Failures: append(aborted, failures...)}
}

func (r *Repository[T]) saveDocs(ctx context.Context, mods []model.ModifiedDocument[T], targets []string, o callOptions) ([]error, error) {
	values := make([]T, len(mods))
	for i, m := range mods {
		values[i] = m.Value
	}
	ids := documentIDs(values)

	// Evicted before the write: a failed save costs a cache miss, never a
	// stale read.
	if err := r.InvalidateCache(ctx, ids...); err != nil {
		r.logger.Warn("cache invalidation failed", "error", err)
	}

	now := r.cfg.Clock().UTC()
	for _, m := range mods {
		d, ok := any(m.Value).(model.Dated)
		if !ok {
			continue
		}
		if d.GetCreatedUTC().IsZero() {
			d.SetCreatedUTC(any(m.Original).(model.Dated).GetCreatedUTC())
		}
		d.SetUpdatedUTC(now)
	}

	if err := r.validateAll(ctx, values, o); err != nil {
		return nil, err
	}
	if err := r.DocumentsSaving.Invoke(ctx, ModifiedDocumentsEventArgs[T]{Documents: mods}); err != nil {
		return nil, fmt.Errorf("documents saving: %w", err)
	}
	if err := r.DocumentsChanging.Invoke(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeSaved, Documents: mods}); err != nil {
		return nil, fmt.Errorf("documents changing: %w", err)
	}

	writes := make([]pendingWrite[T], len(mods))
	for i, m := range mods {
		writes[i] = pendingWrite[T]{doc: m.Value, index: targets[i], ifVersion: versionOf(m.Value)}
	}
	written, failures, err := r.writeDocs(ctx, "save", writes, o)
	if err != nil {
		return nil, err
	}

	if len(written) > 0 {
		saved := make([]model.ModifiedDocument[T], len(written))
		for i, w := range written {
			saved[i] = mods[w.pos]
		}

		kind := model.ChangeSaved
		if r.reconcileSoftDeletes(ctx, saved) {
			kind = model.ChangeRemoved
		}
		r.cacheWritten(ctx, written, o)

		r.post("documents saved", r.DocumentsSaved.InvokeAll(ctx, ModifiedDocumentsEventArgs[T]{Documents: saved}))
		r.post("documents changed", r.DocumentsChanged.InvokeAll(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeSaved, Documents: saved}))
		r.notify(ctx, kind, documentIDs(writtenDocs(written)), o)
	}
	return failures, nil
}

func (r *Repository[T]) saveTarget(doc T, original string) string {
	if r.index.IsSharded() && original != "" {
		return original
	}
	return r.index.WriteIndex(doc)
}

// reconcileSoftDeletes records ids whose deleted flag flipped so queries
// mask them until the store catches up. It reports whether every document
// was a delete.
func (r *Repository[T]) reconcileSoftDeletes(ctx context.Context, mods []model.ModifiedDocument[T]) bool {
	if !r.caps.SoftDeletable || len(mods) == 0 {
		return false
	}

	var deleted, restored []string
	for _, m := range mods {
		was := any(m.Original).(model.SoftDeletable).IsDeleted()
		is := any(m.Value).(model.SoftDeletable).IsDeleted()
		switch {
		case !was && is:
			deleted = append(deleted, m.Value.GetID())
		case was && !is:
			restored = append(restored, m.Value.GetID())
		}
	}

	if r.deleted != nil {
		if len(deleted) > 0 {
			if err := r.deleted.SetAdd(ctx, recentlyDeletedKey, deleted, r.cfg.RecentlyDeletedTTL); err != nil {
				r.logger.Warn("recording deleted ids failed", "error", err)
			}
		}
		if len(restored) > 0 {
			if err := r.deleted.SetRemove(ctx, recentlyDeletedKey, restored); err != nil {
				r.logger.Warn("clearing restored ids failed", "error", err)
			}
		}
	}
	return len(deleted) == len(mods)
}

// PatchByID applies patch to one document.
func (r *Repository[T]) PatchByID(ctx context.Context, id string, patch model.Patch, opts ...Option) error {
	_, err := r.PatchByIDs(ctx, []string{id}, patch, opts...)
	return err
}

// PatchByIDs applies patch to each id and returns how many documents
// changed. Patches that leave a document unchanged are not counted.
func (r *Repository[T]) PatchByIDs(ctx context.Context, ids []string, patch model.Patch, opts ...Option) (int64, error) {
	if len(ids) == 0 {
		return 0, inputError("patch", "no ids given")
	}
	for i, id := range ids {
		if id == "" {
			return 0, inputError("patch", fmt.Sprintf("id %d is empty", i))
		}
	}
	if patch == nil {
		return 0, inputError("patch", "patch is required")
	}

	o := r.options(opts)
	ids = uniqueIDs(ids)
	targets, err := r.patchTargets(ctx, ids)
	if err != nil {
		return 0, err
	}
	if err := r.InvalidateCache(ctx, ids...); err != nil {
		r.logger.Warn("cache invalidation failed", "error", err)
	}

	var changed []string
	var failures []error
	if len(ids) == 1 {
		req := store.UpdateRequest{Index: targets[ids[0]], ID: ids[0], Patch: patch, Refresh: o.immediate}
		resp, err := r.client.Update(ctx, req)
		switch {
		case errors.Is(err, store.ErrDocumentNotFound):
			return 0, fmt.Errorf("patch %s %s: %w", r.entity, ids[0], ErrDocumentNotFound)
		case err != nil:
			return 0, &EngineError{Op: "patch", Request: req, Err: err}
		case resp.Result != store.ResultNoop:
			changed = append(changed, ids[0])
		}
	} else {
		req := store.BulkRequest{Refresh: o.immediate}
		for _, id := range ids {
			req.Ops = append(req.Ops, store.BulkOp{Action: store.ActionUpdate, Index: targets[id], ID: id, Patch: patch})
		}
		resp, err := r.client.Bulk(ctx, req)
		if err != nil {
			return 0, &EngineError{Op: "patch", Request: req, Err: err}
		}
		for i, item := range resp.Items {
			switch {
			case item.Err != nil:
				failures = append(failures, &EngineError{Op: "patch", Request: req.Ops[i], Err: item.Err})
			case item.Result != store.ResultNoop:
				changed = append(changed, item.ID)
			}
		}
	}

	if len(changed) > 0 {
		r.evictPages(ctx)
		r.notify(ctx, model.ChangeSaved, changed, o)
	}
	return int64(len(changed)), r.failureResult("patch", len(ids), failures, o)
}

// patchTargets resolves the index each id is written through. Sharded
// documents are looked up to find their physical index.
func (r *Repository[T]) patchTargets(ctx context.Context, ids []string) (map[string]string, error) {
	targets := make(map[string]string, len(ids))
	if !r.index.IsSharded() {
		for _, id := range ids {
			targets[id] = r.index.WriteIndex(nil)
		}
		return targets, nil
	}

	hits, err := r.getHits(ctx, ids, callOptions{})
	if err != nil {
		return nil, err
	}
	for _, hit := range hits {
		targets[hit.ID] = hit.Index
	}
	for _, id := range ids {
		if _, ok := targets[id]; !ok {
			return nil, fmt.Errorf("patch %s %s: %w", r.entity, id, ErrDocumentNotFound)
		}
	}
	return targets, nil
}

// PatchAll applies patch to every document matching q, page by page, and
// returns how many documents changed. One aggregate notification is sent
// when anything changed.
func (r *Repository[T]) PatchAll(ctx context.Context, q store.Query, patch model.Patch, opts ...Option) (int64, error) {
	if patch == nil {
		return 0, inputError("patch all", "patch is required")
	}
	o := r.options(opts)

	var affected int64
	var tolerated []error
	_, err := r.BatchProcess(ctx, q, func(ctx context.Context, page *FindResults[T]) (bool, error) {
		req := store.BulkRequest{Refresh: o.immediate}
		for _, hit := range page.Hits {
			req.Ops = append(req.Ops, store.BulkOp{Action: store.ActionUpdate, Index: hit.Index, ID: hit.ID, Patch: patch})
		}
		resp, err := r.client.Bulk(ctx, req)
		if err != nil {
			return false, &EngineError{Op: "patch all", Request: req, Err: err}
		}

		var failures []error
		for i, item := range resp.Items {
			switch {
			case item.Err != nil:
				failures = append(failures, &EngineError{Op: "patch all", Request: req.Ops[i], Err: item.Err})
			case item.Result != store.ResultNoop:
				affected++
			}
		}
		if err := r.InvalidateCache(ctx, page.IDs()...); err != nil {
			r.logger.Warn("cache invalidation failed", "error", err)
		}

		if len(failures) > 0 {
			if !o.tolerate {
				return false, &BulkError{Failures: failures}
			}
			tolerated = append(tolerated, failures...)
		}
		return true, nil
	}, opts...)

	if affected > 0 {
		r.notifyAggregate(ctx, model.ChangeSaved, affected, o)
	}
	if err != nil {
		return affected, err
	}
	if len(tolerated) > 0 {
		r.logger.Warn("patch all finished with failures", "failed", len(tolerated), "error", errors.Join(tolerated...))
	}
	return affected, nil
}

// Remove deletes one document.
func (r *Repository[T]) Remove(ctx context.Context, doc T, opts ...Option) error {
	return r.RemoveMany(ctx, []T{doc}, opts...)
}

// RemoveMany deletes documents with a single bulk write. Their cache
// entries are evicted before the delete is sent.
func (r *Repository[T]) RemoveMany(ctx context.Context, docs []T, opts ...Option) error {
	if err := checkDocuments("remove", docs, true); err != nil {
		return err
	}
	return r.remove(ctx, docs, r.options(opts))
}

func (r *Repository[T]) remove(ctx context.Context, docs []T, o callOptions) error {
	if len(docs) == 0 {
		return nil
	}
	if err := r.DocumentsRemoving.Invoke(ctx, DocumentsEventArgs[T]{Documents: docs}); err != nil {
		return fmt.Errorf("documents removing: %w", err)
	}
	if err := r.DocumentsChanging.Invoke(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeRemoved, Documents: removed(docs)}); err != nil {
		return fmt.Errorf("documents changing: %w", err)
	}

	ids := documentIDs(docs)
	if err := r.InvalidateCache(ctx, ids...); err != nil {
		r.logger.Warn("cache invalidation failed", "error", err)
	}

	var succeeded []T
	var failures []error
	if len(docs) == 1 {
		req := store.DeleteRequest{Index: r.index.WriteIndex(docs[0]), ID: ids[0], Refresh: o.immediate}
		resp, err := r.client.Delete(ctx, req)
		switch {
		case err != nil:
			failures = append(failures, &EngineError{Op: "remove", Request: req, Err: err})
		case resp.Result != store.ResultNotFound:
			succeeded = docs
		}
	} else {
		req := store.BulkRequest{Refresh: o.immediate}
		for _, doc := range docs {
			req.Ops = append(req.Ops, store.BulkOp{Action: store.ActionDelete, Index: r.index.WriteIndex(doc), ID: doc.GetID()})
		}
		resp, err := r.client.Bulk(ctx, req)
		if err != nil {
			return &EngineError{Op: "remove", Request: req, Err: err}
		}
		for i, item := range resp.Items {
			if item.Err != nil {
				failures = append(failures, &EngineError{Op: "remove", Request: req.Ops[i], Err: item.Err})
				continue
			}
			if item.Result == store.ResultNotFound {
				continue
			}
			succeeded = append(succeeded, docs[i])
		}
	}

	if len(succeeded) > 0 {
		r.evictPages(ctx)
		r.post("documents removed", r.DocumentsRemoved.InvokeAll(ctx, DocumentsEventArgs[T]{Documents: succeeded}))
		r.post("documents changed", r.DocumentsChanged.InvokeAll(ctx, DocumentsChangeEventArgs[T]{ChangeType: model.ChangeRemoved, Documents: removed(succeeded)}))
		r.notify(ctx, model.ChangeRemoved, documentIDs(succeeded), o)
	}
	return r.failureResult("remove", len(docs), failures, o)
}

// RemoveByIDs deletes the documents with ids, soft deleted or not, and
// returns how many were found.
func (r *Repository[T]) RemoveByIDs(ctx context.Context, ids []string, opts ...Option) (int64, error) {
	unique := uniqueIDs(ids)
	if len(unique) == 0 {
		return 0, inputError("remove by ids", "no ids given")
	}
	o := r.options(opts)

	hits, err := r.getHits(ctx, unique, callOptions{})
	if err != nil {
		return 0, err
	}
	docs := make([]T, 0, len(hits))
	for _, hit := range hits {
		doc, err := r.decode(hit)
		if err != nil {
			return 0, err
		}
		docs = append(docs, doc)
	}
	return int64(len(docs)), r.remove(ctx, docs, o)
}

// RemoveAll deletes every document matching q, including soft deleted
// ones unless a soft-delete mode is given. With a cache or removal
// handlers the documents are removed page by page so each one goes through
// the pipeline; otherwise a single delete-by-query is issued.
func (r *Repository[T]) RemoveAll(ctx context.Context, q store.Query, opts ...Option) (int64, error) {
	o := r.options(opts)
	if !o.softDeleteSet {
		o.softDelete = All
		opts = append(opts, WithSoftDeleteMode(All))
	}

	perDocument := r.cache != nil ||
		r.DocumentsRemoving.HasHandlers() || r.DocumentsRemoved.HasHandlers() ||
		r.DocumentsChanging.HasHandlers() || r.DocumentsChanged.HasHandlers()

	if perDocument {
		if r.cache != nil {
			if err := r.cache.RemoveAll(ctx); err != nil {
				r.logger.Warn("clearing cache scope failed", "error", err)
			}
		}
		return r.BatchProcess(ctx, q, func(ctx context.Context, page *FindResults[T]) (bool, error) {
			return true, r.remove(ctx, page.Documents(), o)
		}, opts...)
	}

	query, err := r.buildQuery(ctx, q, o)
	if err != nil {
		return 0, err
	}
	req := store.DeleteByQueryRequest{Indices: []string{r.index.ReadIndex()}, Query: query, Refresh: o.immediate}
	n, err := r.client.DeleteByQuery(ctx, req)
	if err != nil {
		if store.IsIndexNotFound(err) {
			return 0, nil
		}
		return 0, &EngineError{Op: "remove all", Request: req, Err: err}
	}
	if n > 0 {
		r.notifyAggregate(ctx, model.ChangeRemoved, n, o)
	}
	return n, nil
}
