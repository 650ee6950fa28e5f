// Package reindex migrates documents between two physical indices and
// moves the aliases of the old index over to the new one.
//
// A run copies the old index into the new one in timestamp order, repoints
// the aliases in a single atomic call, copies again from shortly before the
// run started to pick up writes that landed on the old index during the
// cutover, and finally drops the old index when asked to. Every step is
// idempotent: a failed run is retried by calling Reindex again with the same
// WorkItem, and the copy resumes from the newest timestamp already present in
// the new index.
package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/goliatone/go-repository-index/store"
)

const (
	defaultBatchSize = 500
	defaultKeepAlive = 5 * time.Minute

	// pass 2 starts this long before the run started
	catchUpOverlap = time.Second
)

// progress milestones
const (
	pass1Start    = 0
	pass1End      = 90
	cutoverDone   = 91
	pass2Start    = 92
	pass2End      = 96
	countsChecked = 98
	oldDeleted    = 99
	completed     = 100
)

// ErrInvalidWorkItem is returned when a WorkItem lacks a required field.
var ErrInvalidWorkItem = errors.New("reindex: invalid work item")

// WorkItem describes one migration. StartUTC, when set, is where the first
// copy pass begins; otherwise it resumes from the newest TimestampField value
// already in NewIndex. Alias is added to NewIndex if the old index does not
// carry it already.
type WorkItem struct {
	OldIndex       string    `json:"old_index" yaml:"old_index"`
	NewIndex       string    `json:"new_index" yaml:"new_index"`
	Alias          string    `json:"alias,omitempty" yaml:"alias,omitempty"`
	TimestampField string    `json:"timestamp_field" yaml:"timestamp_field"`
	StartUTC       time.Time `json:"start_utc,omitempty" yaml:"start_utc,omitempty"`
	DeleteOld      bool      `json:"delete_old,omitempty" yaml:"delete_old,omitempty"`
}

// Validate checks the required fields.
func (w WorkItem) Validate() error {
	switch {
	case w.OldIndex == "":
		return fmt.Errorf("%w: old index is required", ErrInvalidWorkItem)
	case w.NewIndex == "":
		return fmt.Errorf("%w: new index is required", ErrInvalidWorkItem)
	case w.TimestampField == "":
		return fmt.Errorf("%w: timestamp field is required", ErrInvalidWorkItem)
	}
	return nil
}

// ProgressFunc receives a percentage that never decreases and a short
// message. Returning an error aborts the run.
type ProgressFunc func(percent int, message string) error

// MigrationError reports the phase a run failed in. Once the cutover phase
// succeeded the aliases stay on the new index.
type MigrationError struct {
	Phase    string
	OldIndex string
	NewIndex string
	Err      error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("reindex %s -> %s: %s: %v", e.OldIndex, e.NewIndex, e.Phase, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Option configures a Reindexer.
type Option func(*Reindexer)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reindexer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBatchSize sets how many documents are copied per bulk write.
func WithBatchSize(size int) Option {
	return func(r *Reindexer) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithCursorKeepAlive sets the lifetime of the copy cursor between pages.
func WithCursorKeepAlive(d time.Duration) Option {
	return func(r *Reindexer) {
		if d > 0 {
			r.keepAlive = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reindexer) {
		if now != nil {
			r.now = now
		}
	}
}

// Reindexer runs migrations against a store.Client. It is safe for
// concurrent use on distinct work items.
type Reindexer struct {
	client    store.Client
	logger    *slog.Logger
	batchSize int
	keepAlive time.Duration
	now       func() time.Time
}

// New creates a Reindexer.
func New(client store.Client, opts ...Option) (*Reindexer, error) {
	if client == nil {
		return nil, errors.New("reindex: store client is required")
	}
	r := &Reindexer{
		client:    client,
		logger:    slog.Default(),
		batchSize: defaultBatchSize,
		keepAlive: defaultKeepAlive,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With("component", "reindex")
	return r, nil
}

// Reindex runs item. progress may be nil.
func (r *Reindexer) Reindex(ctx context.Context, item WorkItem, progress ProgressFunc) error {
	if err := item.Validate(); err != nil {
		return err
	}

	runStart := r.now().UTC()
	p := &tracker{fn: progress}
	logger := r.logger.With("old_index", item.OldIndex, "new_index", item.NewIndex)
	fail := func(phase string, err error) error {
		return &MigrationError{Phase: phase, OldIndex: item.OldIndex, NewIndex: item.NewIndex, Err: err}
	}

	if err := r.ensureTarget(ctx, item.NewIndex); err != nil {
		return fail("prepare", err)
	}

	start := item.StartUTC
	if start.IsZero() {
		resume, err := r.resumePoint(ctx, item.NewIndex, item.TimestampField)
		if err != nil {
			return fail("resume", err)
		}
		start = resume
	}
	logger.Info("copying documents", "from", start)
	copied, err := r.copy(ctx, item, start, p, pass1Start, pass1End)
	if err != nil {
		return fail("pass 1", err)
	}
	logger.Info("first pass done", "copied", copied)

	if err := r.cutover(ctx, item); err != nil {
		return fail("cutover", err)
	}
	if err := p.report(cutoverDone, "aliases moved to "+item.NewIndex); err != nil {
		return fail("cutover", err)
	}

	catchUp := runStart.Add(-catchUpOverlap)
	copied, err = r.copy(ctx, item, catchUp, p, pass2Start, pass2End)
	if err != nil {
		return fail("pass 2", err)
	}
	logger.Info("second pass done", "copied", copied, "from", catchUp)

	if item.DeleteOld && item.OldIndex != item.NewIndex {
		if err := r.dropOld(ctx, item, p); err != nil {
			return fail("cleanup", err)
		}
	}

	if err := p.report(completed, "reindex completed"); err != nil {
		return fail("complete", err)
	}
	logger.Info("reindex completed")
	return nil
}

func (r *Reindexer) ensureTarget(ctx context.Context, name string) error {
	exists, err := r.client.IndexExists(ctx, name)
	if err != nil || exists {
		return err
	}
	err = r.client.CreateIndex(ctx, store.CreateIndexRequest{Name: name})
	if errors.Is(err, store.ErrIndexExists) {
		return nil
	}
	return err
}

// resumePoint returns the newest timestamp in index, or the zero time when
// the index holds nothing with that field.
func (r *Reindexer) resumePoint(ctx context.Context, index, field string) (time.Time, error) {
	if err := r.client.Refresh(ctx, index); err != nil {
		return time.Time{}, err
	}
	resp, err := r.client.Search(ctx, store.SearchRequest{
		Indices: []string{index},
		Query:   store.Query{Filters: []store.Filter{store.Exists(field)}},
		Sort:    []store.SortField{store.Desc(field)},
		Size:    1,
	})
	if err != nil {
		return time.Time{}, err
	}
	if len(resp.Hits) == 0 {
		return time.Time{}, nil
	}

	var src map[string]any
	if err := json.Unmarshal(resp.Hits[0].Source, &src); err != nil {
		return time.Time{}, fmt.Errorf("decode %s/%s: %w", index, resp.Hits[0].ID, err)
	}
	raw, _ := store.Lookup(src, field)
	ts, ok := parseTimestamp(raw)
	if !ok {
		return time.Time{}, fmt.Errorf("field %q of %s/%s is not a timestamp", field, index, resp.Hits[0].ID)
	}
	return ts, nil
}

// copy writes every document of the old index with a timestamp at or after
// from into the new index, page by page through a snapshot cursor. Writes
// carry no version precondition so the copy always wins.
func (r *Reindexer) copy(ctx context.Context, item WorkItem, from time.Time, p *tracker, lo, hi int) (int64, error) {
	if err := r.client.Refresh(ctx, item.OldIndex); err != nil {
		return 0, err
	}

	query := store.Query{}
	if !from.IsZero() {
		query.Filters = []store.Filter{store.Gte(item.TimestampField, from)}
	}
	resp, err := r.client.Search(ctx, store.SearchRequest{
		Indices: []string{item.OldIndex},
		Query:   query,
		Sort:    []store.SortField{store.Asc(item.TimestampField)},
		Size:    r.batchSize,
		Cursor:  &store.CursorOptions{KeepAlive: r.keepAlive},
	})
	if err != nil {
		return 0, err
	}
	if resp.CursorID != "" {
		defer func() {
			if err := r.client.ClearCursor(context.WithoutCancel(ctx), resp.CursorID); err != nil {
				r.logger.Debug("clearing reindex cursor failed", "error", err)
			}
		}()
	}

	total := resp.Total
	var done int64
	for len(resp.Hits) > 0 {
		if err := r.write(ctx, item.NewIndex, resp.Hits); err != nil {
			return done, err
		}
		done += int64(len(resp.Hits))
		if err := p.report(band(lo, hi, done, total), fmt.Sprintf("copied %d of %d documents", done, total)); err != nil {
			return done, err
		}
		if len(resp.Hits) < r.batchSize || resp.CursorID == "" {
			break
		}

		resp, err = r.client.Scroll(ctx, store.ScrollRequest{CursorID: resp.CursorID, KeepAlive: r.keepAlive})
		if err != nil {
			return done, err
		}
	}

	if done == 0 {
		if err := p.report(hi, "nothing to copy"); err != nil {
			return 0, err
		}
	}
	return done, nil
}

func (r *Reindexer) write(ctx context.Context, index string, hits []store.Hit) error {
	req := store.BulkRequest{Refresh: true, Ops: make([]store.BulkOp, len(hits))}
	for i, hit := range hits {
		req.Ops[i] = store.BulkOp{Action: store.ActionIndex, Index: index, ID: hit.ID, Source: hit.Source}
	}

	resp, err := r.client.Bulk(ctx, req)
	if err != nil {
		return err
	}
	var failures []error
	for _, item := range resp.Items {
		if item.Err != nil {
			failures = append(failures, fmt.Errorf("copy %s: %w", item.ID, item.Err))
		}
	}
	return errors.Join(failures...)
}

// cutover moves every alias of the old index, plus item.Alias, onto the new
// index in one call.
func (r *Reindexer) cutover(ctx context.Context, item WorkItem) error {
	if item.OldIndex == item.NewIndex {
		if item.Alias == "" {
			return nil
		}
		return r.client.UpdateAliases(ctx, []store.AliasAction{{Type: store.AliasAdd, Index: item.NewIndex, Alias: item.Alias}})
	}

	current, err := r.client.GetAliases(ctx, item.OldIndex)
	if err != nil {
		return err
	}
	aliases := current[item.OldIndex]

	var actions []store.AliasAction
	for _, alias := range aliases {
		actions = append(actions,
			store.AliasAction{Type: store.AliasRemove, Index: item.OldIndex, Alias: alias},
			store.AliasAction{Type: store.AliasAdd, Index: item.NewIndex, Alias: alias},
		)
	}
	if item.Alias != "" && !slices.Contains(aliases, item.Alias) {
		actions = append(actions, store.AliasAction{Type: store.AliasAdd, Index: item.NewIndex, Alias: item.Alias})
	}
	if len(actions) == 0 {
		return nil
	}

	r.logger.Info("moving aliases", "aliases", aliases, "alias", item.Alias)
	return r.client.UpdateAliases(ctx, actions)
}

// dropOld deletes the old index when the new one holds at least as many
// documents.
func (r *Reindexer) dropOld(ctx context.Context, item WorkItem, p *tracker) error {
	if err := r.client.Refresh(ctx, item.OldIndex, item.NewIndex); err != nil {
		return err
	}
	oldCount, err := r.client.Count(ctx, store.CountRequest{Indices: []string{item.OldIndex}})
	if err != nil {
		return err
	}
	newCount, err := r.client.Count(ctx, store.CountRequest{Indices: []string{item.NewIndex}})
	if err != nil {
		return err
	}
	if err := p.report(countsChecked, fmt.Sprintf("%s has %d documents, %s has %d", item.OldIndex, oldCount, item.NewIndex, newCount)); err != nil {
		return err
	}
	if newCount < oldCount {
		return fmt.Errorf("new index has %d documents, old index has %d; keeping %s", newCount, oldCount, item.OldIndex)
	}

	if err := r.client.DeleteIndex(ctx, item.OldIndex); err != nil {
		return err
	}
	return p.report(oldDeleted, "deleted "+item.OldIndex)
}

// band rescales done/total into [lo, hi].
func band(lo, hi int, done, total int64) int {
	if total <= 0 || done >= total {
		return hi
	}
	return lo + int(int64(hi-lo)*done/total)
}

type tracker struct {
	fn   ProgressFunc
	last int
}

func (t *tracker) report(percent int, message string) error {
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	if t.fn == nil {
		return nil
	}
	return t.fn(percent, message)
}

func parseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		return parsed, err == nil
	}
	return time.Time{}, false
}
