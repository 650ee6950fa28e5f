package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-repository-index/cache"
	"github.com/goliatone/go-repository-index/index"
	"github.com/goliatone/go-repository-index/messaging"
	"github.com/goliatone/go-repository-index/model"
	"github.com/goliatone/go-repository-index/repository"
	"github.com/goliatone/go-repository-index/store"
)

func TestAdd_StampsDocumentAndDiscardsCallerVersion(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	o, err := f.repo.Add(ctx, &Order{Customer: "acme", Version: model.NewVersion(5, 3)})
	require.NoError(t, err)

	assert.NotEmpty(t, o.ID)
	assert.False(t, o.CreatedAt.IsZero())
	assert.Equal(t, o.CreatedAt, o.UpdatedAt)
	assert.False(t, o.Version.IsEmpty())
	assert.Equal(t, model.NewVersion(0, 1), o.Version)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.EntityChanged{Type: "Order", ID: o.ID, ChangeType: model.ChangeAdded}, msgs[0])
}

func TestAdd_SameIDTwiceStoresOneDocument(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	_, err := f.repo.Add(ctx, &Order{ID: "A", Customer: "acme"}, repository.WithImmediateConsistency())
	require.NoError(t, err)
	_, err = f.repo.Add(ctx, &Order{ID: "A", Customer: "globex"}, repository.WithImmediateConsistency())
	require.NoError(t, err)

	n, err := f.repo.Count(ctx, store.Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := f.repo.GetByID(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "globex", got.Customer)
}

func TestAdd_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	err := f.repo.AddMany(ctx, nil)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	err = f.repo.AddMany(ctx, []*Order{{Customer: "a"}, nil})
	var inputErr *repository.InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, "add", inputErr.Op)
	assert.Empty(t, f.pub.Messages())
}

func TestAdd_FirstInvalidDocumentAbortsBatch(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	valid := &Order{Customer: "acme"}
	invalid := &Order{}
	err := f.repo.AddMany(ctx, []*Order{valid, invalid})

	var verr *repository.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, invalid.ID, verr.ID)
	assert.ErrorIs(t, err, repository.ErrValidation)

	got, err := f.repo.GetByID(ctx, valid.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAdd_SkipValidationAndCustomValidator(t *testing.T) {
	f := newFixture(t, setup{})
	_, err := f.repo.Add(context.Background(), &Order{}, repository.SkipValidation())
	require.NoError(t, err)

	strict := newFixture(t, setup{opts: []repository.RepositoryOption{
		repository.WithValidator[*Order](func(_ context.Context, o *Order) error {
			if o.Status == "" {
				return errBoom
			}
			return nil
		}),
	}})
	_, err = strict.repo.Add(context.Background(), &Order{Customer: "acme"})
	assert.ErrorIs(t, err, errBoom)
}

func TestAdd_NotificationsAboveThresholdAreAggregated(t *testing.T) {
	f := newFixture(t, setup{cfg: func(c *repository.Config) { c.NotificationBatchThreshold = 2 }})

	err := f.repo.AddMany(context.Background(), []*Order{{Customer: "a"}, {Customer: "b"}, {Customer: "c"}})
	require.NoError(t, err)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ID)
	assert.Equal(t, model.ChangeAdded, msgs[0].ChangeType)
	assert.EqualValues(t, 3, msgs[0].Data["count"])
}

func TestAdd_WithoutNotifications(t *testing.T) {
	f := newFixture(t, setup{})
	_, err := f.repo.Add(context.Background(), &Order{Customer: "a"}, repository.WithNotifications(false))
	require.NoError(t, err)
	assert.Empty(t, f.pub.Messages())
}

func TestSave_AdvancesVersion(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	o := f.seed(t, 1, nil)[0]
	before := o.Version

	o.Status = "paid"
	_, err := f.repo.Save(ctx, o)
	require.NoError(t, err)

	assert.True(t, before.Less(o.Version))
	assert.Equal(t, model.NewVersion(before.SequenceNumber+1, before.PrimaryTerm), o.Version)

	stored, err := f.repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", stored.Status)
	assert.Equal(t, o.Version, stored.Version)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ChangeSaved, msgs[0].ChangeType)
}

func TestSave_StaleVersionConflicts(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	o := f.seed(t, 1, nil)[0]

	stale := *o
	o.Status = "paid"
	_, err := f.repo.Save(ctx, o)
	require.NoError(t, err)

	stale.Status = "cancelled"
	_, err = f.repo.Save(ctx, &stale)

	var cerr *repository.ConcurrencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, o.ID, cerr.ID)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, model.NewVersion(0, 1), stale.Version)

	stored, err := f.repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", stored.Status)
}

func TestSaveMany_PartialFailure(t *testing.T) {
	for _, tolerate := range []bool{false, true} {
		f := newFixture(t, setup{})
		ctx := context.Background()
		docs := f.seed(t, 2, nil)

		stale := *docs[1]
		docs[1].Status = "paid"
		_, err := f.repo.Save(ctx, docs[1])
		require.NoError(t, err)
		f.pub.Reset()

		fresh := docs[0]
		freshBefore := fresh.Version
		staleBefore := stale.Version
		fresh.Status = "shipped"
		stale.Status = "cancelled"

		var opts []repository.Option
		if tolerate {
			opts = append(opts, repository.TolerateFailures())
		}
		err = f.repo.SaveMany(ctx, []*Order{fresh, &stale}, opts...)

		if tolerate {
			require.NoError(t, err)
		} else {
			var berr *repository.BulkError
			require.ErrorAs(t, err, &berr)
			assert.Len(t, berr.Failures, 1)
			assert.ErrorIs(t, err, repository.ErrVersionConflict)
		}

		assert.True(t, freshBefore.Less(fresh.Version))
		assert.Equal(t, staleBefore, stale.Version)

		msgs := f.pub.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, fresh.ID, msgs[0].ID)
	}
}

func TestSave_RequiresID(t *testing.T) {
	f := newFixture(t, setup{})
	err := f.repo.SaveMany(context.Background(), []*Order{{ID: "x", Customer: "a"}, {Customer: "b"}})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
	assert.Empty(t, f.pub.Messages())
}

func TestSave_WithoutOriginalAdds(t *testing.T) {
	f := newFixture(t, setup{})
	o := &Order{ID: "new", Customer: "acme", Version: model.NewVersion(9, 9)}

	_, err := f.repo.Save(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, model.NewVersion(0, 1), o.Version)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ChangeAdded, msgs[0].ChangeType)
}

func TestSave_SoftDeleteIsMaskedUntilStoreCatchesUp(t *testing.T) {
	for name, noCache := range map[string]bool{"cache": false, "no cache": true} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, setup{noCache: noCache})
			ctx := context.Background()
			o := f.seed(t, 1, nil)[0]
			byID := store.Query{IDs: []string{o.ID}}

			o.Deleted = true
			_, err := f.repo.Save(ctx, o)
			require.NoError(t, err)

			res, err := f.repo.Find(ctx, byID)
			require.NoError(t, err)
			assert.Empty(t, res.Hits)

			n, err := f.repo.Count(ctx, store.Query{})
			require.NoError(t, err)
			assert.Zero(t, n)

			msgs := f.pub.Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, model.ChangeRemoved, msgs[0].ChangeType)

			all, err := f.repo.GetByID(ctx, o.ID, repository.WithSoftDeleteMode(repository.All))
			require.NoError(t, err)
			assert.True(t, all.Deleted)
			hidden, err := f.repo.GetByID(ctx, o.ID)
			require.NoError(t, err)
			assert.Nil(t, hidden)

			o.Deleted = false
			_, err = f.repo.Save(ctx, o)
			require.NoError(t, err)

			res, err = f.repo.Find(ctx, byID)
			require.NoError(t, err)
			require.Len(t, res.Hits, 1)
			assert.Equal(t, o.ID, res.Hits[0].ID)
		})
	}
}

func TestSave_MaskSurvivesClearingEntityNamedDeleted(t *testing.T) {
	ctx := context.Background()
	svc, err := cache.NewCacheService(cache.DefaultConfig())
	require.NoError(t, err)

	f := newFixture(t, setup{service: svc})
	o := f.seed(t, 1, nil)[0]
	o.Deleted = true
	_, err = f.repo.Save(ctx, o)
	require.NoError(t, err)

	idx := index.New("archive")
	require.NoError(t, idx.Configure(ctx, f.client))
	archive, err := repository.New[*Order](f.client, idx,
		repository.WithCacheService(svc),
		repository.WithEntityName("Deleted"),
	)
	require.NoError(t, err)
	_, err = archive.RemoveAll(ctx, store.Query{})
	require.NoError(t, err)

	res, err := f.repo.Find(ctx, store.Query{IDs: []string{o.ID}})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSaveMany_FailedAddDoesNotBlockUpdates(t *testing.T) {
	f := newFixture(t, setup{wrap: func(c store.Client) store.Client {
		return &rejectingClient{Client: c, reject: map[string]error{"bad": errBoom}}
	}})
	ctx := context.Background()
	existing := f.seed(t, 1, nil)[0]
	before := existing.Version

	existing.Status = "changed"
	err := f.repo.SaveMany(ctx, []*Order{
		existing,
		{ID: "bad", Customer: "acme"},
		{ID: "good", Customer: "acme"},
	})

	var berr *repository.BulkError
	require.ErrorAs(t, err, &berr)
	assert.Len(t, berr.Failures, 1)
	assert.ErrorIs(t, err, errBoom)

	stored, err := f.repo.GetByID(ctx, existing.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "changed", stored.Status)
	assert.True(t, before.Less(existing.Version))

	good, err := f.repo.GetByID(ctx, "good")
	require.NoError(t, err)
	assert.NotNil(t, good)
	bad, err := f.repo.GetByID(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, bad)

	var kinds []model.ChangeType
	for _, msg := range f.pub.Messages() {
		kinds = append(kinds, msg.ChangeType)
	}
	assert.ElementsMatch(t, []model.ChangeType{model.ChangeAdded, model.ChangeSaved}, kinds)
}

func TestPatchByID(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	o := f.seed(t, 1, nil)[0]

	err := f.repo.PatchByID(ctx, o.ID, model.PartialPatch{Fields: map[string]any{"status": "paid"}})
	require.NoError(t, err)

	got, err := f.repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", got.Status)
	assert.True(t, o.Version.Less(got.Version))

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.EntityChanged{Type: "Order", ID: o.ID, ChangeType: model.ChangeSaved}, msgs[0])

	f.pub.Reset()
	err = f.repo.PatchByID(ctx, o.ID, model.PartialPatch{Fields: map[string]any{"status": "paid"}})
	require.NoError(t, err)
	assert.Empty(t, f.pub.Messages())
}

func TestPatchByID_Errors(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	err := f.repo.PatchByID(ctx, "missing", model.PartialPatch{Fields: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, repository.ErrDocumentNotFound)

	err = f.repo.PatchByID(ctx, "", model.PartialPatch{})
	assert.ErrorIs(t, err, repository.ErrInvalidInput)

	err = f.repo.PatchByID(ctx, "x", nil)
	assert.ErrorIs(t, err, repository.ErrInvalidInput)
}

func TestPatchByIDs_JSONPatch(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	docs := f.seed(t, 3, nil)

	n, err := f.repo.PatchByIDs(ctx, []string{docs[0].ID, docs[1].ID, docs[0].ID},
		model.JSONPatch{Operations: []model.PatchOperation{model.ReplaceOp("/status", "closed")}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := f.repo.GetByIDs(ctx, []string{docs[0].ID, docs[1].ID, docs[2].ID})
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, o := range got {
		statuses[o.ID] = o.Status
	}
	assert.Equal(t, map[string]string{docs[0].ID: "closed", docs[1].ID: "closed", docs[2].ID: "open"}, statuses)
	assert.Len(t, f.pub.Messages(), 2)
}

func TestPatchAll_CountsChangesAndNotifiesOnce(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	f.seed(t, 4, func(i int, o *Order) {
		if i == 3 {
			o.Status = "closed"
		}
	})

	n, err := f.repo.PatchAll(ctx,
		store.Query{Filters: []store.Filter{store.Eq("status", "open")}},
		model.ScriptPatch{Script: `{"counter": doc.counter + 1.0}`},
		repository.WithImmediateConsistency(),
	)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ID)
	assert.Equal(t, model.ChangeSaved, msgs[0].ChangeType)
	assert.EqualValues(t, 3, msgs[0].Data["count"])

	res, err := f.repo.Find(ctx, store.Query{Filters: []store.Filter{store.Eq("counter", 1)}})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
}

func TestPatchAll_NoMatchSendsNothing(t *testing.T) {
	f := newFixture(t, setup{})
	n, err := f.repo.PatchAll(context.Background(), store.Query{}, model.PartialPatch{Fields: map[string]any{"status": "x"}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.pub.Messages())
}

func TestRemove(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	docs := f.seed(t, 3, nil)

	var removing []string
	f.repo.DocumentsRemoving.AddHandler(func(_ context.Context, args repository.DocumentsEventArgs[*Order]) error {
		for _, d := range args.Documents {
			removing = append(removing, d.ID)
		}
		return nil
	})

	require.NoError(t, f.repo.Remove(ctx, docs[0]))
	assert.Equal(t, []string{docs[0].ID}, removing)

	exists, err := f.repo.Exists(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := f.repo.RemoveByIDs(ctx, []string{docs[1].ID, "missing"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ChangeRemoved, msgs[1].ChangeType)
	assert.Equal(t, docs[1].ID, msgs[1].ID)
}

func TestRemove_MissingDocumentIsNotReported(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	existing := f.seed(t, 1, nil)[0]

	var removed []string
	f.repo.DocumentsRemoved.AddHandler(func(_ context.Context, args repository.DocumentsEventArgs[*Order]) error {
		for _, d := range args.Documents {
			removed = append(removed, d.ID)
		}
		return nil
	})

	require.NoError(t, f.repo.Remove(ctx, &Order{ID: "never-stored"}))
	assert.Empty(t, removed)
	assert.Empty(t, f.pub.Messages())

	require.NoError(t, f.repo.RemoveMany(ctx, []*Order{existing, {ID: "never-stored"}}))
	assert.Equal(t, []string{existing.ID}, removed)
	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, existing.ID, msgs[0].ID)
}

func TestRemoveAll_WithoutCacheUsesDeleteByQuery(t *testing.T) {
	f := newFixture(t, setup{noCache: true})
	ctx := context.Background()
	f.seed(t, 3, nil)

	n, err := f.repo.RemoveAll(ctx, store.Query{}, repository.WithImmediateConsistency())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].ID)
	assert.Equal(t, model.ChangeRemoved, msgs[0].ChangeType)

	f.pub.Reset()
	n, err = f.repo.RemoveAll(ctx, store.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.pub.Messages())
}

func TestRemoveAll_WithCacheRemovesPageByPage(t *testing.T) {
	f := newFixture(t, setup{cfg: func(c *repository.Config) { c.BatchSize = 2 }})
	ctx := context.Background()
	docs := f.seed(t, 5, func(i int, o *Order) { o.Deleted = i == 0 })

	_, err := f.repo.GetByID(ctx, docs[1].ID, repository.WithCache())
	require.NoError(t, err)

	n, err := f.repo.RemoveAll(ctx, store.Query{}, repository.WithImmediateConsistency())
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	count, err := f.repo.Count(ctx, store.Query{}, repository.WithSoftDeleteMode(repository.All))
	require.NoError(t, err)
	assert.Zero(t, count)

	got, err := f.repo.GetByID(ctx, docs[1].ID, repository.WithCache())
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs := f.pub.Messages()
	assert.Len(t, msgs, 5)
	for _, msg := range msgs {
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, model.ChangeRemoved, msg.ChangeType)
	}
}

func TestPreWriteHandlerErrorAborts(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	remove := f.repo.DocumentsAdding.AddHandler(func(context.Context, repository.DocumentsEventArgs[*Order]) error {
		return errBoom
	})
	o := &Order{Customer: "acme"}
	_, err := f.repo.Add(ctx, o)
	assert.ErrorIs(t, err, errBoom)

	got, err := f.repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, f.pub.Messages())

	remove()
	_, err = f.repo.Add(ctx, o)
	require.NoError(t, err)
}

func TestPostWriteHandlerErrorIsLogged(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()

	var changed []model.ChangeType
	secondRan := false
	f.repo.DocumentsAdded.AddHandler(func(context.Context, repository.DocumentsEventArgs[*Order]) error {
		return errBoom
	})
	f.repo.DocumentsAdded.AddHandler(func(context.Context, repository.DocumentsEventArgs[*Order]) error {
		secondRan = true
		return nil
	})
	f.repo.DocumentsChanged.AddHandler(func(_ context.Context, args repository.DocumentsChangeEventArgs[*Order]) error {
		changed = append(changed, args.ChangeType)
		return nil
	})

	o, err := f.repo.Add(ctx, &Order{Customer: "acme"})
	require.NoError(t, err)
	assert.True(t, secondRan)
	assert.Equal(t, []model.ChangeType{model.ChangeAdded}, changed)
	assert.Len(t, f.pub.Messages(), 1)

	o.Status = "paid"
	_, err = f.repo.Save(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, []model.ChangeType{model.ChangeAdded, model.ChangeSaved}, changed)
}

func TestSavingHandlerSeesOriginal(t *testing.T) {
	f := newFixture(t, setup{})
	ctx := context.Background()
	o := f.seed(t, 1, nil)[0]

	var originals []string
	f.repo.DocumentsSaving.AddHandler(func(_ context.Context, args repository.ModifiedDocumentsEventArgs[*Order]) error {
		for _, m := range args.Documents {
			assert.False(t, m.IsCreate())
			originals = append(originals, m.Original.Status)
		}
		return nil
	})

	o.Status = "paid"
	_, err := f.repo.Save(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, originals)
}
