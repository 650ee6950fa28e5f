package mongostore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/goliatone/go-repository-index/store"
)

// aliasTable is the single document holding every alias binding. Rev
// guards concurrent replacements.
type aliasTable struct {
	ID    string              `bson:"_id"`
	Rev   int64               `bson:"rev"`
	Table map[string][]string `bson:"table"`
}

func (s *Store) loadAliases(ctx context.Context) (*aliasTable, error) {
	t := &aliasTable{ID: aliasDocumentID}
	err := s.db.Collection(aliasCollection).FindOne(ctx, bson.M{"_id": aliasDocumentID}).Decode(t)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongostore: load aliases: %w", err)
	}
	if t.Table == nil {
		t.Table = map[string][]string{}
	}
	return t, nil
}

// saveAliases replaces the table if nobody else did since it was loaded.
func (s *Store) saveAliases(ctx context.Context, t *aliasTable) (bool, error) {
	prev := t.Rev
	t.Rev++
	_, err := s.db.Collection(aliasCollection).ReplaceOne(ctx,
		bson.M{"_id": aliasDocumentID, "rev": prev}, t, options.Replace().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mongostore: save aliases: %w", err)
	}
	return true, nil
}

func (s *Store) GetAliases(ctx context.Context, name string) (map[string][]string, error) {
	indices, err := s.resolve(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	t, err := s.loadAliases(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(indices))
	for _, index := range indices {
		aliases := []string{}
		for alias, members := range t.Table {
			if slices.Contains(members, index) {
				aliases = append(aliases, alias)
			}
		}
		slices.Sort(aliases)
		out[index] = aliases
	}
	return out, nil
}

func (s *Store) UpdateAliases(ctx context.Context, actions []store.AliasAction) error {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		colls, err := s.collections(ctx)
		if err != nil {
			return err
		}
		t, err := s.loadAliases(ctx)
		if err != nil {
			return err
		}
		if err := applyAliasActions(t.Table, colls, actions); err != nil {
			return err
		}

		ok, err := s.saveAliases(ctx, t)
		if err != nil || ok {
			return err
		}
		s.logger.Debug("alias table changed concurrently, retrying", "attempt", attempt)
	}
	return errors.New("mongostore: alias update kept conflicting")
}

func applyAliasActions(table map[string][]string, colls map[string]bool, actions []store.AliasAction) error {
	for _, a := range actions {
		if !colls[a.Index] {
			return fmt.Errorf("%w: %s", store.ErrIndexNotFound, a.Index)
		}
		if a.Alias == "" || colls[a.Alias] {
			return fmt.Errorf("mongostore: invalid alias name %q", a.Alias)
		}

		members := table[a.Alias]
		switch a.Type {
		case store.AliasAdd:
			if !slices.Contains(members, a.Index) {
				members = append(members, a.Index)
				slices.Sort(members)
			}
		case store.AliasRemove:
			if i := slices.Index(members, a.Index); i >= 0 {
				members = slices.Delete(members, i, i+1)
			}
		default:
			return fmt.Errorf("mongostore: unknown alias action %q", a.Type)
		}

		if len(members) == 0 {
			delete(table, a.Alias)
		} else {
			table[a.Alias] = members
		}
	}
	return nil
}

// detachIndices drops dropped indices from every alias.
func (s *Store) detachIndices(ctx context.Context, names []string) error {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		t, err := s.loadAliases(ctx)
		if err != nil {
			return err
		}
		changed := false
		for alias, members := range t.Table {
			kept := slices.DeleteFunc(slices.Clone(members), func(m string) bool {
				return slices.Contains(names, m)
			})
			if len(kept) == len(members) {
				continue
			}
			changed = true
			if len(kept) == 0 {
				delete(t.Table, alias)
			} else {
				t.Table[alias] = kept
			}
		}
		if !changed {
			return nil
		}
		ok, err := s.saveAliases(ctx, t)
		if err != nil || ok {
			return err
		}
	}
	return errors.New("mongostore: alias update kept conflicting")
}
