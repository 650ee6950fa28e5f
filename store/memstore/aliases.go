package memstore

import (
	"context"
	"fmt"

	"github.com/goliatone/go-repository-index/store"
)

func (s *Store) GetAliases(ctx context.Context, name string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs, err := s.resolve([]string{name})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(idxs))
	for _, idx := range idxs {
		out[idx.name] = s.aliasesOf(idx.name)
	}
	return out, nil
}

// aliasesOf lists the aliases bound to index, sorted. Callers hold mu.
func (s *Store) aliasesOf(index string) []string {
	var out []string
	for _, alias := range sortedAliasNames(s.aliases) {
		if _, ok := s.aliases[alias][index]; ok {
			out = append(out, alias)
		}
	}
	return out
}

// UpdateAliases validates every action before applying any of them.
func (s *Store) UpdateAliases(ctx context.Context, actions []store.AliasAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]map[string]struct{}, len(s.aliases))
	for alias, members := range s.aliases {
		copied := make(map[string]struct{}, len(members))
		for m := range members {
			copied[m] = struct{}{}
		}
		next[alias] = copied
	}

	for _, action := range actions {
		if _, ok := s.indices[action.Index]; !ok {
			return fmt.Errorf("%w: %s", store.ErrIndexNotFound, action.Index)
		}
		if _, ok := s.indices[action.Alias]; ok {
			return fmt.Errorf("memstore: alias %s collides with an index name", action.Alias)
		}

		switch action.Type {
		case store.AliasAdd:
			s.bindAlias(next, action.Alias, action.Index)
		case store.AliasRemove:
			if members, ok := next[action.Alias]; ok {
				delete(members, action.Index)
				if len(members) == 0 {
					delete(next, action.Alias)
				}
			}
		default:
			return fmt.Errorf("memstore: unknown alias action %q", action.Type)
		}
	}

	s.aliases = next
	return nil
}

func (s *Store) bindAlias(aliases map[string]map[string]struct{}, alias, index string) {
	members, ok := aliases[alias]
	if !ok {
		members = map[string]struct{}{}
		aliases[alias] = members
	}
	members[index] = struct{}{}
}

func sortedAliasNames(aliases map[string]map[string]struct{}) []string {
	names := make(map[string]struct{}, len(aliases))
	for alias := range aliases {
		names[alias] = struct{}{}
	}
	return sortedKeys(names)
}
