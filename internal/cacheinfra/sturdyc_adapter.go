package cacheinfra

import (
	"context"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// Config holds the configuration for the sturdyc cache adapter.
type Config struct {
	// Capacity defines the maximum number of entries that the cache can store.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int

	// TTL is the upper bound for every entry. Per entry TTLs shorter than this
	// are enforced by the adapter, longer ones are clamped.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often the cache checks for expired entries.
	// Zero value uses the default interval.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions converts the optional parts of Config to sturdyc options.
// Capacity, NumShards, TTL and EvictionPercentage go to sturdyc.New directly.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
	if err == nil {
		return nil
	}

	if errs, ok := err.(validation.Errors); ok {
		for _, field := range []string{"Capacity", "NumShards", "TTL", "EvictionPercentage", "EvictionInterval"} {
			if fieldErr, ok := errs[field]; ok {
				return &ConfigError{Field: field, Message: fieldErr.Error()}
			}
		}
	}
	return err
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// entry wraps every stored value with its own deadline so callers can ask for
// TTLs shorter than the client wide one.
type entry struct {
	value     any
	expiresAt time.Time
}

type memberSet map[string]time.Time

// SturdycService is a cache.CacheService backed by a sturdyc client.
type SturdycService struct {
	client *sturdyc.Client[any]
	ttl    time.Duration
	now    func() time.Time

	// sets are read-modify-write; sturdyc only guards single keys.
	setMu sync.Mutex
}

// NewSturdycService validates cfg and creates the sturdyc client.
func NewSturdycService(cfg Config) (*SturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycService{client: client, ttl: cfg.TTL, now: time.Now}, nil
}

func (s *SturdycService) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}
	return s.now().Add(ttl)
}

func (s *SturdycService) load(key string) (entry, bool) {
	raw, ok := s.client.Get(key)
	if !ok {
		return entry{}, false
	}
	e, ok := raw.(entry)
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		s.client.Delete(key)
		return entry{}, false
	}
	return e, true
}

// Get returns the live value stored at key.
func (s *SturdycService) Get(ctx context.Context, key string) (any, bool, error) {
	e, ok := s.load(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value at key for ttl.
func (s *SturdycService) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s.client.Set(key, entry{value: value, expiresAt: s.deadline(ttl)})
	return nil
}

// Delete removes a single entry.
func (s *SturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix.
func (s *SturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}

// InvalidateKeys removes multiple entries.
func (s *SturdycService) InvalidateKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		s.client.Delete(key)
	}
	return nil
}

// SetAdd adds members to the set at key, refreshing their deadlines.
func (s *SturdycService) SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	set := s.liveSet(key)
	deadline := s.deadline(ttl)
	for _, m := range members {
		set[m] = deadline
	}

	s.client.Set(key, entry{value: set, expiresAt: latest(set)})
	return nil
}

// SetRemove removes members from the set at key.
func (s *SturdycService) SetRemove(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		return nil
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	set := s.liveSet(key)
	for _, m := range members {
		delete(set, m)
	}

	if len(set) == 0 {
		s.client.Delete(key)
		return nil
	}
	s.client.Set(key, entry{value: set, expiresAt: latest(set)})
	return nil
}

// SetMembers lists the unexpired members of the set at key.
func (s *SturdycService) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.setMu.Lock()
	defer s.setMu.Unlock()

	set := s.liveSet(key)
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// liveSet returns a copy of the set at key without expired members.
// Callers hold setMu.
func (s *SturdycService) liveSet(key string) memberSet {
	out := memberSet{}
	e, ok := s.load(key)
	if !ok {
		return out
	}
	set, ok := e.value.(memberSet)
	if !ok {
		return out
	}
	now := s.now()
	for m, deadline := range set {
		if now.Before(deadline) {
			out[m] = deadline
		}
	}
	return out
}

func latest(set memberSet) time.Time {
	var max time.Time
	for _, deadline := range set {
		if deadline.After(max) {
			max = deadline
		}
	}
	return max
}
