// Package cache provides the content-addressed read-through stores backing
// the pipeline: registrations by trial id, publications by PMID, and result
// classifications by (trial id, PMID). Values are stored in LevelDB under a
// TTL envelope; expired or missing keys trigger the wrapped producer exactly
// once per key regardless of concurrent readers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/sync/singleflight"
)

// Key prefix scheme — "|" separates the cache type from the key so keys
// containing ":" stay unambiguous.
//
//	v|<cacheType>|<key> → envelope JSON
const prefixValue = "v|"

// envelope wraps every cached value with expiry metadata.
type envelope struct {
	Timestamp  int64           `json:"timestamp"` // unix seconds at write time
	TTLSeconds int64           `json:"ttl_seconds"`
	CacheType  string          `json:"cacheType"`
	Data       json.RawMessage `json:"data"`
}

// Store is a LevelDB-backed TTL cache shared by every pipeline component.
// One Store instance serves all cache types; TTLs are resolved per type.
type Store struct {
	db     *leveldb.DB
	ttlFor func(cacheType string) int
	group  singleflight.Group
	now    func() time.Time // injectable for expiry tests
}

// Open opens (or creates) the LevelDB database at dbPath. ttlFor maps a
// cacheType to its TTL in seconds.
func Open(dbPath string, ttlFor func(cacheType string) int) (*Store, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb at %s: %w", dbPath, err)
	}
	return &Store{db: db, ttlFor: ttlFor, now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func valueKey(cacheType, key string) []byte {
	return []byte(prefixValue + cacheType + "|" + key)
}

// Get returns the raw cached value for (cacheType, key) if present and fresh.
//
// Expectations:
//   - Returns (data, true) when now - timestamp < ttl
//   - Returns (nil, false) on miss or expiry
//   - Returns the stored bytes as-is when the value lacks the envelope (legacy)
func (s *Store) Get(cacheType, key string) (json.RawMessage, bool) {
	raw, err := s.db.Get(valueKey(cacheType, key), nil)
	if err != nil {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Timestamp == 0 {
		// Legacy value written before the envelope existed.
		return raw, true
	}
	if s.now().Unix()-env.Timestamp >= env.TTLSeconds {
		return nil, false
	}
	return env.Data, true
}

// Put writes data under (cacheType, key) with the type's TTL.
func (s *Store) Put(cacheType, key string, data json.RawMessage) error {
	env := envelope{
		Timestamp:  s.now().Unix(),
		TTLSeconds: int64(s.ttlFor(cacheType)),
		CacheType:  cacheType,
		Data:       data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache: marshal envelope: %w", err)
	}
	if err := s.db.Put(valueKey(cacheType, key), raw, nil); err != nil {
		return fmt.Errorf("cache: put %s/%s: %w", cacheType, key, err)
	}
	return nil
}

// GetOrProduce returns the fresh cached value for (cacheType, key), or runs
// produce and stores its result. Concurrent calls for the same key share a
// single in-flight producer; every waiter sees the same result.
//
// Expectations:
//   - Cache hit returns the stored value without calling produce
//   - Miss or expiry calls produce once and rewrites the entry
//   - Concurrent callers for one key trigger at most one produce
//   - A produce error is returned to all waiters and nothing is cached
func (s *Store) GetOrProduce(ctx context.Context, cacheType, key string, produce func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if data, ok := s.Get(cacheType, key); ok {
		return data, nil
	}
	flightKey := cacheType + "|" + key
	v, err, _ := s.group.Do(flightKey, func() (any, error) {
		// Re-check under the flight: a concurrent producer may have landed.
		if data, ok := s.Get(cacheType, key); ok {
			return data, nil
		}
		data, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(cacheType, key, data); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// GetJSON unmarshals the fresh cached value for (cacheType, key) into out.
func (s *Store) GetJSON(cacheType, key string, out any) bool {
	data, ok := s.Get(cacheType, key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// PutJSON marshals v and stores it under (cacheType, key).
func (s *Store) PutJSON(cacheType, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal value for %s/%s: %w", cacheType, key, err)
	}
	return s.Put(cacheType, key, data)
}
