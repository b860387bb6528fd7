package recording

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/getmockd/replayd/pkg/logging"
)

// Persister receives full store snapshots. Implementations decide where the
// bytes go; a returned error is logged and otherwise ignored.
type Persister interface {
	Persist(snapshot []byte) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(snapshot []byte) error

// Persist calls f(snapshot).
func (f PersisterFunc) Persist(snapshot []byte) error {
	return f(snapshot)
}

// StoreOptions configures a MatchStore.
type StoreOptions struct {
	// Persister receives snapshots after changes (nil = in-memory only)
	Persister Persister
	// Logger for persistence failures (nil = no logging)
	Logger *slog.Logger
}

// MatchStore maps fingerprint keys to the exchanges recorded under them.
// Within one key no two exchanges are equal. Safe for concurrent use.
type MatchStore struct {
	mu        sync.RWMutex
	entries   map[string][]Exchange
	seen      map[string]map[string]struct{}
	order     []string
	persister Persister
	last      []byte
	log       *slog.Logger
}

// NewMatchStore creates an empty store.
func NewMatchStore(opts StoreOptions) *MatchStore {
	s := &MatchStore{
		entries:   make(map[string][]Exchange),
		seen:      make(map[string]map[string]struct{}),
		persister: opts.Persister,
		log:       opts.Logger,
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	s.last, _ = s.serializeLocked()
	return s
}

// LoadMatchStore decodes a fixture document into a new store. Empty data
// yields an empty store. Duplicate exchanges under one key are collapsed.
// Loaded keys are iterated in lexicographic order.
func LoadMatchStore(data []byte, opts StoreOptions) (*MatchStore, error) {
	s := NewMatchStore(opts)
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}

	var doc map[string][]Exchange
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFixture, err)
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		s.ensureKeyLocked(key)
		for _, ex := range doc[key] {
			if _, err := s.addLocked(key, ex); err != nil {
				return nil, fmt.Errorf("%w: key %s: %v", ErrInvalidFixture, key, err)
			}
		}
	}

	s.last, _ = s.serializeLocked()
	return s, nil
}

// Lookup returns the exchanges filed under key. The boolean is false when the
// key was never recorded; a present key may still have no exchanges.
func (s *MatchStore) Lookup(key string) ([]Exchange, bool) {
	if key == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make([]Exchange, len(list))
	copy(out, list)
	return out, true
}

// Append files ex under every key, skipping keys that already hold an equal
// exchange, then persists the store if anything changed. It reports whether
// any key received the exchange.
func (s *MatchStore) Append(keys []string, ex Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		added, err := s.addLocked(key, ex)
		if err != nil {
			s.log.Warn("skipping unserializable exchange", "key", key, "error", err)
			return changed
		}
		changed = changed || added
	}

	if changed {
		s.persistLocked()
	}
	return changed
}

// AllExchanges returns every recorded exchange, key by key.
func (s *MatchStore) AllExchanges() []Exchange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Exchange
	for _, key := range s.order {
		out = append(out, s.entries[key]...)
	}
	return out
}

// PersistIfChanged hands the current snapshot to the persister unless it is
// byte-for-byte identical to the last one handed off. It reports whether a
// snapshot was handed off.
func (s *MatchStore) PersistIfChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Snapshot returns the current fixture document.
func (s *MatchStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serializeLocked()
}

// IsEmpty reports whether no key has ever been recorded.
func (s *MatchStore) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries) == 0
}

// Len returns the number of stored exchanges across all keys.
func (s *MatchStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, list := range s.entries {
		n += len(list)
	}
	return n
}

// Keys returns the recorded keys in iteration order.
func (s *MatchStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *MatchStore) ensureKeyLocked(key string) {
	if _, ok := s.entries[key]; ok {
		return
	}
	s.entries[key] = []Exchange{}
	s.seen[key] = make(map[string]struct{})
	s.order = append(s.order, key)
}

func (s *MatchStore) addLocked(key string, ex Exchange) (bool, error) {
	enc, err := ex.Canonical()
	if err != nil {
		return false, err
	}
	s.ensureKeyLocked(key)
	if _, dup := s.seen[key][enc]; dup {
		return false, nil
	}
	s.seen[key][enc] = struct{}{}
	s.entries[key] = append(s.entries[key], ex)
	return true, nil
}

func (s *MatchStore) serializeLocked() ([]byte, error) {
	return json.MarshalIndent(s.entries, "", "  ")
}

func (s *MatchStore) persistLocked() bool {
	snapshot, err := s.serializeLocked()
	if err != nil {
		s.log.Warn("failed to serialize match store", "error", err)
		return false
	}
	if bytes.Equal(snapshot, s.last) {
		return false
	}
	s.last = snapshot
	if s.persister == nil {
		return true
	}
	if err := s.persister.Persist(snapshot); err != nil {
		s.log.Warn("failed to persist match store", "error", err)
	}
	return true
}
