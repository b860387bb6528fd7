package recording

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPersister records every snapshot it receives.
type countingPersister struct {
	mu        sync.Mutex
	snapshots [][]byte
	err       error
}

func (p *countingPersister) Persist(snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snapshot)
	return p.err
}

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snapshots)
}

func makeExchange(method, url string, status int, body string) Exchange {
	return Exchange{
		Request: Request{URL: url, Method: method, Headers: Headers{"accept": "application/json"}},
		Response: Response{
			Status:  status,
			Headers: Headers{"Content-Type": "application/json"},
			Body:    json.RawMessage(body),
		},
	}
}

func TestMatchStore_LookupAbsentVersusEmpty(t *testing.T) {
	s, err := LoadMatchStore([]byte(`{"empty": []}`), StoreOptions{})
	require.NoError(t, err)

	list, ok := s.Lookup("empty")
	assert.True(t, ok)
	assert.Empty(t, list)

	list, ok = s.Lookup("missing")
	assert.False(t, ok)
	assert.Nil(t, list)

	_, ok = s.Lookup("")
	assert.False(t, ok)
}

func TestMatchStore_AppendDedupesPerKey(t *testing.T) {
	p := &countingPersister{}
	s := NewMatchStore(StoreOptions{Persister: p})
	ex := makeExchange("GET", "http://api/a", 200, `{"x":1}`)

	assert.True(t, s.Append([]string{"k1", "k2"}, ex))
	assert.False(t, s.Append([]string{"k1", "k2"}, ex))

	for _, key := range []string{"k1", "k2"} {
		list, ok := s.Lookup(key)
		require.True(t, ok)
		assert.Len(t, list, 1, key)
	}
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, p.count(), "duplicate append must not persist")
}

func TestMatchStore_DedupeIgnoresKeyOrder(t *testing.T) {
	s := NewMatchStore(StoreOptions{})
	a := makeExchange("POST", "http://api/a", 200, `{"x":1,"y":2}`)
	b := makeExchange("POST", "http://api/a", 200, `{"y":2,"x":1}`)

	s.Append([]string{"k"}, a)
	s.Append([]string{"k"}, b)

	list, _ := s.Lookup("k")
	assert.Len(t, list, 1)
}

func TestMatchStore_AppendPreservesInsertionOrder(t *testing.T) {
	s := NewMatchStore(StoreOptions{})
	first := makeExchange("GET", "http://api/a", 200, `{"n":1}`)
	second := makeExchange("GET", "http://api/a", 200, `{"n":2}`)

	s.Append([]string{"k"}, first)
	s.Append([]string{"k"}, second)

	list, _ := s.Lookup("k")
	require.Len(t, list, 2)
	assert.JSONEq(t, `{"n":1}`, string(list[0].Response.Body))
	assert.JSONEq(t, `{"n":2}`, string(list[1].Response.Body))
}

func TestMatchStore_AppendSkipsNoKey(t *testing.T) {
	s := NewMatchStore(StoreOptions{})
	assert.False(t, s.Append([]string{""}, makeExchange("GET", "http://api/a", 200, `{}`)))
	assert.True(t, s.IsEmpty())
}

func TestMatchStore_PersistFailureIsSwallowed(t *testing.T) {
	p := &countingPersister{err: errors.New("disk full")}
	s := NewMatchStore(StoreOptions{Persister: p})

	assert.NotPanics(t, func() {
		s.Append([]string{"k"}, makeExchange("GET", "http://api/a", 200, `{}`))
	})
	assert.Equal(t, 1, p.count())
	assert.Equal(t, 1, s.Len())
}

func TestMatchStore_PersistIfChanged(t *testing.T) {
	p := &countingPersister{}
	s, err := LoadMatchStore([]byte(`{"k": [{"req":{"url":"u","method":"GET","body":"","headers":{}},"res":{"status":200}}]}`), StoreOptions{Persister: p})
	require.NoError(t, err)

	assert.False(t, s.PersistIfChanged(), "freshly loaded store is already persisted")
	assert.Equal(t, 0, p.count())

	s.Append([]string{"other"}, makeExchange("GET", "http://api/b", 200, `{}`))
	assert.Equal(t, 1, p.count())
	assert.False(t, s.PersistIfChanged())
	assert.Equal(t, 1, p.count())
}

func TestMatchStore_SnapshotRoundTrip(t *testing.T) {
	s := NewMatchStore(StoreOptions{})
	s.Append([]string{"k1", "k2"}, makeExchange("GET", "http://api/a", 200, `{"x":1}`))

	snap, err := s.Snapshot()
	require.NoError(t, err)

	loaded, err := LoadMatchStore(snap, StoreOptions{})
	require.NoError(t, err)
	again, err := loaded.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(snap), string(again))
}

func TestMatchStore_AllExchanges(t *testing.T) {
	s, err := LoadMatchStore([]byte(`{
		"b": [{"req":{"url":"u2","method":"GET","body":"","headers":{}},"res":{"status":201}}],
		"a": [{"req":{"url":"u1","method":"GET","body":"","headers":{}},"res":{"status":200}}]
	}`), StoreOptions{})
	require.NoError(t, err)

	s.Append([]string{"c"}, makeExchange("GET", "http://api/c", 202, `{}`))

	all := s.AllExchanges()
	require.Len(t, all, 3)
	assert.Equal(t, 200, all[0].Response.Status)
	assert.Equal(t, 201, all[1].Response.Status)
	assert.Equal(t, 202, all[2].Response.Status)
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestLoadMatchStore(t *testing.T) {
	t.Run("empty data", func(t *testing.T) {
		s, err := LoadMatchStore(nil, StoreOptions{})
		require.NoError(t, err)
		assert.True(t, s.IsEmpty())
	})

	t.Run("null list becomes empty key", func(t *testing.T) {
		s, err := LoadMatchStore([]byte(`{"k": null}`), StoreOptions{})
		require.NoError(t, err)
		list, ok := s.Lookup("k")
		assert.True(t, ok)
		assert.Empty(t, list)
		assert.False(t, s.IsEmpty())
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		entry := `{"req":{"url":"u","method":"GET","body":"","headers":{}},"res":{"status":200}}`
		s, err := LoadMatchStore([]byte(`{"k": [`+entry+`,`+entry+`]}`), StoreOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("invalid document", func(t *testing.T) {
		_, err := LoadMatchStore([]byte(`[1,2,3]`), StoreOptions{})
		assert.ErrorIs(t, err, ErrInvalidFixture)
	})
}

func TestMatchStore_ConcurrentAppend(t *testing.T) {
	p := &countingPersister{}
	s := NewMatchStore(StoreOptions{Persister: p})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ex := makeExchange("GET", "http://api/a", 200, `{"n":`+string(rune('0'+n%10))+`}`)
			s.Append([]string{"shared"}, ex)
		}(i)
	}
	wg.Wait()

	list, _ := s.Lookup("shared")
	assert.Len(t, list, 10)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	p.mu.Lock()
	last := p.snapshots[len(p.snapshots)-1]
	p.mu.Unlock()
	assert.Equal(t, string(snap), string(last), "last handed-off snapshot holds every append")
}
