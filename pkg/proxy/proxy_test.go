package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/replayd/pkg/config"
	"github.com/getmockd/replayd/pkg/recording"
)

// upstream is a test API whose status can be flipped between requests.
type upstream struct {
	server   *httptest.Server
	status   atomic.Int32
	hits     atomic.Int32
	lastHost atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.lastHost.Store(r.Host)
		body, _ := io.ReadAll(r.Body)

		status := int(u.status.Load())
		w.Header().Set("Date", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Header().Set("X-Upstream", "yes")
		if r.URL.Path == "/text" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(status)
			_, _ = w.Write([]byte("hello"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte(`{"error":"upstream failed"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
			"echo":   string(body),
		})
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) url(t *testing.T) *url.URL {
	t.Helper()
	target, err := url.Parse(u.server.URL)
	require.NoError(t, err)
	return target
}

type countingPersister struct {
	calls atomic.Int32
	last  atomic.Value
}

func (c *countingPersister) Persist(snapshot []byte) error {
	c.calls.Add(1)
	c.last.Store(snapshot)
	return nil
}

func newTestProxy(t *testing.T, opts Options) (*Proxy, *recording.MatchStore) {
	t.Helper()
	store, ok := opts.Store.(*recording.MatchStore)
	if !ok {
		store = recording.NewMatchStore(recording.StoreOptions{})
		opts.Store = store
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, store
}

func do(p http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := New(Options{Mode: config.ModeMock})
		assert.ErrorIs(t, err, ErrMissingStore)
	})

	t.Run("requires target outside mock mode", func(t *testing.T) {
		_, err := New(Options{Store: recording.NewMatchStore(recording.StoreOptions{})})
		assert.ErrorIs(t, err, config.ErrMissingTarget)
	})

	t.Run("defaults to proxy mode", func(t *testing.T) {
		target, _ := url.Parse("http://api.example.com")
		p, err := New(Options{Target: target, Store: recording.NewMatchStore(recording.StoreOptions{})})
		require.NoError(t, err)
		assert.Equal(t, config.ModeProxy, p.Mode())
	})
}

func TestSetMode(t *testing.T) {
	p, _ := newTestProxy(t, Options{Mode: config.ModeMock})
	assert.ErrorIs(t, p.SetMode(config.ModeRecord), config.ErrMissingTarget)
	assert.Equal(t, config.ModeMock, p.Mode())
}

func TestMockMode_EmptyStore(t *testing.T) {
	p, _ := newTestProxy(t, Options{Mode: config.ModeMock})

	rec := do(p, http.MethodGet, "/users", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, NoMockDataMessage, rec.Body.String())
}

func TestRecordSuccess(t *testing.T) {
	up := newUpstream(t)
	persister := &countingPersister{}
	store := recording.NewMatchStore(recording.StoreOptions{Persister: persister})
	p, _ := newTestProxy(t, Options{Target: up.url(t), Store: store})

	rec := do(p, http.MethodPost, "/users", `{"b":2,"a":1}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Date"), "volatile headers are stripped")
	assert.JSONEq(t, `{"path":"/users","method":"POST","echo":"{\"b\":2,\"a\":1}"}`, rec.Body.String())

	assert.Equal(t, up.url(t).Host, up.lastHost.Load(), "Host is rewritten to the target")
	assert.Len(t, store.Keys(), 3)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, int32(1), persister.calls.Load())

	t.Run("identical exchange is not written again", func(t *testing.T) {
		do(p, http.MethodPost, "/users", `{"b":2,"a":1}`)
		assert.Equal(t, 3, store.Len())
		assert.Equal(t, int32(1), persister.calls.Load())
	})

	t.Run("recorded fixture has no volatile headers", func(t *testing.T) {
		snapshot, _ := persister.last.Load().([]byte)
		assert.NotContains(t, string(snapshot), "Date")
		assert.Contains(t, string(snapshot), "X-Upstream")
	})
}

func TestRecordFilter(t *testing.T) {
	up := newUpstream(t)
	p, store := newTestProxy(t, Options{
		Target: up.url(t),
		Filter: &FilterConfig{ExcludePaths: []string{"/health"}},
	})

	rec := do(p, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, store.IsEmpty())

	do(p, http.MethodGet, "/users", "")
	assert.False(t, store.IsEmpty())
}

func TestErrorFallback(t *testing.T) {
	tests := []struct {
		name       string
		mode       config.Mode
		errorCodes config.ErrorCodes
		wantStatus int
		wantMock   bool
	}{
		{name: "any status allowed", mode: config.ModeProxy, wantStatus: http.StatusOK, wantMock: true},
		{name: "status in allow-list", mode: config.ModeProxy, errorCodes: config.ErrorCodes{500}, wantStatus: http.StatusOK, wantMock: true},
		{name: "status not in allow-list", mode: config.ModeProxy, errorCodes: config.ErrorCodes{404}, wantStatus: http.StatusInternalServerError},
		{name: "record mode never mocks", mode: config.ModeRecord, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newUpstream(t)
			p, _ := newTestProxy(t, Options{Mode: tt.mode, Target: up.url(t), ErrorCodes: tt.errorCodes})

			require.Equal(t, http.StatusOK, do(p, http.MethodGet, "/users", "").Code)

			up.status.Store(http.StatusInternalServerError)
			rec := do(p, http.MethodGet, "/users", "")

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMock {
				assert.JSONEq(t, `{"path":"/users","method":"GET","echo":""}`, rec.Body.String())
			} else {
				assert.JSONEq(t, `{"error":"upstream failed"}`, rec.Body.String())
			}
		})
	}
}

func TestErrorFallback_NoRecording(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusServiceUnavailable)
	p, _ := newTestProxy(t, Options{Target: up.url(t)})

	rec := do(p, http.MethodGet, "/users", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.JSONEq(t, `{"error":"upstream failed"}`, rec.Body.String())
}

func TestTransportError(t *testing.T) {
	up := newUpstream(t)
	target := up.url(t)

	seed := func(t *testing.T, store *recording.MatchStore) {
		t.Helper()
		p, _ := newTestProxy(t, Options{Target: target, Store: store})
		require.Equal(t, http.StatusOK, do(p, http.MethodGet, "/users", "").Code)
	}

	t.Run("falls back without allow-list", func(t *testing.T) {
		store := recording.NewMatchStore(recording.StoreOptions{})
		seed(t, store)

		down := httptest.NewServer(http.NotFoundHandler())
		downURL, _ := url.Parse(down.URL)
		down.Close()

		// A different port changes every key, so the global fallback answers.
		p, _ := newTestProxy(t, Options{Target: downURL, Store: store})
		rec := do(p, http.MethodGet, "/users", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"path":"/users"`)
	})

	t.Run("allow-list never contains transport errors", func(t *testing.T) {
		store := recording.NewMatchStore(recording.StoreOptions{})
		seed(t, store)

		down := httptest.NewServer(http.NotFoundHandler())
		downURL, _ := url.Parse(down.URL)
		down.Close()

		p, _ := newTestProxy(t, Options{Target: downURL, Store: store, ErrorCodes: config.ErrorCodes{500}})
		rec := do(p, http.MethodGet, "/users", "")

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.EqualValues(t, http.StatusBadGateway, body["status"])
		assert.NotEmpty(t, body["message"])
	})
}

func TestMockMode_Replay(t *testing.T) {
	up := newUpstream(t)
	p, store := newTestProxy(t, Options{Target: up.url(t)})

	require.Equal(t, http.StatusOK, do(p, http.MethodGet, "/text", "").Code)
	require.Equal(t, http.StatusOK, do(p, http.MethodGet, "/users", "").Code)
	hits := up.hits.Load()

	require.NoError(t, p.SetMode(config.ModeMock))

	t.Run("text body is replayed verbatim", func(t *testing.T) {
		rec := do(p, http.MethodGet, "/text", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello", rec.Body.String())
		assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	})

	t.Run("json body is replayed", func(t *testing.T) {
		rec := do(p, http.MethodGet, "/users", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"path":"/users","method":"GET","echo":""}`, rec.Body.String())
	})

	t.Run("unknown request uses nearest recording", func(t *testing.T) {
		rec := do(p, http.MethodGet, "/users/1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"path":"/users"`)
	})

	assert.Equal(t, hits, up.hits.Load(), "mock mode never calls upstream")
	assert.Equal(t, 6, store.Len())
}

func TestMockMode_Defaults(t *testing.T) {
	store := recording.NewMatchStore(recording.StoreOptions{})
	live := recording.Request{URL: "/ping", Method: http.MethodGet, Headers: recording.Headers{}}
	store.Append([]string{"k"}, recording.Exchange{
		Request:  live,
		Response: recording.Response{Body: json.RawMessage(`{"ok":true}`)},
	})
	p, _ := newTestProxy(t, Options{Mode: config.ModeMock, Store: store})

	rec := do(p, http.MethodGet, "/ping", "")

	assert.Equal(t, http.StatusOK, rec.Code, "zero status is sent as 200")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestMockMode_PresentButEmptyKey(t *testing.T) {
	data := []byte(`{"` + strings.Repeat("0", 40) + `": []}`)
	store, err := recording.LoadMatchStore(data, recording.StoreOptions{})
	require.NoError(t, err)
	require.False(t, store.IsEmpty())

	p, _ := newTestProxy(t, Options{Mode: config.ModeMock, Store: store})
	rec := do(p, http.MethodGet, "/anything", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "no_mock", body["error"])
}

func TestRecordSuccess_BodyVerbatim(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0xff, 0xd8, 0x00, 0x01}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/logo.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("  {\"b\": 2, \"a\": 1}\n"))
		}
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	p, store := newTestProxy(t, Options{Target: target})

	t.Run("binary", func(t *testing.T) {
		rec := do(p, http.MethodGet, "/logo.png", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, png, rec.Body.Bytes())
	})

	t.Run("json whitespace kept", func(t *testing.T) {
		rec := do(p, http.MethodGet, "/data", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "  {\"b\": 2, \"a\": 1}\n", rec.Body.String())
	})

	t.Run("binary replays unchanged", func(t *testing.T) {
		require.NoError(t, p.SetMode(config.ModeMock))
		rec := do(p, http.MethodGet, "/logo.png", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, png, rec.Body.Bytes())
	})

	assert.False(t, store.IsEmpty())
}

func TestMaxBodySize(t *testing.T) {
	var received atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(int32(len(body)))
		w.Header().Set("Content-Type", "text/plain")
		if r.URL.Path == "/large" {
			_, _ = w.Write([]byte(strings.Repeat("x", 40)))
			return
		}
		_, _ = w.Write([]byte("small"))
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	p, store := newTestProxy(t, Options{Target: target, MaxBodySize: 16})

	t.Run("request over the limit is rejected", func(t *testing.T) {
		rec := do(p, http.MethodPost, "/small", strings.Repeat("y", 40))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "payload_too_large", body["error"])
		assert.Equal(t, int32(0), received.Load(), "nothing is forwarded")
		assert.True(t, store.IsEmpty())
	})

	t.Run("request at the limit is forwarded whole", func(t *testing.T) {
		rec := do(p, http.MethodPost, "/small", strings.Repeat("y", 16))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(16), received.Load())
	})

	t.Run("response over the limit streams but is not recorded", func(t *testing.T) {
		before := store.Len()
		rec := do(p, http.MethodGet, "/large", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, strings.Repeat("x", 40), rec.Body.String())
		assert.Equal(t, before, store.Len())
	})
}
