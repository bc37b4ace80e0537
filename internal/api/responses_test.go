package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queued/internal/rendezvous"
	"github.com/scarson/queued/internal/store"
)

// memResponses is an in-memory rendezvous.Store.
type memResponses struct {
	mu    sync.Mutex
	slots map[string][]byte
}

func (m *memResponses) CreateResponse(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[key]; ok {
		return store.ErrDuplicateResponseKey
	}
	m.slots[key] = nil
	return nil
}

func (m *memResponses) SetResponseValue(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[key]; !ok {
		return store.ErrResponseNotFound
	}
	m.slots[key] = value
	return nil
}

func (m *memResponses) GetResponseValue(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	if !ok {
		return nil, store.ErrResponseNotFound
	}
	return v, nil
}

func (m *memResponses) DeleteResponse(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, key)
	return nil
}

func newResponsesAPI(t *testing.T) (humatest.TestAPI, *rendezvous.Rendezvous) {
	t.Helper()
	rv := rendezvous.New(&memResponses{slots: make(map[string][]byte)},
		rendezvous.WithPollInterval(5*time.Millisecond))
	_, api := humatest.New(t)
	registerResponseRoutes(api, rv)
	return api, rv
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()
	api, _ := newResponsesAPI(t)

	resp := api.Post("/responses")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var created struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.Len(t, created.Key, rendezvous.KeyLength)

	resp = api.Get("/responses/" + created.Key)
	assert.Equal(t, http.StatusNoContent, resp.Code, "unset value")

	resp = api.Put("/responses/"+created.Key, map[string]any{"value": map[string]any{"ok": true}})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())

	resp = api.Get("/responses/" + created.Key)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var got struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	assert.Equal(t, created.Key, got.Key)
	assert.JSONEq(t, `{"ok":true}`, string(got.Value))
}

func TestResponseDelete(t *testing.T) {
	t.Parallel()
	api, rv := newResponsesAPI(t)
	key, err := rv.Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, api.Delete("/responses/"+key).Code)
	assert.Equal(t, http.StatusNotFound, api.Get("/responses/"+key).Code)
	assert.Equal(t, http.StatusNoContent, api.Delete("/responses/"+key).Code)
}

func TestResponseUnknownKey(t *testing.T) {
	t.Parallel()
	api, _ := newResponsesAPI(t)

	assert.Equal(t, http.StatusNotFound, api.Get("/responses/missing").Code)
	assert.Equal(t, http.StatusNotFound, api.Put("/responses/missing", map[string]any{"value": 1}).Code)
}

func TestResponseBlockingGet(t *testing.T) {
	t.Parallel()
	api, rv := newResponsesAPI(t)
	key, err := rv.Generate(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = rv.SetValue(context.Background(), key, "late")
	}()

	resp := api.Get("/responses/" + key + "?block=true&wait=5")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"late"`)
}

func TestResponseBlockingGetTimesOut(t *testing.T) {
	t.Parallel()
	api, rv := newResponsesAPI(t)
	key, err := rv.Generate(context.Background())
	require.NoError(t, err)

	start := time.Now()
	resp := api.Get("/responses/" + key + "?block=true&wait=1")
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}
