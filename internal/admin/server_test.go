package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GrammarBot/internal/repository"
	"github.com/digkill/GrammarBot/pkg/logger"
)

type memoryFlags struct {
	doc    []byte
	putErr error
}

func (m *memoryFlags) Get(context.Context) ([]byte, error) { return m.doc, nil }

func (m *memoryFlags) Put(_ context.Context, data []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.doc = data
	return nil
}

type fixedStats struct {
	since  time.Time
	counts []repository.EventCount
}

func (f *fixedStats) CountSince(_ context.Context, since time.Time) ([]repository.EventCount, error) {
	f.since = since
	return f.counts, nil
}

func newTestServer(deps Deps) http.Handler {
	return NewServer(":0", "admin", "secret", logger.Discard(), deps).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuthRequired(t *testing.T) {
	h := newTestServer(Deps{Flags: &memoryFlags{}})

	rec := do(t, h, http.MethodGet, "/flags", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="grammarbot"`, rec.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/flags", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFlagsRoundTrip(t *testing.T) {
	store := &memoryFlags{doc: []byte(`{"show_offer":false}`)}
	h := newTestServer(Deps{Flags: store})

	rec := do(t, h, http.MethodGet, "/flags", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"show_offer":false}`, rec.Body.String())

	rec = do(t, h, http.MethodPut, "/flags", `{"show_offer":true,"daily_free_tries":3}`, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.JSONEq(t, `{"show_offer":true,"daily_free_tries":3}`, string(store.doc))
}

func TestPutFlagsValidation(t *testing.T) {
	store := &memoryFlags{doc: []byte(`{}`)}
	h := newTestServer(Deps{Flags: store})

	for _, body := range []string{`[1]`, `null`, `nope`} {
		rec := do(t, h, http.MethodPut, "/flags", body, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, `{}`, string(store.doc))

	store.putErr = errors.New("bucket gone")
	rec := do(t, h, http.MethodPut, "/flags", `{"a":1}`, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestFlagsNotConfigured(t *testing.T) {
	h := newTestServer(Deps{})

	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/flags", "", true).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPut, "/flags", `{}`, true).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/stats", "", true).Code)
}

func TestStats(t *testing.T) {
	stats := &fixedStats{counts: []repository.EventCount{{Name: "home_rewrite_success", Count: 12}}}
	h := newTestServer(Deps{Stats: stats})

	before := time.Now().UTC()
	rec := do(t, h, http.MethodGet, "/stats?days=3", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []repository.EventCount `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, stats.counts, resp.Events)
	assert.WithinDuration(t, before.AddDate(0, 0, -3), stats.since, time.Minute)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/stats?days=-1", "", true).Code)
}
