package datastore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture is one request seen by the fake datastore.
type capture struct {
	method string
	path   string
	query  url.Values
	auth   string
	prefer string
	body   string
}

// storeServer fakes the table endpoints: it records every request and
// serves canned bodies keyed by "METHOD /table". Unknown requests get "[]".
type storeServer struct {
	*httptest.Server

	mu      sync.Mutex
	got     []capture
	respond map[string]response
	handle  func(w http.ResponseWriter, r *http.Request) bool
}

type response struct {
	status int
	body   string
}

func newStoreServer(t *testing.T) *storeServer {
	t.Helper()
	s := &storeServer{respond: make(map[string]response)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.got = append(s.got, capture{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.Query(),
			auth:   r.Header.Get("Authorization"),
			prefer: r.Header.Get("Prefer"),
			body:   string(body),
		})
		handle := s.handle
		s.mu.Unlock()

		if handle != nil && handle(w, r) {
			return
		}
		if resp, ok := s.respond[r.Method+" "+r.URL.Path]; ok {
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			_, _ = w.Write([]byte(resp.body))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(s.Close)
	return s
}

// calls filters the recorded requests by method and path.
func (s *storeServer) calls(method, path string) []capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capture
	for _, c := range s.got {
		if c.method == method && c.path == path {
			out = append(out, c)
		}
	}
	return out
}

func (s *storeServer) client() *Client {
	return New(s.URL, "test-key")
}

func decodeBody(t *testing.T, body string, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(body), out))
}

const facilityRowJSON = `[{"id":1,"status":"active","active_agents":2,"agent_count":3,
"active_projects":["alpha"],"lifetime_tokens":100,"today_tokens":10,
"total_sessions":5,"total_messages":9,"total_tool_calls":40,
"total_agent_spawns":1,"total_team_messages":0,
"tokens_by_model":{"sonnet-4":100},"updated_at":"2026-03-10T09:00:00Z"}]`

func TestClient_SendsBearerKey(t *testing.T) {
	server := newStoreServer(t)
	server.respond["GET /facility_status"] = response{body: facilityRowJSON}

	_, err := server.client().FacilityStatus(context.Background())
	require.NoError(t, err)

	calls := server.calls(http.MethodGet, "/facility_status")
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer test-key", calls[0].auth)
	assert.Equal(t, "eq.1", calls[0].query.Get("id"))
}

func TestClient_ErrorCarriesStatusCode(t *testing.T) {
	server := newStoreServer(t)
	server.respond["GET /facility_status"] = response{status: http.StatusUnauthorized, body: `{"message":"bad key"}`}

	_, err := server.client().FacilityStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
	assert.Contains(t, err.Error(), "bad key")
}

func TestClient_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := newStoreServer(t)
		server.respond["GET /facility_status"] = response{body: facilityRowJSON}

		health, err := server.client().Health(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "healthy", health.Status)
		assert.GreaterOrEqual(t, health.ResponseTime, int64(0))
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := newStoreServer(t)
		server.respond["GET /facility_status"] = response{status: http.StatusInternalServerError}

		health, err := server.client().Health(context.Background())
		require.Error(t, err)
		assert.Equal(t, "unhealthy", health.Status)
	})
}

func TestFacilityStatus_MissingRow(t *testing.T) {
	server := newStoreServer(t)

	_, err := server.client().FacilityStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestInFilter(t *testing.T) {
	assert.Equal(t, `in.("2026-03-09","2026-03-10")`, inFilter([]string{"2026-03-09", "2026-03-10"}))
	assert.Equal(t, `in.("alpha")`, inFilter([]string{"alpha"}))
}
