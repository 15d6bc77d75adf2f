package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/slon/harvest/backend"
	"gitlab.com/slon/harvest/repository"
)

type addCall struct {
	origin  string
	backend string
	args    map[string]interface{}
}

type fakeCore struct {
	added   []addCall
	removed []string
	items   []backend.Item
	repos   []*repository.Repository
	addErr  error
}

func (f *fakeCore) Add(ctx context.Context, origin, backendName string, args map[string]interface{}) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, addCall{origin: origin, backend: backendName, args: args})
	return nil
}

func (f *fakeCore) Remove(origin string) error {
	for _, r := range f.repos {
		if r.Origin == origin {
			f.removed = append(f.removed, origin)
			return nil
		}
	}
	return &repository.NotFoundError{Origin: origin}
}

func (f *fakeCore) List() []*repository.Repository {
	return f.repos
}

func (f *fakeCore) Items(ctx context.Context) ([]backend.Item, error) {
	items := f.items
	f.items = nil
	return items, nil
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAddRepositories(t *testing.T) {
	core := &fakeCore{}
	s := New(core, Options{})

	w := do(t, s, http.MethodPost, "/add", `{
		"repositories": [
			{"origin": "https://example.com/a.git", "backend": "gitlog",
			 "args": {"from_date": "2001-12-01"}},
			{"origin": "https://example.com/api", "backend": "jsonapi"}
		]
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, core.added, 2)
	require.Equal(t, "https://example.com/a.git", core.added[0].origin)
	require.Equal(t, "2001-12-01T00:00:00Z", core.added[0].args["from_date"])

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, float64(2), resp["added"])
}

func TestAddInvalidFromDate(t *testing.T) {
	core := &fakeCore{}
	s := New(core, Options{})

	w := do(t, s, http.MethodPost, "/add", `{
		"repositories": [
			{"origin": "https://example.com/a.git", "backend": "gitlog",
			 "args": {"from_date": "nodate"}}
		]
	}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Empty(t, core.added)
}

func TestAddUnknownBackend(t *testing.T) {
	core := &fakeCore{addErr: &backend.NotFoundError{Element: "nope"}}
	s := New(core, Options{})

	w := do(t, s, http.MethodPost, "/add",
		`{"repositories": [{"origin": "o", "backend": "nope"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAddConflict(t *testing.T) {
	core := &fakeCore{addErr: &repository.AlreadyExistsError{Origin: "o"}}
	s := New(core, Options{})

	w := do(t, s, http.MethodPost, "/add",
		`{"repositories": [{"origin": "o", "backend": "gitlog"}]}`)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestItems(t *testing.T) {
	core := &fakeCore{items: []backend.Item{
		{UUID: "u1", Origin: "o", Backend: "gitlog", UpdatedOn: 100},
	}}
	s := New(core, Options{})

	w := do(t, s, http.MethodGet, "/items", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items []backend.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "u1", resp.Items[0].UUID)

	// drained on the first call
	w = do(t, s, http.MethodGet, "/items", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(t, resp.Items)
}

func TestRepositories(t *testing.T) {
	core := &fakeCore{repos: []*repository.Repository{
		{Origin: "a", Backend: "gitlog"},
		{Origin: "b", Backend: "jsonapi"},
	}}
	s := New(core, Options{})

	w := do(t, s, http.MethodGet, "/repositories", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Repositories []*repository.Repository `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Repositories, 2)
}

func TestRemoveRepository(t *testing.T) {
	core := &fakeCore{repos: []*repository.Repository{{Origin: "a", Backend: "gitlog"}}}
	s := New(core, Options{})

	w := do(t, s, http.MethodDelete, "/repositories?origin=a", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"a"}, core.removed)

	w = do(t, s, http.MethodDelete, "/repositories?origin=missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodDelete, "/repositories", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetrics(t *testing.T) {
	s := New(&fakeCore{}, Options{})

	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
