package repocontext

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/githubapi"
)

func newGitHubSource(t *testing.T, mux *http.ServeMux) *GitHubSource {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := githubapi.NewClient(context.Background(), "", srv.URL)
	require.NoError(t, err)
	retry := githubapi.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return NewGitHubSource(client, retry, zaptest.NewLogger(t))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGitHubSource_ListFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"full_name": "acme/widgets", "default_branch": "trunk"})
	})
	mux.HandleFunc("/repos/acme/widgets/git/trees/trunk", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		writeJSON(t, w, map[string]any{
			"sha": "abc",
			"tree": []map[string]any{
				{"path": "README.md", "type": "blob", "size": 12},
				{"path": "src", "type": "tree"},
				{"path": "src/app.py", "type": "blob", "size": 40},
				{"path": "vendor/lib", "type": "commit"},
			},
		})
	})

	src := newGitHubSource(t, mux)
	entries, err := src.ListFiles(context.Background(), "https://github.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: "README.md", Type: EntryFile, Size: 12},
		{Path: "src", Type: EntryDir},
		{Path: "src/app.py", Type: EntryFile, Size: 40},
	}, entries)
}

func TestGitHubSource_GetFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/contents/src/app.py", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"type":     "file",
			"path":     "src/app.py",
			"encoding": "base64",
			"size":     13,
			"content":  base64.StdEncoding.EncodeToString([]byte("print('hi')\n")),
		})
	})
	mux.HandleFunc("/repos/acme/widgets/contents/missing.py", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, map[string]any{"message": "Not Found"})
	})

	src := newGitHubSource(t, mux)

	f, err := src.GetFile(context.Background(), "acme/widgets", "src/app.py")
	require.NoError(t, err)
	assert.Equal(t, "src/app.py", f.Path)
	assert.Equal(t, "print('hi')\n", f.Content)
	assert.Equal(t, 13, f.Size)

	_, err = src.GetFile(context.Background(), "acme/widgets", "missing.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubSource_UnknownRepository(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(t, w, map[string]any{"message": "Not Found"})
	})

	src := newGitHubSource(t, mux)
	_, err := src.ListFiles(context.Background(), "acme/gone")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = src.ListFiles(context.Background(), "not a repo")
	assert.ErrorIs(t, err, githubapi.ErrInvalidRepository)
}
