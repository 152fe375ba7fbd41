package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nservers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const threeServers = `
pool:
  hasher: fnv1a
  servers:
    - name: a
    - name: b
    - name: c
`

func TestJumpCommand(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"jump", "42", "10"}, "2"},
		{[]string{"jump", "--key", "0xDEAD10CC", "--buckets", "666"}, "361"},
		{[]string{"jump", "--key", "18446744073709551615", "--buckets", "1000"}, "313"},
		{[]string{"jump", "42", "0"}, "-1"},
		{[]string{"jump", "--text", "--hasher", "fnv1a", "user:42", "3"}, "1"},
	}
	for _, c := range cases {
		t.Run(strings.Join(c.args[1:], " "), func(t *testing.T) {
			out, err := run(t, c.args...)
			require.NoError(t, err)
			assert.Equal(t, c.want, strings.TrimSpace(out))
		})
	}
}

func TestJumpCommandErrors(t *testing.T) {
	for _, args := range [][]string{
		{"jump"},
		{"jump", "42", "-1"},
		{"jump", "42", "2147483648"},
		{"jump", "42", "ten"},
		{"jump", "-x", "3"},
		{"jump", "--text", "--hasher", "md5", "k", "3"},
	} {
		_, err := run(t, args...)
		assert.Error(t, err, args)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0\n", out)
}

func TestLocateCommand(t *testing.T) {
	path := writeConfig(t, threeServers)

	out, err := run(t, "locate", "--config", path, "user:42")
	require.NoError(t, err)
	assert.Equal(t, "b\n", out)

	out, err = run(t, "locate", "-c", path, "-n", "3", "user:42")
	require.NoError(t, err)
	lines := strings.Fields(out)
	require.Len(t, lines, 3)
	assert.Equal(t, "b", lines[0])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, lines)

	_, err = run(t, "locate", "-c", path, "-n", "4", "user:42")
	assert.Error(t, err)
}

func TestServerReloadAndDrain(t *testing.T) {
	path := writeConfig(t, threeServers)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newServer(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), path)
	require.NoError(t, s.reload())
	admin := s.adminMux()

	get := func(h http.Handler, method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := get(&s.sw, http.MethodGet, "/v1/locate?key=user:42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"b"`)

	require.Equal(t, http.StatusOK, get(admin, http.MethodPost, "/admin/drain").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(&s.sw, http.MethodGet, "/v1/locate?key=user:42").Code)

	// appending a server keeps the drain state across the reload
	require.NoError(t, os.WriteFile(path, []byte(threeServers+"    - name: d\n"), 0o600))
	require.Equal(t, http.StatusOK, get(admin, http.MethodPost, "/admin/reload").Code)
	assert.Equal(t, 4, s.cur.Load().pool.Len())
	assert.Equal(t, http.StatusServiceUnavailable, get(&s.sw, http.MethodGet, "/v1/jump?key=1&buckets=2").Code)

	require.Equal(t, http.StatusOK, get(admin, http.MethodPost, "/admin/undrain").Code)
	assert.Equal(t, http.StatusOK, get(&s.sw, http.MethodGet, "/v1/jump?key=1&buckets=2").Code)

	rec = get(admin, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nservers_pool_servers 4")
	assert.Contains(t, rec.Body.String(), `nservers_pool_server_healthy{server="d"} 1`)

	rec = get(admin, http.MethodGet, "/admin/servers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"d"`)

	require.NoError(t, os.WriteFile(path, []byte("pool: [not, a, map"), 0o600))
	assert.Equal(t, http.StatusInternalServerError, get(admin, http.MethodPost, "/admin/reload").Code)
	assert.Equal(t, 4, s.cur.Load().pool.Len(), "failed reload keeps the running pipeline")

	assert.Equal(t, http.StatusMethodNotAllowed, get(admin, http.MethodGet, "/admin/reload").Code)
}
