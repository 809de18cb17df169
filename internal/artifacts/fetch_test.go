package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestAssetFetcher(t *testing.T) {
	bundle := zipBytes(t, map[string]string{"MathJax-3/es5/tex-mml-chtml.js": "mathjax"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mathjax.zip":
			_, _ = w.Write(bundle)
		case "/logo.svg":
			_, _ = w.Write([]byte("<svg/>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ws := t.TempDir()

	f := NewAssetFetcher(srv.URL+"/mathjax.zip", "docs/_static", srv.Client(), nil)
	require.NoError(t, f.Fetch(context.Background(), ws))
	data, err := os.ReadFile(filepath.Join(ws, "docs", "_static", "MathJax-3", "es5", "tex-mml-chtml.js"))
	require.NoError(t, err)
	assert.Equal(t, "mathjax", string(data))

	f = NewAssetFetcher(srv.URL+"/logo.svg", "docs/_static", srv.Client(), nil)
	require.NoError(t, f.Fetch(context.Background(), ws))
	assert.FileExists(t, filepath.Join(ws, "docs", "_static", "logo.svg"))

	f = NewAssetFetcher(srv.URL+"/missing.zip", "docs/_static", srv.Client(), nil)
	assert.Error(t, f.Fetch(context.Background(), ws))
}

func TestUnzip_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(src, zipBytes(t, map[string]string{"../escape.txt": "x"}), 0o644))
	assert.Error(t, unzip(src, filepath.Join(dir, "out")))
}
