package snapshot

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	category string
	message  string
	data     map[string]any
}

type emitRecorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *emitRecorder) emit(category, message string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{category, message, data})
}

func (r *emitRecorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.message
	}
	return out
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func kindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func TestExtractArchive_Zip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{
		"project-main/main.go":     "package main\n",
		"project-main/lib/util.go": "package lib\n",
	}), 0644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(archive, dest))

	root, err := selectRepoRoot(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "project-main"), root)
	data, err := os.ReadFile(filepath.Join(root, "lib", "util.go"))
	require.NoError(t, err)
	assert.Equal(t, "package lib\n", string(data))
}

func TestExtractArchive_TarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.tar.gz")
	require.NoError(t, os.WriteFile(archive, tarGzBytes(t, map[string]string{
		"a.py":     "x = 1\n",
		"pkg/b.py": "y = 2\n",
	}), 0644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractArchive(archive, dest))

	root, err := selectRepoRoot(dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root, "a top-level file means no single root directory")
	assert.FileExists(t, filepath.Join(dest, "pkg", "b.py"))
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()

	zipArchive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(zipArchive, zipBytes(t, map[string]string{
		"ok.txt":        "fine",
		"../escape.txt": "bad",
	}), 0644))
	err := ExtractArchive(zipArchive, filepath.Join(dir, "zip-out"))
	assert.Equal(t, KindExtraction, kindOf(err))
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "zip-out", "ok.txt"))

	tarArchive := filepath.Join(dir, "evil.tgz")
	require.NoError(t, os.WriteFile(tarArchive, tarGzBytes(t, map[string]string{
		"../../escape.txt": "bad",
	}), 0644))
	err = ExtractArchive(tarArchive, filepath.Join(dir, "tar-out"))
	assert.Equal(t, KindExtraction, kindOf(err))
	assert.Contains(t, err.Error(), "invalid paths")
}

func TestExtractArchive_Unsupported(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.rar")
	require.NoError(t, os.WriteFile(archive, []byte("rar"), 0644))

	err := ExtractArchive(archive, filepath.Join(dir, "out"))
	assert.Equal(t, KindExtraction, kindOf(err))
	assert.Contains(t, err.Error(), "unsupported archive format: .rar")
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, formatZip, detectFormat("a.ZIP"))
	assert.Equal(t, formatTar, detectFormat("a.tar"))
	assert.Equal(t, formatTarGzip, detectFormat("a.tgz"))
	assert.Equal(t, formatTarBzip2, detectFormat("a.tar.bz2"))
	assert.Equal(t, formatTarZstd, detectFormat("a.tar.zst"))
	assert.Equal(t, formatUnknown, detectFormat("a.7z"))
}

func TestPrepare_Upload(t *testing.T) {
	content := base64.StdEncoding.EncodeToString(zipBytes(t, map[string]string{
		"repo-1.0/app.py": "print('hi')\n",
	}))
	workspace := filepath.Join(t.TempDir(), "workspace")
	rec := &emitRecorder{}

	root, err := NewAcquirer(nil, time.Second).Prepare(context.Background(), Source{
		Type:          SourceArchiveUpload,
		Filename:      "repo.zip",
		ContentBase64: content,
	}, workspace, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(workspace, "extracted", "repo-1.0"), root)
	assert.FileExists(t, filepath.Join(root, "app.py"))
	assert.Equal(t, []string{"Preparing workspace", "Decoding uploaded archive", "Extracting archive"}, rec.messages())
}

func TestPrepare_InvalidBase64(t *testing.T) {
	_, err := NewAcquirer(nil, time.Second).Prepare(context.Background(), Source{
		Type:          SourceArchiveUpload,
		Filename:      "repo.zip",
		ContentBase64: "%%% not base64",
	}, t.TempDir(), (&emitRecorder{}).emit)
	assert.Equal(t, KindValidation, kindOf(err))
}

func TestPrepare_Download(t *testing.T) {
	payload := tarGzBytes(t, map[string]string{"svc/main.go": "package main\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/releases/svc.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	a := NewAcquirer(nil, 5*time.Second)
	workspace := filepath.Join(t.TempDir(), "workspace")

	root, err := a.Prepare(context.Background(), Source{Type: SourceArchiveURL, URL: srv.URL + "/releases/svc.tar.gz"}, workspace, (&emitRecorder{}).emit)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "main.go"))
	assert.FileExists(t, filepath.Join(workspace, "archives", "svc.tar.gz"))

	_, err = a.Prepare(context.Background(), Source{Type: SourceArchiveURL, URL: srv.URL + "/missing.zip"}, workspace, (&emitRecorder{}).emit)
	assert.Equal(t, KindAcquisition, kindOf(err))
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestPrepare_DownloadRenamed(t *testing.T) {
	payload := zipBytes(t, map[string]string{"x/main.go": "package main\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	workspace := filepath.Join(t.TempDir(), "workspace")
	_, err := NewAcquirer(nil, 5*time.Second).Prepare(context.Background(), Source{
		Type:     SourceArchiveURL,
		URL:      srv.URL + "/download?id=7",
		Filename: "named.zip",
	}, workspace, (&emitRecorder{}).emit)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(workspace, "archives", "named.zip"))
}
