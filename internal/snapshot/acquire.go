package snapshot

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/repo2gpt/server/internal/gitops"
)

const (
	repositoryDir = "repository"
	archivesDir   = "archives"
	extractedDir  = "extracted"
)

// Acquirer materializes a Source inside a job workspace.
type Acquirer struct {
	cloner *gitops.Cloner
	client *http.Client
}

func NewAcquirer(cloner *gitops.Cloner, downloadTimeout time.Duration) *Acquirer {
	if cloner == nil {
		cloner = gitops.NewCloner(nil)
	}
	return &Acquirer{
		cloner: cloner,
		client: &http.Client{Timeout: downloadTimeout},
	}
}

// Prepare resets workspace, fetches the source into it and returns the
// repository root.
func (a *Acquirer) Prepare(ctx context.Context, src Source, workspace string, emit EmitFunc) (string, error) {
	if err := os.RemoveAll(workspace); err != nil {
		return "", newError(KindAcquisition, "reset workspace: %w", err)
	}
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", newError(KindAcquisition, "create workspace: %w", err)
	}
	emit("progress", "Preparing workspace", nil)

	if src.Type == SourceGit {
		emit("progress", "Cloning repository", map[string]any{"url": src.URL})
		dest := filepath.Join(workspace, repositoryDir)
		commit, err := a.cloner.Clone(ctx, src.URL, src.Ref, dest)
		if gitops.IsAuthError(err) {
			return "", newError(KindAcquisition, "git source: authentication failed for %s: %w", src.URL, err)
		}
		if err != nil {
			return "", newError(KindAcquisition, "git source: %w", err)
		}
		emit("progress", "Repository cloned", map[string]any{"commit": commit})
		return dest, nil
	}

	archives := filepath.Join(workspace, archivesDir)
	if err := os.MkdirAll(archives, 0755); err != nil {
		return "", newError(KindAcquisition, "create archive dir: %w", err)
	}

	var (
		archive string
		err     error
	)
	switch src.Type {
	case SourceArchiveURL:
		emit("progress", "Downloading archive", map[string]any{"url": src.URL})
		archive, err = a.download(ctx, src.URL, src.Filename, archives)
	case SourceArchiveUpload:
		emit("progress", "Decoding uploaded archive", map[string]any{"filename": src.Filename})
		archive, err = decodeArchive(src.Filename, src.ContentBase64, archives)
	default:
		err = newError(KindValidation, "unsupported source type: %q", src.Type)
	}
	if err != nil {
		return "", err
	}

	extracted := filepath.Join(workspace, extractedDir)
	emit("progress", "Extracting archive", map[string]any{"filename": filepath.Base(archive)})
	if err := ExtractArchive(archive, extracted); err != nil {
		return "", err
	}
	return selectRepoRoot(extracted)
}

func (a *Acquirer) download(ctx context.Context, rawURL, filename, dir string) (string, error) {
	if filename == "" {
		u, err := url.Parse(rawURL)
		if err == nil {
			filename = path.Base(u.Path)
		}
		if filename == "" || filename == "/" || filename == "." {
			filename = "archive"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", newError(KindAcquisition, "download archive: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", newError(KindAcquisition, "download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newError(KindAcquisition, "download archive: HTTP %d", resp.StatusCode)
	}

	target := filepath.Join(dir, filename)
	f, err := os.Create(target)
	if err != nil {
		return "", newError(KindAcquisition, "create archive file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", newError(KindAcquisition, "download archive: %w", err)
	}
	return target, nil
}

func decodeArchive(filename, content, dir string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", newError(KindValidation, "invalid base64-encoded archive content")
	}
	target := filepath.Join(dir, filename)
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", newError(KindAcquisition, "write archive: %w", err)
	}
	return target, nil
}

type archiveFormat int

const (
	formatUnknown archiveFormat = iota
	formatZip
	formatTar
	formatTarGzip
	formatTarBzip2
	formatTarZstd
)

func detectFormat(name string) archiveFormat {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return formatZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return formatTarGzip
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz"), strings.HasSuffix(lower, ".tbz2"):
		return formatTarBzip2
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return formatTarZstd
	case strings.HasSuffix(lower, ".tar"):
		return formatTar
	}
	return formatUnknown
}

// ExtractArchive unpacks archive into dest. Entries resolving outside dest
// fail the whole extraction before anything is written.
func ExtractArchive(archive, dest string) error {
	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return newError(KindExtraction, "create extraction dir: %w", err)
	}

	switch detectFormat(archive) {
	case formatZip:
		return extractZip(archive, dest)
	case formatTar:
		return extractTar(archive, dest, nil)
	case formatTarGzip:
		return extractTar(archive, dest, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case formatTarBzip2:
		return extractTar(archive, dest, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case formatTarZstd:
		return extractTar(archive, dest, func(r io.Reader) (io.Reader, error) {
			return zstd.NewReader(r)
		})
	}
	return newError(KindExtraction, "unsupported archive format: %s", filepath.Ext(archive))
}

var errInvalidPaths = errors.New("archive contains invalid paths")

func safeJoin(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(name) {
		return "", errInvalidPaths
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(filepath.Separator)) {
		return "", errInvalidPaths
	}
	return target, nil
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return newError(KindExtraction, "open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if _, err := safeJoin(dest, f.Name); err != nil {
			return newError(KindExtraction, "%w", err)
		}
	}

	for _, f := range zr.File {
		target, _ := safeJoin(dest, f.Name)
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return newError(KindExtraction, "create %s: %w", f.Name, err)
			}
		case mode.IsRegular():
			if err := writeEntry(target, f.Open); err != nil {
				return newError(KindExtraction, "extract %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func extractTar(archive, dest string, decompress func(io.Reader) (io.Reader, error)) error {
	// Validate in a first pass so a bad member leaves nothing behind.
	if err := scanTar(archive, decompress, func(hdr *tar.Header, _ io.Reader) error {
		_, err := safeJoin(dest, hdr.Name)
		return err
	}); err != nil {
		return err
	}

	return scanTar(archive, decompress, func(hdr *tar.Header, r io.Reader) error {
		target, _ := safeJoin(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0755)
		case tar.TypeReg:
			return writeEntry(target, func() (io.ReadCloser, error) {
				return io.NopCloser(r), nil
			})
		}
		// Links and devices are not materialized.
		return nil
	})
}

func scanTar(archive string, decompress func(io.Reader) (io.Reader, error), fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(archive)
	if err != nil {
		return newError(KindExtraction, "open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if decompress != nil {
		if r, err = decompress(f); err != nil {
			return newError(KindExtraction, "open archive: %w", err)
		}
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		if d, ok := r.(*zstd.Decoder); ok {
			defer d.Close()
		}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return newError(KindExtraction, "read archive: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			var se *Error
			if errors.As(err, &se) {
				return err
			}
			return newError(KindExtraction, "%w", err)
		}
	}
}

func writeEntry(target string, open func() (io.ReadCloser, error)) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// selectRepoRoot descends into the extracted tree when its only entry is a
// directory.
func selectRepoRoot(extracted string) (string, error) {
	entries, err := os.ReadDir(extracted)
	if err != nil {
		return "", newError(KindExtraction, "read extracted archive: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(extracted, entries[0].Name()), nil
	}
	return extracted, nil
}
