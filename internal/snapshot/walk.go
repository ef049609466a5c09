package snapshot

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Chunk is one consolidated block of file contents.
type Chunk struct {
	Index      int
	TokenCount int
	FileCount  int
	Content    string
}

// Snapshot is the full output of Collect.
type Snapshot struct {
	RepoMap   string
	Chunks    []Chunk
	Warnings  []string
	Estimator *TokenEstimator
}

type CollectOptions struct {
	Filter    *Filter
	Estimator *TokenEstimator
	// Skip holds slash-separated paths, relative to the repository root,
	// that are never read (the snapshot's own outputs).
	Skip map[string]bool
	// ChunkTokenLimit <= 0 disables splitting.
	ChunkTokenLimit int
	OnRepoMap       func(text string) error
	OnChunk         func(c Chunk) error
}

// Collect builds the repo map and the chunk list of the tree at root.
func Collect(ctx context.Context, root string, opts CollectOptions) (*Snapshot, error) {
	if opts.Filter == nil {
		opts.Filter = NewFilter(root, nil)
	}
	if opts.Estimator == nil {
		opts.Estimator = NewTokenEstimator(false)
	}

	snap := &Snapshot{Estimator: opts.Estimator}

	repoMap, err := buildRepoMap(ctx, root, opts, &snap.Warnings)
	if err != nil {
		return nil, err
	}
	snap.RepoMap = repoMap
	if opts.OnRepoMap != nil {
		if err := opts.OnRepoMap(repoMap); err != nil {
			return nil, err
		}
	}

	chunks, err := buildChunks(ctx, root, opts)
	if err != nil {
		return nil, err
	}
	snap.Chunks = chunks
	if opts.OnChunk != nil {
		for _, c := range chunks {
			if err := opts.OnChunk(c); err != nil {
				return nil, err
			}
		}
	}
	return snap, nil
}

// SkipPaths converts output locations into repository-relative paths. Paths
// outside root are dropped.
func SkipPaths(root string, outputs ...string) map[string]bool {
	skip := make(map[string]bool)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return skip
	}
	for _, out := range outputs {
		absOut, err := filepath.Abs(out)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absOut)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		skip[filepath.ToSlash(rel)] = true
	}
	return skip
}

type visitor struct {
	dir  func(rel string, level int)
	file func(rel, abs string)
}

// walk visits the files of each directory before its subdirectories, both
// in name order. Symlinks are never followed.
func walk(ctx context.Context, root, rel string, opts CollectOptions, v visitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rel != "" && (opts.Skip[rel] || opts.Filter.SkipDir(rel)) {
		return nil
	}

	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		if rel == "" {
			return fmt.Errorf("read repository root: %w", err)
		}
		return nil
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	if rel != "" && v.dir != nil {
		v.dir(rel, strings.Count(rel, "/"))
	}

	var dirs []string
	for _, e := range entries {
		child := joinRel(rel, e.Name())
		switch {
		case e.Type()&fs.ModeSymlink != 0:
			continue
		case e.IsDir():
			dirs = append(dirs, child)
		case e.Type().IsRegular():
			if keepFile(root, child, opts) {
				v.file(child, filepath.Join(root, filepath.FromSlash(child)))
			}
		}
	}
	for _, d := range dirs {
		if err := walk(ctx, root, d, opts, v); err != nil {
			return err
		}
	}
	return nil
}

func keepFile(root, rel string, opts CollectOptions) bool {
	if opts.Skip[rel] || !opts.Filter.IncludeFile(rel) {
		return false
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil || opts.Filter.TooLarge(info.Size()) {
		return false
	}
	return !IsBinary(abs)
}

func joinRel(base, name string) string {
	if base == "" {
		return name
	}
	return base + "/" + name
}

func readText(abs string) (string, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

func buildRepoMap(ctx context.Context, root string, opts CollectOptions, warnings *[]string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(filepath.Base(absRoot) + "\n")

	err = walk(ctx, root, "", opts, visitor{
		dir: func(rel string, level int) {
			b.WriteString(strings.Repeat("    ", level) + path.Base(rel) + "\n")
		},
		file: func(rel, abs string) {
			depth := 0
			if dir := path.Dir(rel); dir != "." {
				depth = strings.Count(dir, "/")
			}
			indent := strings.Repeat("    ", depth+1)
			name := path.Base(rel)
			b.WriteString(indent + name + "\n")

			if !opts.Filter.IsCode(name) {
				return
			}
			summaryIndent := indent + "    "
			src, err := readText(abs)
			if err != nil {
				fmt.Fprintf(&b, "%sError analyzing file: %v\n", summaryIndent, err)
				*warnings = append(*warnings, fmt.Sprintf("Warning: could not analyze %s: %v", rel, err))
				return
			}
			ext := strings.ToLower(path.Ext(name))
			sum, err := Summarize(ext, src)
			if err != nil {
				fmt.Fprintf(&b, "%sError analyzing file: %v\n", summaryIndent, err)
				return
			}
			WriteSummary(&b, ext, sum, summaryIndent)
		},
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func buildChunks(ctx context.Context, root string, opts CollectOptions) ([]Chunk, error) {
	var (
		chunks []Chunk
		buf    strings.Builder
		tokens int
		files  int
	)
	finalize := func() {
		chunks = append(chunks, Chunk{
			Index:      len(chunks) + 1,
			TokenCount: tokens,
			FileCount:  files,
			Content:    buf.String(),
		})
		buf.Reset()
		tokens, files = 0, 0
	}

	err := walk(ctx, root, "", opts, visitor{
		file: func(rel, abs string) {
			body, err := readText(abs)
			if err != nil {
				body = fmt.Sprintf("Could not read the file %s. The error is as follows:\n%v\n", rel, err)
			}
			block := "\n\n---\n" + rel + "\n---\n\n" + body
			blockTokens := opts.Estimator.Count(block)

			if opts.ChunkTokenLimit > 0 && tokens > 0 && tokens+blockTokens > opts.ChunkTokenLimit {
				finalize()
			}
			buf.WriteString(block)
			tokens += blockTokens
			files++
		},
	})
	if err != nil {
		return nil, err
	}

	if buf.Len() > 0 || files > 0 || len(chunks) == 0 {
		finalize()
	}
	return chunks, nil
}
