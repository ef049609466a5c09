package snapshot

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultCodeExtensions = []string{
	".py", ".pyi", ".pyw", ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs",
	".java", ".kt", ".kts", ".go", ".rb", ".rs", ".c", ".h", ".cpp", ".cc",
	".cxx", ".hpp", ".hh", ".hxx", ".cs", ".swift", ".m", ".mm", ".php",
	".scala", ".clj", ".cljs", ".hs", ".lua", ".r", ".jl", ".dart", ".sql",
	".sh", ".bash", ".zsh", ".ps1", ".psm1", ".psd1", ".bat", ".cmd", ".fs",
	".fsx", ".f90", ".f95", ".erl", ".ex", ".exs", ".vb", ".groovy",
	".gradle", ".cmake", ".svelte", ".vue",
}

var alwaysIncludeFilenames = []string{
	"Dockerfile", "Makefile", "CMakeLists.txt", "BUILD", "WORKSPACE",
	"Gemfile", "Rakefile", "Procfile",
}

var dirnameDenylist = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"deps":         true,
	"third_party":  true,
	"__pycache__":  true,
}

var defaultIgnorePatterns = []string{
	".git/", ".hg/", ".svn/", ".idea/", ".vscode/", ".vs/", ".venv/", "venv/",
	".mypy_cache/", ".pytest_cache/", "__pycache__/", "node_modules/",
	"bower_components/", "dist/", "build/", "coverage/", "logs/", "tmp/",
	"temp/", "deps/", "vendor/", "third_party/", ".gradle/", ".terraform/",
	".next/", ".nuxt/", ".svelte-kit/", ".cache/", ".parcel-cache/",
	".ruff_cache/", "public/build/", "public/dist/",
	"*.log", "*.tmp", "*.bak", "*.lock", "*.sqlite", "*.db", "*.sqlite3",
	"*.min.js", "*.min.css", "*.map",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.svg", "*.ico", "*.bmp",
	"*.mp3", "*.mp4", "*.mov", "*.avi", "*.wav", "*.flac",
	"*.zip", "*.gz", "*.bz2", "*.xz", "*.7z", "*.tar", "*.tgz", "*.rar", "*.pdf",
}

// binarySniffBytes is how much of a file is inspected for binary content.
const binarySniffBytes = 8000

// Filter decides which directories are walked and which files are kept.
type Filter struct {
	ignore       *gitignore.GitIgnore
	include      *gitignore.GitIgnore
	extensions   map[string]bool
	special      map[string]bool
	maxFileBytes int64
	allowNonCode bool
}

// NewFilter merges the defaults, the repository's own ignore files and the
// request options.
func NewFilter(repoRoot string, opts *Options) *Filter {
	ignoreLines := append([]string{}, defaultIgnorePatterns...)
	ignoreLines = append(ignoreLines, readPatternFile(filepath.Join(repoRoot, ".gitignore"))...)
	ignoreLines = append(ignoreLines, readPatternFile(filepath.Join(repoRoot, ".git", "info", "exclude"))...)

	f := &Filter{
		extensions: make(map[string]bool),
		special:    make(map[string]bool),
	}
	for _, ext := range defaultCodeExtensions {
		f.extensions[ext] = true
	}
	for _, name := range alwaysIncludeFilenames {
		f.special[name] = true
	}

	if opts != nil {
		ignoreLines = append(ignoreLines, cleanPatterns(opts.IgnorePatterns)...)
		if include := cleanPatterns(opts.IncludePatterns); len(include) > 0 {
			f.include = gitignore.CompileIgnoreLines(include...)
		}
		for _, ext := range opts.AllowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			f.extensions[ext] = true
		}
		for _, name := range opts.SpecialFilenames {
			f.special[name] = true
		}
		if opts.MaxFileBytes != nil {
			f.maxFileBytes = *opts.MaxFileBytes
		}
		if opts.AllowNonCode != nil {
			f.allowNonCode = *opts.AllowNonCode
		}
	}

	f.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
	return f
}

// SkipDir reports whether the directory at rel (slash separated, relative
// to the repository root) should not be walked.
func (f *Filter) SkipDir(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if dirnameDenylist[part] {
			return true
		}
	}
	return f.ignore.MatchesPath(rel + "/")
}

// IncludeFile applies the pattern and extension rules to a file path.
func (f *Filter) IncludeFile(rel string) bool {
	if f.ignore.MatchesPath(rel) {
		return false
	}
	if f.include != nil && f.include.MatchesPath(rel) {
		return true
	}
	if f.allowNonCode {
		return true
	}
	return f.IsCode(path.Base(rel))
}

func (f *Filter) IsCode(name string) bool {
	if f.extensions[strings.ToLower(path.Ext(name))] {
		return true
	}
	return f.special[name]
}

// TooLarge reports whether size exceeds max_file_bytes.
func (f *Filter) TooLarge(size int64) bool {
	return f.maxFileBytes > 0 && size > f.maxFileBytes
}

// IsBinary sniffs the head of the file. Unreadable files count as binary.
func IsBinary(file string) bool {
	fh, err := os.Open(file)
	if err != nil {
		return true
	}
	defer fh.Close()

	buf := make([]byte, binarySniffBytes)
	n, _ := fh.Read(buf)
	return enry.IsBinary(buf[:n])
}

func readPatternFile(file string) []string {
	fh, err := os.Open(file)
	if err != nil {
		return nil
	}
	defer fh.Close()

	var lines []string
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return cleanPatterns(lines)
}

func cleanPatterns(lines []string) []string {
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
