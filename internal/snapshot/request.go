package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	giturls "github.com/whilp/git-urls"
)

const (
	SourceGit           = "git"
	SourceArchiveURL    = "archive_url"
	SourceArchiveUpload = "archive_upload"
)

// allowedSourceFields lists the keys each source variant accepts.
var allowedSourceFields = map[string][]string{
	SourceGit:           {"type", "url", "ref"},
	SourceArchiveURL:    {"type", "url", "filename"},
	SourceArchiveUpload: {"type", "filename", "content_base64"},
}

// Request is the body of a job creation call.
type Request struct {
	Source            Source   `json:"source"`
	Options           *Options `json:"options,omitempty"`
	ChunkTokenLimit   *int     `json:"chunk_token_limit,omitempty"`
	EnableTokenCounts *bool    `json:"enable_token_counts,omitempty"`
}

// Source says where the repository content comes from. Type selects the
// variant; fields of other variants are rejected.
type Source struct {
	Type          string `json:"type"`
	URL           string `json:"url,omitempty"`
	Ref           string `json:"ref,omitempty"`
	Filename      string `json:"filename,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
}

type Options struct {
	IgnorePatterns    []string `json:"ignore_patterns,omitempty"`
	IncludePatterns   []string `json:"include_patterns,omitempty"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
	SpecialFilenames  []string `json:"special_filenames,omitempty"`
	MaxFileBytes      *int64   `json:"max_file_bytes,omitempty"`
	AllowNonCode      *bool    `json:"allow_non_code,omitempty"`
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("source must be an object: %w", err)
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil {
			return fmt.Errorf("source type must be a string")
		}
	}
	allowed, ok := allowedSourceFields[typ]
	if !ok {
		return fmt.Errorf("unsupported source type: %q", typ)
	}

	var unknown []string
	for k := range fields {
		if !contains(allowed, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unexpected fields for %s source: %s", typ, strings.Join(unknown, ", "))
	}

	type plain Source
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Source(p)
	return nil
}

// ParseRequest decodes and validates a creation payload.
func ParseRequest(data []byte) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, newError(KindValidation, "invalid request: %w", err)
	}
	if dec.More() {
		return nil, newError(KindValidation, "invalid request: trailing data")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *Request) Validate() error {
	if err := r.Source.validate(); err != nil {
		return newError(KindValidation, "invalid source configuration: %w", err)
	}
	if r.ChunkTokenLimit != nil && *r.ChunkTokenLimit < 1 {
		return newError(KindValidation, "chunk_token_limit must be >= 1")
	}
	if r.Options != nil && r.Options.MaxFileBytes != nil && *r.Options.MaxFileBytes < 1 {
		return newError(KindValidation, "invalid processing options: max_file_bytes must be >= 1")
	}
	return nil
}

// TokenCountsEnabled defaults to true when unset.
func (r *Request) TokenCountsEnabled() bool {
	return r.EnableTokenCounts == nil || *r.EnableTokenCounts
}

func (r *Request) ChunkLimit() int {
	if r.ChunkTokenLimit == nil {
		return 0
	}
	return *r.ChunkTokenLimit
}

func (s Source) validate() error {
	switch s.Type {
	case SourceGit:
		return validateGitURL(s.URL)
	case SourceArchiveURL:
		if err := validateHTTPURL(s.URL); err != nil {
			return err
		}
		if s.Filename != "" {
			return validateFilename(s.Filename)
		}
		return nil
	case SourceArchiveUpload:
		if err := validateFilename(s.Filename); err != nil {
			return err
		}
		if s.ContentBase64 == "" {
			return fmt.Errorf("content_base64 is required")
		}
		return nil
	}
	return fmt.Errorf("unsupported source type: %q", s.Type)
}

func validateGitURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := giturls.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid git url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
	default:
		return fmt.Errorf("unsupported git url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("git url has no host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) url")
	}
	return nil
}

func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("filename must not contain path components")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
