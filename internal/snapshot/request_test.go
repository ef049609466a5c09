package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest_Valid(t *testing.T) {
	req, err := ParseRequest([]byte(`{
		"source": {"type": "git", "url": "https://github.com/octocat/Hello-World.git", "ref": "main"},
		"options": {"ignore_patterns": ["docs/"], "allowed_extensions": ["txt"], "max_file_bytes": 1024},
		"chunk_token_limit": 500
	}`))
	require.NoError(t, err)

	assert.Equal(t, SourceGit, req.Source.Type)
	assert.Equal(t, "main", req.Source.Ref)
	assert.Equal(t, 500, req.ChunkLimit())
	assert.True(t, req.TokenCountsEnabled())
	require.NotNil(t, req.Options)
	assert.Equal(t, int64(1024), *req.Options.MaxFileBytes)
}

func TestParseRequest_Variants(t *testing.T) {
	_, err := ParseRequest([]byte(`{"source": {"type": "archive_url", "url": "https://example.com/a.zip", "filename": "a.zip"}}`))
	assert.NoError(t, err)

	_, err = ParseRequest([]byte(`{"source": {"type": "archive_upload", "filename": "a.zip", "content_base64": "UEs="}, "enable_token_counts": false}`))
	assert.NoError(t, err)

	_, err = ParseRequest([]byte(`{"source": {"type": "git", "url": "git@github.com:octocat/Hello-World.git"}}`))
	assert.NoError(t, err)
}

func TestParseRequest_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing source":         `{}`,
		"unknown type":           `{"source": {"type": "svn", "url": "https://example.com"}}`,
		"field of other variant": `{"source": {"type": "git", "url": "https://example.com/r.git", "filename": "x.zip"}}`,
		"unknown top level":      `{"source": {"type": "git", "url": "https://example.com/r.git"}, "extra": 1}`,
		"unknown option":         `{"source": {"type": "git", "url": "https://example.com/r.git"}, "options": {"colour": "red"}}`,
		"zero chunk limit":       `{"source": {"type": "git", "url": "https://example.com/r.git"}, "chunk_token_limit": 0}`,
		"zero max bytes":         `{"source": {"type": "git", "url": "https://example.com/r.git"}, "options": {"max_file_bytes": 0}}`,
		"local git path":         `{"source": {"type": "git", "url": "/srv/repo"}}`,
		"ftp archive":            `{"source": {"type": "archive_url", "url": "ftp://example.com/a.zip"}}`,
		"upload without content": `{"source": {"type": "archive_upload", "filename": "a.zip"}}`,
		"upload path filename":   `{"source": {"type": "archive_upload", "filename": "../a.zip", "content_base64": "UEs="}}`,
		"not json":               `source=git`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest([]byte(body))
			require.Error(t, err)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestRequest_TokenCountsDisabled(t *testing.T) {
	req, err := ParseRequest([]byte(`{"source": {"type": "git", "url": "https://example.com/r.git"}, "enable_token_counts": false}`))
	require.NoError(t, err)
	assert.False(t, req.TokenCountsEnabled())
	assert.Equal(t, 0, req.ChunkLimit())
}
