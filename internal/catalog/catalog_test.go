package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
models:
  - id: qwen2-7b-q4
    name: Qwen2 7B Instruct Q4_K_M
    repo: Qwen/Qwen2-7B-Instruct-GGUF
    file: qwen2-7b-instruct-q4_k_m.gguf
    sha256: 9f2c1a
    size: 4683073952
    tags: [chat, 7b]
  - id: tiny
    name: Tiny direct
    url: https://example.com/files/tiny.gguf?download=1
  - id: ms-model
    name: ModelScope build
    source: modelscope
    repo: qwen/Qwen2-0.5B-Instruct-GGUF
    file: sub/dir/qwen2-0_5b.gguf
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	ids := []string{}
	for _, e := range c.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"ms-model", "qwen2-7b-q4", "tiny"}, ids)

	e, err := c.Get("qwen2-7b-q4")
	require.NoError(t, err)
	assert.Equal(t, SourceHuggingFace, e.Source)
	assert.Equal(t, int64(4683073952), e.Size)

	tiny, err := c.Get("tiny")
	require.NoError(t, err)
	assert.Equal(t, SourceURL, tiny.Source)
	assert.Equal(t, "tiny.gguf", tiny.FileName())

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		errMsg string
	}{
		{
			name:   "missing id",
			doc:    "models:\n  - repo: a/b\n    file: x.gguf\n",
			errMsg: "entry without id",
		},
		{
			name:   "bad repo",
			doc:    "models:\n  - id: m\n    repo: justone\n    file: x.gguf\n",
			errMsg: "invalid repo ID format",
		},
		{
			name:   "missing file",
			doc:    "models:\n  - id: m\n    repo: a/b\n",
			errMsg: "file is required",
		},
		{
			name:   "bad url",
			doc:    "models:\n  - id: m\n    url: ftp://host/x.gguf\n",
			errMsg: "invalid url",
		},
		{
			name:   "unknown source",
			doc:    "models:\n  - id: m\n    source: s3\n    repo: a/b\n    file: x\n",
			errMsg: "unsupported source",
		},
		{
			name:   "duplicate id",
			doc:    "models:\n  - id: m\n    url: https://h/x\n  - id: m\n    url: https://h/y\n",
			errMsg: "duplicate model id",
		},
		{
			name:   "not yaml",
			doc:    "models: [",
			errMsg: "failed to parse catalog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolverDownloadURL(t *testing.T) {
	tests := []struct {
		name     string
		resolver Resolver
		entry    Entry
		want     string
	}{
		{
			name:  "huggingface default endpoint",
			entry: Entry{Source: SourceHuggingFace, Repo: "Qwen/Qwen2-7B-Instruct", File: "model.gguf"},
			want:  "https://huggingface.co/Qwen/Qwen2-7B-Instruct/resolve/main/model.gguf",
		},
		{
			name:     "huggingface mirror and revision",
			resolver: Resolver{Endpoint: "https://hf-mirror.com/"},
			entry:    Entry{Source: SourceHuggingFace, Repo: "owner/model", Revision: "v2", File: "path/to/model.gguf"},
			want:     "https://hf-mirror.com/owner/model/resolve/v2/path/to/model.gguf",
		},
		{
			name:  "modelscope",
			entry: Entry{Source: SourceModelScope, Repo: "qwen/Qwen2", File: "q.gguf"},
			want:  "https://www.modelscope.cn/models/qwen/Qwen2/resolve/master/q.gguf",
		},
		{
			name:  "direct url",
			entry: Entry{Source: SourceURL, URL: "https://example.com/a.gguf"},
			want:  "https://example.com/a.gguf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolver.DownloadURL(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Resolver{}.DownloadURL(Entry{Source: "s3"})
	assert.Error(t, err)
}

func TestResolverTarget(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	e, err := c.Get("ms-model")
	require.NoError(t, err)

	target, err := Resolver{Directory: "/models"}.Target(e)
	require.NoError(t, err)
	assert.Equal(t, "ms-model", target.ModelID)
	assert.Equal(t, "qwen2-0_5b.gguf", target.FileName)
	assert.Equal(t, filepath.Join("/models", "qwen2-0_5b.gguf"), target.Path())
	assert.NoError(t, target.Validate())
}

func TestLoad(t *testing.T) {
	t.Run("Missing file is empty", func(t *testing.T) {
		c, err := Load(filepath.Join(t.TempDir(), "catalog.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 0, c.Len())
		assert.Empty(t, c.List())
	})

	t.Run("Reads file", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(p, []byte(sample), 0644))
		c, err := Load(p)
		require.NoError(t, err)
		assert.Equal(t, 3, c.Len())
	})
}

func TestParseRepoID(t *testing.T) {
	owner, model, err := ParseRepoID("Qwen/Qwen2-7B")
	require.NoError(t, err)
	assert.Equal(t, "Qwen", owner)
	assert.Equal(t, "Qwen2-7B", model)

	for _, bad := range []string{"", "a", "a/b/c", "/b", "a/"} {
		_, _, err := ParseRepoID(bad)
		assert.Error(t, err, bad)
	}
}
