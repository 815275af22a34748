// Package catalog loads the static list of downloadable models and resolves
// entries into download targets.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shepherd-project/modelfetch/internal/download"
	"github.com/shepherd-project/modelfetch/internal/logger"
)

// Source represents the model repository source
type Source string

const (
	SourceHuggingFace Source = "huggingface"
	SourceModelScope  Source = "modelscope"
	// SourceURL means the entry carries a direct download URL
	SourceURL Source = "url"
)

// DefaultHuggingFaceEndpoint is used when no mirror is configured
const DefaultHuggingFaceEndpoint = "https://huggingface.co"

// ErrNotFound is returned for an unknown model id
var ErrNotFound = errors.New("model not found in catalog")

// Entry describes one downloadable model file
type Entry struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Source      Source   `yaml:"source,omitempty" json:"source"`
	Repo        string   `yaml:"repo,omitempty" json:"repo,omitempty"`
	Revision    string   `yaml:"revision,omitempty" json:"revision,omitempty"`
	File        string   `yaml:"file,omitempty" json:"file,omitempty"`
	URL         string   `yaml:"url,omitempty" json:"url,omitempty"`
	SHA256      string   `yaml:"sha256,omitempty" json:"sha256,omitempty"`
	Size        int64    `yaml:"size,omitempty" json:"size,omitempty"`
	Tokenizer   string   `yaml:"tokenizer,omitempty" json:"tokenizer,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// FileName is the local file name of the entry
func (e Entry) FileName() string {
	if e.File != "" {
		return path.Base(e.File)
	}
	if u, err := url.Parse(e.URL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return e.ID
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entry without id")
	}
	switch e.Source {
	case SourceHuggingFace, SourceModelScope:
		if _, _, err := ParseRepoID(e.Repo); err != nil {
			return fmt.Errorf("model %s: %w", e.ID, err)
		}
		if e.File == "" {
			return fmt.Errorf("model %s: file is required for source %s", e.ID, e.Source)
		}
	case SourceURL:
		u, err := url.Parse(e.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("model %s: invalid url %q", e.ID, e.URL)
		}
	default:
		return fmt.Errorf("model %s: unsupported source %q", e.ID, e.Source)
	}
	return nil
}

type file struct {
	Models []Entry `yaml:"models"`
}

// Catalog is an immutable, id-indexed set of entries
type Catalog struct {
	entries map[string]Entry
	order   []string
}

// Parse reads a catalog document
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{entries: make(map[string]Entry, len(f.Models))}
	for _, e := range f.Models {
		if e.Source == "" {
			e.Source = SourceHuggingFace
			if e.URL != "" {
				e.Source = SourceURL
			}
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.entries[e.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %q", e.ID)
		}
		c.entries[e.ID] = e
		c.order = append(c.order, e.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// Load reads the catalog file at path. A missing file yields an empty catalog.
func Load(filePath string) (*Catalog, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", filePath).Warn("catalog file not found, starting with an empty catalog")
			return &Catalog{entries: map[string]Entry{}}, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{
		"path":   filePath,
		"models": c.Len(),
	}).Info("catalog loaded")
	return c, nil
}

// Get returns the entry for id
func (c *Catalog) Get(id string) (Entry, error) {
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns all entries ordered by id
func (c *Catalog) List() []Entry {
	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Len returns the number of entries
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Resolver turns catalog entries into download targets
type Resolver struct {
	// Endpoint is the HuggingFace endpoint or a mirror of it
	Endpoint  string
	Directory string
}

// Target builds the download target of e
func (r Resolver) Target(e Entry) (download.Target, error) {
	u, err := r.DownloadURL(e)
	if err != nil {
		return download.Target{}, err
	}
	return download.Target{
		ModelID:   e.ID,
		URL:       u,
		Directory: r.Directory,
		FileName:  e.FileName(),
		Signature: e.SHA256,
	}, nil
}

// DownloadURL generates the download URL of an entry from its repository information
func (r Resolver) DownloadURL(e Entry) (string, error) {
	switch e.Source {
	case SourceHuggingFace:
		endpoint := strings.TrimRight(r.Endpoint, "/")
		if endpoint == "" {
			endpoint = DefaultHuggingFaceEndpoint
		}
		rev := e.Revision
		if rev == "" {
			rev = "main"
		}
		// {endpoint}/{repo}/resolve/{revision}/{file}
		return fmt.Sprintf("%s/%s/resolve/%s/%s", endpoint, e.Repo, rev, e.File), nil
	case SourceModelScope:
		rev := e.Revision
		if rev == "" {
			rev = "master"
		}
		return fmt.Sprintf("https://www.modelscope.cn/models/%s/resolve/%s/%s", e.Repo, rev, e.File), nil
	case SourceURL:
		return e.URL, nil
	default:
		return "", fmt.Errorf("unsupported source: %s", e.Source)
	}
}

// ParseRepoID validates and parses a repository ID
func ParseRepoID(repoID string) (owner, model string, err error) {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo ID format (expected 'owner/model'): %s", repoID)
	}
	return parts[0], parts[1], nil
}
