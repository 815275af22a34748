// Package fetch issues the metadata and ranged requests a chunked download needs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingContentLength is returned when HEAD carries no usable size
	ErrMissingContentLength = errors.New("remote did not report content length")
	// ErrRangeNotSupported is returned when a ranged GET is answered with the full body
	ErrRangeNotSupported = errors.New("remote does not honour range requests")
	// ErrShortRange is returned when a range response has the wrong length
	ErrShortRange = errors.New("range response length mismatch")
)

// StatusError reports a non-success HTTP status
type StatusError struct {
	Method     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d", e.Method, e.StatusCode)
}

// RemoteInfo describes the remote resource as reported by HEAD
type RemoteInfo struct {
	Size          int64
	LastModified  string
	ETag          string
	AcceptsRanges bool
}

// Config configures a Client
type Config struct {
	UserAgent string
	Token     string
	Timeout   time.Duration
}

// Client fetches file metadata and byte ranges. It holds no per-download state
// and is safe for concurrent use.
type Client struct {
	http   *http.Client
	config Config
}

// NewClient creates a client. A nil httpClient gets a default with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "modelfetch/1.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{http: httpClient, config: cfg}
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/octet-stream,*/*")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// Head returns the size and validators of url
func (c *Client) Head(ctx context.Context, url string) (*RemoteInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: http.MethodHead, StatusCode: resp.StatusCode}
	}

	size := resp.ContentLength
	if size <= 0 {
		// Go drops ContentLength on some HEAD responses; fall back to the raw header
		if v := resp.Header.Get("Content-Length"); v != "" {
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				size = n
			}
		}
	}
	if size <= 0 {
		return nil, ErrMissingContentLength
	}

	return &RemoteInfo{
		Size:          size,
		LastModified:  resp.Header.Get("Last-Modified"),
		ETag:          resp.Header.Get("ETag"),
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

// GetRange fetches the inclusive byte range [start, end] of url. The response
// must be 206 and exactly end-start+1 bytes long.
func (c *Client) GetRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("invalid range %d-%d", start, end)
	}

	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return nil, ErrRangeNotSupported
	default:
		return nil, &StatusError{Method: http.MethodGet, StatusCode: resp.StatusCode}
	}

	want := end - start + 1
	buf := make([]byte, want)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRange, n, want)
		}
		return nil, err
	}

	// A server that ignores the upper bound sends more than requested
	var extra [1]byte
	if m, _ := resp.Body.Read(extra[:]); m > 0 {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrShortRange, want)
	}

	return buf, nil
}
