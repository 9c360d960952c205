package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/VladMinzatu/symbolicator/internal/symbolicate"
)

const DefaultMaxDownloadBytes = 2 << 30

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.url, e.code)
}

// HTTP fetches modules from a symbol server using the same
// <name>/<debugID>/<name> layout as Dir.
type HTTP struct {
	baseURL  string
	client   *http.Client
	maxBytes int64

	// Used to deduplicate concurrent downloads of the same file
	group singleflight.Group
}

type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithMaxDownloadBytes caps the size of a single downloaded file.
func WithMaxDownloadBytes(n int64) HTTPOption {
	return func(h *HTTP) { h.maxBytes = n }
}

func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse symbol server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("symbol server url %q must be http or https", baseURL)
	}
	h := &HTTP{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: DefaultMaxDownloadBytes,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *HTTP) FetchModule(ctx context.Context, name, debugID string) (*symbolicate.ModuleFiles, error) {
	if err := validate(name, debugID); err != nil {
		return nil, err
	}
	if debugID == "" {
		return nil, fmt.Errorf("%w: %s has no debug id", ErrNotFound, name)
	}

	files := &symbolicate.ModuleFiles{DebugID: debugID}
	var err error
	if isPDB(name) {
		if files.Debug, err = h.download(ctx, name, debugID, name); err != nil {
			return nil, err
		}
		for _, image := range imageCandidates(name) {
			if files.Binary, err = h.download(ctx, name, debugID, image); err == nil || !errors.Is(err, ErrNotFound) {
				break
			}
		}
		if err != nil {
			return nil, err
		}
		return files, nil
	}

	if files.Binary, err = h.download(ctx, name, debugID, name); err != nil {
		return nil, err
	}
	if isPE(files.Binary) {
		if files.Debug, err = h.download(ctx, name, debugID, stem(name)+".pdb"); err != nil {
			slog.Debug("No PDB on symbol server", "module", name, "error", err)
		}
	}
	return files, nil
}

func (h *HTTP) download(ctx context.Context, name, debugID, fileName string) ([]byte, error) {
	u := h.baseURL + "/" + url.PathEscape(name) + "/" + url.PathEscape(debugID) + "/" + url.PathEscape(fileName)
	v, err, _ := h.group.Do(u, func() (interface{}, error) {
		return h.doRequest(ctx, u)
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, err
	}
	return v.([]byte), nil
}

func (h *HTTP) doRequest(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: u, code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", u, h.maxBytes)
	}
	slog.Debug("Downloaded module file", "url", u, "size", len(data))
	return data, nil
}
