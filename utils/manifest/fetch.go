package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultReleasesURL = "https://api.github.com/repos/The-Baker-Street-Project/baker-street/releases"
	manifestAssetName  = "release-manifest.json"
	fetchTimeout       = 15 * time.Second
	userAgent          = "bakerst-install"
)

// Fetcher downloads the release manifest asset from GitHub releases.
type Fetcher struct {
	client      *http.Client
	releasesURL string
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithHTTPClient swaps the HTTP client (useful for tests).
func WithHTTPClient(c *http.Client) FetchOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithReleasesURL overrides the GitHub releases API base URL.
func WithReleasesURL(url string) FetchOption {
	return func(f *Fetcher) {
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if url != "" {
			f.releasesURL = url
		}
	}
}

// NewFetcher constructs a Fetcher with a 15 second timeout.
func NewFetcher(opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		client:      &http.Client{Timeout: fetchTimeout},
		releasesURL: defaultReleasesURL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

type release struct {
	Assets []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Fetch retrieves the manifest for tag, or for the latest release when tag is empty.
func (f *Fetcher) Fetch(ctx context.Context, tag string) (*ReleaseManifest, error) {
	url := f.releasesURL + "/latest"
	if tag = strings.TrimSpace(tag); tag != "" {
		url = f.releasesURL + "/tags/" + tag
	}

	var rel release
	if err := f.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}
	if len(rel.Assets) == 0 {
		return nil, FetchError{URL: url, Err: fmt.Errorf("no assets in release")}
	}

	var download string
	for _, asset := range rel.Assets {
		if asset.Name == manifestAssetName {
			download = asset.BrowserDownloadURL
			break
		}
	}
	if download == "" {
		return nil, FetchError{URL: url, Err: fmt.Errorf("%s not found in release assets", manifestAssetName)}
	}

	body, err := f.get(ctx, download)
	if err != nil {
		return nil, err
	}
	return Parse(body)
}

// FetchOrDefault returns the fetched manifest, or Default() alongside the
// fetch error when retrieval fails.
func (f *Fetcher) FetchOrDefault(ctx context.Context, tag string) (*ReleaseManifest, error) {
	m, err := f.Fetch(ctx, tag)
	if err != nil {
		return Default(), err
	}
	return m, nil
}

func (f *Fetcher) getJSON(ctx context.Context, url string, out any) error {
	body, err := f.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return FetchError{URL: url, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, FetchError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, FetchError{URL: url, Err: err}
	}
	return body, nil
}
