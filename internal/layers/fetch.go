// Package layers loads configured map layers on demand and keeps the
// rendered set on the map surface in step with the visible set.
package layers

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-agri/internal/service"
)

// maxLayerSize caps a single feature collection download.
const maxLayerSize = 64 << 20

// Fetcher loads the feature collection behind a descriptor's path.
type Fetcher interface {
	Fetch(ctx context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error)
}

// HTTPFetcher fetches layers over HTTP. Relative paths resolve against
// the base URL.
type HTTPFetcher struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. baseURL may be empty when every
// descriptor path is absolute.
func NewHTTPFetcher(baseURL string, client *http.Client) (*HTTPFetcher, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	f := &HTTPFetcher{client: client}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("layers base url: %w", err)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		f.base = u
	}
	return f, nil
}

// URL resolves a descriptor path.
func (f *HTTPFetcher) URL(p string) (string, error) {
	u, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("layer path %q: %w", p, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.base == nil {
		return "", fmt.Errorf("layer path %q is relative and no layers base url is set", p)
	}
	return f.base.ResolveReference(u).String(), nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error) {
	u, err := f.URL(d.Path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	return decode(resp.Body)
}

// DirFetcher reads relative paths from a directory and hands absolute
// URLs to an HTTPFetcher.
type DirFetcher struct {
	fsys   fs.FS
	remote *HTTPFetcher
}

// NewDirFetcher serves relative layer paths from dir.
func NewDirFetcher(dir string, client *http.Client) *DirFetcher {
	remote, _ := NewHTTPFetcher("", client)
	return &DirFetcher{fsys: os.DirFS(dir), remote: remote}
}

// Fetch implements Fetcher.
func (f *DirFetcher) Fetch(ctx context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error) {
	if u, err := url.Parse(d.Path); err == nil && u.IsAbs() {
		return f.remote.Fetch(ctx, d)
	}
	name := path.Clean(strings.TrimPrefix(d.Path, "/"))
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("layer path %q: invalid", d.Path)
	}
	file, err := f.fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return decode(file)
}

// NewFetcher picks an HTTPFetcher for http(s) locations and a DirFetcher
// for anything else.
func NewFetcher(location string, client *http.Client) (Fetcher, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewHTTPFetcher(location, client)
	}
	return NewDirFetcher(location, client), nil
}

func decode(r io.Reader) (*geojson.FeatureCollection, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxLayerSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerSize {
		return nil, fmt.Errorf("layer larger than %d bytes", maxLayerSize)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing feature collection: %w", err)
	}
	return fc, nil
}
