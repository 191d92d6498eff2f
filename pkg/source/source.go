// Package source discovers hourly pageview dump files and opens them for reading.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/elonfeng/wdpv/pkg/pageview"
)

const userAgent = "wdpv/1.0 (https://github.com/elonfeng/wdpv)"

// Type identifies where files are discovered.
type Type string

const (
	TypeDir  Type = "dir"
	TypeHTTP Type = "http"
	TypeFeed Type = "feed"
)

// File is one hourly dump available from a source.
type File struct {
	Name     string    `json:"name"`     // pageviews-YYYYMMDD-HH0000.gz
	Hour     time.Time `json:"hour"`     // hour covered, UTC
	Location string    `json:"location"` // path or URL
}

// Source is the interface every file source must implement.
type Source interface {
	Name() Type
	// List returns files covering hours at or after since, newest first.
	List(ctx context.Context, since time.Time) ([]File, error)
	Open(ctx context.Context, f File) (io.ReadCloser, error)
}

// Since returns the earliest hour a listing should include for maxDays of history.
func Since(now time.Time, maxDays int) time.Time {
	return now.UTC().Truncate(time.Hour).Add(-time.Duration(maxDays) * 24 * time.Hour)
}

func newFile(name, location string) (File, bool) {
	if !pageview.IsPageviewFile(name) {
		return File{}, false
	}
	hour, err := pageview.HourFromName(name)
	if err != nil {
		return File{}, false
	}
	return File{Name: name, Hour: hour, Location: location}, true
}

// inPlace reports whether rel (slash separated, relative to the dump root) is
// where the dump for f's hour belongs.
func inPlace(rel string, f File) bool {
	return rel == pageview.RelPath(f.Hour)
}

// newestFirst sorts files by hour descending and drops duplicate names.
func newestFirst(files []File) []File {
	sort.Slice(files, func(i, j int) bool {
		return files[i].Hour.After(files[j].Hour)
	})
	out := files[:0]
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out
}

func httpGet(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}
