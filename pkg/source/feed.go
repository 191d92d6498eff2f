package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/mmcdole/gofeed"
)

// Feed lists dumps announced in an RSS/Atom feed whose item links point at
// pageview files.
type Feed struct {
	client *http.Client
	parser *gofeed.Parser
	url    string
}

// NewFeed creates a feed source.
func NewFeed(feedURL string) *Feed {
	return &Feed{
		client: &http.Client{Timeout: 30 * time.Minute},
		parser: gofeed.NewParser(),
		url:    feedURL,
	}
}

func (f *Feed) Name() Type { return TypeFeed }

func (f *Feed) List(ctx context.Context, since time.Time) ([]File, error) {
	resp, err := httpGet(ctx, f.client, f.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.url, err)
	}

	base, err := url.Parse(f.url)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}

	var files []File
	for _, entry := range parsed.Items {
		links := entry.Links
		if entry.Link != "" {
			links = append([]string{entry.Link}, links...)
		}
		for _, link := range links {
			u, err := base.Parse(link)
			if err != nil {
				continue
			}
			file, ok := newFile(path.Base(u.Path), u.String())
			if !ok || file.Hour.Before(since) {
				continue
			}
			files = append(files, file)
			break
		}
	}
	return newestFirst(files), nil
}

func (f *Feed) Open(ctx context.Context, file File) (io.ReadCloser, error) {
	resp, err := httpGet(ctx, f.client, file.Location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file.Name, err)
	}
	return resp.Body, nil
}
