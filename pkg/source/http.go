package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/elonfeng/wdpv/pkg/pageview"
)

// DefaultMirror is the public dumps mirror for hourly pageviews.
const DefaultMirror = "https://dumps.wikimedia.org/other/pageviews"

var (
	yearDirRE  = regexp.MustCompile(`^\d{4}/?$`)
	monthDirRE = regexp.MustCompile(`^\d{4}-\d{2}/?$`)
)

// HTTP lists dumps on a mirror by scraping its directory index pages.
type HTTP struct {
	client *http.Client
	base   string
}

// NewHTTP creates a mirror source. An empty base uses DefaultMirror.
func NewHTTP(base string) *HTTP {
	if base == "" {
		base = DefaultMirror
	}
	return &HTTP{
		client: &http.Client{Timeout: 30 * time.Minute},
		base:   strings.TrimSuffix(base, "/"),
	}
}

func (h *HTTP) Name() Type { return TypeHTTP }

func (h *HTTP) List(ctx context.Context, since time.Time) ([]File, error) {
	since = since.UTC()
	minYear := since.Format("2006")
	minMonth := since.Format("2006-01")
	minName := pageview.FileName(since)

	years, err := h.links(ctx, h.base+"/")
	if err != nil {
		return nil, err
	}

	var files []File
	for _, y := range years {
		year := strings.TrimSuffix(y, "/")
		if !yearDirRE.MatchString(y) || year < minYear {
			continue
		}
		yearURL := h.base + "/" + year + "/"
		months, err := h.links(ctx, yearURL)
		if err != nil {
			return nil, err
		}

		for _, m := range months {
			month := strings.TrimSuffix(m, "/")
			if !monthDirRE.MatchString(m) || month < minMonth {
				continue
			}
			monthURL := yearURL + month + "/"
			names, err := h.links(ctx, monthURL)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				if name < minName {
					continue
				}
				if f, ok := newFile(name, monthURL+name); ok && inPlace(year+"/"+month+"/"+name, f) {
					files = append(files, f)
				}
			}
		}
	}
	return newestFirst(files), nil
}

// links returns the relative hrefs of an Apache/nginx style index page.
func (h *HTTP) links(ctx context.Context, pageURL string) ([]string, error) {
	resp, err := httpGet(ctx, h.client, pageURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", pageURL, err)
	}

	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, err := url.Parse(href)
		if err != nil || u.IsAbs() || strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "..") {
			return
		}
		if u.Path != "" {
			out = append(out, u.Path)
		}
	})
	return out, nil
}

func (h *HTTP) Open(ctx context.Context, f File) (io.ReadCloser, error) {
	resp, err := httpGet(ctx, h.client, f.Location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	return resp.Body, nil
}
