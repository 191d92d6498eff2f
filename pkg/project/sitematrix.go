package project

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// SiteMatrix fetches the list of public wiki databases from the MediaWiki API.
type SiteMatrix struct {
	client *http.Client
	url    string
}

// NewSiteMatrix creates a client for an action=sitematrix endpoint.
func NewSiteMatrix(url string) *SiteMatrix {
	return &SiteMatrix{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    url,
	}
}

type sitematrixSite struct {
	DBName  string  `json:"dbname"`
	Private *string `json:"private"` // present (any value) on private wikis
}

type sitematrixLanguage struct {
	Site []sitematrixSite `json:"site"`
}

// Databases returns the sorted names of all public databases.
func (s *SiteMatrix) Databases(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create sitematrix request: %w", err)
	}
	req.Header.Set("User-Agent", "wdpv/1.0 (https://github.com/elonfeng/wdpv)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitematrix: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitematrix status %d", resp.StatusCode)
	}

	var body struct {
		SiteMatrix map[string]json.RawMessage `json:"sitematrix"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sitematrix: %w", err)
	}
	return ParseSiteMatrix(body.SiteMatrix)
}

// ParseSiteMatrix extracts public database names from the "sitematrix" object, whose
// numeric keys hold languages and whose "specials" key holds language-less sites.
func ParseSiteMatrix(matrix map[string]json.RawMessage) ([]string, error) {
	var dbs []string
	add := func(sites []sitematrixSite) {
		for _, site := range sites {
			if site.Private == nil && site.DBName != "" {
				dbs = append(dbs, site.DBName)
			}
		}
	}

	for k, raw := range matrix {
		switch {
		case k == "specials":
			var sites []sitematrixSite
			if err := json.Unmarshal(raw, &sites); err != nil {
				return nil, fmt.Errorf("decode sitematrix specials: %w", err)
			}
			add(sites)
		case isDigits(k):
			var lang sitematrixLanguage
			if err := json.Unmarshal(raw, &lang); err != nil {
				return nil, fmt.Errorf("decode sitematrix language %s: %w", k, err)
			}
			add(lang.Site)
		}
	}

	sort.Strings(dbs)
	return dbs, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
