package project

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuess(t *testing.T) {
	tests := map[string]string{
		"en":         "enwiki",
		"en.m":       "enwiki",
		"en.zero":    "enwiki",
		"de.d":       "dewiktionary",
		"de.m.d":     "dewiktionary",
		"fr.voy":     "frwikivoyage",
		"fr.m.voy":   "frwikivoyage",
		"www.wd":     "wikidatawiki",
		"m.wd":       "wikidatawiki",
		"www.w":      "mediawikiwiki",
		"commons.m":  "commonswiki",
		"meta.m":     "metawiki",
		"be-tarask":  "be_x_oldwiki",
		"zh-min-nan": "zh_min_nanwiki",
		"nyc.m":      "nycwikimedia",
		"nyc.m.m":    "nycwikimedia",
		"en.x":       "",
	}
	for code, want := range tests {
		assert.Equal(t, want, Guess(code), code)
	}
}

func TestMapperRequiresKnownDatabase(t *testing.T) {
	m := NewMapper([]string{"enwiki", "wikidatawiki"})
	assert.Equal(t, "enwiki", m.DatabaseName("en.m"))
	assert.Equal(t, Wikidata, m.DatabaseName("www.wd"))
	assert.Equal(t, "", m.DatabaseName("de"))
	assert.Equal(t, "", m.DatabaseName("de"), "memoized miss")
}

func TestMapperConcurrentLookups(t *testing.T) {
	m := NewMapper([]string{"enwiki", "dewiki", "wikidatawiki"})
	codes := []string{"en", "en.m", "de", "de.m", "www.wd", "fr", "zz"}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				for _, code := range codes {
					m.DatabaseName(code)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "enwiki", m.DatabaseName("en.m"))
	assert.Equal(t, "dewiki", m.DatabaseName("de"))
	assert.Equal(t, "", m.DatabaseName("fr"))
}

const sitematrixJSON = `{
  "sitematrix": {
    "count": 4,
    "0": {"code": "en", "name": "English", "site": [
      {"url": "https://en.wikipedia.org", "dbname": "enwiki", "code": "wiki"},
      {"url": "https://en.wiktionary.org", "dbname": "enwiktionary", "code": "wiktionary"}
    ]},
    "specials": [
      {"url": "https://www.wikidata.org", "dbname": "wikidatawiki", "code": "wikidata"},
      {"url": "https://board.wikimedia.org", "dbname": "boardwiki", "code": "board", "private": ""}
    ]
  }
}`

func TestSiteMatrixDatabases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sitematrixJSON))
	}))
	defer srv.Close()

	dbs, err := NewSiteMatrix(srv.URL).Databases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"enwiki", "enwiktionary", "wikidatawiki"}, dbs)
}

func TestSiteMatrixBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSiteMatrix(srv.URL).Databases(context.Background())
	assert.Error(t, err)
}
