// Package resolve maps wiki page titles to Wikidata item ids.
package resolve

import (
	"context"
	"strconv"
	"strings"

	"github.com/elonfeng/wdpv/internal/metrics"
	"github.com/elonfeng/wdpv/pkg/project"
)

// Resolver maps titles on one wiki to numeric QIDs. Titles without an item are
// absent from the result.
type Resolver interface {
	Resolve(ctx context.Context, dbname string, titles []string) (map[string]int64, error)
}

// ParseQID parses "Q42" (or "q42") into 42.
func ParseQID(s string) (int64, bool) {
	if len(s) < 2 || (s[0] != 'Q' && s[0] != 'q') {
		return 0, false
	}
	id, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// FormatQID renders 42 as "Q42".
func FormatQID(id int64) string {
	return "Q" + strconv.FormatInt(id, 10)
}

// wikidataTitles resolves Wikidata page titles, which are the item ids themselves.
func wikidataTitles(titles []string) map[string]int64 {
	out := make(map[string]int64, len(titles))
	for _, t := range titles {
		if id, ok := ParseQID(t); ok {
			out[t] = id
		}
	}
	metrics.ResolveLookups.WithLabelValues("wikidata").Add(float64(len(out)))
	return out
}

func isWikidata(dbname string) bool {
	return strings.EqualFold(dbname, project.Wikidata)
}
