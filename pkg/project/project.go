// Package project maps pageview project codes to wiki database names.
//
// Project codes are described at
// https://dumps.wikimedia.org/other/pageviews/readme.html, database names follow
// https://wikitech.wikimedia.org/wiki/Help:Toolforge/Database#Naming_conventions.
package project

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

const Wikidata = "wikidatawiki"

// Elements combined with the language, e.g. en.d -> enwiktionary.
var suffixes = map[string]string{
	"z":   "wiki",
	"d":   "wiktionary",
	"b":   "wikibooks",
	"n":   "wikinews",
	"q":   "wikiquote",
	"s":   "wikisource",
	"v":   "wikiversity",
	"voy": "wikivoyage",
	"m":   "wiki",
}

// Language-less projects.
var complete = map[string]string{
	"s":  "sourceswiki",
	"w":  "mediawikiwiki",
	"wd": "wikidatawiki",
}

// Chapter wikis, always with "m".
var chapters = map[string]bool{"bd": true, "dk": true, "mx": true, "nyc": true, "rs": true, "ua": true}

var special = map[string]string{"be_tarask": "be_x_oldwiki"}

// Mapper resolves project codes against a known set of databases. Lookups are
// memoized; safe for concurrent use.
type Mapper struct {
	databases map[string]bool
	memo      *xsync.Map[string, string]
}

// NewMapper builds a mapper accepting only the given database names.
func NewMapper(databases []string) *Mapper {
	m := &Mapper{
		databases: make(map[string]bool, len(databases)),
		memo:      xsync.NewMap[string, string](),
	}
	for _, db := range databases {
		m.databases[db] = true
	}
	return m
}

// DatabaseName returns the database for a project code, or "" when the project is
// unknown or its database is not public.
func (m *Mapper) DatabaseName(projectCode string) string {
	db, _ := m.memo.LoadOrCompute(projectCode, func() (string, bool) {
		db := Guess(projectCode)
		if !m.databases[db] {
			db = ""
		}
		return db, false
	})
	return db
}

// Guess applies the naming rules without checking the database exists.
func Guess(projectCode string) string {
	labels := strings.Split(projectCode, ".")

	if len(labels) == 2 && isMobileOrWWW(labels[0]) && complete[labels[1]] != "" {
		return complete[labels[1]]
	}
	if labels[len(labels)-1] == "m" && chapters[labels[0]] && (len(labels) == 2 || isMobile(labels[1])) {
		return labels[0] + "wikimedia"
	}

	prefix := strings.ReplaceAll(labels[0], "-", "_")
	if len(labels) > 1 && isMobile(labels[1]) {
		labels = append(labels[:1], labels[2:]...)
	}
	if db, ok := special[prefix]; ok {
		return db
	}

	site := "z"
	if len(labels) > 1 {
		site = labels[1]
	}
	if suffix, ok := suffixes[site]; ok {
		return prefix + suffix
	}
	return ""
}

func isMobile(label string) bool {
	return label == "m" || label == "zero"
}

func isMobileOrWWW(label string) bool {
	return label == "www" || isMobile(label)
}
