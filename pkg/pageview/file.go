package pageview

import (
	"fmt"
	"regexp"
	"time"
)

var (
	fileRE = regexp.MustCompile(`^pageviews-\d{8}-\d{6}\.gz$`)
	hourRE = regexp.MustCompile(`\b(\d{4})(\d{2})(\d{2})-(\d{2})0000\b`)
)

// IsPageviewFile reports whether name looks like an hourly dump, e.g. pageviews-20240101-050000.gz.
func IsPageviewFile(name string) bool {
	return fileRE.MatchString(name)
}

// HourFromName extracts the UTC hour a dump file covers.
func HourFromName(name string) (time.Time, error) {
	m := hourRE.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, fmt.Errorf("no hour in file name %q", name)
	}
	h, err := time.Parse("2006010215", m[1]+m[2]+m[3]+m[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse hour in %q: %w", name, err)
	}
	return h, nil
}

// FileName returns the dump file name for an hour.
func FileName(hour time.Time) string {
	return hour.UTC().Format("pageviews-20060102-150000.gz")
}

// RelPath returns the path of an hour's dump relative to the dump root (YYYY/YYYY-MM/name).
func RelPath(hour time.Time) string {
	h := hour.UTC()
	return h.Format("2006") + "/" + h.Format("2006-01") + "/" + FileName(h)
}
