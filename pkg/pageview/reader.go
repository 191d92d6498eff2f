package pageview

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Entry is one line of an hourly pageview dump.
type Entry struct {
	Project string
	Title   string
	Views   int64
}

// Reader streams entries from a gzipped dump.
type Reader struct {
	gz      *gzip.Reader
	scanner *bufio.Scanner
	entry   Entry
	err     error
	skipped int
}

// NewReader wraps a gzip stream of "project title views bytes" lines.
func NewReader(r io.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{gz: gz, scanner: sc}, nil
}

// Next advances to the next well-formed entry. Malformed lines are counted in Skipped.
func (r *Reader) Next() bool {
	for r.scanner.Scan() {
		e, ok := ParseLine(r.scanner.Text())
		if !ok {
			r.skipped++
			continue
		}
		r.entry = e
		return true
	}
	r.err = r.scanner.Err()
	return false
}

// Entry returns the current entry.
func (r *Reader) Entry() Entry { return r.entry }

// Skipped returns the number of malformed lines seen so far.
func (r *Reader) Skipped() int { return r.skipped }

// Err returns the first read error, if any.
func (r *Reader) Err() error {
	if r.err != nil {
		return fmt.Errorf("read pageviews: %w", r.err)
	}
	return nil
}

func (r *Reader) Close() error {
	return r.gz.Close()
}

// ParseLine parses "project title views bytes". The trailing field is optional.
func ParseLine(line string) (Entry, bool) {
	fields := strings.Split(line, " ")
	if len(fields) != 3 && len(fields) != 4 {
		return Entry{}, false
	}
	if fields[0] == "" || fields[1] == "" {
		return Entry{}, false
	}
	views, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || views < 0 {
		return Entry{}, false
	}
	return Entry{Project: fields[0], Title: fields[1], Views: views}, true
}
