// Package dump aggregates stored hourly views into per-QID totals over a range.
package dump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/store"
	"github.com/elonfeng/wdpv/pkg/resolve"
)

// HourLayout is the hour literal accepted and produced by the API, e.g. 2018-10-10T01.
const HourLayout = "2006-01-02T15"

// DefaultStart is the range used when no start is given.
const DefaultStart = "1d"

var (
	// ErrUnknownMode is returned for a mode other than views or logprobs.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrBadRange is returned when start or end cannot be parsed or start > end.
	ErrBadRange = errors.New("bad range")
)

var (
	hourRE     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}$`)
	durationRE = regexp.MustCompile(`(?i)^(\d+)([hdwm]?)$`)
)

// maxDurationHours is the longest range a time.Duration can span.
const maxDurationHours = int(math.MaxInt64 / int64(time.Hour))

var durationUnits = map[string]int{
	"":  1,
	"h": 1,
	"d": 24,
	"w": 24 * 7,
	"m": 24 * 30,
}

// Mode selects how views are reported.
type Mode string

const (
	ModeViews    Mode = "views"
	ModeLogprobs Mode = "logprobs"
)

// ParseMode validates a mode; "" means ModeViews.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeViews:
		return ModeViews, nil
	case ModeLogprobs:
		return ModeLogprobs, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
}

// ParseHour parses an hour literal like 2018-10-10T01 as UTC.
func ParseHour(s string) (time.Time, error) {
	if !hourRE.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q is not an hour like 2018-10-10T01", ErrBadRange, s)
	}
	h, err := time.Parse(HourLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadRange, err)
	}
	return h, nil
}

// FormatHour renders an hour as HourLayout.
func FormatHour(h time.Time) string {
	return h.UTC().Format(HourLayout)
}

// ParseDuration parses "<n>[h|d|w|m]" into a number of hours. A month is 30 days.
func ParseDuration(s string) (int, error) {
	m := durationRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q is not a duration like 1d", ErrBadRange, s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: duration %q must be positive", ErrBadRange, s)
	}
	unit := durationUnits[strings.ToLower(m[2])]
	if n > maxDurationHours/unit {
		return 0, fmt.Errorf("%w: duration %q is too long", ErrBadRange, s)
	}
	return n * unit, nil
}

// StartFor returns the first hour of a closed interval of the given length ending at end.
// One day ending at 23:00 starts at 00:00 the same day.
func StartFor(end time.Time, hours int) time.Time {
	return end.Add(-time.Duration(hours-1) * time.Hour)
}

// Result is the aggregated dump of a range. Encoded, it always carries the map of
// its mode (views or logprobs), even when empty.
type Result struct {
	Start          string             `json:"start"`
	End            string             `json:"end"`
	Hours          []string           `json:"hours"`
	MaxQID         int64              `json:"max_qid"`
	TotalViews     int64              `json:"total_views"`
	Views          map[string]int64   `json:"views,omitempty"`
	Logprobs       map[string]float64 `json:"logprobs,omitempty"`
	DefaultLogprob *float64           `json:"default_logprob,omitempty"`
	Mode           Mode               `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Views    *map[string]int64   `json:"views,omitempty"`
		Logprobs *map[string]float64 `json:"logprobs,omitempty"`
	}{plain: plain(r)}

	switch r.Mode {
	case ModeLogprobs:
		lp := r.Logprobs
		if lp == nil {
			lp = map[string]float64{}
		}
		out.Logprobs = &lp
	default:
		views := r.Views
		if views == nil {
			views = map[string]int64{}
		}
		out.Views = &views
	}
	return json.Marshal(out)
}

// Dumper builds dumps from the store.
type Dumper struct {
	store  store.Store
	logger *zap.Logger
}

// New creates a Dumper.
func New(s store.Store, logger *zap.Logger) *Dumper {
	return &Dumper{store: s, logger: logger}
}

// Range resolves API start/end values. An empty end is the latest ingested hour;
// start is an hour or a duration counted back from end, DefaultStart if empty.
func (d *Dumper) Range(ctx context.Context, start, end string) (time.Time, time.Time, error) {
	var (
		to  time.Time
		err error
	)
	if end == "" {
		to, err = d.store.LatestHour(ctx)
	} else {
		to, err = ParseHour(end)
	}
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if start == "" {
		start = DefaultStart
	}
	from, err := ParseHour(start)
	if err != nil {
		hours, derr := ParseDuration(start)
		if derr != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q is neither an hour nor a duration", ErrBadRange, start)
		}
		from = StartFor(to, hours)
	}

	if from.After(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s after end %s", ErrBadRange, FormatHour(from), FormatHour(to))
	}
	return from, to, nil
}

// Dump resolves the range and mode and builds the result.
func (d *Dumper) Dump(ctx context.Context, start, end, mode string) (*Result, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	from, to, err := d.Range(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return d.Build(ctx, from, to, m)
}

// Build aggregates [from, to]. In logprobs mode views are Laplace smoothed with
// max_qid standing in for the number of items.
func (d *Dumper) Build(ctx context.Context, from, to time.Time, mode Mode) (*Result, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	recs, err := d.store.ListHours(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sum, err := d.store.Summary(ctx, from, to)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Start:      FormatHour(from),
		End:        FormatHour(to),
		Hours:      make([]string, 0, len(recs)),
		MaxQID:     sum.MaxQID,
		TotalViews: sum.Views,
	}
	for _, r := range recs {
		res.Hours = append(res.Hours, FormatHour(r.Hour))
	}

	switch mode {
	case ModeLogprobs:
		denom := float64(sum.Views + sum.MaxQID)
		if denom <= 0 {
			return nil, fmt.Errorf("%w: no views between %s and %s", ErrBadRange, res.Start, res.End)
		}
		logDenom := math.Log(denom)
		res.Logprobs = make(map[string]float64)
		err = d.store.AggregateViews(ctx, from, to, func(v store.ViewCount) error {
			res.Logprobs[resolve.FormatQID(v.QID)] = math.Log(float64(v.Views)+1) - logDenom
			return nil
		})
		def := -logDenom
		res.DefaultLogprob = &def
		res.Mode = ModeLogprobs
	default:
		res.Mode = ModeViews
		res.Views = make(map[string]int64)
		err = d.store.AggregateViews(ctx, from, to, func(v store.ViewCount) error {
			res.Views[resolve.FormatQID(v.QID)] = v.Views
			return nil
		})
	}
	if err != nil {
		return nil, err
	}

	d.logger.Info("built dump",
		zap.String("start", res.Start),
		zap.String("end", res.End),
		zap.String("mode", string(mode)),
		zap.Int("hours", len(res.Hours)),
		zap.Int64("total_views", res.TotalViews))
	return res, nil
}

// Combination holds one dump per duration, all ending at the same hour.
type Combination struct {
	Generated time.Time          `json:"generated"`
	End       string             `json:"end"`
	Dumps     map[string]*Result `json:"dumps"`
}

// Combine builds a views dump for each duration ending at the latest hour.
func (d *Dumper) Combine(ctx context.Context, durations []string) (*Combination, error) {
	end, err := d.store.LatestHour(ctx)
	if err != nil {
		return nil, err
	}
	c := &Combination{
		Generated: time.Now().UTC().Truncate(time.Second),
		End:       FormatHour(end),
		Dumps:     make(map[string]*Result, len(durations)),
	}
	for _, dur := range durations {
		hours, err := ParseDuration(dur)
		if err != nil {
			return nil, err
		}
		res, err := d.Build(ctx, StartFor(end, hours), end, ModeViews)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", dur, err)
		}
		c.Dumps[dur] = res
	}
	return c, nil
}

// WriteCombination writes Combine's result to path, replacing it atomically.
func (d *Dumper) WriteCombination(ctx context.Context, path string, durations []string) error {
	c, err := d.Combine(ctx, durations)
	if err != nil {
		return err
	}
	if err := WriteJSONFile(path, c); err != nil {
		return err
	}
	d.logger.Info("wrote combination file", zap.String("path", path), zap.Strings("durations", durations))
	return nil
}

// WriteJSONFile encodes v to a temp file next to path and renames it into place.
func WriteJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
