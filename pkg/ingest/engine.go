// Package ingest turns hourly pageview dumps into per-QID view counts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/metrics"
	"github.com/elonfeng/wdpv/internal/store"
	"github.com/elonfeng/wdpv/pkg/pageview"
	"github.com/elonfeng/wdpv/pkg/partition"
	"github.com/elonfeng/wdpv/pkg/resolve"
	"github.com/elonfeng/wdpv/pkg/source"
)

// UnresolvedQID collects views whose title has no item, so hour totals stay complete.
const UnresolvedQID int64 = 0

// Mapper maps pageview project codes to wiki database names ("" if unknown).
type Mapper interface {
	DatabaseName(projectCode string) string
}

// Status is the outcome of handling one file.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result describes one handled file.
type Result struct {
	File             string        `json:"file"`
	Hour             time.Time     `json:"hour"`
	Status           Status        `json:"status"`
	QIDs             int64         `json:"n_qids"`
	MaxQID           int64         `json:"max_qid"`
	Views            int64         `json:"views"`
	UnresolvedTitles int64         `json:"unresolved_titles"`
	UnresolvedViews  int64         `json:"unresolved_views"`
	MalformedLines   int           `json:"malformed_lines"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// Options tune file processing.
type Options struct {
	Workers    int // concurrent resolver calls
	ChunkSize  int // titles per resolver call
	MaxBuckets int // wikis buffered at once
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{Workers: 4, ChunkSize: 10000, MaxBuckets: 3}
}

// Engine ingests hourly files from a source into the store.
type Engine struct {
	store    store.Store
	source   source.Source
	mapper   Mapper
	resolver resolve.Resolver
	pool     pond.Pool
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	ingesting sync.Mutex
}

// NewEngine creates an ingest engine. Close releases its worker pool.
func NewEngine(s store.Store, src source.Source, mapper Mapper, resolver resolve.Resolver, opts Options, logger *zap.Logger) *Engine {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.MaxBuckets <= 0 {
		opts.MaxBuckets = def.MaxBuckets
	}
	return &Engine{
		store:    s,
		source:   src,
		mapper:   mapper,
		resolver: resolver,
		pool:     pond.NewPool(opts.Workers, pond.WithQueueSize(opts.Workers*2)),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// ProcessFile ingests one hourly file. A file already present in the hours
// ledger is skipped, not an error.
func (e *Engine) ProcessFile(ctx context.Context, f source.File) (*Result, error) {
	res := &Result{File: f.Name, Hour: f.Hour}
	log := e.logger.With(zap.String("file", f.Name))

	exists, err := e.store.HasFile(ctx, f.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debug("already ingested")
		res.Status = StatusSkipped
		return res, nil
	}

	start := e.now()
	log.Info("processing file")

	views, err := e.countViews(ctx, f, res)
	if err != nil {
		return nil, err
	}

	counts := make([]store.ViewCount, 0, len(views))
	for qid, v := range views {
		counts = append(counts, store.ViewCount{QID: qid, Views: v})
		res.Views += v
		res.MaxQID = max(res.MaxQID, qid)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].QID < counts[j].QID })
	res.QIDs = int64(len(counts))

	rec := store.HourRecord{
		File:    f.Name,
		Hour:    f.Hour,
		Views:   res.Views,
		MaxQID:  res.MaxQID,
		NQIDs:   res.QIDs,
		Started: start,
	}
	err = e.store.WriteHour(ctx, rec, counts)
	res.Duration = e.now().Sub(start)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Another run wrote this file or hour first.
			log.Warn("hour already recorded", zap.Error(err))
			res.Status = StatusSkipped
			return res, nil
		}
		return nil, err
	}

	res.Status = StatusProcessed
	metrics.ViewsIngested.Add(float64(res.Views))
	metrics.UnresolvedViews.Add(float64(res.UnresolvedViews))
	metrics.FileDuration.Observe(res.Duration.Seconds())
	metrics.LatestHour.Set(float64(f.Hour.Unix()))

	log.Info("file processed",
		zap.Time("hour", f.Hour),
		zap.Int64("views", res.Views),
		zap.Int64("n_qids", res.QIDs),
		zap.Int64("max_qid", res.MaxQID),
		zap.Int64("unresolved_titles", res.UnresolvedTitles),
		zap.Int64("unresolved_views", res.UnresolvedViews),
		zap.Int("malformed_lines", res.MalformedLines),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// countViews streams the file, resolving titles per wiki on the worker pool,
// and returns total views per QID including UnresolvedQID.
func (e *Engine) countViews(ctx context.Context, f source.File, res *Result) (map[int64]int64, error) {
	rc, err := e.source.Open(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r, err := pageview.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	defer r.Close()

	var (
		mu     sync.Mutex
		totals = map[int64]int64{UnresolvedQID: 0}
	)
	unresolved := func(titles, views int64) {
		mu.Lock()
		res.UnresolvedTitles += titles
		res.UnresolvedViews += views
		totals[UnresolvedQID] += views
		mu.Unlock()
	}

	group := e.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	emit := func(dbname string, entries []pageview.Entry) error {
		if err := groupCtx.Err(); err != nil {
			return err
		}
		if dbname == "" {
			var v int64
			for _, en := range entries {
				v += en.Views
			}
			unresolved(int64(len(entries)), v)
			return nil
		}

		group.SubmitErr(func() error {
			ids, err := e.resolver.Resolve(groupCtx, dbname, distinctTitles(entries))
			if err != nil {
				return fmt.Errorf("resolve %d titles on %s: %w", len(entries), dbname, err)
			}
			var pairs iter.Seq2[int64, int64] = func(yield func(int64, int64) bool) {
				for _, en := range entries {
					qid, ok := ids[en.Title]
					if !ok {
						qid = UnresolvedQID
					}
					if !yield(qid, en.Views) {
						return
					}
				}
			}
			sums := partition.SumValues(pairs)

			var missTitles int64
			for _, en := range entries {
				if _, ok := ids[en.Title]; !ok {
					missTitles++
				}
			}
			mu.Lock()
			for qid, v := range sums {
				totals[qid] += v
			}
			res.UnresolvedTitles += missTitles
			res.UnresolvedViews += sums[UnresolvedQID]
			mu.Unlock()
			return nil
		})
		return nil
	}

	p, err := partition.New(partition.Options{
		ChunkSize:  e.opts.ChunkSize,
		MaxBuckets: e.opts.MaxBuckets,
	}, func(en pageview.Entry) string {
		return e.mapper.DatabaseName(en.Project)
	}, emit)
	if err != nil {
		return nil, err
	}

	readErr := func() error {
		for r.Next() {
			if err := p.Add(r.Entry()); err != nil {
				return err
			}
		}
		if err := r.Err(); err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		return p.Flush()
	}()

	if err := group.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, readErr
	}

	res.MalformedLines = r.Skipped()
	if res.MalformedLines > 0 {
		e.logger.Warn("skipped malformed lines",
			zap.String("file", f.Name),
			zap.Int("lines", res.MalformedLines))
	}
	return totals, nil
}

func distinctTitles(entries []pageview.Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, en := range entries {
		if _, ok := seen[en.Title]; ok {
			continue
		}
		seen[en.Title] = struct{}{}
		out = append(out, en.Title)
	}
	return out
}
