package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/wdpv/internal/metrics"
	"github.com/elonfeng/wdpv/pkg/alert"
	"github.com/elonfeng/wdpv/pkg/source"
)

// ErrBusy is returned by Ingest while another ingest run holds the engine.
var ErrBusy = errors.New("ingest already running")

// Report summarizes one ingest run.
type Report struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Listed    int       `json:"listed"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Results   []Result  `json:"results"`
}

// Discover lists candidate files from the engine's source, newest first.
func (e *Engine) Discover(ctx context.Context, maxDays int) ([]source.File, error) {
	since := source.Since(e.now(), maxDays)
	files, err := e.source.List(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", e.source.Name(), err)
	}
	e.logger.Info("discovered files",
		zap.String("source", string(e.source.Name())),
		zap.Time("since", since),
		zap.Int("files", len(files)))
	return files, nil
}

// Run processes files in order until maxFiles have been ingested. Skipped files
// do not count; a failing file is recorded and the run moves on. maxFiles <= 0
// means no limit.
func (e *Engine) Run(ctx context.Context, files []source.File, maxFiles int) (*Report, error) {
	rep := &Report{Started: e.now().UTC(), Listed: len(files)}

	for _, f := range files {
		if maxFiles > 0 && rep.Processed >= maxFiles {
			break
		}
		if err := ctx.Err(); err != nil {
			rep.Finished = e.now().UTC()
			return rep, err
		}

		res, err := e.ProcessFile(ctx, f)
		if err != nil {
			e.logger.Error("file failed", zap.String("file", f.Name), zap.Error(err))
			metrics.FilesTotal.WithLabelValues(string(StatusFailed)).Inc()
			rep.Failed++
			rep.Results = append(rep.Results, Result{
				File:   f.Name,
				Hour:   f.Hour,
				Status: StatusFailed,
				Error:  err.Error(),
			})
			continue
		}

		metrics.FilesTotal.WithLabelValues(string(res.Status)).Inc()
		switch res.Status {
		case StatusProcessed:
			rep.Processed++
		case StatusSkipped:
			rep.Skipped++
		}
		rep.Results = append(rep.Results, *res)
	}

	rep.Finished = e.now().UTC()
	return rep, nil
}

// Ingest discovers files, runs them, and reports the outcome to alerts. Only one
// Ingest runs per engine at a time; a concurrent call returns ErrBusy.
func (e *Engine) Ingest(ctx context.Context, maxFiles, maxDays int, alerts *alert.Manager) (*Report, error) {
	if !e.ingesting.TryLock() {
		return nil, ErrBusy
	}
	defer e.ingesting.Unlock()

	files, err := e.Discover(ctx, maxDays)
	if err != nil {
		return nil, err
	}
	rep, err := e.Run(ctx, files, maxFiles)
	if err != nil {
		return rep, err
	}

	e.logger.Info("ingest finished",
		zap.Int("processed", rep.Processed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("elapsed", rep.Finished.Sub(rep.Started)))

	if alerts.HasNotifiers() && (rep.Processed > 0 || rep.Failed > 0) {
		if err := alerts.Broadcast(ctx, rep.Notification()); err != nil {
			e.logger.Warn("alert delivery failed", zap.Error(err))
		}
	}
	return rep, nil
}

// Notification renders the report for alert destinations.
func (r *Report) Notification() *alert.Notification {
	n := &alert.Notification{
		Title:     "wdpv ingest",
		Level:     alert.LevelInfo,
		Processed: r.Processed,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
	}
	if r.Failed > 0 {
		n.Title = "wdpv ingest failures"
		n.Level = alert.LevelError
	}

	var latest time.Time
	for _, res := range r.Results {
		if res.Status == StatusSkipped {
			continue
		}
		if res.Status == StatusProcessed && res.Hour.After(latest) {
			latest = res.Hour
		}
		n.Files = append(n.Files, alert.FileOutcome{
			File:  res.File,
			Hour:  res.Hour,
			Views: res.Views,
			QIDs:  res.QIDs,
			Error: res.Error,
		})
	}

	n.Body = fmt.Sprintf("%d of %d listed files ingested in %s", r.Processed, r.Listed,
		r.Finished.Sub(r.Started).Round(time.Second))
	if !latest.IsZero() {
		n.Body += fmt.Sprintf("; newest hour %s", latest.Format("2006-01-02T15"))
	}
	return n
}
