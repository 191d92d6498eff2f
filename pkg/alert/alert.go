// Package alert delivers ingest run summaries to chat and webhook destinations.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Level tells destinations how to present a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// FileOutcome describes one hourly file handled during a run.
type FileOutcome struct {
	File  string    `json:"file"`
	Hour  time.Time `json:"hour"`
	Views int64     `json:"views,omitempty"`
	QIDs  int64     `json:"n_qids,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Level     Level         `json:"level"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Files     []FileOutcome `json:"files,omitempty"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// maxListed caps how many files a chat message lists.
const maxListed = 5

func postJSON(ctx context.Context, client *http.Client, name, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "wdpv/1.0")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d", name, resp.StatusCode)
	}
	return nil
}

func fileLine(f FileOutcome) string {
	if f.Error != "" {
		return fmt.Sprintf("%s: %s", f.File, f.Error)
	}
	return fmt.Sprintf("%s: %d views, %d qids", f.File, f.Views, f.QIDs)
}
