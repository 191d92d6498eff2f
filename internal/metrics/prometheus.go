package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wdpv_files_total",
			Help: "Hourly pageview files handled, by outcome",
		},
		[]string{"status"}, // processed, skipped, failed
	)

	ViewsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wdpv_views_ingested_total",
			Help: "Page views written to qid_hourly_views",
		},
	)

	UnresolvedViews = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wdpv_unresolved_views_total",
			Help: "Page views whose title could not be mapped to a QID",
		},
	)

	FileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wdpv_file_duration_seconds",
			Help:    "Time to process one hourly file",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
	)

	ResolveLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wdpv_resolve_lookups_total",
			Help: "Title lookups, by method",
		},
		[]string{"method"}, // direct, redirect, wikidata, cache
	)

	LatestHour = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wdpv_latest_hour_timestamp_seconds",
			Help: "Unix time of the most recently ingested hour",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FilesTotal,
		ViewsIngested,
		UnresolvedViews,
		FileDuration,
		ResolveLookups,
		LatestHour,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
