package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stalewatch"

var (
	descEntries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "entries"),
		"Number of defined cache entries.", nil, nil)
	descStale = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "stale_entries"),
		"Number of entries that are currently stale.", nil, nil)
	descErrored = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cache", "errored_entries"),
		"Number of entries whose last fetch failed.", nil, nil)
	descFetched = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "refresher", "fetched_total"),
		"Successful fetches written back to the cache.", nil, nil)
	descFailed = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "refresher", "failed_total"),
		"Fetches that failed or could not be written.", nil, nil)
	descDropped = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "refresher", "dropped_total"),
		"Refresh requests dropped because the queue was full.", nil, nil)
	descInFlight = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "refresher", "in_flight"),
		"Keys queued or being fetched.", nil, nil)
)

// cacheCollector reads cache and refresher state at scrape time.
type cacheCollector struct {
	cache Cache
	refr  Refresher
}

func (c cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descEntries, descStale, descErrored, descFetched, descFailed, descDropped, descInFlight} {
		ch <- d
	}
}

func (c cacheCollector) Collect(ch chan<- prometheus.Metric) {
	if c.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		snaps, err := c.cache.List(ctx)
		cancel()
		if err == nil {
			var stale, errored int
			for _, s := range snaps {
				if s.Stale {
					stale++
				}
				if s.LastError != "" {
					errored++
				}
			}
			ch <- prometheus.MustNewConstMetric(descEntries, prometheus.GaugeValue, float64(len(snaps)))
			ch <- prometheus.MustNewConstMetric(descStale, prometheus.GaugeValue, float64(stale))
			ch <- prometheus.MustNewConstMetric(descErrored, prometheus.GaugeValue, float64(errored))
		}
	}
	if c.refr != nil {
		st := c.refr.Stats()
		ch <- prometheus.MustNewConstMetric(descFetched, prometheus.CounterValue, float64(st.Fetched))
		ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(st.Failed))
		ch <- prometheus.MustNewConstMetric(descDropped, prometheus.CounterValue, float64(st.Dropped))
		ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, float64(st.InFlight))
	}
}

func newRegistry(cache Cache, refr Refresher) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		cacheCollector{cache: cache, refr: refr},
	)
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
