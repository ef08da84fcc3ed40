package stats

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opendiamond/adiskd/internal/filtertable"
)

// Exporter registers a search's live counters as Prometheus gauges,
// grounded on the pack's client_golang usage (erigon-lib, go-ethereum).
// Values are sampled on every Collect rather than pushed, since the
// underlying atomics are updated from the worker goroutine without a
// registry handle.
type Exporter struct {
	counters *Counters
	table    *filtertable.Table
	searchID string

	objsTotal     *prometheus.Desc
	objsProcessed *prometheus.Desc
	objsDropped   *prometheus.Desc
	objsSkipped   *prometheus.Desc
	systemLoad    *prometheus.Desc
	avgObjTimeMs  *prometheus.Desc
	filterCalled  *prometheus.Desc
	filterDropped *prometheus.Desc
	filterCache   *prometheus.Desc
}

// NewExporter builds an Exporter for one search connection's counters and
// filter table. searchID is attached as a constant label so multiple
// concurrent searches can be scraped from one process.
func NewExporter(searchID string, counters *Counters, table *filtertable.Table) *Exporter {
	labels := []string{"search_id"}
	return &Exporter{
		counters: counters,
		table:    table,
		searchID: searchID,

		objsTotal:     prometheus.NewDesc("adiskd_objs_total", "Objects estimated in scope.", labels, nil),
		objsProcessed: prometheus.NewDesc("adiskd_objs_processed", "Objects fully evaluated.", labels, nil),
		objsDropped:   prometheus.NewDesc("adiskd_objs_dropped", "Objects dropped by a filter.", labels, nil),
		objsSkipped:   prometheus.NewDesc("adiskd_objs_skipped", "Objects evaluated ahead by work-ahead and discarded.", labels, nil),
		systemLoad:    prometheus.NewDesc("adiskd_system_load_pct", "Host load average as a percentage of cores.", labels, nil),
		avgObjTimeMs:  prometheus.NewDesc("adiskd_avg_obj_time_ms", "Rolling average per-object evaluation time.", labels, nil),
		filterCalled:  prometheus.NewDesc("adiskd_filter_called_total", "Filter invocations.", append(labels, "filter"), nil),
		filterDropped: prometheus.NewDesc("adiskd_filter_dropped_total", "Objects dropped by this filter.", append(labels, "filter"), nil),
		filterCache:   prometheus.NewDesc("adiskd_filter_cache_pass_total", "Cache hits that passed threshold for this filter.", append(labels, "filter"), nil),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.objsTotal
	ch <- e.objsProcessed
	ch <- e.objsDropped
	ch <- e.objsSkipped
	ch <- e.systemLoad
	ch <- e.avgObjTimeMs
	ch <- e.filterCalled
	ch <- e.filterDropped
	ch <- e.filterCache
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := Build(e.counters, e.table)

	ch <- prometheus.MustNewConstMetric(e.objsTotal, prometheus.GaugeValue, float64(snap.ObjsTotal), e.searchID)
	ch <- prometheus.MustNewConstMetric(e.objsProcessed, prometheus.GaugeValue, float64(snap.ObjsProcessed), e.searchID)
	ch <- prometheus.MustNewConstMetric(e.objsDropped, prometheus.GaugeValue, float64(snap.ObjsDropped), e.searchID)
	ch <- prometheus.MustNewConstMetric(e.objsSkipped, prometheus.GaugeValue, float64(snap.ObjsSkipped), e.searchID)
	ch <- prometheus.MustNewConstMetric(e.systemLoad, prometheus.GaugeValue, snap.SystemLoadPct, e.searchID)
	ch <- prometheus.MustNewConstMetric(e.avgObjTimeMs, prometheus.GaugeValue, snap.AvgObjTimeMs, e.searchID)

	for _, f := range snap.Filters {
		ch <- prometheus.MustNewConstMetric(e.filterCalled, prometheus.CounterValue, float64(f.Called), e.searchID, f.Name)
		ch <- prometheus.MustNewConstMetric(e.filterDropped, prometheus.CounterValue, float64(f.Dropped), e.searchID, f.Name)
		ch <- prometheus.MustNewConstMetric(e.filterCache, prometheus.CounterValue, float64(f.CachePass), e.searchID, f.Name)
	}
}
