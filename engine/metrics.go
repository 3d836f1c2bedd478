package engine

import "github.com/prometheus/client_golang/prometheus"

// Collectors exposes the engine counters. Values are read with atomics at
// scrape time.
func (e *Engine) Collectors() []prometheus.Collector {
	counter := func(name, help string, read func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "anywhere",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	return []prometheus.Collector{
		counter("buffers_total", "Audio buffers computed.", e.stats.buffers.Load),
		counter("swaps_total", "Module hot swaps.", e.stats.swaps.Load),
		counter("faults_total", "Stream sessions ended by a fault.", e.stats.faults.Load),
		counter("dropped_notes_total", "Notes discarded because the module takes no notes.", e.stats.droppedNotes.Load),
		counter("unit_errors_total", "Errors returned by the module outside compute.", e.stats.unitErrors.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "anywhere",
			Subsystem: "engine",
			Name:      "generation",
			Help:      "Modules installed since start.",
		}, func() float64 { return float64(e.Generation()) }),
	}
}
