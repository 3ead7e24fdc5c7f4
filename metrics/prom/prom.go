package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/blockcache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
// Per-state children are resolved up front because hooks fire under cache
// locks.
type Adapter struct {
	hits, misses, evicts, demotes [cache.NumStates]prometheus.Counter
	evictedBytes                  prometheus.Counter

	l2Hits, l2Misses, l2Writes, l2Evicts prometheus.Counter
	l2WrittenBytes                       prometheus.Counter

	stuck     prometheus.Counter
	size      [cache.NumStates]prometheus.Gauge
	meta      [cache.NumStates]prometheus.Gauge
	target    prometheus.Gauge
	split     prometheus.Gauge
	metaLimit prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	byState := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, []string{"state"})
	}

	hits := byState("hits_total", "Block hits by the state the block was in")
	misses := byState("misses_total", "Block misses by the state of the record (anonymous = none)")
	evicts := byState("evictions_total", "Blocks whose data was evicted, by source list")
	demotes := byState("demotions_total", "Evicted blocks kept as ghost records, by source list")
	byStateGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, []string{"state"})
	}
	size := byStateGauge("state_bytes", "Bytes accounted to each state")
	meta := byStateGauge("state_meta_bytes", "Metadata bytes accounted to each state")
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}

	a := &Adapter{
		evictedBytes:   counter("evicted_bytes_total", "Bytes freed by eviction"),
		l2Hits:         counter("l2_hits_total", "Misses served by the secondary tier"),
		l2Misses:       counter("l2_misses_total", "Secondary tier reads that failed or were rejected"),
		l2Writes:       counter("l2_writes_total", "Blocks written to the secondary tier"),
		l2Evicts:       counter("l2_evictions_total", "Secondary tier copies overwritten by newer writes"),
		l2WrittenBytes: counter("l2_written_bytes_total", "Logical bytes written to the secondary tier"),
		stuck:          counter("evict_stuck_total", "Reclaim passes that freed nothing while over target"),
		target:         gauge("target_bytes", "Resident-size ceiling C"),
		split:          gauge("split_bytes", "Recency target P"),
		metaLimit:      gauge("meta_limit_bytes", "Resident metadata limit"),
	}
	for st := cache.State(0); st < cache.NumStates; st++ {
		l := st.String()
		a.hits[st] = hits.WithLabelValues(l)
		a.misses[st] = misses.WithLabelValues(l)
		a.evicts[st] = evicts.WithLabelValues(l)
		a.demotes[st] = demotes.WithLabelValues(l)
		a.size[st] = size.WithLabelValues(l)
		a.meta[st] = meta.WithLabelValues(l)
	}
	reg.MustRegister(hits, misses, evicts, demotes, size, meta,
		a.evictedBytes, a.l2Hits, a.l2Misses, a.l2Writes, a.l2Evicts, a.l2WrittenBytes,
		a.stuck, a.target, a.split, a.metaLimit)
	return a
}

func (a *Adapter) Hit(e cache.Event)  { a.hits[e.State].Inc() }
func (a *Adapter) Miss(e cache.Event) { a.misses[e.State].Inc() }

// Evict counts a block losing its data, or a ghost record being dropped.
func (a *Adapter) Evict(e cache.Event) {
	a.evicts[e.State].Inc()
	if e.State == cache.MRU || e.State == cache.MFU {
		a.evictedBytes.Add(float64(e.Size))
	}
}

func (a *Adapter) Demote(e cache.Event) { a.demotes[e.State].Inc() }
func (a *Adapter) L2Hit(cache.Event)    { a.l2Hits.Inc() }
func (a *Adapter) L2Miss(cache.Event)   { a.l2Misses.Inc() }

func (a *Adapter) L2Write(e cache.Event) {
	a.l2Writes.Inc()
	a.l2WrittenBytes.Add(float64(e.Size))
}

func (a *Adapter) L2Evict(cache.Event) { a.l2Evicts.Inc() }
func (a *Adapter) EvictStuck()         { a.stuck.Inc() }

// Size updates the per-state byte gauge.
func (a *Adapter) Size(st cache.State, bytes int64) { a.size[st].Set(float64(bytes)) }

// MetaSize updates the per-state metadata gauge.
func (a *Adapter) MetaSize(st cache.State, bytes int64) { a.meta[st].Set(float64(bytes)) }

// Target updates the C, P and metadata limit gauges.
func (a *Adapter) Target(c, p, metaLimit int64) {
	a.target.Set(float64(c))
	a.split.Set(float64(p))
	a.metaLimit.Set(float64(metaLimit))
}

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
