// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package metrics collects the Prometheus series cmd/bcachefs-acctd
// exposes over /metrics: Counter Table size, GC pass duration and
// corrective-delta counts, and inode-cache hit/miss/wait counts. Uses
// github.com/prometheus/client_golang the way erigon-lib's own metrics
// package does — a single registry threaded through the collaborators
// that produce observations, rather than package-level globals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every series this mount reports. Callers
// construct one against a *prometheus.Registry at startup and pass it
// down to the accounting/fs collaborators that call its Observe*
// methods.
type Collectors struct {
	TableEntries    prometheus.Gauge
	GCPassDuration  prometheus.Histogram
	GCCorrections   prometheus.Counter
	GCScanned       prometheus.Counter
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheWaits      prometheus.Counter
	TxnRestarts     prometheus.Counter
	NeedMarkReplica prometheus.Counter
}

// New registers every collector against reg and returns the bundle.
// Panics on duplicate registration, matching promauto's behavior and
// erigon-lib's own metrics-at-startup convention — a metrics name
// collision is a programming error, not a runtime condition to
// recover from.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		TableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "accounting",
			Name:      "table_entries",
			Help:      "Live entries currently held in the in-memory Counter Table.",
		}),
		GCPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "gc",
			Name:      "pass_duration_seconds",
			Help:      "Wall-clock duration of a single accounting GC pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		GCCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "gc",
			Name:      "corrective_deltas_total",
			Help:      "Corrective deltas emitted across all completed GC passes.",
		}),
		GCScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "gc",
			Name:      "entries_scanned_total",
			Help:      "Counter Table entries scanned across all completed GC passes.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "inode_cache",
			Name:      "hits_total",
			Help:      "Inode cache lookups resolved from an already-cached entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "inode_cache",
			Name:      "misses_total",
			Help:      "Inode cache lookups that required a tree fetch.",
		}),
		CacheWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "inode_cache",
			Name:      "waits_total",
			Help:      "Inode cache lookups that blocked behind a concurrent freeing entry.",
		}),
		TxnRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "txn",
			Name:      "restarts_total",
			Help:      "Transaction-restart retries across every commit call site.",
		}),
		NeedMarkReplica: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bcachefs_acctd",
			Subsystem: "txn",
			Name:      "need_mark_replicas_total",
			Help:      "Commit attempts that required a replica-registration side effect before retrying.",
		}),
	}
	reg.MustRegister(
		c.TableEntries, c.GCPassDuration, c.GCCorrections, c.GCScanned,
		c.CacheHits, c.CacheMisses, c.CacheWaits,
		c.TxnRestarts, c.NeedMarkReplica,
	)
	return c
}

// ObserveGCPass folds a completed GC pass's stats into the registered
// series.
func (c *Collectors) ObserveGCPass(d time.Duration, scanned, corrected int) {
	c.GCPassDuration.Observe(d.Seconds())
	c.GCScanned.Add(float64(scanned))
	c.GCCorrections.Add(float64(corrected))
}
