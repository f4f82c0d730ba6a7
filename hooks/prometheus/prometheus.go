// Package prometheus counts cache hook events with client_golang.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/dynacache"
)

type Hooks struct {
	expiredReads    prometheus.Counter
	danglingPointer prometheus.Counter
	selfHeals       *prometheus.CounterVec
	orphanedBlobs   prometheus.Counter
	batchFailures   *prometheus.CounterVec
	batchFailedKeys *prometheus.CounterVec
	clientsOpened   *prometheus.CounterVec
}

var _ dynacache.Hooks = (*Hooks)(nil)

// New builds the collectors under namespace (default "dynacache") and
// registers them with reg. A nil reg skips registration.
func New(namespace string, reg prometheus.Registerer) (*Hooks, error) {
	if namespace == "" {
		namespace = "dynacache"
	}
	h := &Hooks{
		expiredReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_reads_total",
			Help:      "Rows returned by the store after their ttl passed",
		}),
		danglingPointer: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dangling_pointers_total",
			Help:      "Rows that referenced a missing blob",
		}),
		selfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heals_total",
			Help:      "Unservable rows deleted on read, by reason and result",
		}, []string{"reason", "result"}),
		orphanedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_blobs_total",
			Help:      "Blobs left without an owning row",
		}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Multi-key calls with at least one failed key",
		}, []string{"op"}),
		batchFailedKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failed_keys_total",
			Help:      "Keys that failed inside multi-key calls",
		}, []string{"op"}),
		clientsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_opened_total",
			Help:      "Store clients constructed, by kind",
		}, []string{"kind"}),
	}
	if reg == nil {
		return h, nil
	}
	for _, c := range h.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.expiredReads,
		h.danglingPointer,
		h.selfHeals,
		h.orphanedBlobs,
		h.batchFailures,
		h.batchFailedKeys,
		h.clientsOpened,
	}
}

func (h *Hooks) ExpiredRead(string)             { h.expiredReads.Inc() }
func (h *Hooks) DanglingPointer(string, string) { h.danglingPointer.Inc() }
func (h *Hooks) OrphanedBlob(string, string, error) {
	h.orphanedBlobs.Inc()
}

func (h *Hooks) SelfHeal(_ string, reason string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.selfHeals.WithLabelValues(reason, result).Inc()
}

func (h *Hooks) BatchFailure(op string, _, failed int) {
	h.batchFailures.WithLabelValues(op).Inc()
	h.batchFailedKeys.WithLabelValues(op).Add(float64(failed))
}

func (h *Hooks) ClientOpened(kind string) { h.clientsOpened.WithLabelValues(kind).Inc() }
