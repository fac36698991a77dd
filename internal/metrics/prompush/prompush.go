// Package prompush implements a metrics backend that pushes to a Prometheus
// Pushgateway. Batch jobs are not scraped, so the whole registry is pushed on
// Flush (normally once at exit).
package prompush

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"sparkify/internal/metrics"
)

// Backend buffers metrics in a private registry.
type Backend struct {
	pusher *push.Pusher
	reg    *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	// labelNames pins the label set of each metric to its first use.
	labelNames map[string][]string
}

// NewBackend returns a backend pushing to url under job.
func NewBackend(job, url string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("prompush: pushgateway url is required")
	}
	if strings.TrimSpace(job) == "" {
		return nil, fmt.Errorf("prompush: job name is required")
	}

	reg := prometheus.NewRegistry()
	return &Backend{
		pusher:     push.New(url, job).Gatherer(reg),
		reg:        reg,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labelNames: map[string][]string{},
	}, nil
}

// Grouping adds a grouping label (e.g. run_id) to the push URL.
func (b *Backend) Grouping(name, value string) *Backend {
	b.pusher = b.pusher.Grouping(name, value)
	return b
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, b.pin(name, labels))
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.counters[name] = vec
	}
	if c, err := vec.GetMetricWith(b.values(name, labels)); err == nil {
		c.Add(delta)
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	b.mu.Lock()
	defer b.mu.Unlock()

	vec, ok := b.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, b.pin(name, labels))
		if err := b.reg.Register(vec); err != nil {
			return
		}
		b.histograms[name] = vec
	}
	if h, err := vec.GetMetricWith(b.values(name, labels)); err == nil {
		h.Observe(value)
	}
}

func (b *Backend) pin(name string, labels metrics.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	b.labelNames[name] = names
	return names
}

// values projects labels onto the pinned label set; missing labels are "".
func (b *Backend) values(name string, labels metrics.Labels) prometheus.Labels {
	out := prometheus.Labels{}
	for _, k := range b.labelNames[name] {
		out[k] = labels[k]
	}
	return out
}

// Flush pushes the registry, replacing the previous push for this job.
func (b *Backend) Flush() error {
	b.mu.Lock()
	p := b.pusher
	b.mu.Unlock()
	if err := p.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
