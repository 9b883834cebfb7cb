// Package metrics implements the client's perf-counter reporting: a small
// set of prometheus counters/histograms describing session and table
// activity, periodically pushed to the local collector the server-side
// tooling already scrapes from (127.0.0.1:1988), the same address the
// pegasus admin tools use for every other client in the cluster.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/pegasus-kv/go-client/base"
)

// Registry holds every counter the client reports, namespaced under
// "pegasus_client"; a shared collector tells multiple clients apart by the
// constant labels built from their perf_counter_tags.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestErrors    *prometheus.CounterVec
	RequestLatencyMs *prometheus.HistogramVec
	SessionsOpen     prometheus.Gauge
	MetaRefreshTotal prometheus.Counter
	Overflows        prometheus.Counter
}

// NewRegistry builds a fresh set of counters. tags are the
// perf_counter_tags the caller configured (e.g. "cluster=main,job=crawler"),
// attached to every metric as constant labels so a shared collector can
// disambiguate clients.
func NewRegistry(tags map[string]string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels(tags)

	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pegasus_client",
			Name:        "requests_total",
			Help:        "Total requests issued per operation.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pegasus_client",
			Name:        "request_errors_total",
			Help:        "Total requests that completed with a non-OK outcome, by reason.",
			ConstLabels: constLabels,
		}, []string{"op", "reason"}),
		RequestLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pegasus_client",
			Name:        "request_latency_ms",
			Help:        "End-to-end Execute() latency, including retries.",
			Buckets:     prometheus.ExponentialBuckets(0.5, 2, 16),
			ConstLabels: constLabels,
		}, []string{"op"}),
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pegasus_client",
			Name:        "sessions_open",
			Help:        "Number of Session objects currently in the Connected state.",
			ConstLabels: constLabels,
		}),
		MetaRefreshTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pegasus_client",
			Name:        "meta_refresh_total",
			Help:        "Total table routing refreshes triggered.",
			ConstLabels: constLabels,
		}),
		Overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pegasus_client",
			Name:        "send_buffer_overflows_total",
			Help:        "Total requests rejected because a session's pending-send buffer was full.",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(r.RequestsTotal, r.RequestErrors, r.RequestLatencyMs, r.SessionsOpen, r.MetaRefreshTotal, r.Overflows)
	return r
}

// Pusher periodically pushes Registry's metrics to the perf counter
// collector, mirroring the server's own push_interval_secs-driven reporter.
type Pusher struct {
	registry *Registry
	pusher   *push.Pusher
	interval time.Duration
	logger   base.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPusher builds a Pusher that POSTs to addr (normally 127.0.0.1:1988)
// every interval. job identifies this client instance in the pushed series.
func NewPusher(registry *Registry, addr, job string, interval time.Duration, logger base.Logger) *Pusher {
	if logger == nil {
		logger = base.NopLogger{}
	}
	target := addr
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	p := push.New(target, job).Gatherer(registry.reg)
	return &Pusher{
		registry: registry,
		pusher:   p,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run pushes on every tick until ctx is canceled or Stop is called.
func (p *Pusher) Run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.pusher.Add(); err != nil {
				p.logger.Log(base.LogLevelWarn, "metrics push failed", "err", err)
			}
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the push loop and waits for Run to return.
func (p *Pusher) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	<-p.done
}

// ParseTags parses the server's perf_counter_tags syntax, a comma-separated
// list of key=value pairs (e.g. "cluster=main,job=crawler"), into labels
// usable as Prometheus ConstLabels.
func ParseTags(s string) (map[string]string, error) {
	tags := make(map[string]string)
	if s == "" {
		return tags, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("metrics: malformed tag %q", pair)
		}
		tags[kv[0]] = kv[1]
	}
	return tags, nil
}

// pushOnce is a test seam: it gathers a Registry and returns the names of
// the metric families it would push, one per line, without standing up
// push.Pusher's HTTP client.
func pushOnce(reg *Registry) (*bytes.Buffer, error) {
	mfs, err := reg.reg.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		fmt.Fprintf(&buf, "%s\n", mf.GetName())
	}
	return &buf, nil
}
