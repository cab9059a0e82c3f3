package exchange

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics implements MetricHook using Prometheus counters.
var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	pushBlocked   *prometheus.CounterVec
	exchanged     *prometheus.CounterVec
	sendCompleted *prometheus.CounterVec
	sendBlocked   *prometheus.CounterVec
	popCompleted  *prometheus.CounterVec
	terminated    *prometheus.CounterVec
}

var metricLabelKeys = []string{"engine", "peer"}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		pushBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_push_blocked_total",
			Help:        "Number of Push calls that found a full send tile",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
		exchanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_exchanged_total",
			Help:        "Number of completed Bulk Exchange rounds",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
		sendCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_send_completed_total",
			Help:        "Number of Async tile shipments that completed",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
		sendBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_send_blocked_total",
			Help:        "Number of Async sends that found the destination's credit not yet clear",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
		popCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_pop_completed_total",
			Help:        "Number of items popped",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "pxchg_terminated_total",
			Help:        "Number of times Proceed observed global termination",
			ConstLabels: opts.ConstLabels,
		}, metricLabelKeys),
	}

	var err error
	if p.pushBlocked, err = registerCounterVec(reg, p.pushBlocked); err != nil {
		return nil, err
	}
	if p.exchanged, err = registerCounterVec(reg, p.exchanged); err != nil {
		return nil, err
	}
	if p.sendCompleted, err = registerCounterVec(reg, p.sendCompleted); err != nil {
		return nil, err
	}
	if p.sendBlocked, err = registerCounterVec(reg, p.sendBlocked); err != nil {
		return nil, err
	}
	if p.popCompleted, err = registerCounterVec(reg, p.popCompleted); err != nil {
		return nil, err
	}
	if p.terminated, err = registerCounterVec(reg, p.terminated); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) PushBlocked(attrs map[string]string)   { p.pushBlocked.With(labels(attrs, metricLabelKeys...)).Inc() }
func (p *PrometheusMetrics) Exchanged(attrs map[string]string)     { p.exchanged.With(labels(attrs, metricLabelKeys...)).Inc() }
func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) { p.sendCompleted.With(labels(attrs, metricLabelKeys...)).Inc() }
func (p *PrometheusMetrics) SendBlocked(attrs map[string]string)   { p.sendBlocked.With(labels(attrs, metricLabelKeys...)).Inc() }
func (p *PrometheusMetrics) PopCompleted(attrs map[string]string)  { p.popCompleted.With(labels(attrs, metricLabelKeys...)).Inc() }
func (p *PrometheusMetrics) Terminated(attrs map[string]string)    { p.terminated.With(labels(attrs, metricLabelKeys...)).Inc() }

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
