// Package metrics 对账过程与内核命令的Prometheus指标
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

const namespace = "voipfw"

// Registry 持有所有指标，使用独立的prometheus.Registry
type Registry struct {
	reg *prometheus.Registry

	Passes       *prometheus.CounterVec
	PassDuration prometheus.Histogram
	Commands     *prometheus.CounterVec
	Rules        *prometheus.GaugeVec
	Redumps      prometheus.Counter
	LastSuccess  prometheus.Gauge
}

// New 创建并注册指标
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		Passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_commands_total",
			Help:      "iptables commands issued by family, kind and result.",
		}, []string{"family", "kind", "result"}),
		Rules: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "filter_rules",
			Help:      "Rules in the filter table as seen by the mirror.",
		}, []string{"family"}),
		Redumps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_invalidations_total",
			Help:      "Times the rule mirror was dropped and re-read.",
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful pass.",
		}),
	}
}

// Gatherer 用于测试和导出
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObservePass 记录一次对账
func (r *Registry) ObservePass(d time.Duration, err error) {
	r.PassDuration.Observe(d.Seconds())
	if err != nil {
		r.Passes.WithLabelValues("error").Inc()
		return
	}
	r.Passes.WithLabelValues("success").Inc()
	r.LastSuccess.SetToCurrentTime()
}

// SetRuleCounts 更新每个地址族的规则数
func (r *Registry) SetRuleCounts(counts map[iptables.Family]int) {
	for f, n := range counts {
		r.Rules.WithLabelValues(string(f)).Set(float64(n))
	}
}

// InstrumentedExecutor 统计经过的内核命令
type InstrumentedExecutor struct {
	next    iptables.Executor
	metrics *Registry
}

// Instrument 包装执行器
func (r *Registry) Instrument(next iptables.Executor) *InstrumentedExecutor {
	return &InstrumentedExecutor{next: next, metrics: r}
}

// Apply 执行并计数
func (e *InstrumentedExecutor) Apply(ctx context.Context, op iptables.Op) error {
	err := e.next.Apply(ctx, op)
	result := "success"
	if err != nil {
		result = "error"
	}
	e.metrics.Commands.WithLabelValues(string(op.Family), op.Kind.String(), result).Inc()
	return err
}

// Save 执行并计数
func (e *InstrumentedExecutor) Save(ctx context.Context, f iptables.Family) ([]byte, error) {
	out, err := e.next.Save(ctx, f)
	result := "success"
	if err != nil {
		result = "error"
	}
	e.metrics.Commands.WithLabelValues(string(f), "save", result).Inc()
	return out, err
}

// Serve 在listen上提供/metrics，直到ctx取消
func (r *Registry) Serve(ctx context.Context, listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.GetSystemLogger().WithField("listen", listen).Info("指标服务已启动")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
