package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 拦截器 Prometheus 指标
type Metrics struct {
	CallsTotal      *prometheus.CounterVec
	InterceptsTotal *prometheus.CounterVec
	PassTotal       *prometheus.CounterVec
	TransformErrors *prometheus.CounterVec
	ReportsDropped  prometheus.Counter
	ReportErrors    *prometheus.CounterVec
	RulesLoaded     prometheus.Gauge
	Enabled         prometheus.Gauge
}

// NewMetrics 注册并返回拦截器指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mocktail_calls_total",
			Help: "Requests observed by the interceptor.",
		}, []string{"primitive"}),
		InterceptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mocktail_intercepts_total",
			Help: "Responses substituted, by rule and primitive.",
		}, []string{"rule", "primitive"}),
		PassTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mocktail_pass_through_total",
			Help: "Responses passed through unchanged, by reason.",
		}, []string{"reason"}),
		TransformErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mocktail_transform_errors_total",
			Help: "Transform failures by error kind.",
		}, []string{"kind"}),
		ReportsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mocktail_reports_dropped_total",
			Help: "Intercept reports dropped because the report queue was full.",
		}),
		ReportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mocktail_report_errors_total",
			Help: "Failed deliveries to the settings bridge.",
		}, []string{"kind"}),
		RulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "mocktail_rules_loaded",
			Help: "Rules in the current settings snapshot.",
		}),
		Enabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "mocktail_enabled",
			Help: "1 when interception is enabled.",
		}),
	}
}

// ObserveCall 记录一次被观察的调用
func (m *Metrics) ObserveCall(primitive string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(primitive).Inc()
}

// ObserveIntercept 记录一次成功替换
func (m *Metrics) ObserveIntercept(rule, primitive string) {
	if m == nil {
		return
	}
	m.InterceptsTotal.WithLabelValues(rule, primitive).Inc()
}

// ObservePass 记录一次放行
func (m *Metrics) ObservePass(reason string) {
	if m == nil {
		return
	}
	m.PassTotal.WithLabelValues(reason).Inc()
}

// ObserveTransformError 记录转换失败
func (m *Metrics) ObserveTransformError(kind string) {
	if m == nil {
		return
	}
	m.TransformErrors.WithLabelValues(kind).Inc()
}

// ObserveReportDropped 记录被丢弃的上报
func (m *Metrics) ObserveReportDropped() {
	if m == nil {
		return
	}
	m.ReportsDropped.Inc()
}

// ObserveReportError 记录上报失败
func (m *Metrics) ObserveReportError(kind string) {
	if m == nil {
		return
	}
	m.ReportErrors.WithLabelValues(kind).Inc()
}

// SetSettings 更新快照相关的指标
func (m *Metrics) SetSettings(enabled bool, rules int) {
	if m == nil {
		return
	}
	if enabled {
		m.Enabled.Set(1)
	} else {
		m.Enabled.Set(0)
	}
	m.RulesLoaded.Set(float64(rules))
}
