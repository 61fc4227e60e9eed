package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perp-riskgate/capital"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersSubmitted *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersSettled   *prometheus.CounterVec
	placeLatency    prometheus.Histogram

	// 风控指标
	guardFailures    *prometheus.CounterVec
	killSwitchActive prometheus.Gauge
	killSwitchFlips  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec

	// 资金指标
	poolSize      *prometheus.GaugeVec
	poolAllocated *prometheus.GaugeVec
	poolAvailable *prometheus.GaugeVec
	safeMode      *prometheus.GaugeVec
	drawdown      *prometheus.GaugeVec
	reservations  *prometheus.CounterVec

	// 系统指标
	feedConnects    prometheus.Counter
	feedDisconnects prometheus.Counter
	feedMessages    *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "riskgate",
		Subsystem: "pretrade",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Monitor{
		registry: reg,

		ordersSubmitted: counterVec("orders_submitted_total", "进入风控流水线的订单数", "exchange"),
		ordersPlaced:    counterVec("orders_placed_total", "通过风控并成功下单的订单数", "exchange"),
		ordersRejected:  counterVec("orders_rejected_total", "按拒绝类别统计的订单数", "category"),
		ordersSettled:   counterVec("orders_settled_total", "订单最终状态", "outcome"),
		placeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "place_latency_seconds",
			Help:      "外部下单调用耗时（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),

		guardFailures: counterVec("guard_failures_total", "各风控守卫的失败次数", "guard"),
		killSwitchActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "kill_switch_active",
			Help:      "熔断开关状态（1=ACTIVATED）",
		}),
		killSwitchFlips: counterVec("kill_switch_changes_total", "熔断开关切换次数", "state"),
		breakerState:    gaugeVec("breaker_state", "下单熔断器状态（0=closed 1=half-open 2=open）", "exchange"),

		poolSize:      gaugeVec("capital_pool_size", "资金池大小", "exchange", "tier"),
		poolAllocated: gaugeVec("capital_pool_allocated", "资金池已占用", "exchange", "tier"),
		poolAvailable: gaugeVec("capital_pool_available", "资金池可用", "exchange", "tier"),
		safeMode:      gaugeVec("capital_safe_mode", "交易所安全模式（1=开启）", "exchange"),
		drawdown:      gaugeVec("capital_drawdown_pct", "交易所当前回撤比例", "exchange"),
		reservations:  counterVec("capital_reservations_total", "资金预留结果", "strategy", "result"),

		feedConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "feed_connects_total",
			Help:      "资金推送连接次数",
		}),
		feedDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "feed_disconnects_total",
			Help:      "资金推送断开次数",
		}),
		feedMessages:  counterVec("feed_messages_total", "资金推送消息数", "type"),
		configReloads: counterVec("config_reloads_total", "配置热更新次数", "result"),
	}

	return m
}

// 订单相关方法
func (m *Monitor) RecordSubmitted(exchange string) {
	m.ordersSubmitted.WithLabelValues(exchange).Inc()
}

func (m *Monitor) RecordPlaced(exchange string, latency time.Duration) {
	m.ordersPlaced.WithLabelValues(exchange).Inc()
	m.placeLatency.Observe(latency.Seconds())
}

func (m *Monitor) RecordRejected(category string) {
	m.ordersRejected.WithLabelValues(category).Inc()
}

func (m *Monitor) RecordSettled(outcome string) {
	m.ordersSettled.WithLabelValues(outcome).Inc()
}

// 风控相关方法
func (m *Monitor) RecordGuardFailure(guard string) {
	m.guardFailures.WithLabelValues(guard).Inc()
}

// KillSwitchChanged 同步开关状态。
func (m *Monitor) KillSwitchChanged(active bool) {
	state := "normal"
	if active {
		state = "activated"
		m.killSwitchActive.Set(1)
	} else {
		m.killSwitchActive.Set(0)
	}
	m.killSwitchFlips.WithLabelValues(state).Inc()
}

func (m *Monitor) UpdateBreakerState(exchange string, state int) {
	m.breakerState.WithLabelValues(exchange).Set(float64(state))
}

// 资金相关方法，实现 capital.Observer
func (m *Monitor) PoolChanged(exchange string, snap capital.PoolSnapshot) {
	m.poolSize.WithLabelValues(exchange, snap.Tier).Set(snap.Size)
	m.poolAllocated.WithLabelValues(exchange, snap.Tier).Set(snap.Allocated)
	m.poolAvailable.WithLabelValues(exchange, snap.Tier).Set(snap.Available)
}

func (m *Monitor) SafeModeChanged(exchange string, safe bool, drawdownPct float64) {
	v := 0.0
	if safe {
		v = 1
	}
	m.safeMode.WithLabelValues(exchange).Set(v)
	m.drawdown.WithLabelValues(exchange).Set(drawdownPct)
}

func (m *Monitor) ReservationFinished(strategy string, approved bool) {
	result := "rejected"
	if approved {
		result = "approved"
	}
	m.reservations.WithLabelValues(strategy, result).Inc()
}

// 系统相关方法
func (m *Monitor) RecordFeedConnect() {
	m.feedConnects.Inc()
}

func (m *Monitor) RecordFeedDisconnect() {
	m.feedDisconnects.Inc()
}

func (m *Monitor) RecordFeedMessage(kind string) {
	m.feedMessages.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordConfigReload(ok bool) {
	if ok {
		m.configReloads.WithLabelValues("ok").Inc()
		return
	}
	m.configReloads.WithLabelValues("failed").Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

var _ capital.Observer = (*Monitor)(nil)
