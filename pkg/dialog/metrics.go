package dialog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик диалогового слоя
type MetricsConfig struct {
	// Enabled включает сбор метрик
	Enabled bool

	// Namespace префикс Prometheus метрик
	Namespace string

	// Subsystem подсистема Prometheus метрик
	Subsystem string

	// Registerer реестр для регистрации метрик, nil отключает сбор
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:    true,
		Namespace:  "sip",
		Subsystem:  "dialog",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// Metrics собирает Prometheus метрики диалогового слоя.
// Все методы безопасны для nil получателя: выключенные метрики
// не требуют проверок на стороне вызывающего.
type Metrics struct {
	enabled bool

	dialogsTotal             prometheus.Counter
	dialogsActive            prometheus.Gauge
	dialogDuration           prometheus.Histogram
	stateTransitions         *prometheus.CounterVec
	recoveriesTotal          prometheus.Counter
	recoveriesCompletedTotal prometheus.Counter
}

// NewMetrics создает сборщик метрик. Нулевая конфигурация или
// отсутствующий Registerer дают выключенный сборщик.
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled || config.Registerer == nil {
		return &Metrics{}
	}

	factory := promauto.With(config.Registerer)
	m := &Metrics{enabled: true}

	m.dialogsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "dialogs_total",
		Help:      "Total number of SIP dialogs registered",
	})

	m.dialogsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "dialogs_active",
		Help:      "Number of currently active SIP dialogs",
	})

	m.dialogDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "dialog_duration_seconds",
		Help:      "Duration of SIP dialogs in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 3600},
	})

	m.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "state_transitions_total",
		Help:      "Total number of dialog state transitions",
	}, []string{"from_state", "to_state"})

	m.recoveriesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "recoveries_total",
		Help:      "Total number of dialog recovery attempts",
	})

	m.recoveriesCompletedTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "recoveries_completed_total",
		Help:      "Total number of successfully completed dialog recoveries",
	})

	return m
}

// DialogCreated учитывает регистрацию нового диалога
func (m *Metrics) DialogCreated() {
	if m == nil || !m.enabled {
		return
	}
	m.dialogsTotal.Inc()
	m.dialogsActive.Inc()
}

// DialogTerminated учитывает завершение диалога и его длительность
func (m *Metrics) DialogTerminated(duration time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.dialogsActive.Dec()
	m.dialogDuration.Observe(duration.Seconds())
}

// StateTransition учитывает переход состояния диалога
func (m *Metrics) StateTransition(from, to DialogState) {
	if m == nil || !m.enabled {
		return
	}
	m.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecoveryStarted учитывает вход диалога в режим восстановления
func (m *Metrics) RecoveryStarted() {
	if m == nil || !m.enabled {
		return
	}
	m.recoveriesTotal.Inc()
}

// RecoveryCompleted учитывает успешное восстановление
func (m *Metrics) RecoveryCompleted() {
	if m == nil || !m.enabled {
		return
	}
	m.recoveriesCompletedTotal.Inc()
}
