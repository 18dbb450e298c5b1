package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает Prometheus метрики транзакционного слоя
type Metrics struct {
	enabled bool

	transactionsTotal  *prometheus.CounterVec
	transactionsActive prometheus.Gauge
	terminatedTotal    prometheus.Counter
}

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// Enabled включает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр Prometheus; nil отключает сбор
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:    true,
		Namespace:  "sip",
		Subsystem:  "transaction",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// NewMetrics создает сборщик метрик
func NewMetrics(config *MetricsConfig) *Metrics {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled || config.Registerer == nil {
		return &Metrics{enabled: false}
	}

	factory := promauto.With(config.Registerer)

	return &Metrics{
		enabled: true,
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transactions_total",
			Help:      "Total number of SIP transactions created",
		}, []string{"role", "method"}),
		transactionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transactions_active",
			Help:      "Number of currently active SIP transactions",
		}),
		terminatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transactions_terminated_total",
			Help:      "Total number of terminated SIP transactions",
		}),
	}
}

// TransactionCreated учитывает созданную транзакцию
func (m *Metrics) TransactionCreated(role, method string) {
	if m == nil || !m.enabled {
		return
	}
	m.transactionsTotal.WithLabelValues(role, method).Inc()
	m.transactionsActive.Inc()
}

// TransactionTerminated учитывает завершенную транзакцию
func (m *Metrics) TransactionTerminated() {
	if m == nil || !m.enabled {
		return
	}
	m.transactionsActive.Dec()
	m.terminatedTotal.Inc()
}
