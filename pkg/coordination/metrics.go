package coordination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация метрик хаба событий
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
		Subsystem:  "coordination",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// Metrics собирает Prometheus метрики хаба событий.
// Все методы безопасны для nil получателя.
type Metrics struct {
	enabled bool

	eventsPublished *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	eventsDropped   *prometheus.CounterVec
	handlerErrors   prometheus.Counter
	handlerPanics   prometheus.Counter
	sessionsTotal   prometheus.Counter
	sessionsActive  prometheus.Gauge
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

	m.eventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "events_published_total",
		Help:      "Total number of events published to the hub by source",
	}, []string{"source"})

	m.eventsDelivered = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "events_delivered_total",
		Help:      "Total number of successful handler deliveries",
	})

	m.eventsDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "events_dropped_total",
		Help:      "Total number of events dropped without a session mapping",
	}, []string{"source"})

	m.handlerErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "handler_errors_total",
		Help:      "Total number of handler errors",
	})

	m.handlerPanics = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "handler_panics_total",
		Help:      "Total number of recovered handler panics",
	})

	m.sessionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "sessions_total",
		Help:      "Total number of sessions created",
	})

	m.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "sessions_active",
		Help:      "Number of sessions with live dialog mappings",
	})

	return m
}

// EventPublished учитывает публикацию события из источника
func (m *Metrics) EventPublished(source string) {
	if m == nil || !m.enabled {
		return
	}
	m.eventsPublished.WithLabelValues(source).Inc()
}

// EventDelivered учитывает успешную доставку обработчику
func (m *Metrics) EventDelivered() {
	if m == nil || !m.enabled {
		return
	}
	m.eventsDelivered.Inc()
}

// EventDropped учитывает событие, отброшенное без сессии
func (m *Metrics) EventDropped(source string) {
	if m == nil || !m.enabled {
		return
	}
	m.eventsDropped.WithLabelValues(source).Inc()
}

// HandlerError учитывает ошибку обработчика
func (m *Metrics) HandlerError() {
	if m == nil || !m.enabled {
		return
	}
	m.handlerErrors.Inc()
}

// HandlerPanic учитывает перехваченную панику обработчика
func (m *Metrics) HandlerPanic() {
	if m == nil || !m.enabled {
		return
	}
	m.handlerPanics.Inc()
}

// SessionCreated учитывает создание сессии
func (m *Metrics) SessionCreated() {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

// SessionReleased учитывает снятие соответствий сессии
func (m *Metrics) SessionReleased() {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsActive.Dec()
}
