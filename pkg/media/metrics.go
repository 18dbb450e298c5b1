package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig задает параметры экспорта метрик Prometheus
type MetricsConfig struct {
	// Enabled включает сбор метрик
	Enabled bool
	// Namespace - префикс имен метрик, по умолчанию "media"
	Namespace string
	// Subsystem - подсистема в имени метрики, по умолчанию "controller"
	Subsystem string
	// Registerer для регистрации коллекторов, nil означает
	// prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает включенную конфигурацию с
// регистрацией в глобальном реестре
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "media",
		Subsystem: "controller",
	}
}

// Metrics - счетчики медиа слоя. Все методы безопасны при nil
// получателе, контроллер и сессии не проверяют, включены ли метрики.
type Metrics struct {
	enabled bool

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	monitorsActive   prometheus.Gauge
	qualityEvents    *prometheus.CounterVec
	dtmfSent         prometheus.Counter
	dtmfReceived     prometheus.Counter
	srtpAuthFailures prometheus.Counter
	mosScore         prometheus.Histogram
}

// NewMetrics создает и регистрирует коллекторы
func NewMetrics(config MetricsConfig) *Metrics {
	if !config.Enabled {
		return &Metrics{}
	}
	if config.Namespace == "" {
		config.Namespace = "media"
	}
	if config.Subsystem == "" {
		config.Subsystem = "controller"
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_sessions",
			Help:      "Текущее число медиа сессий.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sessions_total",
			Help:      "Общее число созданных медиа сессий.",
		}),
		monitorsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "active_monitors",
			Help:      "Текущее число циклов мониторинга статистики.",
		}),
		qualityEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "quality_events_total",
			Help:      "Опубликованные события качества по типам.",
		}, []string{"type"}),
		dtmfSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "dtmf_sent_total",
			Help:      "Отправленные DTMF события.",
		}),
		dtmfReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "dtmf_received_total",
			Help:      "Принятые DTMF события.",
		}),
		srtpAuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "srtp_auth_failures_total",
			Help:      "Входящие пакеты, отброшенные проверкой SRTP.",
		}),
		mosScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "mos_score",
			Help:      "Оценка качества MOS по замерам мониторинга.",
			Buckets:   prometheus.LinearBuckets(1.0, 0.5, 9),
		}),
	}
}

// SessionOpened учитывает создание медиа сессии
func (m *Metrics) SessionOpened() {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed учитывает удаление медиа сессии
func (m *Metrics) SessionClosed() {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsActive.Dec()
}

// MonitorStarted учитывает запуск цикла мониторинга
func (m *Metrics) MonitorStarted() {
	if m == nil || !m.enabled {
		return
	}
	m.monitorsActive.Inc()
}

// MonitorStopped учитывает завершение цикла мониторинга
func (m *Metrics) MonitorStopped() {
	if m == nil || !m.enabled {
		return
	}
	m.monitorsActive.Dec()
}

// QualityEvent учитывает опубликованное событие качества
func (m *Metrics) QualityEvent(kind string) {
	if m == nil || !m.enabled {
		return
	}
	m.qualityEvents.WithLabelValues(kind).Inc()
}

// DTMFSent учитывает отправленное DTMF событие
func (m *Metrics) DTMFSent() {
	if m == nil || !m.enabled {
		return
	}
	m.dtmfSent.Inc()
}

// DTMFReceived учитывает принятое DTMF событие
func (m *Metrics) DTMFReceived() {
	if m == nil || !m.enabled {
		return
	}
	m.dtmfReceived.Inc()
}

// SRTPAuthFailure учитывает пакет, отброшенный проверкой SRTP
func (m *Metrics) SRTPAuthFailure() {
	if m == nil || !m.enabled {
		return
	}
	m.srtpAuthFailures.Inc()
}

// ObserveMOS записывает замер оценки качества
func (m *Metrics) ObserveMOS(mos float64) {
	if m == nil || !m.enabled {
		return
	}
	m.mosScore.Observe(mos)
}
