package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig задает параметры экспорта метрик Prometheus
type MetricsConfig struct {
	// Enabled включает сбор метрик
	Enabled bool
	// Namespace - префикс имен метрик, по умолчанию "rtp"
	Namespace string
	// Subsystem - подсистема в имени метрики, по умолчанию "session"
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
		Namespace: "rtp",
		Subsystem: "session",
	}
}

// Metrics - счетчики и гистограммы RTP слоя. Все методы безопасны
// при nil получателе: код транспорта и сессий не проверяет, включены
// ли метрики.
type Metrics struct {
	enabled bool

	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsLost     prometheus.Counter
	rtcpSent        *prometheus.CounterVec
	rtcpReceived    prometheus.Counter
	transportErrors *prometheus.CounterVec
	jitterMillis    prometheus.Histogram
	rttMillis       prometheus.Histogram
}

// NewMetrics создает и регистрирует коллекторы
func NewMetrics(config MetricsConfig) *Metrics {
	if !config.Enabled {
		return &Metrics{}
	}
	if config.Namespace == "" {
		config.Namespace = "rtp"
	}
	if config.Subsystem == "" {
		config.Subsystem = "session"
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		enabled: true,
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "packets_sent_total",
			Help:      "Общее число отправленных RTP пакетов.",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "packets_received_total",
			Help:      "Общее число принятых RTP пакетов.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bytes_sent_total",
			Help:      "Общий объем отправленных RTP данных в байтах.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "bytes_received_total",
			Help:      "Общий объем принятых RTP данных в байтах.",
		}),
		packetsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "packets_lost_total",
			Help:      "Накопленные потери пакетов по данным приема.",
		}),
		rtcpSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "rtcp_reports_sent_total",
			Help:      "Отправленные RTCP отчеты по типам.",
		}, []string{"type"}),
		rtcpReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "rtcp_packets_received_total",
			Help:      "Принятые RTCP compound пакеты.",
		}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "transport_errors_total",
			Help:      "Ошибки транспорта по операциям.",
		}, []string{"op"}),
		jitterMillis: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "jitter_milliseconds",
			Help:      "Межпакетный джиттер в миллисекундах.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		rttMillis: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "rtt_milliseconds",
			Help:      "Время кругового обращения по данным RTCP.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// PacketSent учитывает отправленный RTP пакет
func (m *Metrics) PacketSent(bytes int) {
	if m == nil || !m.enabled {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

// PacketReceived учитывает принятый RTP пакет
func (m *Metrics) PacketReceived(bytes int) {
	if m == nil || !m.enabled {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

// PacketsLost учитывает прирост накопленных потерь
func (m *Metrics) PacketsLost(delta uint32) {
	if m == nil || !m.enabled {
		return
	}
	m.packetsLost.Add(float64(delta))
}

// RTCPSent учитывает отправленный RTCP отчет данного типа
func (m *Metrics) RTCPSent(kind string) {
	if m == nil || !m.enabled {
		return
	}
	m.rtcpSent.WithLabelValues(kind).Inc()
}

// RTCPReceived учитывает принятый RTCP пакет
func (m *Metrics) RTCPReceived() {
	if m == nil || !m.enabled {
		return
	}
	m.rtcpReceived.Inc()
}

// TransportError учитывает ошибку транспорта в операции op
func (m *Metrics) TransportError(op string) {
	if m == nil || !m.enabled {
		return
	}
	m.transportErrors.WithLabelValues(op).Inc()
}

// ObserveJitter записывает значение джиттера в миллисекундах
func (m *Metrics) ObserveJitter(ms float64) {
	if m == nil || !m.enabled {
		return
	}
	m.jitterMillis.Observe(ms)
}

// ObserveRTT записывает значение RTT в миллисекундах
func (m *Metrics) ObserveRTT(ms float64) {
	if m == nil || !m.enabled {
		return
	}
	m.rttMillis.Observe(ms)
}
