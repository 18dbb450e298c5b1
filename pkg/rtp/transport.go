package rtp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtp"
)

// Константы транспортного слоя
const (
	// MinRTPPacketSize - минимальный размер RTP пакета (только заголовок)
	MinRTPPacketSize = 12
	// MaxRTPPacketSize - максимальный размер RTP пакета для UDP без фрагментации
	MaxRTPPacketSize = 1500
	// ExpectedRTPVersion - версия RTP согласно RFC 3550
	ExpectedRTPVersion = 2
	// DefaultBufferSize - размер буфера чтения по умолчанию
	DefaultBufferSize = 1500
	// DefaultReceiveTimeout - шаг дедлайна чтения, позволяющий проверять контекст
	DefaultReceiveTimeout = 100 * time.Millisecond
)

// Transport определяет интерфейс для отправки и приема RTP пакетов.
// Реализации: UDPTransport, MultiplexedUDPTransport, DTLSTransport.
type Transport interface {
	// Send отправляет RTP пакет удаленной стороне
	Send(packet *rtp.Packet) error

	// Receive принимает RTP пакет. Блокируется до получения пакета
	// или отмены контекста.
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает адрес удаленной стороны (nil, если не задан)
	RemoteAddr() net.Addr

	// Close закрывает транспорт и освобождает ресурсы
	Close() error

	// IsActive возвращает true, если транспорт готов к работе
	IsActive() bool
}

// RTCPTransport определяет интерфейс для обмена RTCP пакетами.
// RTCP пакеты передаются как сырые байты: формирование и разбор
// compound пакетов выполняет RTCP сессия.
type RTCPTransport interface {
	SendRTCP(data []byte) error
	ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
	IsActive() bool
}

// MultiplexedTransport передает RTP и RTCP через один сокет (RFC 5761,
// rtcp-mux). Сессия определяет поддержку мультиплексирования через
// type assertion на этот интерфейс.
type MultiplexedTransport interface {
	Transport
	RTCPTransport
}

// TransportConfig задает параметры сетевого транспорта.
// Обязателен только LocalAddr, остальные поля имеют разумные значения
// по умолчанию (см. applyDefaults).
type TransportConfig struct {
	// LocalAddr - локальный адрес в формате host:port, порт 0 выбирает ОС
	LocalAddr string
	// RemoteAddr - адрес удаленной стороны. Может быть пустым и задан
	// позже через SetRemoteAddr (например, после SDP answer).
	RemoteAddr string
	// BufferSize - размер буфера чтения датаграмм
	BufferSize int
	// ReceiveTimeout - шаг дедлайна чтения при проверке контекста
	ReceiveTimeout time.Duration
	// ReusePort включает SO_REUSEPORT (балансировка между процессами)
	ReusePort bool
	// DSCP - значение DiffServ для исходящих пакетов (46 = EF для голоса)
	DSCP int
	// BindToDevice привязывает сокет к сетевому интерфейсу (только Linux)
	BindToDevice string
	// VoiceOptimized включает увеличенные буферы сокета и платформенные
	// оптимизации для голосового трафика
	VoiceOptimized bool
}

// DefaultTransportConfig возвращает конфигурацию для типичной VoIP сессии
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		LocalAddr:      "0.0.0.0:0",
		BufferSize:     DefaultBufferSize,
		ReceiveTimeout: DefaultReceiveTimeout,
	}
}

func (c *TransportConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет корректность конфигурации
func (c *TransportConfig) Validate() error {
	if c.LocalAddr == "" {
		return fmt.Errorf("локальный адрес обязателен")
	}
	if _, err := net.ResolveUDPAddr("udp", c.LocalAddr); err != nil {
		return fmt.Errorf("некорректный локальный адрес %q: %w", c.LocalAddr, err)
	}
	if c.RemoteAddr != "" {
		if _, err := net.ResolveUDPAddr("udp", c.RemoteAddr); err != nil {
			return fmt.Errorf("некорректный удаленный адрес %q: %w", c.RemoteAddr, err)
		}
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63, получено %d", c.DSCP)
	}
	return nil
}

// validateRTPData выполняет базовую проверку входящей датаграммы перед
// разбором: минимальный размер и версия протокола. Защищает от
// мусорного трафика на открытом UDP порту.
func validateRTPData(data []byte) error {
	if len(data) < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком короткий: %d байт (минимум %d)", len(data), MinRTPPacketSize)
	}
	if version := data[0] >> 6; version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", version, ExpectedRTPVersion)
	}
	return nil
}
