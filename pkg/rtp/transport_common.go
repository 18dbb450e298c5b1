// Общий код транспортного слоя: создание и настройка UDP сокетов,
// классификация сетевых ошибок.
//
// Низкоуровневые опции сокета (SO_REUSEPORT, DSCP, привязка к интерфейсу,
// голосовые оптимизации) применяются через net.ListenConfig до привязки
// сокета, так как часть опций после bind уже не действует. Платформенные
// реализации находятся в transport_socket_*.go.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

const (
	// DefaultSendTimeout - таймаут отправки для минимизации задержки голоса
	DefaultSendTimeout = 50 * time.Millisecond

	// DefaultHandshakeTimeout - таймаут DTLS handshake с учетом сетевых задержек
	DefaultHandshakeTimeout = 30 * time.Second

	// VoiceOptimizedRecvBuffer - буфер приема, ~3 секунды аудио G.711
	VoiceOptimizedRecvBuffer = 65535

	// VoiceOptimizedSendBuffer - буфер отправки для сглаживания пиков
	VoiceOptimizedSendBuffer = 65535

	// DSCP значения для QoS маркировки согласно RFC 4594
	DSCPExpeditedForwarding = 46 // EF, интерактивное аудио
	DSCPAssuredForwarding   = 34 // AF41, потоковое видео
	DSCPBestEffort          = 0  // Обычный трафик
)

// ErrorType классифицирует сетевые ошибки транспорта
type ErrorType int

const (
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeTimeout
	ErrorTypeClosed
	ErrorTypeUnreachable
	ErrorTypeRefused
	ErrorTypeValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeClosed:
		return "closed"
	case ErrorTypeUnreachable:
		return "unreachable"
	case ErrorTypeRefused:
		return "refused"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ClassifiedError оборачивает сетевую ошибку с ее классом и признаком
// допустимости повтора операции. Позволяет циклу приема отличать
// штатные таймауты от фатальных ошибок без разбора текста.
type ClassifiedError struct {
	Type      ErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Operation, e.Type, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// classifyNetworkError определяет класс ошибки через errors.Is/As.
// Таймауты и ICMP unreachable считаются повторяемыми: для UDP они
// означают потерю отдельной датаграммы, а не отказ транспорта.
func classifyNetworkError(operation string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	ce := &ClassifiedError{Type: ErrorTypeNetwork, Operation: operation, Err: err}

	switch {
	case errors.Is(err, net.ErrClosed):
		ce.Type = ErrorTypeClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		ce.Type = ErrorTypeTimeout
		ce.Retryable = true
	case errors.Is(err, syscall.ECONNREFUSED):
		ce.Type = ErrorTypeRefused
		ce.Retryable = true
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		ce.Type = ErrorTypeUnreachable
		ce.Retryable = true
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			ce.Type = ErrorTypeTimeout
			ce.Retryable = true
		}
	}

	return ce
}

// isRetryableError сообщает, можно ли продолжать работу после ошибки
// чтения или записи
func isRetryableError(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// createUDPAddr разрешает строковый адрес в *net.UDPAddr
func createUDPAddr(addr string) (*net.UDPAddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("адрес не может быть пустым")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения адреса %q: %w", addr, err)
	}
	return udpAddr, nil
}

// socketControl возвращает Control функцию для net.ListenConfig или
// net.Dialer, применяющую опции сокета до привязки
func socketControl(config TransportConfig) func(network, address string, raw syscall.RawConn) error {
	return func(network, address string, raw syscall.RawConn) error {
		var optErr error
		err := raw.Control(func(fd uintptr) {
			optErr = applySockOpts(fd, config)
		})
		if err != nil {
			return err
		}
		return optErr
	}
}

// applySockOpts применяет низкоуровневые опции сокета согласно конфигурации
func applySockOpts(fd uintptr, config TransportConfig) error {
	if config.ReusePort {
		if err := setSockOptReusePort(fd); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if config.BindToDevice != "" {
		if err := setSockOptBindToDevice(fd, config.BindToDevice); err != nil {
			return fmt.Errorf("привязка к интерфейсу %s: %w", config.BindToDevice, err)
		}
	}
	if config.DSCP > 0 {
		if err := setSockOptDSCP(fd, config.DSCP); err != nil {
			return fmt.Errorf("DSCP %d: %w", config.DSCP, err)
		}
	}
	if config.VoiceOptimized {
		if err := setSockOptVoiceOptimizations(fd); err != nil {
			return fmt.Errorf("голосовые оптимизации: %w", err)
		}
	}
	return nil
}

// tuneSocketBuffers увеличивает буферы сокета для голосового трафика.
// Ошибки игнорируются: ядро может урезать запрошенный размер, что не
// мешает работе.
func tuneSocketBuffers(conn *net.UDPConn, config TransportConfig) {
	recvBuf := VoiceOptimizedRecvBuffer
	sendBuf := VoiceOptimizedSendBuffer
	if config.BufferSize > DefaultBufferSize {
		recvBuf = config.BufferSize * 4
		sendBuf = config.BufferSize * 2
	}
	_ = conn.SetReadBuffer(recvBuf)
	_ = conn.SetWriteBuffer(sendBuf)
}

// listenUDP создает несоединенный UDP сокет с примененными опциями
func listenUDP(config TransportConfig) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: socketControl(config)}
	pc, err := lc.ListenPacket(context.Background(), "udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета на %s: %w", config.LocalAddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", pc)
	}
	tuneSocketBuffers(conn, config)
	return conn, nil
}

// dialUDP создает соединенный UDP сокет (для DTLS, где требуется
// net.Conn с фиксированным удаленным адресом)
func dialUDP(config TransportConfig) (*net.UDPConn, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для соединенного сокета")
	}
	localAddr, err := createUDPAddr(config.LocalAddr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{
		LocalAddr: localAddr,
		Control:   socketControl(config),
	}
	c, err := d.Dial("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с %s: %w", config.RemoteAddr, err)
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("неожиданный тип соединения %T", c)
	}
	tuneSocketBuffers(conn, config)
	return conn, nil
}
