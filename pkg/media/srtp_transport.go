package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	rtpPkg "github.com/arzzra/voip_core/pkg/rtp"
	"github.com/arzzra/voip_core/pkg/srtp"
	"github.com/pion/rtp"
)

// SecureTransport оборачивает RTP транспорт шифрованием SRTP: исходящие
// пакеты защищаются перед отправкой, входящие расшифровываются до
// передачи наверх. Контексты направлений раздельные: локальный ключ
// защищает исходящий поток, ключ удаленной стороны проверяет входящий.
//
// Пакет с неверным тегом аутентификации или повтором отбрасывается со
// счетчиком, прием продолжается: ошибка одного пакета финальна только
// для него. Выше декоратора ходят уже открытые пакеты, поэтому учет
// источников и jitter buffer работают с настоящими размерами payload.
type SecureTransport struct {
	inner rtpPkg.Transport
	send  *srtp.Context
	recv  *srtp.Context

	authFailures uint64

	mu            sync.RWMutex
	onAuthFailure func(error)
}

// NewSecureTransport создает SRTP обертку над транспортом.
// Оба контекста обязательны: для работы без шифрования используется
// транспорт напрямую либо контексты SuiteNull.
func NewSecureTransport(inner rtpPkg.Transport, send, recv *srtp.Context) (*SecureTransport, error) {
	if inner == nil {
		return nil, fmt.Errorf("транспорт обязателен")
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("SRTP контексты обоих направлений обязательны")
	}
	return &SecureTransport{inner: inner, send: send, recv: recv}, nil
}

// OnAuthFailure устанавливает обработчик отброшенных входящих пакетов
func (t *SecureTransport) OnAuthFailure(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAuthFailure = handler
}

// Send защищает и отправляет RTP пакет
func (t *SecureTransport) Send(packet *rtp.Packet) error {
	protected, err := t.send.Protect(packet)
	if err != nil {
		return fmt.Errorf("защита RTP пакета: %w", err)
	}
	wirePayload := make([]byte, 0, len(protected.Payload)+len(protected.Tag))
	wirePayload = append(wirePayload, protected.Payload...)
	wirePayload = append(wirePayload, protected.Tag...)
	return t.inner.Send(&rtp.Packet{Header: protected.Header, Payload: wirePayload})
}

// Receive принимает и расшифровывает следующий корректный пакет.
// Пакеты с ошибкой аутентификации пропускаются.
func (t *SecureTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	for {
		packet, addr, err := t.inner.Receive(ctx)
		if err != nil {
			return nil, nil, err
		}
		wire, err := packet.Marshal()
		if err != nil {
			t.recordFailure(err)
			continue
		}
		plain, err := t.recv.UnprotectRTP(wire)
		if err != nil {
			t.recordFailure(err)
			continue
		}
		return plain, addr, nil
	}
}

func (t *SecureTransport) recordFailure(err error) {
	atomic.AddUint64(&t.authFailures, 1)
	t.mu.RLock()
	handler := t.onAuthFailure
	t.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// AuthFailures возвращает число отброшенных входящих пакетов
func (t *SecureTransport) AuthFailures() uint64 {
	return atomic.LoadUint64(&t.authFailures)
}

// LocalAddr возвращает локальный адрес вложенного транспорта
func (t *SecureTransport) LocalAddr() net.Addr { return t.inner.LocalAddr() }

// RemoteAddr возвращает адрес удаленной стороны
func (t *SecureTransport) RemoteAddr() net.Addr { return t.inner.RemoteAddr() }

// Close закрывает вложенный транспорт
func (t *SecureTransport) Close() error { return t.inner.Close() }

// IsActive возвращает состояние вложенного транспорта
func (t *SecureTransport) IsActive() bool { return t.inner.IsActive() }

// SecureRTCPTransport оборачивает RTCP транспорт защитой SRTCP.
// RTCP пакеты ходят как сырые байты, поэтому защита и проверка
// выполняются без пересборки.
type SecureRTCPTransport struct {
	inner rtpPkg.RTCPTransport
	send  *srtp.Context
	recv  *srtp.Context

	authFailures uint64
}

// NewSecureRTCPTransport создает SRTCP обертку над RTCP транспортом.
// Контексты обычно те же, что у парного SecureTransport: из одного
// мастер-ключа выводятся и RTP, и RTCP сессионные ключи.
func NewSecureRTCPTransport(inner rtpPkg.RTCPTransport, send, recv *srtp.Context) (*SecureRTCPTransport, error) {
	if inner == nil {
		return nil, fmt.Errorf("RTCP транспорт обязателен")
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("SRTP контексты обоих направлений обязательны")
	}
	return &SecureRTCPTransport{inner: inner, send: send, recv: recv}, nil
}

// SendRTCP защищает и отправляет compound RTCP пакет
func (t *SecureRTCPTransport) SendRTCP(data []byte) error {
	wire, err := t.send.ProtectRTCP(data)
	if err != nil {
		return fmt.Errorf("защита RTCP пакета: %w", err)
	}
	return t.inner.SendRTCP(wire)
}

// ReceiveRTCP принимает и расшифровывает следующий корректный RTCP пакет
func (t *SecureRTCPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
	for {
		wire, addr, err := t.inner.ReceiveRTCP(ctx)
		if err != nil {
			return nil, nil, err
		}
		plain, err := t.recv.UnprotectRTCP(wire)
		if err != nil {
			atomic.AddUint64(&t.authFailures, 1)
			continue
		}
		return plain, addr, nil
	}
}

// AuthFailures возвращает число отброшенных входящих RTCP пакетов
func (t *SecureRTCPTransport) AuthFailures() uint64 {
	return atomic.LoadUint64(&t.authFailures)
}

// LocalAddr возвращает локальный адрес вложенного транспорта
func (t *SecureRTCPTransport) LocalAddr() net.Addr { return t.inner.LocalAddr() }

// RemoteAddr возвращает адрес удаленной стороны
func (t *SecureRTCPTransport) RemoteAddr() net.Addr { return t.inner.RemoteAddr() }

// Close закрывает вложенный транспорт
func (t *SecureRTCPTransport) Close() error { return t.inner.Close() }

// IsActive возвращает состояние вложенного транспорта
func (t *SecureRTCPTransport) IsActive() bool { return t.inner.IsActive() }
