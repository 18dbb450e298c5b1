package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// UDPTransport реализует Transport поверх несоединенного UDP сокета.
// Оптимизирован для телефонии: короткие дедлайны чтения, отбрасывание
// мусорных датаграмм вместо остановки приема.
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	mu         sync.RWMutex
	remoteAddr *net.UDPAddr
	active     bool
}

// NewUDPTransport создает UDP транспорт для RTP.
// Сокет привязывается к config.LocalAddr с опциями из конфигурации.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	conn, remote, err := newUDPSocket(&config)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{
		conn:       conn,
		config:     config,
		remoteAddr: remote,
		active:     true,
	}, nil
}

// newUDPSocket выполняет общую для всех UDP транспортов подготовку:
// применение значений по умолчанию, валидацию и создание сокета
func newUDPSocket(config *TransportConfig) (*net.UDPConn, *net.UDPAddr, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("неверная конфигурация транспорта: %w", err)
	}

	conn, err := listenUDP(*config)
	if err != nil {
		return nil, nil, err
	}

	var remote *net.UDPAddr
	if config.RemoteAddr != "" {
		remote, err = createUDPAddr(config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, remote, nil
}

// Send отправляет RTP пакет удаленной стороне
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	t.mu.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	if len(data) > MaxRTPPacketSize {
		return fmt.Errorf("пакет %d байт превышает MTU %d", len(data), MaxRTPPacketSize)
	}

	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return classifyNetworkError("отправка RTP", err)
	}
	return nil
}

// Receive принимает следующий RTP пакет. Датаграммы, не похожие на RTP
// (короткие или с неверной версией), молча отбрасываются: на открытом
// медиа порту встречается STUN и прочий мусор.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	buffer := make([]byte, t.config.BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		t.mu.RLock()
		active, conn := t.active, t.conn
		t.mu.RUnlock()
		if !active {
			return nil, nil, fmt.Errorf("транспорт не активен")
		}

		conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			ce := classifyNetworkError("чтение RTP", err)
			if ce.Type == ErrorTypeTimeout {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, ce
		}

		data := buffer[:n]
		if validateRTPData(data) != nil {
			continue
		}

		t.learnRemoteAddr(addr)

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(data); err != nil {
			continue
		}
		return packet, addr, nil
	}
}

// learnRemoteAddr запоминает адрес источника первого пакета, если
// удаленный адрес не был задан (symmetric RTP, RFC 4961)
func (t *UDPTransport) learnRemoteAddr(addr *net.UDPAddr) {
	t.mu.Lock()
	if t.remoteAddr == nil {
		t.remoteAddr = addr
	}
	t.mu.Unlock()
}

// LocalAddr возвращает фактический локальный адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает текущий удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr задает удаленный адрес (например, после SDP answer)
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remote, err := createUDPAddr(addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteAddr = remote
	t.mu.Unlock()
	return nil
}

// Close закрывает сокет. Повторные вызовы безопасны.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive возвращает true, пока транспорт не закрыт
func (t *UDPTransport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// datagram - принятая датаграмма с адресом источника
type datagram struct {
	data []byte
	addr net.Addr
}

// MultiplexedUDPTransport передает RTP и RTCP через один сокет
// согласно RFC 5761 (a=rtcp-mux). Входящие датаграммы демультиплексируются
// по полю payload type: RTCP типы 200-204 не пересекаются с RTP.
//
// Демультиплексирование выполняется в вызовах Receive и ReceiveRTCP:
// каждый из них читает сокет и перекладывает чужие датаграммы в очередь
// другого, поэтому оба метода должны вызываться периодически.
type MultiplexedUDPTransport struct {
	UDPTransport

	rtpQueue  chan datagram
	rtcpQueue chan datagram
}

const muxQueueSize = 64

// NewMultiplexedUDPTransport создает транспорт с rtcp-mux
func NewMultiplexedUDPTransport(config TransportConfig) (*MultiplexedUDPTransport, error) {
	conn, remote, err := newUDPSocket(&config)
	if err != nil {
		return nil, err
	}
	t := &MultiplexedUDPTransport{
		rtpQueue:  make(chan datagram, muxQueueSize),
		rtcpQueue: make(chan datagram, muxQueueSize),
	}
	t.conn = conn
	t.config = config
	t.remoteAddr = remote
	t.active = true
	return t, nil
}

// Receive принимает следующий RTP пакет, перекладывая встреченные
// RTCP датаграммы в очередь для ReceiveRTCP
func (t *MultiplexedUDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	buffer := make([]byte, t.config.BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		select {
		case d := <-t.rtpQueue:
			packet := &rtp.Packet{}
			if err := packet.Unmarshal(d.data); err != nil {
				continue
			}
			return packet, d.addr, nil
		default:
		}

		t.mu.RLock()
		active, conn := t.active, t.conn
		t.mu.RUnlock()
		if !active {
			return nil, nil, fmt.Errorf("транспорт не активен")
		}

		conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			ce := classifyNetworkError("чтение RTP", err)
			if ce.Type == ErrorTypeTimeout {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, ce
		}

		data := buffer[:n]
		if IsRTCPPacket(data) {
			enqueueDatagram(t.rtcpQueue, data, addr)
			continue
		}
		if validateRTPData(data) != nil {
			continue
		}

		t.learnRemoteAddr(addr)

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(data); err != nil {
			continue
		}
		return packet, addr, nil
	}
}

// SendRTCP отправляет RTCP пакет через общий сокет
func (t *MultiplexedUDPTransport) SendRTCP(data []byte) error {
	t.mu.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if remote == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return classifyNetworkError("отправка RTCP", err)
	}
	return nil
}

// ReceiveRTCP принимает следующий RTCP пакет, перекладывая встреченные
// RTP датаграммы в очередь для Receive
func (t *MultiplexedUDPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
	buffer := make([]byte, t.config.BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		select {
		case d := <-t.rtcpQueue:
			return d.data, d.addr, nil
		default:
		}

		t.mu.RLock()
		active, conn := t.active, t.conn
		t.mu.RUnlock()
		if !active {
			return nil, nil, fmt.Errorf("транспорт не активен")
		}

		conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			ce := classifyNetworkError("чтение RTCP", err)
			if ce.Type == ErrorTypeTimeout {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, ce
		}

		data := buffer[:n]
		if IsRTCPPacket(data) {
			return append([]byte(nil), data...), addr, nil
		}
		if validateRTPData(data) == nil {
			enqueueDatagram(t.rtpQueue, data, addr)
		}
	}
}

// enqueueDatagram кладет копию датаграммы в очередь. При переполнении
// выбрасывается самая старая запись: для медиа важнее свежие данные.
func enqueueDatagram(q chan datagram, data []byte, addr net.Addr) {
	cp := append([]byte(nil), data...)
	select {
	case q <- datagram{data: cp, addr: addr}:
	default:
		select {
		case <-q:
		default:
		}
		select {
		case q <- datagram{data: cp, addr: addr}:
		default:
		}
	}
}
