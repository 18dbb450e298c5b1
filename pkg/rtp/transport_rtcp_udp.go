package rtp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// UDPRTCPTransport реализует RTCPTransport поверх отдельного UDP сокета.
// Классическая схема RFC 3550: RTCP идет на порту RTP+1.
type UDPRTCPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	mu         sync.RWMutex
	remoteAddr *net.UDPAddr
	active     bool
}

// NewUDPRTCPTransport создает RTCP транспорт на отдельном порту
func NewUDPRTCPTransport(config TransportConfig) (*UDPRTCPTransport, error) {
	conn, remote, err := newUDPSocket(&config)
	if err != nil {
		return nil, err
	}
	return &UDPRTCPTransport{
		conn:       conn,
		config:     config,
		remoteAddr: remote,
		active:     true,
	}, nil
}

// SendRTCP отправляет RTCP пакет удаленной стороне
func (t *UDPRTCPTransport) SendRTCP(data []byte) error {
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

// ReceiveRTCP принимает следующий RTCP пакет. Датаграммы, не похожие
// на RTCP, отбрасываются.
func (t *UDPRTCPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
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
		if !IsRTCPPacket(data) {
			continue
		}

		t.mu.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
		}
		t.mu.Unlock()

		return append([]byte(nil), data...), addr, nil
	}
}

// LocalAddr возвращает фактический локальный адрес сокета
func (t *UDPRTCPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает текущий удаленный адрес
func (t *UDPRTCPTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr задает удаленный адрес
func (t *UDPRTCPTransport) SetRemoteAddr(addr string) error {
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
func (t *UDPRTCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive возвращает true, пока транспорт не закрыт
func (t *UDPRTCPTransport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// TransportPair - пара RTP/RTCP транспортов на смежных портах
type TransportPair struct {
	RTP  *UDPTransport
	RTCP *UDPRTCPTransport
}

// maxPortPairAttempts ограничивает подбор свободной пары портов
const maxPortPairAttempts = 10

// NewUDPTransportPair создает пару транспортов по классической схеме:
// RTP на четном порту, RTCP на следующем нечетном. Если в конфигурации
// указан порт 0, свободная четная пара подбирается перебором.
// config.RemoteAddr трактуется как адрес удаленного RTP, удаленный
// RTCP выводится как тот же хост с портом+1.
func NewUDPTransportPair(config TransportConfig) (*TransportPair, error) {
	host, portStr, err := net.SplitHostPort(config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("некорректный локальный адрес %q: %w", config.LocalAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("некорректный порт %q: %w", portStr, err)
	}

	remoteAddr := config.RemoteAddr
	config.RemoteAddr = ""

	pair, err := allocatePortPair(config, host, port)
	if err != nil {
		return nil, err
	}

	if remoteAddr != "" {
		if err := pair.SetRemoteAddr(remoteAddr); err != nil {
			pair.Close()
			return nil, err
		}
	}
	return pair, nil
}

func allocatePortPair(config TransportConfig, host string, port int) (*TransportPair, error) {
	if port != 0 {
		return bindPortPair(config, host, port)
	}

	for attempt := 0; attempt < maxPortPairAttempts; attempt++ {
		probe := config
		probe.LocalAddr = net.JoinHostPort(host, "0")
		rtpT, err := NewUDPTransport(probe)
		if err != nil {
			return nil, err
		}

		p := rtpT.LocalAddr().(*net.UDPAddr).Port
		if p%2 != 0 {
			rtpT.Close()
			continue
		}

		rtcpCfg := config
		rtcpCfg.LocalAddr = net.JoinHostPort(host, strconv.Itoa(p+1))
		rtcpT, err := NewUDPRTCPTransport(rtcpCfg)
		if err != nil {
			rtpT.Close()
			continue
		}
		return &TransportPair{RTP: rtpT, RTCP: rtcpT}, nil
	}
	return nil, fmt.Errorf("не удалось подобрать свободную пару портов за %d попыток", maxPortPairAttempts)
}

func bindPortPair(config TransportConfig, host string, port int) (*TransportPair, error) {
	rtpCfg := config
	rtpCfg.LocalAddr = net.JoinHostPort(host, strconv.Itoa(port))
	rtpT, err := NewUDPTransport(rtpCfg)
	if err != nil {
		return nil, err
	}

	rtcpCfg := config
	rtcpCfg.LocalAddr = net.JoinHostPort(host, strconv.Itoa(port+1))
	rtcpT, err := NewUDPRTCPTransport(rtcpCfg)
	if err != nil {
		rtpT.Close()
		return nil, err
	}
	return &TransportPair{RTP: rtpT, RTCP: rtcpT}, nil
}

// SetRemoteAddr задает удаленный адрес RTP и выводит адрес RTCP
// как тот же хост с портом+1
func (p *TransportPair) SetRemoteAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("некорректный удаленный адрес %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("некорректный порт %q: %w", portStr, err)
	}
	if err := p.RTP.SetRemoteAddr(addr); err != nil {
		return err
	}
	return p.RTCP.SetRemoteAddr(net.JoinHostPort(host, strconv.Itoa(port+1)))
}

// Close закрывает оба транспорта, возвращая первую ошибку
func (p *TransportPair) Close() error {
	rtpErr := p.RTP.Close()
	rtcpErr := p.RTCP.Close()
	if rtpErr != nil {
		return rtpErr
	}
	return rtcpErr
}

// IsActive возвращает true, если оба транспорта активны
func (p *TransportPair) IsActive() bool {
	return p.RTP.IsActive() && p.RTCP.IsActive()
}
