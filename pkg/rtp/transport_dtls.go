package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"

	"github.com/arzzra/voip_core/pkg/srtp"
)

// defaultDTLSMTU ограничивает размер DTLS записи, чтобы запись с
// заголовками помещалась в типичный путь 1500 байт без IP фрагментации
const defaultDTLSMTU = 1200

// defaultReplayWindow - окно защиты от повторов по умолчанию
const defaultReplayWindow = 64

// DTLSTransportConfig задает параметры DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	// IsServer выбирает роль в рукопожатии: сервер ждет ClientHello,
	// клиент инициирует обмен. В SIP роль определяется SDP атрибутом
	// setup (RFC 5763).
	IsServer bool

	// Сертификаты и доверенные центры
	Certificates []tls.Certificate
	RootCAs      *x509.CertPool
	ClientCAs    *x509.CertPool
	ServerName   string

	// PSK настройки для окружений без PKI
	PSK             func(hint []byte) ([]byte, error)
	PSKIdentityHint []byte

	// CipherSuites ограничивает допустимые наборы шифров. Пустой
	// список означает значения по умолчанию: ECDHE наборы для
	// сертификатов, PSK наборы при заданном PSK.
	CipherSuites []dtls.CipherSuiteID

	// InsecureSkipVerify отключает проверку сертификата удаленной
	// стороны. В DTLS-SRTP по RFC 5763 подлинность сертификата
	// подтверждает fingerprint из SDP, а не PKI.
	InsecureSkipVerify bool

	// HandshakeTimeout ограничивает длительность рукопожатия
	HandshakeTimeout time.Duration

	// MTU для фрагментации DTLS записей
	MTU int

	// ReplayProtectionWindow - окно защиты от повторов
	ReplayProtectionWindow int
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
// с наборами шифров, рекомендуемыми для VoIP
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:        DefaultTransportConfig(),
		HandshakeTimeout:       DefaultHandshakeTimeout,
		MTU:                    defaultDTLSMTU,
		ReplayProtectionWindow: defaultReplayWindow,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			dtls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// DTLSTransport передает RTP пакеты через DTLS соединение и служит
// источником ключевого материала для SRTP (DTLS-SRTP, RFC 5764).
//
// Сокет создается при конструировании, само соединение устанавливает
// Handshake: к этому моменту сигнализация уже сообщила адрес и роль
// удаленной стороны. До завершения рукопожатия Send и Receive
// возвращают ошибку.
type DTLSTransport struct {
	config DTLSTransportConfig

	udpConn  *net.UDPConn // соединенный сокет клиента, nil для сервера
	listener net.Listener // DTLS listener сервера, nil для клиента

	handshakeMu sync.Mutex

	mu         sync.RWMutex
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	closed     bool
}

// NewDTLSTransport создает DTLS транспорт. Клиенту обязателен
// RemoteAddr, серверу - сертификат или PSK.
func NewDTLSTransport(config DTLSTransportConfig) (*DTLSTransport, error) {
	config.applyDefaults()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.MTU <= 0 {
		config.MTU = defaultDTLSMTU
	}
	if config.ReplayProtectionWindow <= 0 {
		config.ReplayProtectionWindow = defaultReplayWindow
	}
	if config.PSK != nil && len(config.CipherSuites) == 0 {
		config.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.IsServer && len(config.Certificates) == 0 && config.PSK == nil {
		return nil, fmt.Errorf("DTLS серверу нужен сертификат или PSK")
	}

	t := &DTLSTransport{config: config}

	if config.IsServer {
		localAddr, err := createUDPAddr(config.LocalAddr)
		if err != nil {
			return nil, err
		}
		listener, err := dtls.Listen("udp", localAddr, t.buildDTLSConfig())
		if err != nil {
			return nil, fmt.Errorf("ошибка создания DTLS listener на %s: %w", config.LocalAddr, err)
		}
		t.listener = listener
		t.localAddr = listener.Addr()
	} else {
		if config.RemoteAddr == "" {
			return nil, fmt.Errorf("удаленный адрес обязателен для DTLS клиента")
		}
		conn, err := dialUDP(config.TransportConfig)
		if err != nil {
			return nil, err
		}
		t.udpConn = conn
		t.localAddr = conn.LocalAddr()
		t.remoteAddr = conn.RemoteAddr()
	}

	return t, nil
}

// Handshake выполняет DTLS рукопожатие в роли из конфигурации.
// Блокируется до завершения, отмены контекста или HandshakeTimeout.
// Повторный вызов после успешного рукопожатия ничего не делает.
func (t *DTLSTransport) Handshake(ctx context.Context) error {
	t.handshakeMu.Lock()
	defer t.handshakeMu.Unlock()

	t.mu.RLock()
	closed, done := t.closed, t.dtlsConn != nil
	t.mu.RUnlock()
	if closed {
		return fmt.Errorf("транспорт не активен")
	}
	if done {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
	defer cancel()

	if t.config.IsServer {
		return t.handshakeServer(ctx)
	}
	return t.handshakeClient(ctx)
}

func (t *DTLSTransport) handshakeClient(ctx context.Context) error {
	dtlsConn, err := dtls.ClientWithContext(ctx, t.udpConn, t.buildDTLSConfig())
	if err != nil {
		return fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}

	t.mu.Lock()
	t.dtlsConn = dtlsConn
	t.mu.Unlock()
	return nil
}

// handshakeServer принимает входящее соединение. Accept сам выполняет
// рукопожатие, таймаут задает ConnectContextMaker конфигурации.
func (t *DTLSTransport) handshakeServer(ctx context.Context) error {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := t.listener.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		// соединение, принятое после отмены, закрываем отдельно
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("DTLS рукопожатие прервано: %w", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("ошибка DTLS рукопожатия: %w", res.err)
		}
		dtlsConn, ok := res.conn.(*dtls.Conn)
		if !ok {
			res.conn.Close()
			return fmt.Errorf("неожиданный тип соединения %T", res.conn)
		}

		t.mu.Lock()
		t.dtlsConn = dtlsConn
		t.remoteAddr = dtlsConn.RemoteAddr()
		t.mu.Unlock()
		return nil
	}
}

func (t *DTLSTransport) buildDTLSConfig() *dtls.Config {
	timeout := t.config.HandshakeTimeout
	return &dtls.Config{
		Certificates:           t.config.Certificates,
		RootCAs:                t.config.RootCAs,
		ClientCAs:              t.config.ClientCAs,
		ServerName:             t.config.ServerName,
		CipherSuites:           t.config.CipherSuites,
		InsecureSkipVerify:     t.config.InsecureSkipVerify,
		PSK:                    t.config.PSK,
		PSKIdentityHint:        t.config.PSKIdentityHint,
		MTU:                    t.config.MTU,
		ReplayProtectionWindow: t.config.ReplayProtectionWindow,
		ExtendedMasterSecret:   dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}
}

// currentConn возвращает установленное DTLS соединение
func (t *DTLSTransport) currentConn() (*dtls.Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, fmt.Errorf("транспорт не активен")
	}
	if t.dtlsConn == nil {
		return nil, fmt.Errorf("DTLS рукопожатие не выполнено")
	}
	return t.dtlsConn, nil
}

// Send отправляет RTP пакет через DTLS соединение
func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	conn, err := t.currentConn()
	if err != nil {
		return err
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	if len(data) > MaxRTPPacketSize {
		return fmt.Errorf("пакет %d байт превышает MTU %d", len(data), MaxRTPPacketSize)
	}

	if _, err := conn.Write(data); err != nil {
		return classifyNetworkError("отправка DTLS", err)
	}
	return nil
}

// Receive принимает следующий RTP пакет из DTLS соединения. Данные,
// не похожие на RTP, молча отбрасываются.
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	buffer := make([]byte, t.config.BufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		conn, err := t.currentConn()
		if err != nil {
			return nil, nil, err
		}

		conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			ce := classifyNetworkError("чтение DTLS", err)
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

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(data); err != nil {
			continue
		}
		return packet, t.RemoteAddr(), nil
	}
}

// LocalAddr возвращает локальный адрес транспорта
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает адрес удаленной стороны. Для сервера известен
// только после рукопожатия.
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remoteAddr
}

// Close закрывает соединение и сокеты. Повторные вызовы безопасны.
func (t *DTLSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	dtlsConn, listener, udpConn := t.dtlsConn, t.listener, t.udpConn
	t.dtlsConn = nil
	t.mu.Unlock()

	var err error
	if dtlsConn != nil {
		// закрывает и вложенный сокет
		err = dtlsConn.Close()
	} else if udpConn != nil {
		err = udpConn.Close()
	}
	if listener != nil {
		if cerr := listener.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// IsActive возвращает true, когда рукопожатие завершено и транспорт
// не закрыт
func (t *DTLSTransport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && t.dtlsConn != nil
}

// IsHandshakeComplete сообщает, завершено ли DTLS рукопожатие
func (t *DTLSTransport) IsHandshakeComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dtlsConn != nil
}

// ConnectionState возвращает состояние DTLS соединения. Второе
// значение false, пока рукопожатие не завершено.
func (t *DTLSTransport) ConnectionState() (dtls.State, bool) {
	t.mu.RLock()
	conn := t.dtlsConn
	t.mu.RUnlock()

	if conn == nil {
		return dtls.State{}, false
	}
	return conn.ConnectionState(), true
}

// ExportKeyingMaterial экспортирует ключевой материал установленной
// DTLS сессии (RFC 5705)
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	t.mu.RLock()
	conn := t.dtlsConn
	t.mu.RUnlock()

	if conn == nil {
		return nil, fmt.Errorf("DTLS рукопожатие не выполнено")
	}
	state := conn.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// SRTPContexts выводит контексты SRTP из ключевого материала DTLS
// сессии (RFC 5764). Клиент защищает отправку клиентским ключом и
// проверяет прием серверным, сервер наоборот: обе стороны получают
// согласованные пары без передачи ключей через сигнализацию.
func (t *DTLSTransport) SRTPContexts(suite srtp.Suite) (send, recv *srtp.Context, err error) {
	material, err := t.ExportKeyingMaterial(srtp.ExporterLabel, nil, srtp.ExporterLength(suite))
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка экспорта ключевого материала: %w", err)
	}
	return srtp.ContextPair(suite, material, !t.config.IsServer)
}
