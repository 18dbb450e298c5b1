// Package rtp реализует RTP/RTCP сессии для телефонии согласно
// RFC 3550 (RTP) и RFC 3551 (RTP A/V Profile).
//
// Архитектура разделяет ответственность между компонентами:
//   - Session: отправка и прием RTP пакетов, координация компонентов
//   - RTCPSession: периодические отчеты о качестве связи
//   - SourceManager: учет удаленных источников и статистика приема
//   - Transport/RTCPTransport: UDP, DTLS и мультиплексированный
//     (RFC 5761) транспорт
//
// Основные возможности:
//   - Статистика качества (потери, джиттер, RTT) по RFC 3550 Appendix A
//   - Статические аудио payload типы RFC 3551 с выводом частоты clock
//   - Ключи SRTP через DTLS экспортер (RFC 5764)
//   - Метрики Prometheus
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// SessionState представляет состояние RTP сессии
type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateActive
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateActive:
		return "active"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionStatistics - сводная статистика сессии
type SessionStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint32
	// LossRate - накопленная доля потерь от ожидаемого числа пакетов,
	// диапазон [0..1]
	LossRate float64
	// Jitter - наибольший межпакетный джиттер по источникам, мс
	Jitter float64
	// RoundTripTime по данным RTCP, 0 если еще не измерен
	RoundTripTime time.Duration
	LastActivity  time.Time
}

// SessionConfig задает параметры RTP сессии
type SessionConfig struct {
	// PayloadType исходящего потока
	PayloadType PayloadType
	// MediaType потока (аудио для телефонии)
	MediaType MediaType
	// ClockRate - частота RTP clock. Ноль означает стандартную частоту
	// статического payload типа по RFC 3551.
	ClockRate uint32
	// Transport для RTP, обязателен
	Transport Transport
	// RTCPTransport - выделенный RTCP транспорт. Если nil, а Transport
	// реализует MultiplexedTransport, RTCP идет через общий сокет.
	// Если RTCP недоступен вовсе, отчеты не отправляются.
	RTCPTransport RTCPTransport
	// LocalSDesc - описание локального участника для SDES
	LocalSDesc SourceDescription
	// Direction медиа потока, по умолчанию sendrecv
	Direction Direction
	// RTCPInterval - период отчетов, 0 означает DefaultRTCPInterval
	RTCPInterval time.Duration
	// SourceTimeout - таймаут неактивности удаленного источника
	SourceTimeout time.Duration

	// SSRC и начальные значения счетчиков отправителя.
	// Ноль означает случайное значение (RFC 3550 Section 5.1).
	SSRC                  uint32
	InitialSequenceNumber uint16
	InitialTimestamp      uint32

	// Обработчики событий
	OnPacketReceived func(packet *rtp.Packet, addr net.Addr)
	OnPacketSent     func(packet *rtp.Packet)
	OnSourceAdded    func(ssrc uint32)
	OnSourceRemoved  func(ssrc uint32, reason string)
	OnRTCPReceived   func(packet RTCPPacket, addr net.Addr)

	// Logger для диагностики, nil означает slog.Default()
	Logger *slog.Logger
	// Metrics - счетчики Prometheus, допускается nil
	Metrics *Metrics
}

// Session - RTP сессия одного медиа потока: отправляет кадры с
// корректным продвижением номеров и меток времени, принимает пакеты
// удаленных источников и ведет статистику качества. RTCP отчеты
// отправляет вложенная RTCPSession, учет источников ведет
// SourceManager.
type Session struct {
	config      SessionConfig
	ssrc        uint32
	payloadType PayloadType
	clockRate   uint32
	logger      *slog.Logger
	metrics     *Metrics

	transport Transport
	rtcp      *RTCPSession
	sources   *SourceManager

	// счетчики отправителя (atomic). seq и ts расширены до uint32
	// ради atomic операций, на провод идут младшие биты.
	seq          uint32
	ts           uint32
	packetsSent  uint64
	bytesSent    uint64
	lastSendNano int64

	stateMu   sync.RWMutex
	state     SessionState
	direction Direction

	handlerMu        sync.RWMutex
	onPacketReceived func(packet *rtp.Packet, addr net.Addr)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession создает сессию. Для начала приема и RTCP нужен Start,
// отправка возможна только в активном состоянии.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("транспорт обязателен")
	}

	clockRate := config.ClockRate
	if clockRate == 0 {
		rate, ok := DefaultClockRate(config.PayloadType)
		if !ok {
			return nil, fmt.Errorf("частота clock для payload типа %d неизвестна, укажите ClockRate", config.PayloadType)
		}
		clockRate = rate
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ssrc := config.SSRC
	for ssrc == 0 {
		ssrc = randomUint32()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		config:      config,
		ssrc:        ssrc,
		payloadType: config.PayloadType,
		clockRate:   clockRate,
		logger:      logger.With(slog.String("component", "rtp.session")),
		metrics:     config.Metrics,
		transport:   config.Transport,
		state:       SessionStateIdle,
		direction:   config.Direction,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.onPacketReceived = config.OnPacketReceived

	s.seq = uint32(config.InitialSequenceNumber)
	for s.seq == 0 {
		s.seq = uint32(randomUint16())
	}
	s.ts = config.InitialTimestamp
	for s.ts == 0 {
		s.ts = randomUint32()
	}

	sources, err := NewSourceManager(SourceManagerConfig{
		ClockRate:       clockRate,
		SourceTimeout:   config.SourceTimeout,
		OnSourceAdded:   config.OnSourceAdded,
		OnSourceRemoved: config.OnSourceRemoved,
		Logger:          config.Logger,
		Metrics:         config.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.sources = sources

	rtcpTransport := config.RTCPTransport
	if rtcpTransport == nil {
		if mux, ok := config.Transport.(MultiplexedTransport); ok {
			rtcpTransport = mux
		}
	}
	if rtcpTransport != nil {
		rtcp, err := NewRTCPSession(RTCPSessionConfig{
			SSRC:                ssrc,
			Transport:           rtcpTransport,
			LocalSDesc:          config.LocalSDesc,
			Interval:            config.RTCPInterval,
			SenderInfo:          s.senderInfo,
			ReportBlocks:        sources.BuildReceptionReports,
			OnSenderReport:      sources.RecordSenderReport,
			OnSourceDescription: sources.UpdateFromSDES,
			OnBye: func(ssrc uint32, reason string) {
				if reason == "" {
					reason = "bye"
				}
				sources.RemoveSource(ssrc, reason)
			},
			OnRTCPReceived: config.OnRTCPReceived,
			Logger:         config.Logger,
			Metrics:        config.Metrics,
		})
		if err != nil {
			sources.Stop()
			cancel()
			return nil, err
		}
		s.rtcp = rtcp
	}

	return s, nil
}

// Start запускает прием пакетов и RTCP отчеты
func (s *Session) Start() error {
	s.stateMu.Lock()
	if s.state != SessionStateIdle {
		state := s.state
		s.stateMu.Unlock()
		return fmt.Errorf("сессия в состоянии %s, запуск невозможен", state)
	}
	s.state = SessionStateActive
	s.stateMu.Unlock()

	if s.rtcp != nil {
		if err := s.rtcp.Start(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()

	s.logger.Info("RTP сессия запущена",
		slog.String("ssrc", fmt.Sprintf("%08x", s.ssrc)),
		slog.Int("payload_type", int(s.payloadType)),
		slog.Int("clock_rate", int(s.clockRate)))
	return nil
}

// Stop завершает сессию: RTCP отправляет BYE, цикл приема
// останавливается, транспорты закрываются. Повторные вызовы безопасны.
func (s *Session) Stop() error {
	s.stateMu.Lock()
	if s.state == SessionStateClosed {
		s.stateMu.Unlock()
		return nil
	}
	s.state = SessionStateClosed
	s.stateMu.Unlock()

	if s.rtcp != nil {
		s.rtcp.Stop()
	}
	s.cancel()
	s.wg.Wait()
	s.sources.Stop()

	err := s.transport.Close()
	if s.config.RTCPTransport != nil {
		if cerr := s.config.RTCPTransport.Close(); err == nil {
			err = cerr
		}
	}

	s.logger.Info("RTP сессия остановлена",
		slog.String("ssrc", fmt.Sprintf("%08x", s.ssrc)))
	return err
}

// SendAudio отправляет аудио кадр: номер пакета увеличивается на
// единицу, RTP метка продвигается на число сэмплов кадра при частоте
// clock сессии
func (s *Session) SendAudio(payload []byte, duration time.Duration) error {
	if err := s.checkCanSend(); err != nil {
		return err
	}

	samples := uint32(duration.Seconds() * float64(s.clockRate))
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(s.payloadType),
			SequenceNumber: uint16(atomic.AddUint32(&s.seq, 1)),
			Timestamp:      atomic.AddUint32(&s.ts, samples),
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	return s.sendPacket(packet)
}

// SendPacket отправляет заранее сформированный пакет, заполняя SSRC
// сессии, если он не задан. Используется для событийных пакетов вроде
// DTMF (RFC 4733), где метка времени не следует за потоком.
func (s *Session) SendPacket(packet *rtp.Packet) error {
	if err := s.checkCanSend(); err != nil {
		return err
	}
	if packet.SSRC == 0 {
		packet.SSRC = s.ssrc
	}
	if packet.Version == 0 {
		packet.Version = 2
	}
	return s.sendPacket(packet)
}

// AllocateSequence выделяет следующий номер пакета без отправки.
// Событийные пакеты делят нумерацию с основным потоком, сохраняя
// при этом собственную метку времени.
func (s *Session) AllocateSequence() uint16 {
	return uint16(atomic.AddUint32(&s.seq, 1))
}

func (s *Session) checkCanSend() error {
	s.stateMu.RLock()
	state, dir := s.state, s.direction
	s.stateMu.RUnlock()

	if state != SessionStateActive {
		return fmt.Errorf("сессия в состоянии %s", state)
	}
	if !dir.CanSend() {
		return fmt.Errorf("направление %s не допускает отправку", dir)
	}
	return nil
}

func (s *Session) sendPacket(packet *rtp.Packet) error {
	if err := s.transport.Send(packet); err != nil {
		s.metrics.TransportError("send")
		return fmt.Errorf("ошибка отправки RTP пакета: %w", err)
	}

	size := packet.MarshalSize()
	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(size))
	atomic.StoreInt64(&s.lastSendNano, time.Now().UnixNano())
	s.metrics.PacketSent(size)

	if cb := s.config.OnPacketSent; cb != nil {
		cb(packet)
	}
	return nil
}

func (s *Session) receiveLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}

		packet, addr, err := s.transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			var ce *ClassifiedError
			if errors.As(err, &ce) && ce.Type == ErrorTypeClosed {
				return
			}
			if isRetryableError(err) {
				continue
			}
			s.logger.Debug("ошибка приема RTP", slog.Any("error", err))
			s.metrics.TransportError("receive")
			continue
		}

		s.handleIncoming(packet, addr)
	}
}

func (s *Session) handleIncoming(packet *rtp.Packet, addr net.Addr) {
	size := packet.MarshalSize()
	s.sources.UpdateFromPacket(packet, size)
	s.metrics.PacketReceived(size)

	s.stateMu.RLock()
	dir := s.direction
	s.stateMu.RUnlock()
	if !dir.CanReceive() {
		return
	}

	s.handlerMu.RLock()
	handler := s.onPacketReceived
	s.handlerMu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в обработчике RTP пакета",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	handler(packet, addr)
}

// RegisterIncomingHandler заменяет обработчик входящих пакетов
func (s *Session) RegisterIncomingHandler(handler func(packet *rtp.Packet, addr net.Addr)) {
	s.handlerMu.Lock()
	s.onPacketReceived = handler
	s.handlerMu.Unlock()
}

// senderInfo отдает счетчики отправителя для Sender Report
func (s *Session) senderInfo() RTCPSenderInfo {
	return RTCPSenderInfo{
		RTPTimestamp: atomic.LoadUint32(&s.ts),
		PacketsSent:  uint32(atomic.LoadUint64(&s.packetsSent)),
		OctetsSent:   uint32(atomic.LoadUint64(&s.bytesSent)),
	}
}

// GetState возвращает текущее состояние сессии
func (s *Session) GetState() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// GetSSRC возвращает SSRC локального потока
func (s *Session) GetSSRC() uint32 { return s.ssrc }

// GetPayloadType возвращает payload тип исходящего потока
func (s *Session) GetPayloadType() PayloadType { return s.payloadType }

// GetClockRate возвращает частоту RTP clock сессии
func (s *Session) GetClockRate() uint32 { return s.clockRate }

// GetSequenceNumber возвращает номер последнего отправленного пакета
func (s *Session) GetSequenceNumber() uint16 {
	return uint16(atomic.LoadUint32(&s.seq))
}

// GetTimestamp возвращает текущую RTP метку исходящего потока
func (s *Session) GetTimestamp() uint32 {
	return atomic.LoadUint32(&s.ts)
}

// GetDirection возвращает направление медиа потока
func (s *Session) GetDirection() Direction {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.direction
}

// SetDirection меняет направление потока (SDP renegotiation)
func (s *Session) SetDirection(d Direction) {
	s.stateMu.Lock()
	s.direction = d
	s.stateMu.Unlock()
}

// LocalAddr возвращает локальный адрес RTP транспорта
func (s *Session) LocalAddr() net.Addr { return s.transport.LocalAddr() }

// RemoteAddr возвращает удаленный адрес RTP транспорта
func (s *Session) RemoteAddr() net.Addr { return s.transport.RemoteAddr() }

// IsRTCPEnabled сообщает, настроен ли RTCP для сессии
func (s *Session) IsRTCPEnabled() bool { return s.rtcp != nil }

// GetRoundTripTime возвращает RTT по данным RTCP, 0 если RTCP
// не настроен или удаленная сторона еще не ответила
func (s *Session) GetRoundTripTime() time.Duration {
	if s.rtcp == nil {
		return 0
	}
	return s.rtcp.GetRoundTripTime()
}

// SendSourceDescription немедленно отправляет SDES с описанием
// локального участника, не дожидаясь планового отчета
func (s *Session) SendSourceDescription() error {
	if s.rtcp == nil {
		return fmt.Errorf("RTCP не настроен")
	}
	if s.GetState() != SessionStateActive {
		return fmt.Errorf("сессия не активна")
	}
	return s.rtcp.SendSourceDescription()
}

// GetSources возвращает копии всех известных удаленных источников
func (s *Session) GetSources() map[uint32]*RemoteSource {
	return s.sources.GetAllSources()
}

// GetSource возвращает копию состояния удаленного источника
func (s *Session) GetSource(ssrc uint32) (*RemoteSource, bool) {
	return s.sources.GetSource(ssrc)
}

// SourceCount возвращает число отслеживаемых удаленных источников
func (s *Session) SourceCount() int {
	return s.sources.SourceCount()
}

// GetStatistics собирает сводную статистику сессии. Джиттер
// переводится в миллисекунды, потери агрегируются по всем источникам.
func (s *Session) GetStatistics() SessionStatistics {
	totals := s.sources.Totals()

	stats := SessionStatistics{
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		PacketsReceived: totals.Packets,
		BytesReceived:   totals.Bytes,
		PacketsLost:     totals.Lost,
		Jitter:          totals.MaxJitter / float64(s.clockRate) * 1000,
		LastActivity:    totals.LastSeen,
	}
	if totals.Expected > 0 {
		stats.LossRate = float64(totals.Lost) / float64(totals.Expected)
	}
	if s.rtcp != nil {
		stats.RoundTripTime = s.rtcp.GetRoundTripTime()
	}
	if nano := atomic.LoadInt64(&s.lastSendNano); nano > 0 {
		if sent := time.Unix(0, nano); sent.After(stats.LastActivity) {
			stats.LastActivity = sent
		}
	}
	return stats
}

// randomUint32 возвращает криптографически случайное значение для
// SSRC и начальной RTP метки (RFC 3550 Section 5.1)
func randomUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
}

func randomUint16() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint16(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint16(buf[:])
}
