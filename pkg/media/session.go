package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/voip_core/pkg/dialog"
	rtpPkg "github.com/arzzra/voip_core/pkg/rtp"
	"github.com/arzzra/voip_core/pkg/srtp"
	"github.com/pion/rtp"
)

// Параметры медиа сессии по умолчанию
const (
	// DefaultPtime - шаг пакетизации для телефонии
	DefaultPtime = 20 * time.Millisecond
	// DefaultPlayoutDepth - заполнение jitter buffer в пакетах перед
	// началом воспроизведения
	DefaultPlayoutDepth = 3
	// maxDTMFDuration - предел кодирования длительности события
	// 16-битным полем при частоте 8000 Гц
	maxDTMFDuration = 8 * time.Second
)

// SessionState представляет состояние медиа сессии
type SessionState int

const (
	MediaStateIdle SessionState = iota
	MediaStateActive
	MediaStateClosed
)

func (s SessionState) String() string {
	switch s {
	case MediaStateIdle:
		return "idle"
	case MediaStateActive:
		return "active"
	case MediaStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig задает параметры медиа сессии одного плеча вызова
type SessionConfig struct {
	// PayloadType исходящего аудио потока
	PayloadType rtpPkg.PayloadType
	// ClockRate - частота RTP clock. Ноль означает стандартную частоту
	// payload типа по RFC 3551.
	ClockRate uint32
	// Ptime - шаг пакетизации, по умолчанию DefaultPtime
	Ptime time.Duration
	// Direction медиа потока, по умолчанию sendrecv
	Direction rtpPkg.Direction

	// Transport для RTP, обязателен
	Transport rtpPkg.Transport
	// RTCPTransport - выделенный RTCP транспорт, опционален
	RTCPTransport rtpPkg.RTCPTransport

	// SRTPSend и SRTPRecv - контексты защиты потока. Оба nil означают
	// чистый RTP. Локальный ключ защищает исходящий поток, ключ
	// удаленной стороны проверяет входящий.
	SRTPSend *srtp.Context
	SRTPRecv *srtp.Context

	// JitterCapacity - емкость буфера воспроизведения в пакетах,
	// ноль означает DefaultJitterCapacity
	JitterCapacity int
	// PlayoutDepth - заполнение буфера перед началом воспроизведения,
	// ноль означает DefaultPlayoutDepth
	PlayoutDepth int

	// DTMFEnabled включает прием и отправку telephone-event
	DTMFEnabled bool
	// DTMFPayloadType - payload type событий, по умолчанию
	// DTMFPayloadTypeDefault
	DTMFPayloadType uint8

	// OnAudio вызывается для каждого аудио кадра после jitter buffer
	OnAudio func(payload []byte, payloadType rtpPkg.PayloadType, duration time.Duration)
	// OnDTMF вызывается один раз на принятое DTMF событие
	OnDTMF func(event DTMFEvent)

	// RTCPName - CNAME локального участника для SDES отчетов
	RTCPName string

	// Logger для диагностики, nil означает slog.Default()
	Logger *slog.Logger
	// Metrics - счетчики медиа слоя, допускается nil
	Metrics *Metrics
}

// MediaSession владеет парой RTP сессия + SRTP контексты одного плеча
// вызова: исходящее аудио пакетизируется и защищается, входящие пакеты
// расшифровываются, проходят выделение DTMF и jitter buffer, после
// чего выдаются обработчику с шагом ptime. Статистика агрегируется
// по всем уровням тракта.
type MediaSession struct {
	dialogKey dialog.DialogKey
	config    SessionConfig
	log       *slog.Logger
	metrics   *Metrics

	rtp        *rtpPkg.Session
	secure     *SecureTransport
	secureRTCP *SecureRTCPTransport
	jitter     *JitterBuffer
	dtmfRx     *DTMFReceiver

	ptime        time.Duration
	clockRate    uint32
	playoutDepth int

	dtmfSent     uint64
	dtmfReceived uint64

	stateMu sync.RWMutex
	state   SessionState

	stopPlayout chan struct{}
	wg          sync.WaitGroup
}

// NewMediaSession создает медиа сессию для диалога. Сессия не начинает
// прием и воспроизведение до вызова Start.
func NewMediaSession(key dialog.DialogKey, config SessionConfig) (*MediaSession, error) {
	if config.Transport == nil {
		return nil, newMediaError(ErrorCodeConfigInvalid, key.String(), "транспорт обязателен")
	}
	if (config.SRTPSend == nil) != (config.SRTPRecv == nil) {
		return nil, newMediaError(ErrorCodeConfigInvalid, key.String(),
			"SRTP контексты задаются для обоих направлений")
	}
	if config.Ptime <= 0 {
		config.Ptime = DefaultPtime
	}
	if config.PlayoutDepth <= 0 {
		config.PlayoutDepth = DefaultPlayoutDepth
	}
	if config.DTMFPayloadType == 0 {
		config.DTMFPayloadType = DTMFPayloadTypeDefault
	}

	clockRate := config.ClockRate
	if clockRate == 0 {
		rate, ok := rtpPkg.DefaultClockRate(config.PayloadType)
		if !ok {
			return nil, newMediaError(ErrorCodeConfigInvalid, key.String(),
				"для динамического payload типа %d нужна частота clock", config.PayloadType)
		}
		clockRate = rate
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("dialog", key.String()))

	s := &MediaSession{
		dialogKey:    key,
		config:       config,
		log:          logger,
		metrics:      config.Metrics,
		jitter:       NewJitterBuffer(config.JitterCapacity),
		ptime:        config.Ptime,
		clockRate:    clockRate,
		playoutDepth: config.PlayoutDepth,
		state:        MediaStateIdle,
		stopPlayout:  make(chan struct{}),
	}

	transport := config.Transport
	rtcpTransport := config.RTCPTransport
	if config.SRTPSend != nil {
		secure, err := NewSecureTransport(transport, config.SRTPSend, config.SRTPRecv)
		if err != nil {
			return nil, wrapMediaError(ErrorCodeConfigInvalid, key.String(), "создание SRTP транспорта", err)
		}
		secure.OnAuthFailure(func(err error) {
			s.metrics.SRTPAuthFailure()
			s.log.Debug("входящий пакет отброшен проверкой SRTP", slog.Any("error", err))
		})
		s.secure = secure
		transport = secure

		// Защита RTCP: выделенный транспорт или общий сокет rtcp-mux
		inner := rtcpTransport
		if inner == nil {
			if mux, ok := config.Transport.(rtpPkg.MultiplexedTransport); ok {
				inner = mux
			}
		}
		if inner != nil {
			secureRTCP, err := NewSecureRTCPTransport(inner, config.SRTPSend, config.SRTPRecv)
			if err != nil {
				return nil, wrapMediaError(ErrorCodeConfigInvalid, key.String(), "создание SRTCP транспорта", err)
			}
			s.secureRTCP = secureRTCP
			rtcpTransport = secureRTCP
		}
	}

	if config.DTMFEnabled {
		s.dtmfRx = NewDTMFReceiver(config.DTMFPayloadType, 8000)
		s.dtmfRx.SetCallback(func(event DTMFEvent) {
			atomic.AddUint64(&s.dtmfReceived, 1)
			s.metrics.DTMFReceived()
			if config.OnDTMF != nil {
				config.OnDTMF(event)
			}
		})
	}

	rtpSession, err := rtpPkg.NewSession(rtpPkg.SessionConfig{
		PayloadType:      config.PayloadType,
		MediaType:        rtpPkg.MediaTypeAudio,
		ClockRate:        clockRate,
		Transport:        transport,
		RTCPTransport:    rtcpTransport,
		Direction:        config.Direction,
		LocalSDesc:       rtpPkg.SourceDescription{CNAME: config.RTCPName},
		Logger:           logger,
		OnPacketReceived: s.handlePacket,
	})
	if err != nil {
		return nil, wrapMediaError(ErrorCodeConfigInvalid, key.String(), "создание RTP сессии", err)
	}
	s.rtp = rtpSession
	return s, nil
}

// Dialog возвращает ключ диалога сессии
func (s *MediaSession) Dialog() dialog.DialogKey {
	return s.dialogKey
}

// State возвращает текущее состояние сессии
func (s *MediaSession) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// RTP возвращает вложенную RTP сессию
func (s *MediaSession) RTP() *rtpPkg.Session {
	return s.rtp
}

// Direction возвращает направление медиа потока
func (s *MediaSession) Direction() rtpPkg.Direction {
	return s.rtp.GetDirection()
}

// SetDirection меняет направление потока после переговоров SDP
func (s *MediaSession) SetDirection(d rtpPkg.Direction) {
	s.rtp.SetDirection(d)
}

// Start запускает прием, RTCP отчеты и цикл воспроизведения
func (s *MediaSession) Start() error {
	s.stateMu.Lock()
	switch s.state {
	case MediaStateActive:
		s.stateMu.Unlock()
		return newMediaError(ErrorCodeSessionActive, s.dialogKey.String(), "сессия уже запущена")
	case MediaStateClosed:
		s.stateMu.Unlock()
		return newMediaError(ErrorCodeSessionClosed, s.dialogKey.String(), "сессия закрыта")
	}
	s.state = MediaStateActive
	s.stateMu.Unlock()

	if err := s.rtp.Start(); err != nil {
		s.stateMu.Lock()
		s.state = MediaStateIdle
		s.stateMu.Unlock()
		return fmt.Errorf("запуск RTP сессии: %w", err)
	}

	s.wg.Add(1)
	go s.playoutLoop()

	s.log.Info("медиа сессия запущена",
		slog.String("payload_type", fmt.Sprintf("%d", s.config.PayloadType)),
		slog.Bool("srtp", s.secure != nil))
	return nil
}

// Stop останавливает сессию и закрывает транспорты. Повторные вызовы
// безопасны.
func (s *MediaSession) Stop() error {
	s.stateMu.Lock()
	if s.state == MediaStateClosed {
		s.stateMu.Unlock()
		return nil
	}
	wasActive := s.state == MediaStateActive
	s.state = MediaStateClosed
	s.stateMu.Unlock()

	if wasActive {
		close(s.stopPlayout)
		s.wg.Wait()
	}
	err := s.rtp.Stop()

	s.log.Info("медиа сессия остановлена")
	return err
}

// SendAudio отправляет один аудио кадр длительностью ptime.
// Кадр уже закодирован кодеком потока.
func (s *MediaSession) SendAudio(payload []byte) error {
	if len(payload) == 0 {
		return newMediaError(ErrorCodeAudioEmpty, s.dialogKey.String(), "пустой аудио кадр")
	}
	if err := s.checkActive(); err != nil {
		return err
	}
	if err := s.rtp.SendAudio(payload, s.ptime); err != nil {
		return fmt.Errorf("отправка аудио: %w", err)
	}
	return nil
}

// SendDTMF отправляет DTMF событие согласно RFC 4733: три пакета
// начала с маркером на первом и три финальных с флагом окончания.
// Пакеты делят SSRC и нумерацию с аудио потоком, но несут собственную
// метку времени начала события. Нулевая длительность означает
// DefaultDTMFDuration.
func (s *MediaSession) SendDTMF(digit DTMFDigit, duration time.Duration) error {
	if !s.config.DTMFEnabled {
		return newMediaError(ErrorCodeDTMFDisabled, s.dialogKey.String(), "DTMF выключен конфигурацией")
	}
	if !IsValidDTMFDigit(uint8(digit)) {
		return newMediaError(ErrorCodeDTMFInvalidDigit, s.dialogKey.String(), "недопустимая цифра %d", uint8(digit))
	}
	if duration == 0 {
		duration = DefaultDTMFDuration
	}
	if duration < 0 || duration > maxDTMFDuration {
		return newMediaError(ErrorCodeDTMFDurationInvalid, s.dialogKey.String(),
			"длительность %s вне диапазона (0, %s]", duration, maxDTMFDuration)
	}
	if err := s.checkActive(); err != nil {
		return err
	}

	// Частота потока telephone-event 8000 Гц независимо от аудио кодека
	payload := DTMFPayload{
		Event:    uint8(digit),
		Volume:   uint8(-DTMFVolumeDefault),
		Duration: uint16(duration.Seconds() * 8000),
	}
	eventTS := s.rtp.GetTimestamp()

	send := func(data []byte, marker bool) error {
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    s.config.DTMFPayloadType,
				SequenceNumber: s.rtp.AllocateSequence(),
				Timestamp:      eventTS,
				SSRC:           s.rtp.GetSSRC(),
			},
			Payload: data,
		}
		return s.rtp.SendPacket(packet)
	}

	start := payload.Marshal()
	for i := 0; i < dtmfStartRepeats; i++ {
		if err := send(start, i == 0); err != nil {
			return fmt.Errorf("отправка DTMF: %w", err)
		}
	}
	payload.End = true
	end := payload.Marshal()
	for i := 0; i < dtmfEndRepeats; i++ {
		if err := send(end, false); err != nil {
			return fmt.Errorf("отправка DTMF: %w", err)
		}
	}

	atomic.AddUint64(&s.dtmfSent, 1)
	s.metrics.DTMFSent()
	s.log.Debug("DTMF событие отправлено",
		slog.String("digit", digit.String()),
		slog.Duration("duration", duration))
	return nil
}

// GetStatistics возвращает агрегированную статистику сессии
func (s *MediaSession) GetStatistics() MediaStatistics {
	rtpStats := s.rtp.GetStatistics()
	jbStats := s.jitter.GetStatistics()

	var authFailures uint64
	if s.secure != nil {
		authFailures += s.secure.AuthFailures()
	}
	if s.secureRTCP != nil {
		authFailures += s.secureRTCP.AuthFailures()
	}

	delayMs := rtpStats.RoundTripTime.Seconds() * 1000 / 2
	return MediaStatistics{
		PacketsSent:        rtpStats.PacketsSent,
		PacketsReceived:    rtpStats.PacketsReceived,
		BytesSent:          rtpStats.BytesSent,
		BytesReceived:      rtpStats.BytesReceived,
		PacketsLost:        rtpStats.PacketsLost,
		LossPercent:        rtpStats.LossRate * 100,
		JitterMs:           rtpStats.Jitter,
		RoundTripTime:      rtpStats.RoundTripTime,
		DTMFEventsSent:     atomic.LoadUint64(&s.dtmfSent),
		DTMFEventsReceived: atomic.LoadUint64(&s.dtmfReceived),
		SRTPAuthFailures:   authFailures,
		JitterBuffer:       jbStats,
		MOS:                CalculateMOS(rtpStats.LossRate, rtpStats.Jitter, delayMs),
		LastActivity:       rtpStats.LastActivity,
	}
}

func (s *MediaSession) checkActive() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	switch s.state {
	case MediaStateActive:
		return nil
	case MediaStateClosed:
		return newMediaError(ErrorCodeSessionClosed, s.dialogKey.String(), "сессия закрыта")
	default:
		return newMediaError(ErrorCodeSessionNotStarted, s.dialogKey.String(), "сессия не запущена")
	}
}

// handlePacket - обработчик входящих пакетов RTP сессии. DTMF пакеты
// выделяются до буферизации, аудио попадает в jitter buffer.
func (s *MediaSession) handlePacket(packet *rtp.Packet, addr net.Addr) {
	if s.dtmfRx != nil {
		handled, err := s.dtmfRx.ProcessPacket(packet)
		if handled {
			if err != nil {
				s.log.Warn("некорректный DTMF пакет", slog.Any("error", err))
			}
			return
		}
	}
	s.jitter.Put(packet)
}

// playoutLoop выдает кадры из jitter buffer с шагом ptime.
// Воспроизведение начинается после накопления playoutDepth пакетов,
// компенсируя джиттер начальной задержкой.
func (s *MediaSession) playoutLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.ptime)
	defer ticker.Stop()

	primed := false
	for {
		select {
		case <-s.stopPlayout:
			return
		case <-ticker.C:
			if !primed {
				if s.jitter.Buffered() < s.playoutDepth {
					continue
				}
				primed = true
			}
			packet, ok := s.jitter.Get()
			if !ok {
				continue
			}
			s.deliverAudio(packet)
		}
	}
}

func (s *MediaSession) deliverAudio(packet *rtp.Packet) {
	handler := s.config.OnAudio
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("паника в обработчике аудио", slog.Any("panic", r))
		}
	}()
	handler(packet.Payload, rtpPkg.PayloadType(packet.PayloadType), s.ptime)
}
