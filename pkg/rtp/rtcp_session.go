// RTCP компонент сессии: периодическая отправка отчетов о качестве
// и обработка входящих отчетов согласно RFC 3550 Section 6.
//
// RTCPSession не хранит собственной статистики приема: блоки отчетов
// и счетчики отправителя запрашиваются через функции конфигурации,
// единственным источником данных остаются SourceManager и сессия.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRTCPInterval - интервал отправки отчетов по умолчанию.
// RFC 3550 Section 6.2 рекомендует минимум 5 секунд.
const DefaultRTCPInterval = 5 * time.Second

// RTCPSenderInfo - счетчики отправителя для Sender Report
type RTCPSenderInfo struct {
	RTPTimestamp uint32 // Текущая RTP метка исходящего потока
	PacketsSent  uint32
	OctetsSent   uint32
}

// RTCPSessionConfig задает параметры RTCP сессии
type RTCPSessionConfig struct {
	// SSRC локального участника, обязателен
	SSRC uint32
	// Transport для обмена RTCP. Мультиплексированный транспорт
	// передается здесь же: MultiplexedTransport включает RTCPTransport.
	Transport RTCPTransport
	// LocalSDesc - описание локального участника для SDES
	LocalSDesc SourceDescription
	// Interval - период отправки отчетов, 0 означает DefaultRTCPInterval
	Interval time.Duration

	// SenderInfo возвращает счетчики исходящего потока. Если задана и
	// с прошлого отчета отправлялись пакеты, строится SR вместо RR.
	SenderInfo func() RTCPSenderInfo
	// ReportBlocks возвращает блоки отчетов о приеме для включения
	// в SR/RR
	ReportBlocks func() []ReceptionReport

	// OnSenderReport вызывается для каждого принятого SR
	OnSenderReport func(ssrc uint32, ntpTimestamp uint64, arrival time.Time)
	// OnSourceDescription вызывается для каждого SDES chunk
	OnSourceDescription func(ssrc uint32, items []SDESItem)
	// OnBye вызывается для каждого источника из принятого BYE
	OnBye func(ssrc uint32, reason string)
	// OnRTCPReceived вызывается для каждого принятого RTCP пакета
	OnRTCPReceived func(packet RTCPPacket, addr net.Addr)
	// OnRTCPSent вызывается после успешной отправки пакета
	OnRTCPSent func(packet RTCPPacket)

	// Logger для диагностики, nil означает slog.Default()
	Logger *slog.Logger
	// Metrics - счетчики Prometheus, допускается nil
	Metrics *Metrics
}

// RTCPSession периодически отправляет отчеты SR/RR с SDES и
// обрабатывает входящие отчеты, включая расчет RTT по полям LSR/DLSR.
type RTCPSession struct {
	ssrc       uint32
	transport  RTCPTransport
	localSDesc SourceDescription
	interval   time.Duration
	config     RTCPSessionConfig
	logger     *slog.Logger
	metrics    *Metrics

	// счетчик пакетов на момент прошлого отчета, используется только
	// из цикла отправки
	lastSenderPackets uint32

	rttNanos int64 // последний измеренный RTT (atomic)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32
}

// NewRTCPSession создает RTCP сессию. Для начала работы нужен Start.
func NewRTCPSession(config RTCPSessionConfig) (*RTCPSession, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("RTCP транспорт обязателен")
	}
	if config.SSRC == 0 {
		return nil, fmt.Errorf("SSRC обязателен")
	}

	interval := config.Interval
	if interval <= 0 {
		interval = DefaultRTCPInterval
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RTCPSession{
		ssrc:       config.SSRC,
		transport:  config.Transport,
		localSDesc: config.LocalSDesc,
		interval:   interval,
		config:     config,
		logger:     logger.With(slog.String("component", "rtp.rtcp")),
		metrics:    config.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start запускает циклы отправки отчетов и приема RTCP
func (s *RTCPSession) Start() error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return fmt.Errorf("RTCP сессия уже запущена")
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reportLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.receiveLoop()
	}()
	return nil
}

// Stop отправляет BYE и останавливает циклы. Блокируется до их
// завершения. Повторные вызовы безопасны.
func (s *RTCPSession) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}
	s.sendBye("session closed")
	s.cancel()
	s.wg.Wait()
	return nil
}

// IsActive возвращает true между Start и Stop
func (s *RTCPSession) IsActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// GetRoundTripTime возвращает последний измеренный RTT.
// Ноль означает, что удаленная сторона еще не отразила наш SR.
func (s *RTCPSession) GetRoundTripTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.rttNanos))
}

func (s *RTCPSession) reportLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.safeSendReport()
		}
	}
}

func (s *RTCPSession) safeSendReport() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника при формировании RTCP отчета",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	s.sendReport()
}

// sendReport строит и отправляет очередной отчет. SR выбирается, если
// с прошлого отчета отправлялись RTP пакеты (RFC 3550 Section 6.4),
// иначе RR. К отчету присоединяется SDES с CNAME.
func (s *RTCPSession) sendReport() {
	now := time.Now()

	var report RTCPPacket
	kind := "rr"
	if s.config.SenderInfo != nil {
		info := s.config.SenderInfo()
		if info.PacketsSent > s.lastSenderPackets {
			sr := NewSenderReport(s.ssrc, NTPTimestamp(now), info.RTPTimestamp, info.PacketsSent, info.OctetsSent)
			for _, block := range s.reportBlocks() {
				sr.AddReceptionReport(block)
			}
			report = sr
			kind = "sr"
		}
		s.lastSenderPackets = info.PacketsSent
	}
	if report == nil {
		rr := NewReceiverReport(s.ssrc)
		for _, block := range s.reportBlocks() {
			rr.AddReceptionReport(block)
		}
		report = rr
	}

	packets := []RTCPPacket{report}
	if items := sdesItems(s.localSDesc); len(items) > 0 {
		sdes := NewSourceDescription()
		sdes.AddChunk(s.ssrc, items)
		packets = append(packets, sdes)
	}

	data, err := MarshalCompound(packets...)
	if err != nil {
		s.logger.Error("ошибка сериализации RTCP отчета", slog.Any("error", err))
		return
	}
	if err := s.transport.SendRTCP(data); err != nil {
		s.logger.Debug("ошибка отправки RTCP отчета", slog.Any("error", err))
		s.metrics.TransportError("rtcp_send")
		return
	}

	s.metrics.RTCPSent(kind)
	s.fireSent(report)
}

// sendBye отправляет прощальный compound пакет RR+BYE (RFC 3550 6.6)
func (s *RTCPSession) sendBye(reason string) {
	rr := NewReceiverReport(s.ssrc)
	bye := NewByePacket(s.ssrc, reason)
	data, err := MarshalCompound(rr, bye)
	if err != nil {
		return
	}
	if err := s.transport.SendRTCP(data); err != nil {
		s.logger.Debug("ошибка отправки BYE", slog.Any("error", err))
		return
	}
	s.metrics.RTCPSent("bye")
	s.fireSent(bye)
}

// SendSourceDescription немедленно отправляет SDES пакет с описанием
// локального участника, вне планового расписания отчетов
func (s *RTCPSession) SendSourceDescription() error {
	items := sdesItems(s.localSDesc)
	if len(items) == 0 {
		return fmt.Errorf("описание локального участника пусто")
	}

	sdes := NewSourceDescription()
	sdes.AddChunk(s.ssrc, items)
	data, err := sdes.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка сериализации SDES: %w", err)
	}
	if err := s.transport.SendRTCP(data); err != nil {
		s.metrics.TransportError("rtcp_send")
		return fmt.Errorf("ошибка отправки SDES: %w", err)
	}

	s.metrics.RTCPSent("sdes")
	s.fireSent(sdes)
	return nil
}

func (s *RTCPSession) reportBlocks() []ReceptionReport {
	if s.config.ReportBlocks == nil {
		return nil
	}
	return s.config.ReportBlocks()
}

// sdesItems собирает непустые поля описания в SDES элементы
func sdesItems(desc SourceDescription) []SDESItem {
	var items []SDESItem
	add := func(t uint8, text string) {
		if text != "" {
			items = append(items, SDESItem{Type: t, Text: []byte(text)})
		}
	}
	add(SDESTypeCNAME, desc.CNAME)
	add(SDESTypeName, desc.Name)
	add(SDESTypeEmail, desc.Email)
	add(SDESTypePhone, desc.Phone)
	add(SDESTypeLoc, desc.Location)
	add(SDESTypeTool, desc.Tool)
	add(SDESTypeNote, desc.Note)
	return items
}

func (s *RTCPSession) receiveLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}

		data, addr, err := s.transport.ReceiveRTCP(s.ctx)
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
			s.logger.Debug("ошибка приема RTCP", slog.Any("error", err))
			s.metrics.TransportError("rtcp_receive")
			continue
		}

		s.safeProcess(data, addr)
	}
}

func (s *RTCPSession) safeProcess(data []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника при обработке RTCP пакета",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	s.processIncoming(data, addr)
}

func (s *RTCPSession) processIncoming(data []byte, addr net.Addr) {
	arrival := time.Now()

	packets, err := ParseCompoundRTCP(data)
	if err != nil {
		s.logger.Debug("нераспознанный RTCP пакет",
			slog.Int("size", len(data)),
			slog.Any("error", err))
		return
	}
	s.metrics.RTCPReceived()

	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *SenderReport:
			if cb := s.config.OnSenderReport; cb != nil {
				cb(p.SSRC, p.NTPTimestamp, arrival)
			}
			s.processReportBlocks(p.ReceptionReports, arrival)
		case *ReceiverReport:
			s.processReportBlocks(p.ReceptionReports, arrival)
		case *SourceDescriptionPacket:
			if cb := s.config.OnSourceDescription; cb != nil {
				for _, chunk := range p.Chunks {
					cb(chunk.Source, chunk.Items)
				}
			}
		case *ByePacket:
			if cb := s.config.OnBye; cb != nil {
				for _, src := range p.Sources {
					cb(src, p.Reason)
				}
			}
		}
		s.fireReceived(pkt, addr)
	}
}

// processReportBlocks извлекает RTT из блоков, описывающих наш поток:
// RTT = время прибытия - LSR - DLSR в 32-битной шкале NTP middle
// (RFC 3550 Section 6.4.1)
func (s *RTCPSession) processReportBlocks(blocks []ReceptionReport, arrival time.Time) {
	for _, block := range blocks {
		if block.SSRC != s.ssrc || block.LastSR == 0 {
			continue
		}
		a := NTPMiddle32(arrival)
		echo := block.LastSR + block.DelaySinceLastSR
		if a <= echo {
			// расхождение часов, измерение недостоверно
			continue
		}
		rtt := DLSRToDuration(a - echo)
		atomic.StoreInt64(&s.rttNanos, int64(rtt))
		s.metrics.ObserveRTT(float64(rtt.Microseconds()) / 1000)
	}
}

func (s *RTCPSession) fireSent(pkt RTCPPacket) {
	if cb := s.config.OnRTCPSent; cb != nil {
		cb(pkt)
	}
}

func (s *RTCPSession) fireReceived(pkt RTCPPacket, addr net.Addr) {
	if cb := s.config.OnRTCPReceived; cb != nil {
		cb(pkt, addr)
	}
}
