package media

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/voip_core/pkg/dialog"
	rtpPkg "github.com/arzzra/voip_core/pkg/rtp"
	"github.com/arzzra/voip_core/pkg/srtp"
	"github.com/pion/rtp"
)

// === ВСПОМОГАТЕЛЬНЫЕ ТРАНСПОРТЫ ===

// captureTransport записывает отправленные пакеты для unit тестов
type captureTransport struct {
	mu       sync.Mutex
	sent     []*rtp.Packet
	incoming chan *rtp.Packet
	active   bool
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{
		incoming: make(chan *rtp.Packet, 100),
		active:   true,
	}
}

func (ct *captureTransport) Send(packet *rtp.Packet) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if !ct.active {
		return fmt.Errorf("транспорт не активен")
	}
	ct.sent = append(ct.sent, packet)
	return nil
}

func (ct *captureTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	select {
	case packet := <-ct.incoming:
		return packet, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5006}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (ct *captureTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
}

func (ct *captureTransport) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5006}
}

func (ct *captureTransport) Close() error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.active = false
	return nil
}

func (ct *captureTransport) IsActive() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.active
}

// SentPackets возвращает копию списка отправленных пакетов
func (ct *captureTransport) SentPackets() []*rtp.Packet {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	result := make([]*rtp.Packet, len(ct.sent))
	copy(result, ct.sent)
	return result
}

func testDialogKey(id string) dialog.DialogKey {
	return dialog.DialogKey{CallID: id, LocalTag: "tag-local", RemoteTag: "tag-remote"}
}

// newLoopbackTransports создает пару UDP транспортов, направленных
// друг на друга через loopback
func newLoopbackTransports(t *testing.T) (*rtpPkg.UDPTransport, *rtpPkg.UDPTransport) {
	t.Helper()

	a, err := rtpPkg.NewUDPTransport(rtpPkg.TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("создание транспорта A: %v", err)
	}
	b, err := rtpPkg.NewUDPTransport(rtpPkg.TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		a.Close()
		t.Fatalf("создание транспорта B: %v", err)
	}
	if err := a.SetRemoteAddr(b.LocalAddr().String()); err != nil {
		t.Fatalf("настройка адреса A->B: %v", err)
	}
	if err := b.SetRemoteAddr(a.LocalAddr().String()); err != nil {
		t.Fatalf("настройка адреса B->A: %v", err)
	}
	return a, b
}

// srtpContextPair создает согласованную пару контекстов: отправитель
// защищает мастер-ключом, получатель тем же ключом проверяет
func srtpContextPair(t *testing.T, seed byte) (*srtp.Context, *srtp.Context) {
	t.Helper()

	masterKey := bytes.Repeat([]byte{seed}, 16)
	masterSalt := bytes.Repeat([]byte{seed ^ 0xFF}, 14)

	send, err := srtp.NewContext(srtp.SuiteAESCM128HMACSHA1_80, masterKey, masterSalt)
	if err != nil {
		t.Fatalf("создание контекста отправителя: %v", err)
	}
	recv, err := srtp.NewContext(srtp.SuiteAESCM128HMACSHA1_80, masterKey, masterSalt)
	if err != nil {
		t.Fatalf("создание контекста получателя: %v", err)
	}
	return send, recv
}

// === ТЕСТЫ СОЗДАНИЯ И КОНФИГУРАЦИИ ===

// TestMediaSessionValidation тестирует проверку конфигурации при
// создании сессии
func TestMediaSessionValidation(t *testing.T) {
	sendCtx, _ := srtpContextPair(t, 0xA1)

	tests := []struct {
		name         string
		config       SessionConfig
		expectedCode MediaErrorCode
	}{
		{
			name:         "Без транспорта",
			config:       SessionConfig{PayloadType: rtpPkg.PayloadTypePCMU},
			expectedCode: ErrorCodeConfigInvalid,
		},
		{
			name: "SRTP только в одном направлении",
			config: SessionConfig{
				PayloadType: rtpPkg.PayloadTypePCMU,
				Transport:   newCaptureTransport(),
				SRTPSend:    sendCtx,
			},
			expectedCode: ErrorCodeConfigInvalid,
		},
		{
			name: "Динамический payload тип без частоты",
			config: SessionConfig{
				PayloadType: rtpPkg.PayloadType(96),
				Transport:   newCaptureTransport(),
			},
			expectedCode: ErrorCodeConfigInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMediaSession(testDialogKey("validation"), tt.config)
			if err == nil {
				t.Fatal("ожидалась ошибка конфигурации")
			}
			if !HasErrorCode(err, tt.expectedCode) {
				t.Errorf("код ошибки %v, ожидался %v", err, tt.expectedCode)
			}
		})
	}
}

// TestMediaSessionDefaults тестирует значения конфигурации по умолчанию
func TestMediaSessionDefaults(t *testing.T) {
	session, err := NewMediaSession(testDialogKey("defaults"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   newCaptureTransport(),
		DTMFEnabled: true,
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}
	defer session.Stop()

	if session.ptime != DefaultPtime {
		t.Errorf("ptime = %v, ожидалось %v", session.ptime, DefaultPtime)
	}
	if session.playoutDepth != DefaultPlayoutDepth {
		t.Errorf("playoutDepth = %d, ожидалось %d", session.playoutDepth, DefaultPlayoutDepth)
	}
	if session.clockRate != 8000 {
		t.Errorf("clockRate = %d, ожидалось 8000 для PCMU", session.clockRate)
	}
	if session.config.DTMFPayloadType != DTMFPayloadTypeDefault {
		t.Errorf("DTMF payload тип = %d, ожидалось %d",
			session.config.DTMFPayloadType, DTMFPayloadTypeDefault)
	}
	if session.State() != MediaStateIdle {
		t.Errorf("состояние = %v, ожидалось idle", session.State())
	}
}

// === ТЕСТЫ ЖИЗНЕННОГО ЦИКЛА ===

// TestMediaSessionLifecycle тестирует переходы состояний сессии:
// idle -> active -> closed, повторные запуск и остановка
func TestMediaSessionLifecycle(t *testing.T) {
	session, err := NewMediaSession(testDialogKey("lifecycle"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   newCaptureTransport(),
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("запуск сессии: %v", err)
	}
	if session.State() != MediaStateActive {
		t.Errorf("состояние после Start = %v, ожидалось active", session.State())
	}

	// Повторный запуск отклоняется
	if err := session.Start(); !HasErrorCode(err, ErrorCodeSessionActive) {
		t.Errorf("повторный Start вернул %v, ожидался код SessionActive", err)
	}

	if err := session.Stop(); err != nil {
		t.Fatalf("остановка сессии: %v", err)
	}
	if session.State() != MediaStateClosed {
		t.Errorf("состояние после Stop = %v, ожидалось closed", session.State())
	}

	// Повторная остановка безопасна
	if err := session.Stop(); err != nil {
		t.Errorf("повторный Stop вернул %v", err)
	}

	// Запуск закрытой сессии отклоняется
	if err := session.Start(); !HasErrorCode(err, ErrorCodeSessionClosed) {
		t.Errorf("запуск закрытой сессии вернул %v, ожидался код SessionClosed", err)
	}
}

// TestSendAudioValidation тестирует проверки при отправке аудио
func TestSendAudioValidation(t *testing.T) {
	session, err := NewMediaSession(testDialogKey("audio-validation"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   newCaptureTransport(),
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}

	frame := make([]byte, 160)

	// До запуска отправка отклоняется
	if err := session.SendAudio(frame); !HasErrorCode(err, ErrorCodeSessionNotStarted) {
		t.Errorf("отправка до запуска вернула %v, ожидался код SessionNotStarted", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("запуск сессии: %v", err)
	}

	if err := session.SendAudio(nil); !HasErrorCode(err, ErrorCodeAudioEmpty) {
		t.Errorf("пустой кадр вернул %v, ожидался код AudioEmpty", err)
	}
	if err := session.SendAudio(frame); err != nil {
		t.Errorf("отправка кадра: %v", err)
	}

	session.Stop()
	if err := session.SendAudio(frame); !HasErrorCode(err, ErrorCodeSessionClosed) {
		t.Errorf("отправка после остановки вернула %v, ожидался код SessionClosed", err)
	}
}

// === ТЕСТЫ ОТПРАВКИ DTMF ===

// TestSendDTMFPacketLayout тестирует формат потока RFC 4733: три
// пакета начала с маркером на первом, три финальных с флагом
// окончания, общая метка времени и последовательная нумерация
func TestSendDTMFPacketLayout(t *testing.T) {
	transport := newCaptureTransport()
	session, err := NewMediaSession(testDialogKey("dtmf-layout"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transport,
		DTMFEnabled: true,
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}
	defer session.Stop()

	if err := session.Start(); err != nil {
		t.Fatalf("запуск сессии: %v", err)
	}
	if err := session.SendDTMF(DTMF5, 160*time.Millisecond); err != nil {
		t.Fatalf("отправка DTMF: %v", err)
	}

	packets := transport.SentPackets()
	if len(packets) != dtmfStartRepeats+dtmfEndRepeats {
		t.Fatalf("отправлено %d пакетов, ожидалось %d", len(packets), dtmfStartRepeats+dtmfEndRepeats)
	}

	eventTS := packets[0].Timestamp
	firstSeq := packets[0].SequenceNumber
	for i, packet := range packets {
		if packet.PayloadType != DTMFPayloadTypeDefault {
			t.Errorf("пакет %d: payload тип %d, ожидался %d", i, packet.PayloadType, DTMFPayloadTypeDefault)
		}
		if packet.Timestamp != eventTS {
			t.Errorf("пакет %d: метка времени %d, ожидалась %d", i, packet.Timestamp, eventTS)
		}
		if packet.SequenceNumber != firstSeq+uint16(i) {
			t.Errorf("пакет %d: номер %d, ожидался %d", i, packet.SequenceNumber, firstSeq+uint16(i))
		}
		if packet.Marker != (i == 0) {
			t.Errorf("пакет %d: маркер %v", i, packet.Marker)
		}
		if packet.SSRC != session.RTP().GetSSRC() {
			t.Errorf("пакет %d: SSRC %d не совпадает с потоком", i, packet.SSRC)
		}

		payload, err := ParseDTMFPayload(packet.Payload)
		if err != nil {
			t.Fatalf("пакет %d: разбор payload: %v", i, err)
		}
		if payload.Event != uint8(DTMF5) {
			t.Errorf("пакет %d: событие %d, ожидалось %d", i, payload.Event, uint8(DTMF5))
		}
		expectedEnd := i >= dtmfStartRepeats
		if payload.End != expectedEnd {
			t.Errorf("пакет %d: флаг окончания %v, ожидалось %v", i, payload.End, expectedEnd)
		}
		// 160ms при частоте 8000 Гц
		if payload.Duration != 1280 {
			t.Errorf("пакет %d: длительность %d, ожидалось 1280", i, payload.Duration)
		}
	}

	stats := session.GetStatistics()
	if stats.DTMFEventsSent != 1 {
		t.Errorf("счетчик отправленных DTMF = %d, ожидался 1", stats.DTMFEventsSent)
	}
}

// TestSendDTMFValidation тестирует проверки при отправке DTMF
func TestSendDTMFValidation(t *testing.T) {
	disabled, err := NewMediaSession(testDialogKey("dtmf-off"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   newCaptureTransport(),
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}
	defer disabled.Stop()

	if err := disabled.SendDTMF(DTMF1, 0); !HasErrorCode(err, ErrorCodeDTMFDisabled) {
		t.Errorf("отправка при выключенном DTMF вернула %v, ожидался код DTMFDisabled", err)
	}

	session, err := NewMediaSession(testDialogKey("dtmf-validation"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   newCaptureTransport(),
		DTMFEnabled: true,
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}
	defer session.Stop()
	if err := session.Start(); err != nil {
		t.Fatalf("запуск сессии: %v", err)
	}

	if err := session.SendDTMF(DTMFDigit(42), 0); !HasErrorCode(err, ErrorCodeDTMFInvalidDigit) {
		t.Errorf("недопустимая цифра вернула %v, ожидался код DTMFInvalidDigit", err)
	}
	if err := session.SendDTMF(DTMF1, 10*time.Second); !HasErrorCode(err, ErrorCodeDTMFDurationInvalid) {
		t.Errorf("завышенная длительность вернула %v, ожидался код DTMFDurationInvalid", err)
	}
	if err := session.SendDTMF(DTMF1, -time.Second); !HasErrorCode(err, ErrorCodeDTMFDurationInvalid) {
		t.Errorf("отрицательная длительность вернула %v, ожидался код DTMFDurationInvalid", err)
	}
}

// === ИНТЕГРАЦИОННЫЕ ТЕСТЫ ЧЕРЕЗ LOOPBACK ===

// TestMediaSessionAudioExchange тестирует сквозной аудио тракт: кадры
// проходят RTP сессию, сеть, jitter buffer и выдаются обработчику в
// исходном порядке
func TestMediaSessionAudioExchange(t *testing.T) {
	transportA, transportB := newLoopbackTransports(t)

	received := make(chan []byte, 32)
	sessionB, err := NewMediaSession(testDialogKey("audio-b"), SessionConfig{
		PayloadType:  rtpPkg.PayloadTypePCMU,
		Transport:    transportB,
		PlayoutDepth: 1,
		OnAudio: func(payload []byte, _ rtpPkg.PayloadType, _ time.Duration) {
			frame := make([]byte, len(payload))
			copy(frame, payload)
			select {
			case received <- frame:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("создание сессии B: %v", err)
	}
	defer sessionB.Stop()
	if err := sessionB.Start(); err != nil {
		t.Fatalf("запуск сессии B: %v", err)
	}

	sessionA, err := NewMediaSession(testDialogKey("audio-a"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportA,
	})
	if err != nil {
		t.Fatalf("создание сессии A: %v", err)
	}
	defer sessionA.Stop()
	if err := sessionA.Start(); err != nil {
		t.Fatalf("запуск сессии A: %v", err)
	}

	const frames = 6
	for i := 0; i < frames; i++ {
		frame := bytes.Repeat([]byte{0xD0 + byte(i)}, 160)
		if err := sessionA.SendAudio(frame); err != nil {
			t.Fatalf("отправка кадра %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Воспроизведение идет тиками ptime, ждем накопления
	var collected [][]byte
	deadline := time.After(2 * time.Second)
	for len(collected) < 3 {
		select {
		case frame := <-received:
			collected = append(collected, frame)
		case <-deadline:
			t.Fatalf("получено %d кадров за отведенное время, ожидалось минимум 3", len(collected))
		}
	}

	// Кадры приходят в порядке отправки
	for i, frame := range collected {
		if len(frame) != 160 {
			t.Fatalf("кадр %d: размер %d, ожидалось 160", i, len(frame))
		}
		if i > 0 && frame[0] <= collected[i-1][0] {
			t.Errorf("кадр %d: маркер %#x нарушает порядок после %#x", i, frame[0], collected[i-1][0])
		}
	}

	stats := sessionA.GetStatistics()
	if stats.PacketsSent < frames {
		t.Errorf("отправлено %d пакетов, ожидалось минимум %d", stats.PacketsSent, frames)
	}
	if stats.BytesSent < frames*160 {
		t.Errorf("отправлено %d байт, ожидалось минимум %d", stats.BytesSent, frames*160)
	}
}

// TestMediaSessionSRTPExchange тестирует защищенный тракт: поток
// шифруется на отправке, расшифровывается на приеме, обработчик
// получает исходные кадры
func TestMediaSessionSRTPExchange(t *testing.T) {
	transportA, transportB := newLoopbackTransports(t)

	aSend, bRecv := srtpContextPair(t, 0x3C)
	bSend, aRecv := srtpContextPair(t, 0x7E)

	received := make(chan []byte, 32)
	sessionB, err := NewMediaSession(testDialogKey("srtp-b"), SessionConfig{
		PayloadType:  rtpPkg.PayloadTypePCMU,
		Transport:    transportB,
		SRTPSend:     bSend,
		SRTPRecv:     bRecv,
		PlayoutDepth: 1,
		OnAudio: func(payload []byte, _ rtpPkg.PayloadType, _ time.Duration) {
			frame := make([]byte, len(payload))
			copy(frame, payload)
			select {
			case received <- frame:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("создание сессии B: %v", err)
	}
	defer sessionB.Stop()
	if err := sessionB.Start(); err != nil {
		t.Fatalf("запуск сессии B: %v", err)
	}

	sessionA, err := NewMediaSession(testDialogKey("srtp-a"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportA,
		SRTPSend:    aSend,
		SRTPRecv:    aRecv,
	})
	if err != nil {
		t.Fatalf("создание сессии A: %v", err)
	}
	defer sessionA.Stop()
	if err := sessionA.Start(); err != nil {
		t.Fatalf("запуск сессии A: %v", err)
	}

	want := bytes.Repeat([]byte{0x55}, 160)
	for i := 0; i < 5; i++ {
		if err := sessionA.SendAudio(want); err != nil {
			t.Fatalf("отправка кадра %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case frame := <-received:
		if !bytes.Equal(frame, want) {
			t.Error("принятый кадр не совпадает с отправленным")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("защищенный кадр не получен за отведенное время")
	}

	statsB := sessionB.GetStatistics()
	if statsB.SRTPAuthFailures != 0 {
		t.Errorf("ошибок аутентификации %d при согласованных ключах", statsB.SRTPAuthFailures)
	}
}

// TestMediaSessionSRTPAuthFailure тестирует отбрасывание пакетов,
// защищенных чужим ключом: счетчик растет, сессия продолжает работу
func TestMediaSessionSRTPAuthFailure(t *testing.T) {
	transportA, transportB := newLoopbackTransports(t)
	defer transportA.Close()

	bSend, bRecv := srtpContextPair(t, 0x42)
	sessionB, err := NewMediaSession(testDialogKey("srtp-tamper"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportB,
		SRTPSend:    bSend,
		SRTPRecv:    bRecv,
	})
	if err != nil {
		t.Fatalf("создание сессии: %v", err)
	}
	defer sessionB.Stop()
	if err := sessionB.Start(); err != nil {
		t.Fatalf("запуск сессии: %v", err)
	}

	// Защита чужим мастер-ключом не проходит проверку на приеме
	wrongCtx, _ := srtpContextPair(t, 0x99)
	attacker, err := net.Dial("udp", transportB.LocalAddr().String())
	if err != nil {
		t.Fatalf("создание сокета атакующего: %v", err)
	}
	defer attacker.Close()

	for seq := uint16(1); seq <= 5; seq++ {
		wire, err := wrongCtx.ProtectRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    uint8(rtpPkg.PayloadTypePCMU),
				SequenceNumber: seq,
				Timestamp:      uint32(seq) * 160,
				SSRC:           0xDEADBEEF,
			},
			Payload: make([]byte, 160),
		})
		if err != nil {
			t.Fatalf("защита пакета: %v", err)
		}
		if _, err := attacker.Write(wire); err != nil {
			t.Fatalf("отправка пакета: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sessionB.GetStatistics().SRTPAuthFailures >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ошибки аутентификации не зафиксированы")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Сессия остается работоспособной
	if sessionB.State() != MediaStateActive {
		t.Errorf("состояние = %v, ожидалось active", sessionB.State())
	}
}

// TestMediaSessionDTMFEndToEnd тестирует сквозную передачу DTMF:
// повторные пакеты события сворачиваются в один callback
func TestMediaSessionDTMFEndToEnd(t *testing.T) {
	transportA, transportB := newLoopbackTransports(t)

	events := make(chan DTMFEvent, 10)
	sessionB, err := NewMediaSession(testDialogKey("dtmf-b"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportB,
		DTMFEnabled: true,
		OnDTMF: func(event DTMFEvent) {
			events <- event
		},
	})
	if err != nil {
		t.Fatalf("создание сессии B: %v", err)
	}
	defer sessionB.Stop()
	if err := sessionB.Start(); err != nil {
		t.Fatalf("запуск сессии B: %v", err)
	}

	sessionA, err := NewMediaSession(testDialogKey("dtmf-a"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportA,
		DTMFEnabled: true,
	})
	if err != nil {
		t.Fatalf("создание сессии A: %v", err)
	}
	defer sessionA.Stop()
	if err := sessionA.Start(); err != nil {
		t.Fatalf("запуск сессии A: %v", err)
	}

	if err := sessionA.SendDTMF(DTMF7, 0); err != nil {
		t.Fatalf("отправка DTMF: %v", err)
	}

	select {
	case event := <-events:
		if event.Digit != DTMF7 {
			t.Errorf("цифра = %v, ожидалось %v", event.Digit, DTMF7)
		}
		if event.Duration != DefaultDTMFDuration {
			t.Errorf("длительность = %v, ожидалось %v", event.Duration, DefaultDTMFDuration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DTMF событие не получено за отведенное время")
	}

	// Повторные пакеты того же события не дают второго callback
	select {
	case event := <-events:
		t.Errorf("получено лишнее событие %v", event)
	case <-time.After(300 * time.Millisecond):
	}

	if stats := sessionB.GetStatistics(); stats.DTMFEventsReceived != 1 {
		t.Errorf("счетчик принятых DTMF = %d, ожидался 1", stats.DTMFEventsReceived)
	}
}

// TestMediaSessionStatistics тестирует агрегацию статистики: оценка
// MOS остается в допустимом диапазоне, активность фиксируется
func TestMediaSessionStatistics(t *testing.T) {
	transportA, transportB := newLoopbackTransports(t)

	sessionB, err := NewMediaSession(testDialogKey("stats-b"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportB,
	})
	if err != nil {
		t.Fatalf("создание сессии B: %v", err)
	}
	defer sessionB.Stop()
	if err := sessionB.Start(); err != nil {
		t.Fatalf("запуск сессии B: %v", err)
	}

	sessionA, err := NewMediaSession(testDialogKey("stats-a"), SessionConfig{
		PayloadType: rtpPkg.PayloadTypePCMU,
		Transport:   transportA,
	})
	if err != nil {
		t.Fatalf("создание сессии A: %v", err)
	}
	defer sessionA.Stop()
	if err := sessionA.Start(); err != nil {
		t.Fatalf("запуск сессии A: %v", err)
	}

	frame := make([]byte, 160)
	for i := 0; i < 5; i++ {
		if err := sessionA.SendAudio(frame); err != nil {
			t.Fatalf("отправка кадра %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sessionB.GetStatistics().PacketsReceived < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("принято %d пакетов за отведенное время",
				sessionB.GetStatistics().PacketsReceived)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := sessionB.GetStatistics()
	if stats.BytesReceived < 5*160 {
		t.Errorf("принято %d байт, ожидалось минимум %d", stats.BytesReceived, 5*160)
	}
	if stats.MOS < MOSMin || stats.MOS > MOSMax {
		t.Errorf("MOS = %.2f вне диапазона [%.1f, %.1f]", stats.MOS, MOSMin, MOSMax)
	}
	if stats.LastActivity.IsZero() {
		t.Error("время последней активности не зафиксировано")
	}
	if stats.JitterBuffer.Capacity != DefaultJitterCapacity {
		t.Errorf("емкость jitter buffer = %d, ожидалось %d",
			stats.JitterBuffer.Capacity, DefaultJitterCapacity)
	}
}
