package rtp

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pion/rtp"
)

// newLoopbackTransport создает UDP транспорт на свободном порту loopback
func newLoopbackTransport(t *testing.T) *UDPTransport {
	t.Helper()
	transport, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания транспорта: %v", err)
	}
	t.Cleanup(func() { transport.Close() })
	return transport
}

// mustReceive принимает пакет с ограничением по времени
func mustReceive(t *testing.T, transport Transport, timeout time.Duration) (*rtp.Packet, net.Addr) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	packet, addr, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Ошибка приема пакета: %v", err)
	}
	return packet, addr
}

// === ТЕСТЫ UDP ТРАНСПОРТА ===

// TestUDPTransportSendReceive тестирует обмен RTP пакетами между двумя
// транспортами через loopback
func TestUDPTransportSendReceive(t *testing.T) {
	sender := newLoopbackTransport(t)
	receiver := newLoopbackTransport(t)

	if err := sender.SetRemoteAddr(receiver.LocalAddr().String()); err != nil {
		t.Fatalf("Ошибка установки удаленного адреса: %v", err)
	}

	packet := makePacket(0x11223344, 100, 8000)
	if err := sender.Send(packet); err != nil {
		t.Fatalf("Ошибка отправки пакета: %v", err)
	}

	received, addr := mustReceive(t, receiver, 2*time.Second)
	if received.SSRC != 0x11223344 {
		t.Errorf("SSRC не совпадает: %08x", received.SSRC)
	}
	if received.SequenceNumber != 100 || received.Timestamp != 8000 {
		t.Errorf("Заголовок не совпадает: seq=%d ts=%d", received.SequenceNumber, received.Timestamp)
	}
	if len(received.Payload) != 160 {
		t.Errorf("Размер payload не совпадает: %d", len(received.Payload))
	}
	if addr == nil {
		t.Error("Адрес источника должен быть известен")
	}
}

// TestUDPTransportConfigValidation тестирует проверку конфигурации
func TestUDPTransportConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config TransportConfig
	}{
		{"Пустой локальный адрес", TransportConfig{}},
		{"Некорректный локальный адрес", TransportConfig{LocalAddr: "не адрес"}},
		{"Некорректный удаленный адрес", TransportConfig{LocalAddr: "127.0.0.1:0", RemoteAddr: "не адрес"}},
		{"DSCP вне диапазона", TransportConfig{LocalAddr: "127.0.0.1:0", DSCP: 64}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewUDPTransport(tt.config); err == nil {
				t.Error("Ожидалась ошибка конфигурации")
			}
		})
	}

	cfg := DefaultTransportConfig()
	if cfg.BufferSize != DefaultBufferSize || cfg.ReceiveTimeout != DefaultReceiveTimeout {
		t.Error("Конфигурация по умолчанию не совпадает с константами")
	}
}

// TestUDPTransportSendErrors тестирует ошибки отправки: без удаленного
// адреса, после закрытия и при превышении MTU
func TestUDPTransportSendErrors(t *testing.T) {
	transport := newLoopbackTransport(t)
	packet := makePacket(1, 1, 0)

	// удаленный адрес еще не известен
	if err := transport.Send(packet); err == nil {
		t.Error("Отправка без удаленного адреса должна возвращать ошибку")
	}

	if err := transport.SetRemoteAddr("127.0.0.1:40000"); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}
	if err := transport.SetRemoteAddr(""); err == nil {
		t.Error("Пустой адрес должен возвращать ошибку")
	}

	// пакет не влезает в MTU
	big := makePacket(1, 2, 160)
	big.Payload = make([]byte, MaxRTPPacketSize+100)
	err := transport.Send(big)
	if err == nil {
		t.Fatal("Отправка пакета больше MTU должна возвращать ошибку")
	}
	if !strings.Contains(err.Error(), "превышает") {
		t.Errorf("Неожиданный текст ошибки: %v", err)
	}

	transport.Close()
	if err := transport.Send(packet); err == nil {
		t.Error("Отправка после Close должна возвращать ошибку")
	}
}

// TestUDPTransportSymmetricRTP тестирует обучение удаленному адресу по
// первому принятому пакету (RFC 4961): сторона без известного адреса
// отвечает источнику входящего трафика
func TestUDPTransportSymmetricRTP(t *testing.T) {
	caller := newLoopbackTransport(t)
	callee := newLoopbackTransport(t)

	if callee.RemoteAddr() != nil {
		t.Fatal("Удаленный адрес не должен быть известен до первого пакета")
	}

	if err := caller.SetRemoteAddr(callee.LocalAddr().String()); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}
	if err := caller.Send(makePacket(0xAAAA0001, 1, 0)); err != nil {
		t.Fatalf("Ошибка отправки: %v", err)
	}

	_, addr := mustReceive(t, callee, 2*time.Second)

	learned := callee.RemoteAddr()
	if learned == nil {
		t.Fatal("Адрес должен быть выучен по первому пакету")
	}
	if learned.String() != addr.String() {
		t.Errorf("Выучен %s, пакет пришел с %s", learned, addr)
	}
	if learned.String() != caller.LocalAddr().String() {
		t.Errorf("Выучен %s, ожидался %s", learned, caller.LocalAddr())
	}

	// обратное направление работает без явной настройки
	if err := callee.Send(makePacket(0xBBBB0002, 7, 160)); err != nil {
		t.Fatalf("Ошибка обратной отправки: %v", err)
	}
	back, _ := mustReceive(t, caller, 2*time.Second)
	if back.SSRC != 0xBBBB0002 || back.SequenceNumber != 7 {
		t.Error("Обратный пакет не совпадает")
	}
}

// TestUDPTransportDropsGarbage проверяет, что мусорные датаграммы на
// медиа порту отбрасываются без прерывания приема
func TestUDPTransportDropsGarbage(t *testing.T) {
	receiver := newLoopbackTransport(t)

	raw, err := net.Dial("udp", receiver.LocalAddr().String())
	if err != nil {
		t.Fatalf("Ошибка создания сокета: %v", err)
	}
	defer raw.Close()

	// короткая датаграмма, затем датаграмма с неверной версией
	raw.Write([]byte("junk"))
	raw.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B})

	valid := makePacket(0xCAFE0001, 777, 16000)
	data, err := valid.Marshal()
	if err != nil {
		t.Fatalf("Ошибка сериализации: %v", err)
	}
	raw.Write(data)

	received, _ := mustReceive(t, receiver, 2*time.Second)
	if received.SequenceNumber != 777 {
		t.Errorf("Принят не тот пакет: seq=%d", received.SequenceNumber)
	}
}

// TestUDPTransportReceiveCancel тестирует отмену приема через контекст
func TestUDPTransportReceiveCancel(t *testing.T) {
	transport := newLoopbackTransport(t)

	// отмененный контекст возвращается сразу
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := transport.Receive(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Ожидалась ошибка context.Canceled, получено %v", err)
	}

	// отмена во время блокирующего приема
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := transport.Receive(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Ожидалась ошибка context.Canceled, получено %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Прием не завершился после отмены контекста")
	}
}

// TestUDPTransportClose тестирует закрытие транспорта
func TestUDPTransportClose(t *testing.T) {
	transport := newLoopbackTransport(t)

	if !transport.IsActive() {
		t.Error("Новый транспорт должен быть активен")
	}
	if transport.LocalAddr() == nil {
		t.Error("Локальный адрес должен быть известен")
	}

	if err := transport.Close(); err != nil {
		t.Errorf("Ошибка закрытия: %v", err)
	}
	if transport.IsActive() {
		t.Error("Закрытый транспорт не должен быть активен")
	}
	if err := transport.Close(); err != nil {
		t.Errorf("Повторное закрытие должно быть безопасно: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := transport.Receive(ctx); err == nil {
		t.Error("Прием на закрытом транспорте должен возвращать ошибку")
	}
}

// === ТЕСТЫ ПАРЫ RTP/RTCP ===

// TestUDPTransportPair тестирует выделение смежных портов по схеме
// RFC 3550 Section 11: RTP на четном, RTCP на следующем нечетном
func TestUDPTransportPair(t *testing.T) {
	pair, err := NewUDPTransportPair(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания пары: %v", err)
	}
	defer pair.Close()

	rtpPort := pair.RTP.LocalAddr().(*net.UDPAddr).Port
	rtcpPort := pair.RTCP.LocalAddr().(*net.UDPAddr).Port

	if rtpPort%2 != 0 {
		t.Errorf("RTP порт должен быть четным: %d", rtpPort)
	}
	if rtcpPort != rtpPort+1 {
		t.Errorf("RTCP порт должен быть RTP+1: rtp=%d rtcp=%d", rtpPort, rtcpPort)
	}
	if !pair.IsActive() {
		t.Error("Новая пара должна быть активна")
	}

	// удаленный RTCP адрес выводится из RTP адреса
	if err := pair.SetRemoteAddr("127.0.0.1:40000"); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}
	if got := pair.RTP.RemoteAddr().(*net.UDPAddr).Port; got != 40000 {
		t.Errorf("Удаленный RTP порт: %d, ожидался 40000", got)
	}
	if got := pair.RTCP.RemoteAddr().(*net.UDPAddr).Port; got != 40001 {
		t.Errorf("Удаленный RTCP порт: %d, ожидался 40001", got)
	}

	if err := pair.Close(); err != nil {
		t.Errorf("Ошибка закрытия пары: %v", err)
	}
	if pair.IsActive() {
		t.Error("Закрытая пара не должна быть активна")
	}
}

// TestUDPRTCPTransportExchange тестирует обмен RTCP пакетами между
// двумя парами и отбрасывание не-RTCP датаграмм на RTCP порту
func TestUDPRTCPTransportExchange(t *testing.T) {
	alice, err := NewUDPTransportPair(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания пары: %v", err)
	}
	defer alice.Close()

	bob, err := NewUDPTransportPair(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания пары: %v", err)
	}
	defer bob.Close()

	if err := alice.SetRemoteAddr(bob.RTP.LocalAddr().String()); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}

	// RTP датаграмма на RTCP порту отбрасывается
	rtpData, _ := makePacket(0x0000BEEF, 5, 800).Marshal()
	raw, err := net.Dial("udp", bob.RTCP.LocalAddr().String())
	if err != nil {
		t.Fatalf("Ошибка создания сокета: %v", err)
	}
	defer raw.Close()
	raw.Write(rtpData)

	rr := NewReceiverReport(0x0000BEEF)
	rrData, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Ошибка сериализации RR: %v", err)
	}
	if err := alice.RTCP.SendRTCP(rrData); err != nil {
		t.Fatalf("Ошибка отправки RTCP: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, addr, err := bob.RTCP.ReceiveRTCP(ctx)
	if err != nil {
		t.Fatalf("Ошибка приема RTCP: %v", err)
	}
	if !IsRTCPPacket(data) {
		t.Error("Принятая датаграмма должна быть RTCP")
	}
	parsed := &ReceiverReport{}
	if err := parsed.Unmarshal(data); err != nil {
		t.Fatalf("RR не разобрался: %v", err)
	}
	if parsed.SSRC != 0x0000BEEF {
		t.Errorf("SSRC не совпадает: %08x", parsed.SSRC)
	}

	// адрес выучен, ответ уходит без явной настройки
	if addr == nil || bob.RTCP.RemoteAddr() == nil {
		t.Fatal("Удаленный RTCP адрес должен быть выучен")
	}
	if err := bob.RTCP.SendRTCP(rrData); err != nil {
		t.Fatalf("Ошибка обратной отправки RTCP: %v", err)
	}
	if _, _, err := alice.RTCP.ReceiveRTCP(ctx); err != nil {
		t.Fatalf("Ошибка приема ответа: %v", err)
	}
}

// === ТЕСТЫ МУЛЬТИПЛЕКСИРОВАНИЯ ===

// TestMultiplexedTransport тестирует rtcp-mux (RFC 5761): RTP и RTCP
// через один сокет с демультиплексированием по типу пакета
func TestMultiplexedTransport(t *testing.T) {
	alice, err := NewMultiplexedUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания mux транспорта: %v", err)
	}
	defer alice.Close()

	bob, err := NewMultiplexedUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Ошибка создания mux транспорта: %v", err)
	}
	defer bob.Close()

	if err := alice.SetRemoteAddr(bob.LocalAddr().String()); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}
	if err := bob.SetRemoteAddr(alice.LocalAddr().String()); err != nil {
		t.Fatalf("Ошибка установки адреса: %v", err)
	}

	// сессия определяет поддержку mux через type assertion
	var transport Transport = alice
	if _, ok := transport.(MultiplexedTransport); !ok {
		t.Fatal("MultiplexedUDPTransport должен реализовывать MultiplexedTransport")
	}

	// RTCP датаграмма приходит первой, но не теряется при приеме RTP
	rr := NewReceiverReport(0x12121212)
	rrData, err := rr.Marshal()
	if err != nil {
		t.Fatalf("Ошибка сериализации RR: %v", err)
	}
	if err := alice.SendRTCP(rrData); err != nil {
		t.Fatalf("Ошибка отправки RTCP: %v", err)
	}
	if err := alice.Send(makePacket(0x12121212, 42, 320)); err != nil {
		t.Fatalf("Ошибка отправки RTP: %v", err)
	}

	packet, _ := mustReceive(t, bob, 2*time.Second)
	if packet.SequenceNumber != 42 {
		t.Errorf("Принят не тот RTP пакет: seq=%d", packet.SequenceNumber)
	}

	// переложенная RTCP датаграмма ждет в очереди
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _, err := bob.ReceiveRTCP(ctx)
	if err != nil {
		t.Fatalf("Ошибка приема RTCP: %v", err)
	}
	parsed := &ReceiverReport{}
	if err := parsed.Unmarshal(data); err != nil {
		t.Fatalf("RR не разобрался: %v", err)
	}
	if parsed.SSRC != 0x12121212 {
		t.Errorf("SSRC не совпадает: %08x", parsed.SSRC)
	}

	// обратная ситуация: RTP датаграмма перекладывается при приеме RTCP
	if err := bob.Send(makePacket(0x34343434, 55, 480)); err != nil {
		t.Fatalf("Ошибка отправки RTP: %v", err)
	}
	if err := bob.SendRTCP(rrData); err != nil {
		t.Fatalf("Ошибка отправки RTCP: %v", err)
	}

	if _, _, err := alice.ReceiveRTCP(ctx); err != nil {
		t.Fatalf("Ошибка приема RTCP: %v", err)
	}
	packet, _ = mustReceive(t, alice, 2*time.Second)
	if packet.SSRC != 0x34343434 || packet.SequenceNumber != 55 {
		t.Errorf("Переложенный RTP пакет не совпадает: ssrc=%08x seq=%d", packet.SSRC, packet.SequenceNumber)
	}
}

// === ТЕСТЫ КЛАССИФИКАЦИИ ОШИБОК ===

// TestClassifyNetworkError тестирует классификацию сетевых ошибок по
// типам без разбора текста
func TestClassifyNetworkError(t *testing.T) {
	if classifyNetworkError("тест", nil) != nil {
		t.Error("nil ошибка должна давать nil")
	}

	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		retryable bool
	}{
		{"Закрытый сокет", net.ErrClosed, ErrorTypeClosed, false},
		{"Таймаут дедлайна", os.ErrDeadlineExceeded, ErrorTypeTimeout, true},
		{"Соединение отклонено", syscall.ECONNREFUSED, ErrorTypeRefused, true},
		{"Хост недостижим", syscall.EHOSTUNREACH, ErrorTypeUnreachable, true},
		{"Сеть недостижима", syscall.ENETUNREACH, ErrorTypeUnreachable, true},
		{"Прочая ошибка", errors.New("что-то сломалось"), ErrorTypeNetwork, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classifyNetworkError("чтение RTP", tt.err)
			if ce.Type != tt.wantType {
				t.Errorf("Тип %v, ожидался %v", ce.Type, tt.wantType)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("Retryable %v, ожидалось %v", ce.Retryable, tt.retryable)
			}
			if ce.Operation != "чтение RTP" {
				t.Errorf("Операция не сохранена: %q", ce.Operation)
			}
			if !errors.Is(ce, tt.err) {
				t.Error("Исходная ошибка должна быть доступна через errors.Is")
			}
			if isRetryableError(ce) != tt.retryable {
				t.Error("isRetryableError не согласован с классификацией")
			}
		})
	}
}

// TestValidateRTPData тестирует базовую проверку входящих датаграмм
func TestValidateRTPData(t *testing.T) {
	if err := validateRTPData([]byte{0x80}); err == nil {
		t.Error("Короткая датаграмма должна отклоняться")
	}
	bad := make([]byte, MinRTPPacketSize)
	bad[0] = 0x40 // версия 1
	if err := validateRTPData(bad); err == nil {
		t.Error("Неверная версия должна отклоняться")
	}
	good := make([]byte, MinRTPPacketSize)
	good[0] = 0x80
	if err := validateRTPData(good); err != nil {
		t.Errorf("Корректный заголовок не должен отклоняться: %v", err)
	}
}
