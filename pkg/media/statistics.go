package media

import (
	"fmt"
	"strings"
	"time"
)

// Пороги деградации качества медиа потока
const (
	// QualityMaxLossPercent - допустимые потери пакетов в процентах
	QualityMaxLossPercent = 5.0
	// QualityMaxJitterMs - допустимый джиттер в миллисекундах
	QualityMaxJitterMs = 50.0
	// QualityEventInterval - минимальный интервал между событиями
	// деградации для одного диалога, ограничивает шторм событий при
	// устойчиво плохой сети
	QualityEventInterval = 60 * time.Second
)

// Границы шкалы MOS
const (
	MOSMin = 1.0
	MOSMax = 5.0
)

// MediaStatistics - агрегированная статистика медиа сессии: счетчики
// RTP потока, DTMF, jitter buffer, SRTP и интегральная оценка качества.
type MediaStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint32

	// LossPercent - накопленные потери в процентах от ожидаемого
	// числа пакетов
	LossPercent float64
	// JitterMs - межпакетный джиттер, мс
	JitterMs float64
	// RoundTripTime по данным RTCP, 0 если не измерен
	RoundTripTime time.Duration

	DTMFEventsSent     uint64
	DTMFEventsReceived uint64

	// SRTPAuthFailures - входящие пакеты, отброшенные из-за ошибки
	// аутентификации или повтора
	SRTPAuthFailures uint64

	// JitterBuffer - счетчики буфера воспроизведения
	JitterBuffer JitterBufferStatistics

	// MOS - оценка качества в диапазоне [1.0, 5.0]
	MOS float64

	LastActivity time.Time
}

// CalculateMOS вычисляет упрощенную оценку качества по E-model:
// базовый балл 4.5 снижается потерями, джиттером и задержкой.
// Результат всегда в диапазоне [MOSMin, MOSMax] независимо от
// экстремальности входных значений.
//
// lossFraction - доля потерь [0..1], jitterMs и delayMs - джиттер и
// односторонняя задержка в миллисекундах.
func CalculateMOS(lossFraction, jitterMs, delayMs float64) float64 {
	mos := 4.5 - 2.5*lossFraction - 0.5*(jitterMs/50.0) - 0.3*(delayMs/150.0)
	if mos < MOSMin {
		return MOSMin
	}
	if mos > MOSMax {
		return MOSMax
	}
	return mos
}

// degradationReason возвращает причину деградации качества или пустую
// строку, когда показатели в пределах порогов
func degradationReason(lossPercent, jitterMs float64) string {
	var parts []string
	if lossPercent > QualityMaxLossPercent {
		parts = append(parts, fmt.Sprintf("packet loss %.1f%%", lossPercent))
	}
	if jitterMs > QualityMaxJitterMs {
		parts = append(parts, fmt.Sprintf("jitter %.1f ms", jitterMs))
	}
	return strings.Join(parts, ", ")
}
