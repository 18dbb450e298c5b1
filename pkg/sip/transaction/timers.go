package transaction

import (
	"time"
)

// TimerID идентификатор таймера транзакции
type TimerID string

const (
	// Таймеры согласно RFC 3261
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait in completed (client INVITE)
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // Wait ACK
	TimerI TimerID = "I" // Wait ACK retransmits
	TimerJ TimerID = "J" // Non-INVITE response wait
	TimerK TimerID = "K" // Wait response retransmits
)

// TransactionTimers набор длительностей таймеров транзакций
type TransactionTimers struct {
	T1 time.Duration // RTT estimate (default 500ms)
	T2 time.Duration // Максимальный интервал ретрансмиссии (default 4s)
	T4 time.Duration // Максимальное время жизни сообщения в сети (default 5s)

	TimerA time.Duration // INVITE request retransmit
	TimerB time.Duration // INVITE transaction timeout
	TimerD time.Duration // Wait in completed (client INVITE)
	TimerE time.Duration // Non-INVITE request retransmit
	TimerF time.Duration // Non-INVITE transaction timeout
	TimerG time.Duration // INVITE response retransmit
	TimerH time.Duration // Wait ACK
	TimerI time.Duration // Wait ACK retransmits
	TimerJ time.Duration // Non-INVITE response wait
	TimerK time.Duration // Wait response retransmits
}

// DefaultTimers возвращает таймеры по умолчанию согласно RFC 3261
func DefaultTimers() TransactionTimers {
	t1 := 500 * time.Millisecond
	t2 := 4 * time.Second
	t4 := 5 * time.Second

	return TransactionTimers{
		T1: t1,
		T2: t2,
		T4: t4,

		TimerA: t1,               // Initially T1
		TimerB: 64 * t1,          // 64*T1
		TimerD: 32 * time.Second, // >= 32s for UDP, 0 for reliable
		TimerE: t1,               // Initially T1
		TimerF: 64 * t1,          // 64*T1
		TimerG: t1,               // Initially T1
		TimerH: 64 * t1,          // 64*T1
		TimerI: t4,               // T4 for UDP, 0 for reliable
		TimerJ: 64 * t1,          // 64*T1 for UDP, 0 for reliable
		TimerK: t4,               // T4 for UDP, 0 for reliable
	}
}

// GetTimerDuration возвращает длительность таймера из набора
func (t TransactionTimers) GetTimerDuration(id TimerID) time.Duration {
	switch id {
	case TimerA:
		return t.TimerA
	case TimerB:
		return t.TimerB
	case TimerD:
		return t.TimerD
	case TimerE:
		return t.TimerE
	case TimerF:
		return t.TimerF
	case TimerG:
		return t.TimerG
	case TimerH:
		return t.TimerH
	case TimerI:
		return t.TimerI
	case TimerJ:
		return t.TimerJ
	case TimerK:
		return t.TimerK
	default:
		return 0
	}
}

// AdjustForReliableTransport корректирует таймеры для надежного транспорта
func (t TransactionTimers) AdjustForReliableTransport() TransactionTimers {
	adjusted := t
	// Для надежного транспорта ретрансмиссии и периоды поглощения не нужны
	adjusted.TimerA = 0
	adjusted.TimerD = 0
	adjusted.TimerE = 0
	adjusted.TimerG = 0
	adjusted.TimerI = 0
	adjusted.TimerJ = 0
	adjusted.TimerK = 0
	return adjusted
}

// GetNextRetransmitInterval вычисляет следующий интервал ретрансмиссии
// согласно RFC 3261 (удваивается до T2)
func GetNextRetransmitInterval(current time.Duration, t2 time.Duration) time.Duration {
	next := current * 2
	if next > t2 {
		return t2
	}
	return next
}
