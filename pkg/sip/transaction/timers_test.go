package transaction

import (
	"testing"
	"time"
)

func TestDefaultTimers(t *testing.T) {
	timers := DefaultTimers()

	// Проверяем базовые таймеры
	if timers.T1 != 500*time.Millisecond {
		t.Errorf("T1 = %v, ожидали 500ms", timers.T1)
	}
	if timers.T2 != 4*time.Second {
		t.Errorf("T2 = %v, ожидали 4s", timers.T2)
	}
	if timers.T4 != 5*time.Second {
		t.Errorf("T4 = %v, ожидали 5s", timers.T4)
	}

	// Проверяем производные таймеры
	if timers.TimerA != timers.T1 {
		t.Errorf("TimerA должен быть равен T1")
	}
	if timers.TimerB != 64*timers.T1 {
		t.Errorf("TimerB = %v, ожидали 64*T1", timers.TimerB)
	}
	if timers.TimerD != 32*time.Second {
		t.Errorf("TimerD = %v, ожидали 32s", timers.TimerD)
	}
	if timers.TimerI != timers.T4 {
		t.Errorf("TimerI должен быть равен T4")
	}
	if timers.TimerK != timers.T4 {
		t.Errorf("TimerK должен быть равен T4")
	}
}

func TestGetTimerDuration(t *testing.T) {
	timers := DefaultTimers()

	tests := []struct {
		id       TimerID
		expected time.Duration
	}{
		{TimerA, timers.TimerA},
		{TimerB, timers.TimerB},
		{TimerD, timers.TimerD},
		{TimerE, timers.TimerE},
		{TimerF, timers.TimerF},
		{TimerG, timers.TimerG},
		{TimerH, timers.TimerH},
		{TimerI, timers.TimerI},
		{TimerJ, timers.TimerJ},
		{TimerK, timers.TimerK},
		{"invalid", 0},
	}

	for _, tt := range tests {
		duration := timers.GetTimerDuration(tt.id)
		if duration != tt.expected {
			t.Errorf("GetTimerDuration(%s) = %v, ожидали %v", tt.id, duration, tt.expected)
		}
	}
}

func TestAdjustForReliableTransport(t *testing.T) {
	timers := DefaultTimers()
	adjusted := timers.AdjustForReliableTransport()

	// Таймеры ретрансмиссий и поглощения обнулены
	zeroTimers := []struct {
		name  string
		value time.Duration
	}{
		{"TimerA", adjusted.TimerA},
		{"TimerD", adjusted.TimerD},
		{"TimerE", adjusted.TimerE},
		{"TimerG", adjusted.TimerG},
		{"TimerI", adjusted.TimerI},
		{"TimerJ", adjusted.TimerJ},
		{"TimerK", adjusted.TimerK},
	}

	for _, timer := range zeroTimers {
		if timer.value != 0 {
			t.Errorf("%s должен быть 0 для надежного транспорта, получили %v", timer.name, timer.value)
		}
	}

	// Таймауты транзакции не меняются
	if adjusted.TimerB != timers.TimerB {
		t.Errorf("TimerB не должен изменяться")
	}
	if adjusted.TimerF != timers.TimerF {
		t.Errorf("TimerF не должен изменяться")
	}
	if adjusted.TimerH != timers.TimerH {
		t.Errorf("TimerH не должен изменяться")
	}
}

func TestGetNextRetransmitInterval(t *testing.T) {
	t2 := 4 * time.Second

	tests := []struct {
		current  time.Duration
		expected time.Duration
	}{
		{500 * time.Millisecond, 1 * time.Second},
		{1 * time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 4 * time.Second}, // достигли T2
		{8 * time.Second, 4 * time.Second}, // остаемся на T2
	}

	for _, tt := range tests {
		result := GetNextRetransmitInterval(tt.current, t2)
		if result != tt.expected {
			t.Errorf("GetNextRetransmitInterval(%v, %v) = %v, ожидали %v",
				tt.current, t2, result, tt.expected)
		}
	}
}
