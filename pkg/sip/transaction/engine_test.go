package transaction

import (
	"errors"
	"testing"
	"time"
)

func collectEvents(sink <-chan TimerEvent, n int, timeout time.Duration) []TimerEvent {
	var events []TimerEvent
	deadline := time.After(timeout)
	for len(events) < n {
		select {
		case ev := <-sink:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestTimerEngineSchedule(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-1", sink)
	defer engine.Unregister("tx-1")

	if err := engine.Schedule("tx-1", TimerB, 20*time.Millisecond); err != nil {
		t.Fatalf("Schedule вернул ошибку: %v", err)
	}

	events := collectEvents(sink, 1, 500*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("ожидали 1 событие, получили %d", len(events))
	}

	ev := events[0]
	if ev.Transaction != "tx-1" {
		t.Errorf("Transaction = %s, ожидали tx-1", ev.Transaction)
	}
	if ev.Timer != TimerB {
		t.Errorf("Timer = %s, ожидали B", ev.Timer)
	}
	if ev.Command != CommandTimeout {
		t.Errorf("Command = %s, ожидали transaction-timeout", ev.Command)
	}
	if ev.Attempt != 1 {
		t.Errorf("Attempt = %d, ожидали 1", ev.Attempt)
	}
}

func TestTimerEngineScheduleUnknownTransaction(t *testing.T) {
	engine := NewTimerEngine(nil)

	err := engine.Schedule("no-such-tx", TimerA, 10*time.Millisecond)
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("ожидали ErrUnknownTransaction, получили %v", err)
	}

	err = engine.ScheduleBackoff("no-such-tx", TimerA, 10*time.Millisecond, 40*time.Millisecond)
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("ожидали ErrUnknownTransaction для backoff, получили %v", err)
	}
}

func TestTimerEngineBackoffDoubling(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-backoff", sink)
	defer engine.Unregister("tx-backoff")

	// Интервалы: 20, 40, 80, 80 (потолок)
	if err := engine.ScheduleBackoff("tx-backoff", TimerA, 20*time.Millisecond, 80*time.Millisecond); err != nil {
		t.Fatalf("ScheduleBackoff вернул ошибку: %v", err)
	}

	events := collectEvents(sink, 4, 2*time.Second)
	engine.CancelAll("tx-backoff")

	if len(events) != 4 {
		t.Fatalf("ожидали 4 события, получили %d", len(events))
	}

	expectedIntervals := []time.Duration{
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}
	for i, ev := range events {
		if ev.Interval != expectedIntervals[i] {
			t.Errorf("событие %d: Interval = %v, ожидали %v", i, ev.Interval, expectedIntervals[i])
		}
		if ev.Attempt != i+1 {
			t.Errorf("событие %d: Attempt = %d, ожидали %d", i, ev.Attempt, i+1)
		}
		if ev.Command != CommandRetransmit {
			t.Errorf("событие %d: Command = %s, ожидали retransmit", i, ev.Command)
		}
	}
}

func TestTimerEngineReplaceSameTimer(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-replace", sink)
	defer engine.Unregister("tx-replace")

	// Первый таймер никогда не должен сработать
	if err := engine.Schedule("tx-replace", TimerD, 300*time.Millisecond); err != nil {
		t.Fatalf("Schedule вернул ошибку: %v", err)
	}
	if err := engine.Schedule("tx-replace", TimerD, 20*time.Millisecond); err != nil {
		t.Fatalf("повторный Schedule вернул ошибку: %v", err)
	}

	events := collectEvents(sink, 2, 500*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("ожидали ровно 1 событие после замены, получили %d", len(events))
	}
	if events[0].Interval != 20*time.Millisecond {
		t.Errorf("сработал не тот таймер: Interval = %v", events[0].Interval)
	}
}

func TestTimerEngineCancel(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-cancel", sink)
	defer engine.Unregister("tx-cancel")

	if err := engine.Schedule("tx-cancel", TimerH, 50*time.Millisecond); err != nil {
		t.Fatalf("Schedule вернул ошибку: %v", err)
	}
	engine.Cancel("tx-cancel", TimerH)

	events := collectEvents(sink, 1, 200*time.Millisecond)
	if len(events) != 0 {
		t.Errorf("отмененный таймер сработал: %+v", events)
	}
}

func TestTimerEngineCancelStopsBackoff(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-cb", sink)
	defer engine.Unregister("tx-cb")

	if err := engine.ScheduleBackoff("tx-cb", TimerE, 20*time.Millisecond, 80*time.Millisecond); err != nil {
		t.Fatalf("ScheduleBackoff вернул ошибку: %v", err)
	}

	// Даем таймеру сработать хотя бы раз, затем отменяем
	events := collectEvents(sink, 1, 500*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("ожидали первое срабатывание, получили %d событий", len(events))
	}
	engine.Cancel("tx-cb", TimerE)

	late := collectEvents(sink, 1, 200*time.Millisecond)
	if len(late) != 0 {
		t.Errorf("backoff таймер сработал после отмены: %+v", late)
	}
}

func TestTimerEngineUnregister(t *testing.T) {
	engine := NewTimerEngine(nil)
	sink := make(chan TimerEvent, 16)
	engine.Register("tx-unreg", sink)

	if err := engine.Schedule("tx-unreg", TimerK, 50*time.Millisecond); err != nil {
		t.Fatalf("Schedule вернул ошибку: %v", err)
	}
	engine.Unregister("tx-unreg")

	events := collectEvents(sink, 1, 200*time.Millisecond)
	if len(events) != 0 {
		t.Errorf("таймер сработал после Unregister: %+v", events)
	}

	if err := engine.Schedule("tx-unreg", TimerK, 10*time.Millisecond); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("Schedule после Unregister: ожидали ErrUnknownTransaction, получили %v", err)
	}
}

func TestCommandForTimer(t *testing.T) {
	tests := []struct {
		id       TimerID
		expected TimerCommand
	}{
		{TimerA, CommandRetransmit},
		{TimerE, CommandRetransmit},
		{TimerG, CommandRetransmit},
		{TimerB, CommandTimeout},
		{TimerF, CommandTimeout},
		{TimerH, CommandTimeout},
		{TimerD, CommandExpire},
		{TimerI, CommandExpire},
		{TimerJ, CommandExpire},
		{TimerK, CommandExpire},
	}

	for _, tt := range tests {
		if got := commandForTimer(tt.id); got != tt.expected {
			t.Errorf("commandForTimer(%s) = %s, ожидали %s", tt.id, got, tt.expected)
		}
	}
}
