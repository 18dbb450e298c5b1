package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// mockTransport накапливает отправленные сообщения для проверок
type mockTransport struct {
	mu       sync.Mutex
	sent     []sip.Message
	reliable bool
	failSend bool
}

func (m *mockTransport) Send(msg sip.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return fmt.Errorf("транспорт недоступен")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) IsReliable() bool {
	return m.reliable
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) sentMessages() []sip.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]sip.Message, len(m.sent))
	copy(result, m.sent)
	return result
}

// makeRequest строит минимальный запрос с корректным branch в Via
func makeRequest(method sip.RequestMethod, branch string) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 5060}

	req := sip.NewRequest(method, recipient)

	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5070,
		Params:          sip.NewParams().Add("branch", branch),
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1", Port: 5070},
		Params:      sip.NewParams().Add("tag", "tag-alice-1"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: recipient,
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader("test-call-1@127.0.0.1")
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})

	return req
}

// makeResponse строит ответ на запрос с тегом удаленной стороны
func makeResponse(req *sip.Request, statusCode int, reason string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, sip.StatusCode(statusCode), reason, nil)
	if to := resp.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", "tag-bob-1")
		}
	}
	return resp
}

// fastTimers сокращенные таймеры для тестов
func fastTimers() TransactionTimers {
	return TransactionTimers{
		T1: 20 * time.Millisecond,
		T2: 80 * time.Millisecond,
		T4: 40 * time.Millisecond,

		TimerA: 20 * time.Millisecond,
		TimerB: 250 * time.Millisecond,
		TimerD: 100 * time.Millisecond,
		TimerE: 20 * time.Millisecond,
		TimerF: 250 * time.Millisecond,
		TimerG: 20 * time.Millisecond,
		TimerH: 250 * time.Millisecond,
		TimerI: 40 * time.Millisecond,
		TimerJ: 100 * time.Millisecond,
		TimerK: 40 * time.Millisecond,
	}
}

// waitDone ждет закрытия канала завершения транзакции
func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// waitState ждет пока транзакция не достигнет состояния
func waitState(tx Transaction, state State, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == state {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return tx.State() == state
}
