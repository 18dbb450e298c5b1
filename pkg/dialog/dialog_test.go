package dialog_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voip_core/pkg/dialog"
)

// newTestDialog создает диалог UAC стороны с тихим логгером
func newTestDialog(t *testing.T, cfg dialog.DialogConfig) *dialog.Dialog {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = dialog.NoOpLogger{}
	}
	return dialog.New(cfg)
}

// TestNewDialogDefaults проверяет создание диалога и значения по умолчанию
func TestNewDialogDefaults(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{
		LocalURI:    sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"},
		RemoteURI:   sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1"},
		IsInitiator: true,
	})

	assert.Equal(t, dialog.StateInitial, d.State(), "Initial state expected")
	assert.NotEmpty(t, d.CallID(), "Call-ID should be generated")
	assert.NotEmpty(t, d.LocalTag(), "Local tag should be generated")
	assert.Empty(t, d.RemoteTag(), "Remote tag should be unset")
	assert.True(t, d.IsInitiator())
	assert.NotZero(t, d.CreatedAt())
	assert.Zero(t, d.LocalSeq(), "Local CSeq starts at zero")
	assert.False(t, d.IsTerminated())

	_, ok := d.Key()
	assert.False(t, ok, "Key should be incomplete without remote tag")
}

// TestDialogIdentityCompletion воспроизводит сценарий alice/bob:
// ключ становится полным ровно в момент установки второго тега,
// состояние продвигается только кодами ответов
func TestDialogIdentityCompletion(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{
		CallID:      "call-id",
		LocalTag:    "alice-tag",
		IsInitiator: true,
	})

	require.Equal(t, dialog.StateInitial, d.State())
	_, ok := d.Key()
	require.False(t, ok, "Key must be incomplete in Initial without remote tag")

	d.SetRemoteTag("bob-tag")
	assert.Equal(t, dialog.StateInitial, d.State(), "SetRemoteTag must not change state")

	key, ok := d.Key()
	require.True(t, ok, "Key must be complete once both tags are set")
	assert.Equal(t, dialog.DialogKey{CallID: "call-id", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, key)

	require.NoError(t, d.ApplyResponse(180, ""))
	assert.Equal(t, dialog.StateEarly, d.State())

	require.NoError(t, d.ApplyResponse(200, ""))
	assert.Equal(t, dialog.StateConfirmed, d.State())

	key, ok = d.Key()
	require.True(t, ok)
	assert.Equal(t, "call-id:alice-tag:bob-tag", key.String())
}

// TestCSeqMonotonicity проверяет дисциплину CSeq: каждый шаблон кроме ACK
// увеличивает локальный CSeq ровно на единицу
func TestCSeqMonotonicity(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	methods := []sip.RequestMethod{sip.INVITE, sip.INFO, sip.INFO, sip.BYE}
	for i, method := range methods {
		tmpl, err := d.CreateRequestTemplate(method)
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), tmpl.CSeq, "CSeq must increase by exactly 1")
		assert.Equal(t, method, tmpl.Method)
	}

	// ACK не двигает CSeq и несет номер подтверждаемого запроса
	ack, err := d.CreateRequestTemplate(sip.ACK)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(methods)), ack.CSeq, "ACK must carry current CSeq")
	assert.Equal(t, uint32(len(methods)), d.LocalSeq(), "ACK must not advance CSeq")

	next, err := d.CreateRequestTemplate(sip.INFO)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(methods)+1), next.CSeq)
}

// TestCreateRequestTemplateCarriesIdentity проверяет содержимое шаблона
func TestCreateRequestTemplateCarriesIdentity(t *testing.T) {
	route := sip.Uri{Scheme: "sip", Host: "proxy.local", Port: 5060}
	d := newTestDialog(t, dialog.DialogConfig{
		CallID:       "tmpl-call",
		LocalTag:     "local-1",
		RemoteTag:    "remote-1",
		LocalURI:     sip.Uri{Scheme: "sip", User: "alice", Host: "a.local"},
		RemoteURI:    sip.Uri{Scheme: "sip", User: "bob", Host: "b.local"},
		RemoteTarget: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5070},
		RouteSet:     []sip.Uri{route},
		IsInitiator:  true,
	})

	tmpl, err := d.CreateRequestTemplate(sip.BYE)
	require.NoError(t, err)

	assert.Equal(t, "tmpl-call", tmpl.CallID)
	assert.Equal(t, "local-1", tmpl.LocalTag)
	assert.Equal(t, "remote-1", tmpl.RemoteTag)
	assert.Equal(t, "alice", tmpl.LocalURI.User)
	assert.Equal(t, "bob", tmpl.RemoteURI.User)
	assert.Equal(t, "10.0.0.2", tmpl.RemoteTarget.Host)
	require.Len(t, tmpl.RouteSet, 1)
	assert.Equal(t, "proxy.local", tmpl.RouteSet[0].Host)
}

// TestCreateRequestTemplateOnTerminated проверяет жесткую ошибку на
// завершенном диалоге
func TestCreateRequestTemplateOnTerminated(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{
		CallID:    "dead-call",
		LocalTag:  "l1",
		RemoteTag: "r1",
	})
	d.Terminate("test teardown")

	_, err := d.CreateRequestTemplate(sip.BYE)
	require.Error(t, err)
	assert.ErrorIs(t, err, dialog.ErrDialogTerminated)

	var de *dialog.DialogError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "DIALOG_TERMINATED", de.Code)
	assert.Equal(t, "dead-call", de.Key.CallID)

	assert.Equal(t, uint32(0), d.LocalSeq(), "Terminated dialog must not advance CSeq")
}

// TestApplyResponseTransitions перебирает управляющие коды ответов
func TestApplyResponseTransitions(t *testing.T) {
	cases := []struct {
		name      string
		codes     []int
		wantState dialog.DialogState
	}{
		{"trying не создает ранний диалог", []int{100}, dialog.StateInitial},
		{"183 создает ранний диалог", []int{183}, dialog.StateEarly},
		{"повторный 180 остается в early", []int{180, 180}, dialog.StateEarly},
		{"200 подтверждает из initial", []int{200}, dialog.StateConfirmed},
		{"200 подтверждает из early", []int{180, 200}, dialog.StateConfirmed},
		{"ретрансмиссия 200 остается confirmed", []int{200, 200}, dialog.StateConfirmed},
		{"486 завершает из initial", []int{486}, dialog.StateTerminated},
		{"603 завершает из early", []int{180, 603}, dialog.StateTerminated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})
			for _, code := range tc.codes {
				if d.State() == dialog.StateTerminated {
					break
				}
				require.NoError(t, d.ApplyResponse(code, ""))
			}
			assert.Equal(t, tc.wantState, d.State())
		})
	}
}

// TestApplyResponseRejectReason проверяет сохранение причины завершения
func TestApplyResponseRejectReason(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	require.NoError(t, d.ApplyResponse(180, "bob-tag"))
	require.NoError(t, d.ApplyResponse(486, ""))

	assert.True(t, d.IsTerminated())
	assert.Equal(t, "rejected: 486", d.TerminationReason())

	err := d.ApplyResponse(200, "")
	assert.ErrorIs(t, err, dialog.ErrDialogTerminated, "Responses after termination must be rejected")
	assert.Equal(t, dialog.StateTerminated, d.State())
}

// TestApplyResponseSetsRemoteTag проверяет запись тега из ответа
func TestApplyResponseSetsRemoteTag(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{
		CallID:      "tag-call",
		LocalTag:    "alice",
		IsInitiator: true,
	})

	require.NoError(t, d.ApplyResponse(180, "bob"))
	assert.Equal(t, "bob", d.RemoteTag())

	key, ok := d.Key()
	require.True(t, ok)
	assert.Equal(t, "bob", key.RemoteTag)
}

// TestReinviteFailureKeepsConfirmed: отказ re-INVITE не разрушает
// установленный диалог
func TestReinviteFailureKeepsConfirmed(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})
	require.NoError(t, d.ApplyResponse(200, "bob"))
	require.Equal(t, dialog.StateConfirmed, d.State())

	require.NoError(t, d.ApplyResponse(488, ""))
	assert.Equal(t, dialog.StateConfirmed, d.State(), "Re-INVITE failure must not terminate the dialog")
	assert.Empty(t, d.TerminationReason())
}

// TestApplyRequestRecordsRemoteSeq проверяет фиксацию удаленного CSeq
func TestApplyRequestRecordsRemoteSeq(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{})
	require.NoError(t, d.ApplyResponse(200, "peer"))

	require.NoError(t, d.ApplyRequest(sip.INFO, 7))
	assert.Equal(t, uint32(7), d.RemoteSeq())

	require.NoError(t, d.ApplyRequest(sip.INFO, 8))
	assert.Equal(t, uint32(8), d.RemoteSeq())
	assert.Equal(t, dialog.StateConfirmed, d.State())
}

// TestApplyRequestByeTerminates проверяет завершение по входящему BYE
func TestApplyRequestByeTerminates(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{})
	require.NoError(t, d.ApplyResponse(200, "peer"))

	require.NoError(t, d.ApplyRequest(sip.BYE, 2))
	assert.True(t, d.IsTerminated())
	assert.Equal(t, "remote bye", d.TerminationReason())
	assert.Equal(t, uint32(2), d.RemoteSeq())

	err := d.ApplyRequest(sip.INFO, 3)
	assert.ErrorIs(t, err, dialog.ErrDialogTerminated)
}

// TestRecoveryOnlyFromConfirmed: вход в восстановление разрешен тогда и
// только тогда, когда диалог подтвержден
func TestRecoveryOnlyFromConfirmed(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	err := d.EnterRecovery("transport lost")
	require.Error(t, err, "Recovery from Initial must fail")
	assert.ErrorIs(t, err, dialog.ErrInvalidState)
	assert.Equal(t, dialog.StateInitial, d.State())

	require.NoError(t, d.ApplyResponse(180, "bob"))
	err = d.EnterRecovery("transport lost")
	require.Error(t, err, "Recovery from Early must fail")
	assert.Equal(t, dialog.StateEarly, d.State())

	require.NoError(t, d.ApplyResponse(200, ""))
	require.NoError(t, d.EnterRecovery("transport lost"))
	assert.Equal(t, dialog.StateRecovering, d.State())

	info := d.RecoveryInfo()
	assert.Equal(t, uint32(1), info.Attempts)
	assert.Equal(t, "transport lost", info.Reason)
	assert.False(t, info.StartedAt.IsZero())
	assert.True(t, info.RecoveredAt.IsZero())

	// Повторный вход из Recovering запрещен
	err = d.EnterRecovery("again")
	require.Error(t, err)
	assert.Equal(t, uint32(1), d.RecoveryInfo().Attempts, "Failed entry must not count an attempt")
}

// TestCompleteRecovery проверяет возврат в Confirmed и повторный цикл
func TestCompleteRecovery(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	assert.False(t, d.CompleteRecovery(), "CompleteRecovery outside Recovering must return false")

	require.NoError(t, d.ApplyResponse(200, "bob"))
	assert.False(t, d.CompleteRecovery())

	require.NoError(t, d.EnterRecovery("network blip"))
	require.True(t, d.CompleteRecovery())
	assert.Equal(t, dialog.StateConfirmed, d.State())
	assert.False(t, d.RecoveryInfo().RecoveredAt.IsZero())

	assert.False(t, d.CompleteRecovery(), "Second completion must return false")

	// Второй цикл восстановления увеличивает счетчик попыток
	require.NoError(t, d.EnterRecovery("second blip"))
	info := d.RecoveryInfo()
	assert.Equal(t, uint32(2), info.Attempts)
	assert.Equal(t, "second blip", info.Reason)
}

// TestTerminateFromRecovering: восстановление может закончиться отказом
func TestTerminateFromRecovering(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})
	require.NoError(t, d.ApplyResponse(200, "bob"))
	require.NoError(t, d.EnterRecovery("transport lost"))

	d.Terminate("recovery failed")
	assert.True(t, d.IsTerminated())
	assert.Equal(t, "recovery failed", d.TerminationReason())
	assert.False(t, d.CompleteRecovery())
}

// TestTerminateIdempotent: повторное завершение не меняет причину
func TestTerminateIdempotent(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{})

	d.Terminate("first reason")
	assert.True(t, d.IsTerminated())
	assert.Equal(t, "first reason", d.TerminationReason())

	d.Terminate("second reason")
	assert.Equal(t, dialog.StateTerminated, d.State())
	assert.Equal(t, "first reason", d.TerminationReason(), "First termination reason must win")
}

// TestOnStateChangeCallbacks проверяет порядок уведомлений о переходах
func TestOnStateChangeCallbacks(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	type transition struct {
		from, to dialog.DialogState
	}
	var mu sync.Mutex
	var seen []transition

	d.OnStateChange(func(oldState, newState dialog.DialogState) {
		mu.Lock()
		seen = append(seen, transition{oldState, newState})
		mu.Unlock()
	})

	require.NoError(t, d.ApplyResponse(183, "bob"))
	require.NoError(t, d.ApplyResponse(200, ""))
	require.NoError(t, d.EnterRecovery("blip"))
	require.True(t, d.CompleteRecovery())
	d.Terminate("done")

	mu.Lock()
	defer mu.Unlock()
	want := []transition{
		{dialog.StateInitial, dialog.StateEarly},
		{dialog.StateEarly, dialog.StateConfirmed},
		{dialog.StateConfirmed, dialog.StateRecovering},
		{dialog.StateRecovering, dialog.StateConfirmed},
		{dialog.StateConfirmed, dialog.StateTerminated},
	}
	assert.Equal(t, want, seen)
}

// TestSetRemoteTagAfterTermination: завершенный диалог не меняется
func TestSetRemoteTagAfterTermination(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{CallID: "c", LocalTag: "l"})
	d.Terminate("closed")

	d.SetRemoteTag("late-tag")
	assert.Empty(t, d.RemoteTag(), "Remote tag must not change after termination")

	_, ok := d.Key()
	assert.False(t, ok)
}

// TestConcurrentTemplates: параллельные шаблоны не теряют номера CSeq
func TestConcurrentTemplates(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{IsInitiator: true})

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	seqs := make(chan uint32, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				tmpl, err := d.CreateRequestTemplate(sip.INFO)
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				seqs <- tmpl.CSeq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	unique := make(map[uint32]bool)
	for seq := range seqs {
		if unique[seq] {
			t.Fatalf("duplicate CSeq %d", seq)
		}
		unique[seq] = true
	}
	assert.Len(t, unique, workers*perWorker)
	assert.Equal(t, uint32(workers*perWorker), d.LocalSeq())
}

// TestConcurrentTerminate: гонка завершений оставляет одну причину
func TestConcurrentTerminate(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.Terminate(fmt.Sprintf("reason-%d", n))
		}(i)
	}
	wg.Wait()

	assert.True(t, d.IsTerminated())
	assert.NotEmpty(t, d.TerminationReason())
}

// TestDialogErrorUnwrap проверяет совместимость типизированных ошибок
// с errors.Is и errors.As
func TestDialogErrorUnwrap(t *testing.T) {
	d := newTestDialog(t, dialog.DialogConfig{CallID: "e", LocalTag: "l", RemoteTag: "r"})
	d.Terminate("closed")

	_, err := d.CreateRequestTemplate(sip.INFO)
	require.Error(t, err)

	assert.True(t, errors.Is(err, dialog.ErrDialogTerminated))

	var de *dialog.DialogError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, dialog.ErrorCategoryDialog, de.Category)
	assert.Equal(t, dialog.ErrorSeverityError, de.Severity)
	assert.Contains(t, de.Error(), "DIALOG_TERMINATED")
	assert.Contains(t, de.Error(), "Call-ID: e")
}
