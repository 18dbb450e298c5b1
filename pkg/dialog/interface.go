package dialog

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// DialogState определяет возможные состояния диалога.
//
// Диалог проходит через несколько состояний в течение своего жизненного
// цикла, начиная с StateInitial и заканчивая StateTerminated. Переходы
// управляются наблюдаемыми кодами SIP ответов (ApplyResponse) и методами
// запросов (ApplyRequest), а не фактом появления тегов.
type DialogState int

// Состояния диалога
const (
	// StateInitial - диалог создан, ответы еще не наблюдались
	StateInitial DialogState = iota

	// StateEarly - ранний диалог (после предварительного ответа 101-199)
	StateEarly

	// StateConfirmed - подтвержденный диалог (после 2xx ответа)
	StateConfirmed

	// StateRecovering - диалог в процессе восстановления, достижим только из StateConfirmed
	StateRecovering

	// StateTerminated - диалог завершен, переходов из этого состояния нет
	StateTerminated
)

// String возвращает строковое представление состояния диалога
func (s DialogState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEarly:
		return "Early"
	case StateConfirmed:
		return "Confirmed"
	case StateRecovering:
		return "Recovering"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// DialogKey представляет уникальный ключ SIP диалога.
//
// Ключ состоит из трех компонентов согласно RFC 3261:
//   - Call-ID: уникальный идентификатор вызова
//   - LocalTag: локальный тег (from-tag для UAC, to-tag для UAS)
//   - RemoteTag: удаленный тег (to-tag для UAC, from-tag для UAS)
//
// Комбинация этих значений однозначно идентифицирует диалог.
type DialogKey struct {
	// CallID уникальный идентификатор вызова из заголовка Call-ID
	CallID string
	// LocalTag локальный тег для данного UA
	LocalTag string
	// RemoteTag удаленный тег от партнера
	RemoteTag string
}

// String возвращает строковое представление ключа диалога
func (dk DialogKey) String() string {
	return fmt.Sprintf("%s:%s:%s", dk.CallID, dk.LocalTag, dk.RemoteTag)
}

// StateChangeHandler - обработчик изменения состояния диалога.
// Вызывается при переходе диалога между состояниями.
type StateChangeHandler func(oldState, newState DialogState)

// RequestTemplate содержит данные для построения in-dialog запроса.
//
// Диалоговый слой не строит SIP сообщения сам: он выдает шаблон с
// идентификацией диалога и актуальным CSeq, а транспортный слой
// собирает из него полный *sip.Request.
type RequestTemplate struct {
	// Method метод запроса
	Method sip.RequestMethod
	// CallID идентификатор вызова
	CallID string
	// CSeq номер последовательности для запроса
	CSeq uint32
	// LocalTag тег локальной стороны (попадает в From для UAC)
	LocalTag string
	// RemoteTag тег удаленной стороны, пустой пока не получен
	RemoteTag string
	// LocalURI адрес локальной стороны
	LocalURI sip.Uri
	// RemoteURI адрес удаленной стороны
	RemoteURI sip.Uri
	// RemoteTarget актуальный Contact удаленной стороны (Request-URI)
	RemoteTarget sip.Uri
	// RouteSet маршрут для in-dialog запросов
	RouteSet []sip.Uri
}

// RecoveryInfo содержит учет восстановления диалога.
type RecoveryInfo struct {
	// Attempts количество попыток восстановления за время жизни диалога
	Attempts uint32
	// Reason причина последнего входа в режим восстановления
	Reason string
	// StartedAt время начала последнего восстановления
	StartedAt time.Time
	// RecoveredAt время последнего успешного завершения восстановления
	RecoveredAt time.Time
}

// DialogEventType тип события диалогового слоя
type DialogEventType string

const (
	// DialogEventCreated диалог зарегистрирован в менеджере
	DialogEventCreated DialogEventType = "created"
	// DialogEventStateChanged диалог перешел в новое состояние
	DialogEventStateChanged DialogEventType = "state_changed"
	// DialogEventTerminated диалог завершен и удален из менеджера
	DialogEventTerminated DialogEventType = "terminated"
)

// DialogEvent событие жизненного цикла диалога, публикуемое менеджером.
type DialogEvent struct {
	// Type тип события
	Type DialogEventType
	// Key ключ диалога
	Key DialogKey
	// OldState предыдущее состояние (для StateChanged)
	OldState DialogState
	// NewState новое состояние (для StateChanged)
	NewState DialogState
	// Reason причина завершения (для Terminated)
	Reason string
	// Time момент события
	Time time.Time
}

// EventSink принимает события диалогового слоя.
//
// Реализуется шиной событий (pkg/coordination); менеджер вызывает
// OnDialogEvent синхронно, поэтому реализация не должна блокироваться.
type EventSink interface {
	OnDialogEvent(event DialogEvent)
}
