// Package coordination связывает диалоговый слой с управлением вызовами
// и медиа через нейтральные события.
//
// EventHub хранит соответствия диалог <-> сессия и переводит внутренние
// события пакетов dialog и media в кросс-компонентные события для
// зарегистрированных обработчиков. Диалоговый код не знает типов сессий,
// обработчики не знают типов SIP сообщений.
package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/voip_core/pkg/dialog"
)

// SessionID непрозрачный идентификатор сессии вызова
type SessionID string

// NewSessionID генерирует новый идентификатор сессии
func NewSessionID() SessionID {
	return SessionID("sess-" + uuid.NewString())
}

// String возвращает строковое представление идентификатора
func (id SessionID) String() string {
	return string(id)
}

// EventType тип нейтрального кросс-компонентного события
type EventType string

const (
	// EventIncomingCall новая входящая сессия с SDP offer
	EventIncomingCall EventType = "incoming_call"
	// EventCallStateChanged изменение состояния диалога сессии
	EventCallStateChanged EventType = "call_state_changed"
	// EventCallEstablished вызов отвечен, несет SDP answer
	EventCallEstablished EventType = "call_established"
	// EventCallTerminated сессия завершена
	EventCallTerminated EventType = "call_terminated"
	// EventStatisticsUpdated периодическое обновление статистики медиа
	EventStatisticsUpdated EventType = "statistics_updated"
	// EventQualityDegraded деградация качества медиа
	EventQualityDegraded EventType = "quality_degraded"
)

// Event нейтральное событие, доставляемое обработчикам.
// Заполненность полей зависит от типа события.
type Event struct {
	// Type тип события
	Type EventType
	// SessionID сессия, к которой относится событие
	SessionID SessionID
	// CallID SIP Call-ID сессии
	CallID string
	// From адрес инициатора (incoming_call)
	From string
	// To адрес вызываемого (incoming_call)
	To string
	// State новое состояние (call_state_changed)
	State string
	// Reason причина (call_state_changed, call_terminated, quality_degraded)
	Reason string
	// SDP offer для incoming_call, answer для call_established
	SDP string
	// Headers дополнительные заголовки входящего запроса
	Headers map[string]string
	// Quality отчет о качестве медиа (statistics_updated, quality_degraded)
	Quality *QualityReport
	// Time момент публикации
	Time time.Time
}

// QualityReport нейтральный срез качества медиа сессии
type QualityReport struct {
	// LossPercent потери пакетов в процентах
	LossPercent float64
	// JitterMs джиттер в миллисекундах
	JitterMs float64
	// MOS оценка качества в диапазоне [1.0, 5.0]
	MOS float64
}

// EventHandler обработчик нейтральных событий. Ошибка обработчика
// логируется и не мешает доставке остальным обработчикам.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
}

// EventHandlerFunc адаптер функции к интерфейсу EventHandler
type EventHandlerFunc func(ctx context.Context, event Event) error

// HandleEvent реализует EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// SessionEventType тип события от слоя управления вызовами
type SessionEventType string

const (
	// SessionEventIncomingCall новый входящий вызов, создает сессию
	SessionEventIncomingCall SessionEventType = "incoming_call"
	// SessionEventCallAnswered вызов отвечен удаленной стороной
	SessionEventCallAnswered SessionEventType = "call_answered"
	// SessionEventCallTerminating запрос на завершение вызова
	SessionEventCallTerminating SessionEventType = "call_terminating"
)

// SessionEvent событие координации от слоя управления вызовами
type SessionEvent struct {
	// Type тип события
	Type SessionEventType
	// Dialog ключ диалога, к которому относится событие
	Dialog dialog.DialogKey
	// From адрес инициатора (IncomingCall)
	From string
	// To адрес вызываемого (IncomingCall)
	To string
	// SDP offer для IncomingCall, answer для CallAnswered
	SDP string
	// Reason причина завершения (CallTerminating)
	Reason string
	// Headers заголовки входящего запроса (IncomingCall)
	Headers map[string]string
}

// MediaEventType тип события от медиа слоя
type MediaEventType string

const (
	// MediaEventStatisticsUpdated очередной замер статистики
	MediaEventStatisticsUpdated MediaEventType = "statistics_updated"
	// MediaEventQualityDegraded порог качества превышен
	MediaEventQualityDegraded MediaEventType = "quality_degraded"
)

// MediaEvent событие качества медиа, привязанное к диалогу
type MediaEvent struct {
	// Type тип события
	Type MediaEventType
	// Dialog ключ диалога медиа сессии
	Dialog dialog.DialogKey
	// Reason причина деградации (QualityDegraded)
	Reason string
	// Quality текущий срез качества
	Quality QualityReport
}

// DialogTerminator завершает диалог по ключу. Реализуется
// dialog.Manager, хаб использует его для обработки CallTerminating.
type DialogTerminator interface {
	Terminate(key dialog.DialogKey, reason string) error
}
