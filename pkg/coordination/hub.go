package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/voip_core/pkg/dialog"
)

// Сентинельные ошибки хаба
var (
	// ErrHandlerExists возвращается при повторной регистрации имени обработчика
	ErrHandlerExists = errors.New("handler already registered")

	// ErrSessionExists возвращается когда у диалога уже есть сессия
	ErrSessionExists = errors.New("session already exists for dialog")
)

// HubConfig параметры создания хаба событий
type HubConfig struct {
	// Logger структурированный логгер; nil означает slog.Default()
	Logger *slog.Logger
	// Metrics конфигурация метрик; nil отключает сбор
	Metrics *MetricsConfig
	// Dialogs завершает диалоги при CallTerminating; nil означает,
	// что хаб сам эмитирует call_terminated и снимает соответствия.
	// При циклической инициализации (менеджеру нужен хаб как sink)
	// используется BindDialogs после создания обоих.
	Dialogs DialogTerminator
}

// EventHub маршрутизирует события между диалоговым слоем, управлением
// вызовами и медиа.
//
// Хаб хранит соответствия диалог <-> сессия, создаваемые на IncomingCall
// и снимаемые при завершении диалога. События диалогов без сессии
// отбрасываются с предупреждением: диалог без сессии не ошибка, просто
// некому доставлять. Каждое событие доставляется каждому обработчику не
// более одного раза, ошибки и паники обработчиков изолируются.
type EventHub struct {
	dialogToSession map[dialog.DialogKey]SessionID
	sessionToDialog map[SessionID]dialog.DialogKey
	callIDToSession map[string]SessionID
	dialogs         DialogTerminator
	// mu защищает таблицы соответствий и dialogs; обработчики,
	// DialogTerminator и вложенные публикации вызываются без удержания mu
	mu sync.RWMutex

	handlers   map[string]EventHandler
	handlersMu sync.RWMutex

	metrics *Metrics
	log     *slog.Logger
}

// NewEventHub создает хаб событий
func NewEventHub(config HubConfig) *EventHub {
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	var metrics *Metrics
	if config.Metrics != nil {
		metrics = NewMetrics(config.Metrics)
	}

	return &EventHub{
		dialogToSession: make(map[dialog.DialogKey]SessionID),
		sessionToDialog: make(map[SessionID]dialog.DialogKey),
		callIDToSession: make(map[string]SessionID),
		handlers:        make(map[string]EventHandler),
		dialogs:         config.Dialogs,
		metrics:         metrics,
		log:             log.With(slog.String("component", "event_hub")),
	}
}

// BindDialogs связывает хаб с завершателем диалогов после создания.
// Нужен когда менеджер диалогов создается с хабом в роли sink и не
// может быть передан в HubConfig.
func (h *EventHub) BindDialogs(t DialogTerminator) {
	h.mu.Lock()
	h.dialogs = t
	h.mu.Unlock()
}

// terminator возвращает текущий завершатель диалогов
func (h *EventHub) terminator() DialogTerminator {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dialogs
}

// RegisterHandler регистрирует обработчик под уникальным именем
func (h *EventHub) RegisterHandler(name string, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("обработчик %q равен nil", name)
	}

	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()

	if _, exists := h.handlers[name]; exists {
		return fmt.Errorf("обработчик %q: %w", name, ErrHandlerExists)
	}
	h.handlers[name] = handler
	return nil
}

// UnregisterHandler снимает обработчик, возвращает false если имя не найдено
func (h *EventHub) UnregisterHandler(name string) bool {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()

	if _, exists := h.handlers[name]; !exists {
		return false
	}
	delete(h.handlers, name)
	return true
}

// OnDialogEvent реализует dialog.EventSink: хаб подключается к
// dialog.Manager напрямую как приемник событий
func (h *EventHub) OnDialogEvent(event dialog.DialogEvent) {
	h.PublishDialogEvent(context.Background(), event)
}

// PublishDialogEvent переводит событие диалога в нейтральное событие
// сессии. Переводятся только state_changed и terminated, и только при
// наличии соответствия диалог -> сессия; прочее отбрасывается.
func (h *EventHub) PublishDialogEvent(ctx context.Context, event dialog.DialogEvent) {
	h.metrics.EventPublished("dialog")

	switch event.Type {
	case dialog.DialogEventStateChanged:
		sessionID, ok := h.SessionByDialog(event.Key)
		if !ok {
			h.dropDialogEvent(ctx, event)
			return
		}
		h.deliver(ctx, Event{
			Type:      EventCallStateChanged,
			SessionID: sessionID,
			CallID:    event.Key.CallID,
			State:     event.NewState.String(),
			Reason:    event.Reason,
			Time:      time.Now(),
		})

	case dialog.DialogEventTerminated:
		sessionID, ok := h.SessionByDialog(event.Key)
		if !ok {
			h.dropDialogEvent(ctx, event)
			return
		}
		h.releaseSession(sessionID)
		h.deliver(ctx, Event{
			Type:      EventCallTerminated,
			SessionID: sessionID,
			CallID:    event.Key.CallID,
			Reason:    event.Reason,
			Time:      time.Now(),
		})

	default:
		// created не несет информации для слоя сессий
		h.log.DebugContext(ctx, "событие диалога не переводится",
			slog.String("type", string(event.Type)),
			slog.String("dialog", event.Key.String()))
	}
}

// PublishSessionEvent принимает событие координации от слоя управления
// вызовами. IncomingCall создает сессию и все соответствия, CallAnswered
// переводится в call_established, CallTerminating завершает диалог.
func (h *EventHub) PublishSessionEvent(ctx context.Context, event SessionEvent) error {
	h.metrics.EventPublished("session")

	switch event.Type {
	case SessionEventIncomingCall:
		return h.handleIncomingCall(ctx, event)

	case SessionEventCallAnswered:
		sessionID, ok := h.SessionByDialog(event.Dialog)
		if !ok {
			h.dropSessionEvent(ctx, event)
			return nil
		}
		h.deliver(ctx, Event{
			Type:      EventCallEstablished,
			SessionID: sessionID,
			CallID:    event.Dialog.CallID,
			SDP:       event.SDP,
			Time:      time.Now(),
		})
		return nil

	case SessionEventCallTerminating:
		sessionID, ok := h.SessionByDialog(event.Dialog)
		if !ok {
			h.dropSessionEvent(ctx, event)
			return nil
		}
		if t := h.terminator(); t != nil {
			// Завершение диалога вернется сюда событием terminated,
			// которое эмитирует call_terminated и снимет соответствия
			if err := t.Terminate(event.Dialog, event.Reason); err != nil {
				h.log.WarnContext(ctx, "не удалось завершить диалог",
					slog.String("dialog", event.Dialog.String()),
					slog.String("error", err.Error()))
			}
			return nil
		}
		h.releaseSession(sessionID)
		h.deliver(ctx, Event{
			Type:      EventCallTerminated,
			SessionID: sessionID,
			CallID:    event.Dialog.CallID,
			Reason:    event.Reason,
			Time:      time.Now(),
		})
		return nil

	default:
		return fmt.Errorf("неизвестный тип события сессии: %q", event.Type)
	}
}

// handleIncomingCall создает сессию и соответствия для нового вызова
func (h *EventHub) handleIncomingCall(ctx context.Context, event SessionEvent) error {
	key := event.Dialog
	if key.CallID == "" || key.LocalTag == "" || key.RemoteTag == "" {
		return fmt.Errorf("входящий вызов %q: %w", key.CallID, dialog.ErrIncompleteKey)
	}

	sessionID := NewSessionID()

	h.mu.Lock()
	if existing, ok := h.dialogToSession[key]; ok {
		h.mu.Unlock()
		return fmt.Errorf("диалог %s уже связан с сессией %s: %w",
			key.String(), existing, ErrSessionExists)
	}
	h.dialogToSession[key] = sessionID
	h.sessionToDialog[sessionID] = key
	h.callIDToSession[key.CallID] = sessionID
	h.mu.Unlock()

	h.metrics.SessionCreated()
	h.log.InfoContext(ctx, "создана сессия для входящего вызова",
		slog.String("session_id", sessionID.String()),
		slog.String("call_id", key.CallID),
		slog.String("from", event.From))

	h.deliver(ctx, Event{
		Type:      EventIncomingCall,
		SessionID: sessionID,
		CallID:    key.CallID,
		From:      event.From,
		To:        event.To,
		SDP:       event.SDP,
		Headers:   event.Headers,
		Time:      time.Now(),
	})
	return nil
}

// PublishMediaEvent переводит событие качества медиа в событие сессии.
// Медиа события без сессии отбрасываются молча кроме предупреждения:
// мониторинг может пережить снос сессии на один тик.
func (h *EventHub) PublishMediaEvent(ctx context.Context, event MediaEvent) {
	h.metrics.EventPublished("media")

	sessionID, ok := h.SessionByDialog(event.Dialog)
	if !ok {
		h.metrics.EventDropped("media")
		h.log.WarnContext(ctx, "медиа событие без сессии, отброшено",
			slog.String("type", string(event.Type)),
			slog.String("dialog", event.Dialog.String()))
		return
	}

	quality := event.Quality
	out := Event{
		SessionID: sessionID,
		CallID:    event.Dialog.CallID,
		Quality:   &quality,
		Time:      time.Now(),
	}
	switch event.Type {
	case MediaEventQualityDegraded:
		out.Type = EventQualityDegraded
		out.Reason = event.Reason
	default:
		out.Type = EventStatisticsUpdated
	}
	h.deliver(ctx, out)
}

// SessionByDialog возвращает сессию диалога
func (h *EventHub) SessionByDialog(key dialog.DialogKey) (SessionID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.dialogToSession[key]
	return id, ok
}

// DialogBySession возвращает ключ диалога сессии
func (h *EventHub) DialogBySession(id SessionID) (dialog.DialogKey, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	key, ok := h.sessionToDialog[id]
	return key, ok
}

// SessionByCallID возвращает сессию по SIP Call-ID
func (h *EventHub) SessionByCallID(callID string) (SessionID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.callIDToSession[callID]
	return id, ok
}

// SessionCount возвращает число активных сессий
func (h *EventHub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionToDialog)
}

// releaseSession снимает все соответствия сессии
func (h *EventHub) releaseSession(sessionID SessionID) {
	h.mu.Lock()
	key, ok := h.sessionToDialog[sessionID]
	if ok {
		delete(h.sessionToDialog, sessionID)
		delete(h.dialogToSession, key)
		delete(h.callIDToSession, key.CallID)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.SessionReleased()
	}
}

// deliver доставляет событие всем обработчикам не более одного раза
// каждому. Срез обработчиков снимается под блокировкой, вызовы идут
// вне ее.
func (h *EventHub) deliver(ctx context.Context, event Event) {
	h.handlersMu.RLock()
	handlers := make(map[string]EventHandler, len(h.handlers))
	for name, handler := range h.handlers {
		handlers[name] = handler
	}
	h.handlersMu.RUnlock()

	for name, handler := range handlers {
		if err := h.safeHandle(ctx, name, handler, event); err != nil {
			h.metrics.HandlerError()
			h.log.ErrorContext(ctx, "обработчик события вернул ошибку",
				slog.String("handler", name),
				slog.String("type", string(event.Type)),
				slog.String("error", err.Error()))
			continue
		}
		h.metrics.EventDelivered()
	}
}

// safeHandle вызывает обработчик, превращая панику в ошибку
func (h *EventHub) safeHandle(ctx context.Context, name string, handler EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.HandlerPanic()
			err = fmt.Errorf("паника в обработчике %q: %v", name, r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}

// dropDialogEvent учитывает отброшенное событие диалога
func (h *EventHub) dropDialogEvent(ctx context.Context, event dialog.DialogEvent) {
	h.metrics.EventDropped("dialog")
	h.log.WarnContext(ctx, "событие диалога без сессии, отброшено",
		slog.String("type", string(event.Type)),
		slog.String("dialog", event.Key.String()))
}

// dropSessionEvent учитывает отброшенное событие сессии
func (h *EventHub) dropSessionEvent(ctx context.Context, event SessionEvent) {
	h.metrics.EventDropped("session")
	h.log.WarnContext(ctx, "событие сессии без соответствия, отброшено",
		slog.String("type", string(event.Type)),
		slog.String("dialog", event.Dialog.String()))
}
