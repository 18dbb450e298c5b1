package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ManagerConfig конфигурация менеджера диалогов
type ManagerConfig struct {
	// Logger структурированный logger; nil означает JSON logger по умолчанию
	Logger StructuredLogger

	// Metrics конфигурация метрик; nil отключает сбор
	Metrics *MetricsConfig

	// Sink приемник событий диалогового слоя; nil отключает публикацию
	Sink EventSink
}

// Manager ведет таблицу активных диалогов, публикует события их
// жизненного цикла и завершает диалоги при остановке.
//
// Диалог регистрируется только с полным ключом (оба тега установлены);
// до этого момента он живет вне таблицы. Завершенный диалог удаляется
// из таблицы автоматически по callback смены состояния.
type Manager struct {
	dialogs *ShardedDialogMap
	sink    EventSink
	metrics *Metrics
	log     StructuredLogger
}

// NewManager создает новый менеджер диалогов
func NewManager(config ManagerConfig) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}

	var metrics *Metrics
	if config.Metrics != nil {
		metrics = NewMetrics(config.Metrics)
	}

	return &Manager{
		dialogs: NewShardedDialogMap(),
		sink:    config.Sink,
		metrics: metrics,
		log:     logger.WithComponent("dialog_manager"),
	}
}

// Metrics возвращает сборщик метрик менеджера для передачи в DialogConfig,
// nil если сбор выключен
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Add регистрирует диалог в таблице.
//
// Требует полный ключ (ErrIncompleteKey) и незавершенный диалог.
// Публикует событие Created, подписывается на смены состояния для
// публикации StateChanged/Terminated и удаления завершенного диалога.
func (m *Manager) Add(d *Dialog) error {
	if d == nil {
		return fmt.Errorf("нельзя зарегистрировать nil диалог")
	}

	key, ok := d.Key()
	if !ok {
		return fmt.Errorf("диалог %s: %w", d.CallID(), ErrIncompleteKey)
	}
	if d.IsTerminated() {
		return ErrOperationOnTerminated(key, "manager_add")
	}

	if !m.dialogs.SetIfAbsent(key, d) {
		return fmt.Errorf("диалог %s: %w", key.String(), ErrDialogExists)
	}

	m.metrics.DialogCreated()
	m.emit(DialogEvent{Type: DialogEventCreated, Key: key, Time: time.Now()})
	m.log.Debug(context.Background(), "диалог зарегистрирован",
		String("dialog_key", key.String()),
	)

	// Завершение обрабатывается однократно независимо от того, пришло
	// оно через callback или диалог успел завершиться во время регистрации
	var removeOnce sync.Once
	remove := func() {
		removeOnce.Do(func() {
			m.dialogs.Delete(key)
			m.metrics.DialogTerminated(time.Since(d.CreatedAt()))
			m.emit(DialogEvent{
				Type:   DialogEventTerminated,
				Key:    key,
				Reason: d.TerminationReason(),
				Time:   time.Now(),
			})
			m.log.Debug(context.Background(), "диалог удален из таблицы",
				String("dialog_key", key.String()),
				String("reason", d.TerminationReason()),
			)
		})
	}

	d.OnStateChange(func(oldState, newState DialogState) {
		if newState == StateTerminated {
			remove()
			return
		}
		m.emit(DialogEvent{
			Type:     DialogEventStateChanged,
			Key:      key,
			OldState: oldState,
			NewState: newState,
			Time:     time.Now(),
		})
	})

	// Диалог мог завершиться между проверкой и подпиской
	if d.IsTerminated() {
		remove()
	}

	return nil
}

// Get возвращает диалог по ключу
func (m *Manager) Get(key DialogKey) (*Dialog, bool) {
	return m.dialogs.Get(key)
}

// Remove удаляет диалог из таблицы без завершения.
// Возвращает false, если диалог не найден.
func (m *Manager) Remove(key DialogKey) bool {
	return m.dialogs.Delete(key)
}

// Terminate завершает диалог по ключу; удаление из таблицы происходит
// через callback завершения
func (m *Manager) Terminate(key DialogKey, reason string) error {
	d, ok := m.dialogs.Get(key)
	if !ok {
		return fmt.Errorf("диалог %s: %w", key.String(), ErrDialogNotFound)
	}
	d.Terminate(reason)
	return nil
}

// Count возвращает количество активных диалогов
func (m *Manager) Count() int {
	return m.dialogs.Count()
}

// ForEach выполняет функцию для каждого активного диалога
func (m *Manager) ForEach(fn func(*Dialog)) {
	m.dialogs.ForEach(func(_ DialogKey, d *Dialog) {
		fn(d)
	})
}

// Close завершает все активные диалоги
func (m *Manager) Close() {
	m.dialogs.ForEach(func(_ DialogKey, d *Dialog) {
		d.Terminate("manager closed")
	})
	// Каждое завершение удаляет диалог через callback, Clear страхует
	// от диалогов, зарегистрированных с опозданием
	m.dialogs.Clear()
}

// emit публикует событие в приемник, если он настроен
func (m *Manager) emit(event DialogEvent) {
	if m.sink == nil {
		return
	}
	m.sink.OnDialogEvent(event)
}
