package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/voip_core/pkg/coordination"
	"github.com/arzzra/voip_core/pkg/dialog"
)

// QualityPublisher принимает медиа события для доставки подписчикам
// координационного слоя
type QualityPublisher interface {
	PublishMediaEvent(ctx context.Context, event coordination.MediaEvent)
}

// ControllerConfig задает параметры медиа контроллера
type ControllerConfig struct {
	// Publisher для событий статистики и деградации качества,
	// допускается nil
	Publisher QualityPublisher
	// Logger для диагностики, nil означает slog.Default()
	Logger *slog.Logger
	// Metrics - настройки счетчиков Prometheus
	Metrics *MetricsConfig
}

// qualityMonitor - работающий цикл наблюдения за одной сессией
type qualityMonitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller владеет медиа сессиями активных диалогов: создает и
// останавливает сессии по ключу диалога, запускает периодическое
// наблюдение за качеством и публикует события статистики в
// координационный слой. Все операции безопасны для конкурентного
// вызова.
type Controller struct {
	publisher QualityPublisher
	log       *slog.Logger
	metrics   *Metrics

	mu       sync.RWMutex
	sessions map[dialog.DialogKey]*MediaSession
	monitors map[dialog.DialogKey]*qualityMonitor
	closed   bool

	// период подавления повторных событий деградации,
	// QualityEventInterval вне тестов
	degradedInterval time.Duration
}

// NewController создает медиа контроллер
func NewController(config ControllerConfig) *Controller {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *Metrics
	if config.Metrics != nil {
		metrics = NewMetrics(*config.Metrics)
	}
	return &Controller{
		publisher:        config.Publisher,
		log:              logger,
		metrics:          metrics,
		sessions:         make(map[dialog.DialogKey]*MediaSession),
		monitors:         make(map[dialog.DialogKey]*qualityMonitor),
		degradedInterval: QualityEventInterval,
	}
}

// CreateSession создает и запускает медиа сессию диалога.
// Для диалога допускается одна сессия.
func (c *Controller) CreateSession(key dialog.DialogKey, config SessionConfig) (*MediaSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newMediaError(ErrorCodeSessionClosed, key.String(), "контроллер остановлен")
	}
	if _, exists := c.sessions[key]; exists {
		c.mu.Unlock()
		return nil, newMediaError(ErrorCodeSessionExists, key.String(), "сессия диалога уже существует")
	}
	c.mu.Unlock()

	if config.Metrics == nil {
		config.Metrics = c.metrics
	}
	if config.Logger == nil {
		config.Logger = c.log
	}
	session, err := NewMediaSession(key, config)
	if err != nil {
		return nil, err
	}
	if err := session.Start(); err != nil {
		_ = session.Stop()
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = session.Stop()
		return nil, newMediaError(ErrorCodeSessionClosed, key.String(), "контроллер остановлен")
	}
	if _, exists := c.sessions[key]; exists {
		c.mu.Unlock()
		_ = session.Stop()
		return nil, newMediaError(ErrorCodeSessionExists, key.String(), "сессия диалога уже существует")
	}
	c.sessions[key] = session
	c.mu.Unlock()

	c.metrics.SessionOpened()
	c.log.Info("медиа сессия создана", slog.String("dialog", key.String()))
	return session, nil
}

// GetSession возвращает сессию диалога
func (c *Controller) GetSession(key dialog.DialogKey) (*MediaSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[key]
	return session, ok
}

// GetMediaStatistics возвращает статистику сессии диалога.
// Для неизвестного диалога возвращает false.
func (c *Controller) GetMediaStatistics(key dialog.DialogKey) (MediaStatistics, bool) {
	session, ok := c.GetSession(key)
	if !ok {
		return MediaStatistics{}, false
	}
	return session.GetStatistics(), true
}

// SessionCount возвращает число активных сессий
func (c *Controller) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// TerminateSession останавливает сессию диалога и ее наблюдение
func (c *Controller) TerminateSession(key dialog.DialogKey) error {
	c.mu.Lock()
	session, ok := c.sessions[key]
	if !ok {
		c.mu.Unlock()
		return newMediaError(ErrorCodeSessionNotFound, key.String(), "сессия диалога не найдена")
	}
	delete(c.sessions, key)
	monitor := c.monitors[key]
	delete(c.monitors, key)
	c.mu.Unlock()

	if monitor != nil {
		monitor.cancel()
		<-monitor.done
	}
	err := session.Stop()

	c.metrics.SessionClosed()
	c.log.Info("медиа сессия завершена", slog.String("dialog", key.String()))
	return err
}

// StartStatisticsMonitoring запускает периодическую публикацию
// статистики сессии. Каждый тик публикуется событие
// MediaEventStatisticsUpdated, при выходе потерь или джиттера за
// пороги дополнительно MediaEventQualityDegraded не чаще раза в
// QualityEventInterval. Наблюдение останавливается отменой контекста,
// StopStatisticsMonitoring или завершением сессии.
func (c *Controller) StartStatisticsMonitoring(ctx context.Context, key dialog.DialogKey, interval time.Duration) error {
	if interval <= 0 {
		return newMediaError(ErrorCodeConfigInvalid, key.String(),
			"недопустимый период наблюдения %s", interval)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newMediaError(ErrorCodeSessionClosed, key.String(), "контроллер остановлен")
	}
	if _, ok := c.sessions[key]; !ok {
		c.mu.Unlock()
		return newMediaError(ErrorCodeSessionNotFound, key.String(), "сессия диалога не найдена")
	}
	if _, ok := c.monitors[key]; ok {
		c.mu.Unlock()
		return newMediaError(ErrorCodeMonitorActive, key.String(), "наблюдение уже запущено")
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	monitor := &qualityMonitor{cancel: cancel, done: make(chan struct{})}
	c.monitors[key] = monitor
	c.mu.Unlock()

	c.metrics.MonitorStarted()
	go c.monitorLoop(monitorCtx, key, monitor, interval)

	c.log.Debug("наблюдение за качеством запущено",
		slog.String("dialog", key.String()),
		slog.Duration("interval", interval))
	return nil
}

// StopStatisticsMonitoring останавливает наблюдение за сессией и ждет
// завершения цикла. Возвращает false если наблюдение не было запущено.
func (c *Controller) StopStatisticsMonitoring(key dialog.DialogKey) bool {
	c.mu.Lock()
	monitor, ok := c.monitors[key]
	c.mu.Unlock()
	if !ok {
		return false
	}
	monitor.cancel()
	<-monitor.done
	return true
}

// monitorLoop публикует статистику сессии с заданным периодом
func (c *Controller) monitorLoop(ctx context.Context, key dialog.DialogKey, monitor *qualityMonitor, interval time.Duration) {
	defer func() {
		c.clearMonitor(key, monitor)
		c.metrics.MonitorStopped()
		close(monitor.done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDegraded time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			session, ok := c.GetSession(key)
			if !ok {
				return
			}
			stats := session.GetStatistics()
			report := coordination.QualityReport{
				LossPercent: stats.LossPercent,
				JitterMs:    stats.JitterMs,
				MOS:         stats.MOS,
			}
			c.publish(ctx, coordination.MediaEvent{
				Type:    coordination.MediaEventStatisticsUpdated,
				Dialog:  key,
				Quality: report,
			})
			c.metrics.ObserveMOS(stats.MOS)
			c.metrics.QualityEvent("statistics_updated")

			reason := degradationReason(stats.LossPercent, stats.JitterMs)
			if reason == "" {
				continue
			}
			if time.Since(lastDegraded) < c.degradedInterval {
				continue
			}
			lastDegraded = time.Now()
			c.publish(ctx, coordination.MediaEvent{
				Type:    coordination.MediaEventQualityDegraded,
				Dialog:  key,
				Reason:  reason,
				Quality: report,
			})
			c.metrics.QualityEvent("quality_degraded")
			c.log.Warn("деградация качества медиа",
				slog.String("dialog", key.String()),
				slog.String("reason", reason),
				slog.Float64("mos", stats.MOS))
		}
	}
}

func (c *Controller) publish(ctx context.Context, event coordination.MediaEvent) {
	if c.publisher == nil {
		return
	}
	c.publisher.PublishMediaEvent(ctx, event)
}

// clearMonitor удаляет запись наблюдения если она все еще принадлежит
// завершающемуся циклу
func (c *Controller) clearMonitor(key dialog.DialogKey, monitor *qualityMonitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.monitors[key]; ok && current == monitor {
		delete(c.monitors, key)
	}
}

// Close останавливает все наблюдения и сессии контроллера
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*MediaSession, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session)
	}
	monitors := make([]*qualityMonitor, 0, len(c.monitors))
	for _, monitor := range c.monitors {
		monitors = append(monitors, monitor)
	}
	c.sessions = make(map[dialog.DialogKey]*MediaSession)
	c.mu.Unlock()

	for _, monitor := range monitors {
		monitor.cancel()
		<-monitor.done
	}
	var firstErr error
	for _, session := range sessions {
		if err := session.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.metrics.SessionClosed()
	}

	c.log.Info("медиа контроллер остановлен", slog.Int("sessions", len(sessions)))
	return firstErr
}
