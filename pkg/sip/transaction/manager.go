package transaction

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// RequestHandler обработчик входящих запросов. Для ACK к 2xx ответу
// (вне транзакции) tx равен nil.
type RequestHandler func(tx ServerTransaction, req *sip.Request)

// ManagerConfig конфигурация менеджера транзакций
type ManagerConfig struct {
	// Transport транспорт для отправки сообщений
	Transport Transport

	// Timers таймеры RFC 3261; нулевое значение означает DefaultTimers()
	Timers TransactionTimers

	// Logger структурированный логгер; nil означает slog.Default()
	Logger *slog.Logger

	// Metrics конфигурация метрик; nil отключает сбор
	Metrics *MetricsConfig
}

// Manager управляет жизненным циклом клиентских и серверных транзакций.
// Сопоставление входящих сообщений выполняется по ключу branch+method+role.
type Manager struct {
	store     *Store
	engine    *TimerEngine
	timers    TransactionTimers
	transport Transport
	metrics   *Metrics
	log       *slog.Logger

	mu              sync.RWMutex
	requestHandlers []RequestHandler
}

// NewManager создает новый менеджер транзакций
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	timers := config.Timers
	if timers == (TransactionTimers{}) {
		timers = DefaultTimers()
	}

	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	var metrics *Metrics
	if config.Metrics != nil {
		metrics = NewMetrics(config.Metrics)
	}

	return &Manager{
		store:     NewStore(),
		engine:    NewTimerEngine(log),
		timers:    timers,
		transport: config.Transport,
		metrics:   metrics,
		log:       log,
	}, nil
}

// CreateClientTransaction создает клиентскую транзакцию для исходящего запроса
func (m *Manager) CreateClientTransaction(req *sip.Request) (ClientTransaction, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}

	key, err := RequestKey(req, false)
	if err != nil {
		return nil, err
	}
	if _, ok := m.store.Get(key); ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, key.String())
	}

	tx, err := NewClientTransaction(req, m.transport, m.engine, m.timers, m.log)
	if err != nil {
		return nil, err
	}

	if err := m.store.Add(tx); err != nil {
		tx.Terminate()
		return nil, err
	}

	m.metrics.TransactionCreated("client", string(req.Method))
	m.watchTermination(tx, key)

	return tx, nil
}

// CreateServerTransaction создает серверную транзакцию для входящего запроса
func (m *Manager) CreateServerTransaction(req *sip.Request) (ServerTransaction, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}

	key, err := RequestKey(req, true)
	if err != nil {
		return nil, err
	}
	if _, ok := m.store.Get(key); ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, key.String())
	}

	tx, err := NewServerTransaction(req, m.transport, m.engine, m.timers, m.log)
	if err != nil {
		return nil, err
	}

	if err := m.store.Add(tx); err != nil {
		tx.Terminate()
		return nil, err
	}

	m.metrics.TransactionCreated("server", string(req.Method))
	m.watchTermination(tx, key)

	return tx, nil
}

// HandleResponse направляет входящий ответ в клиентскую транзакцию
func (m *Manager) HandleResponse(resp *sip.Response) error {
	if resp == nil {
		return ErrInvalidResponse
	}

	key, err := ResponseKey(resp)
	if err != nil {
		return err
	}

	tx, ok := m.store.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, key.String())
	}

	client, ok := tx.(ClientTransaction)
	if !ok {
		return ErrInvalidResponse
	}
	return client.HandleResponse(resp)
}

// HandleRequest направляет входящий запрос: ретрансмиссии и ACK попадают
// в существующую транзакцию, новые запросы создают серверную транзакцию.
// ACK без подходящей транзакции (подтверждение 2xx) передается обработчикам
// с tx == nil.
func (m *Manager) HandleRequest(req *sip.Request) (ServerTransaction, error) {
	if req == nil {
		return nil, ErrInvalidRequest
	}

	key, err := RequestKey(req, true)
	if err != nil {
		return nil, err
	}

	if existing, ok := m.store.Get(key); ok {
		server, ok := existing.(ServerTransaction)
		if !ok {
			return nil, ErrInvalidRequest
		}
		// Ретрансмиссия или ACK, обработчики не уведомляются
		return server, server.HandleRequest(req)
	}

	if req.Method == sip.ACK {
		m.notifyRequestHandlers(nil, req)
		return nil, nil
	}

	tx, err := m.CreateServerTransaction(req)
	if err != nil {
		return nil, err
	}

	m.notifyRequestHandlers(tx, req)
	return tx, nil
}

// FindTransaction находит транзакцию по ключу
func (m *Manager) FindTransaction(key Key) (Transaction, bool) {
	return m.store.Get(key)
}

// Count возвращает количество активных транзакций
func (m *Manager) Count() int {
	return m.store.Count()
}

// OnRequest регистрирует обработчик входящих запросов
func (m *Manager) OnRequest(handler RequestHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHandlers = append(m.requestHandlers, handler)
}

// Close завершает все активные транзакции
func (m *Manager) Close() error {
	for _, tx := range m.store.All() {
		tx.Terminate()
	}
	m.store.Clear()
	return nil
}

// watchTermination удаляет транзакцию из хранилища при ее завершении
func (m *Manager) watchTermination(tx Transaction, key Key) {
	tx.OnStateChange(func(state State) {
		if state == StateTerminated {
			m.store.Remove(key)
			m.metrics.TransactionTerminated()
		}
	})
}

// notifyRequestHandlers уведомляет обработчики о запросе
func (m *Manager) notifyRequestHandlers(tx ServerTransaction, req *sip.Request) {
	m.mu.RLock()
	handlers := make([]RequestHandler, len(m.requestHandlers))
	copy(handlers, m.requestHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(tx, req)
	}
}
