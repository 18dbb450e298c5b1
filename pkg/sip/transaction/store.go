package transaction

import (
	"fmt"
	"sync"
)

// Store представляет потокобезопасное хранилище транзакций
type Store struct {
	mu           sync.RWMutex
	transactions map[string]Transaction // Key.String() -> транзакция
	stats        StoreStats
}

// StoreStats статистика хранилища
type StoreStats struct {
	TotalTransactions   uint64
	ActiveTransactions  uint64
	CleanedTransactions uint64
}

// NewStore создает новое хранилище транзакций
func NewStore() *Store {
	return &Store{
		transactions: make(map[string]Transaction),
	}
}

// Add добавляет транзакцию в хранилище
func (s *Store) Add(tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tx.Key().String()
	if _, exists := s.transactions[key]; exists {
		return fmt.Errorf("%w: %s", ErrTransactionExists, key)
	}

	s.transactions[key] = tx
	s.stats.TotalTransactions++
	s.stats.ActiveTransactions++

	return nil
}

// Get возвращает транзакцию по ключу
func (s *Store) Get(key Key) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[key.String()]
	return tx, ok
}

// Remove удаляет транзакцию из хранилища
func (s *Store) Remove(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyStr := key.String()
	if _, exists := s.transactions[keyStr]; !exists {
		return false
	}

	delete(s.transactions, keyStr)
	s.stats.ActiveTransactions--
	s.stats.CleanedTransactions++

	return true
}

// All возвращает все активные транзакции
func (s *Store) All() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		result = append(result, tx)
	}
	return result
}

// Count возвращает количество активных транзакций
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.transactions)
}

// Stats возвращает статистику хранилища
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stats
}

// CleanupTerminated удаляет завершенные транзакции, возвращает их число.
// Обычно удаление происходит по callback завершения, это страховочный проход.
func (s *Store) CleanupTerminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, tx := range s.transactions {
		if tx.State() == StateTerminated {
			delete(s.transactions, key)
			s.stats.ActiveTransactions--
			s.stats.CleanedTransactions++
			count++
		}
	}
	return count
}

// Clear удаляет все транзакции
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = make(map[string]Transaction)
	s.stats.ActiveTransactions = 0
}
