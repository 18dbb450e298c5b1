package dialog

import (
	"hash/fnv"
	"sync"
)

// ShardCount количество шардов таблицы диалогов.
// КРИТИЧНО: должно быть степенью 2, индекс шарда берется битовой маской.
const ShardCount = 32

// dialogShard один шард таблицы со своим мьютексом
type dialogShard struct {
	dialogs map[DialogKey]*Dialog
	mutex   sync.RWMutex
}

// ShardedDialogMap потокобезопасная таблица диалогов с шардированием.
//
// Диалоги распределяются по шардам по FNV хэшу ключа, каждый шард
// блокируется независимо. Это убирает contention глобального мьютекса
// при большом числе параллельных вызовов.
type ShardedDialogMap struct {
	shards [ShardCount]*dialogShard
}

// NewShardedDialogMap создает таблицу с инициализированными шардами
func NewShardedDialogMap() *ShardedDialogMap {
	m := &ShardedDialogMap{}
	for i := range m.shards {
		m.shards[i] = &dialogShard{
			dialogs: make(map[DialogKey]*Dialog),
		}
	}
	return m
}

// hashKey вычисляет хэш ключа диалога для выбора шарда
func (m *ShardedDialogMap) hashKey(key DialogKey) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.CallID))
	hasher.Write([]byte(key.LocalTag))
	hasher.Write([]byte(key.RemoteTag))
	return hasher.Sum32()
}

// getShard возвращает шард для данного ключа
func (m *ShardedDialogMap) getShard(key DialogKey) *dialogShard {
	return m.shards[m.hashKey(key)&(ShardCount-1)]
}

// Set добавляет или заменяет диалог в таблице
func (m *ShardedDialogMap) Set(key DialogKey, dialog *Dialog) {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	shard.dialogs[key] = dialog
}

// SetIfAbsent добавляет диалог, только если ключ свободен.
// Возвращает false, если ключ уже занят. Проверка и вставка происходят
// под одной блокировкой шарда.
func (m *ShardedDialogMap) SetIfAbsent(key DialogKey, dialog *Dialog) bool {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.dialogs[key]; exists {
		return false
	}
	shard.dialogs[key] = dialog
	return true
}

// Get возвращает диалог по ключу
func (m *ShardedDialogMap) Get(key DialogKey) (*Dialog, bool) {
	shard := m.getShard(key)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	dialog, exists := shard.dialogs[key]
	return dialog, exists
}

// Delete удаляет диалог из таблицы, сообщая существовал ли он
func (m *ShardedDialogMap) Delete(key DialogKey) bool {
	shard := m.getShard(key)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	_, exists := shard.dialogs[key]
	if exists {
		delete(shard.dialogs, key)
	}
	return exists
}

// Count возвращает общее количество диалогов во всех шардах.
// Шарды блокируются в порядке индекса во избежание deadlock.
func (m *ShardedDialogMap) Count() int {
	for i := range m.shards {
		m.shards[i].mutex.RLock()
	}

	count := 0
	for i := range m.shards {
		count += len(m.shards[i].dialogs)
	}

	for i := len(m.shards) - 1; i >= 0; i-- {
		m.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach выполняет функцию для каждого диалога таблицы.
// Содержимое копируется под блокировками, fn вызывается вне их:
// обработчик может безопасно менять таблицу.
func (m *ShardedDialogMap) ForEach(fn func(DialogKey, *Dialog)) {
	snapshot := make(map[DialogKey]*Dialog)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		for key, dialog := range m.shards[i].dialogs {
			snapshot[key] = dialog
		}
		m.shards[i].mutex.RUnlock()
	}

	for key, dialog := range snapshot {
		fn(key, dialog)
	}
}

// Clear удаляет все диалоги из таблицы
func (m *ShardedDialogMap) Clear() {
	for i := range m.shards {
		m.shards[i].mutex.Lock()
		m.shards[i].dialogs = make(map[DialogKey]*Dialog)
		m.shards[i].mutex.Unlock()
	}
}
