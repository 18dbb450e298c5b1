package media

import (
	"container/heap"
	"sync"

	"github.com/pion/rtp"
)

// DefaultJitterCapacity - емкость jitter buffer по умолчанию, в пакетах
const DefaultJitterCapacity = 100

// JitterBuffer переупорядочивает входящие RTP пакеты по номерам
// последовательности перед воспроизведением. Буфер имеет фиксированную
// емкость: при переполнении вытесняется самый старый пакет. Переход
// номеров через 65535 учитывается расширением до 32 бит, поэтому
// пакет с номером 0 после 65535 считается следующим, а не потерей
// всего цикла. Поздние и повторные пакеты отбрасываются со счетчиками.
//
// Буфер пассивный: Put вызывает принимающий тракт, Get - цикл
// воспроизведения с шагом ptime. Thread-safe.
type JitterBuffer struct {
	mu       sync.Mutex
	capacity int

	packets map[uint32]*rtp.Packet
	order   extSeqHeap

	started    bool
	highestExt uint32 // расширенный номер самого нового принятого пакета
	nextExt    uint32 // расширенный номер, ожидаемый к воспроизведению

	received        uint64
	played          uint64
	late            uint64
	duplicates      uint64
	overflow        uint64
	discontinuities uint64
	underruns       uint64
}

// JitterBufferStatistics - счетчики работы буфера
type JitterBufferStatistics struct {
	// Buffered - текущее число пакетов в буфере
	Buffered int
	// Capacity - максимальная емкость
	Capacity int
	// PacketsReceived принято всего
	PacketsReceived uint64
	// PacketsPlayed выдано на воспроизведение
	PacketsPlayed uint64
	// PacketsLate отброшено как опоздавшие
	PacketsLate uint64
	// Duplicates отброшено как повторы
	Duplicates uint64
	// Overflow вытеснено при переполнении
	Overflow uint64
	// Discontinuities - число разрывов нумерации при воспроизведении
	Discontinuities uint64
	// Underruns - число чтений из пустого буфера
	Underruns uint64
}

// extSeqHeap - min-heap расширенных номеров последовательности
type extSeqHeap []uint32

func (h extSeqHeap) Len() int            { return len(h) }
func (h extSeqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h extSeqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *extSeqHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *extSeqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// NewJitterBuffer создает буфер указанной емкости в пакетах.
// Неположительная емкость означает DefaultJitterCapacity.
func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity <= 0 {
		capacity = DefaultJitterCapacity
	}
	return &JitterBuffer{
		capacity: capacity,
		packets:  make(map[uint32]*rtp.Packet),
		order:    make(extSeqHeap, 0, capacity),
	}
}

// Put добавляет пакет в буфер. Возвращает false, если пакет отброшен
// как опоздавший или повторный.
func (jb *JitterBuffer) Put(packet *rtp.Packet) bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.received++
	seq := packet.SequenceNumber

	if !jb.started {
		jb.started = true
		jb.highestExt = uint32(seq)
		jb.nextExt = uint32(seq)
		jb.insert(uint32(seq), packet)
		return true
	}

	ext, ok := jb.extendSeq(seq)
	if !ok || ext < jb.nextExt {
		jb.late++
		return false
	}
	if _, exists := jb.packets[ext]; exists {
		jb.duplicates++
		return false
	}

	if len(jb.packets) >= jb.capacity {
		oldest := heap.Pop(&jb.order).(uint32)
		delete(jb.packets, oldest)
		jb.overflow++
	}

	jb.insert(ext, packet)
	return true
}

// Get возвращает следующий пакет в порядке номеров последовательности.
// При разрыве нумерации переходит к ближайшему доступному пакету.
// Возвращает false, если буфер пуст.
func (jb *JitterBuffer) Get() (*rtp.Packet, bool) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if len(jb.order) == 0 {
		if jb.started {
			jb.underruns++
		}
		return nil, false
	}

	ext := heap.Pop(&jb.order).(uint32)
	packet := jb.packets[ext]
	delete(jb.packets, ext)

	if ext != jb.nextExt {
		jb.discontinuities++
	}
	jb.nextExt = ext + 1
	jb.played++
	return packet, true
}

// Buffered возвращает текущее число пакетов в буфере
func (jb *JitterBuffer) Buffered() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.packets)
}

// GetStatistics возвращает срез счетчиков буфера
func (jb *JitterBuffer) GetStatistics() JitterBufferStatistics {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return JitterBufferStatistics{
		Buffered:        len(jb.packets),
		Capacity:        jb.capacity,
		PacketsReceived: jb.received,
		PacketsPlayed:   jb.played,
		PacketsLate:     jb.late,
		Duplicates:      jb.duplicates,
		Overflow:        jb.overflow,
		Discontinuities: jb.discontinuities,
		Underruns:       jb.underruns,
	}
}

// Reset очищает буфер и сбрасывает привязку к нумерации потока.
// Счетчики статистики сохраняются. Используется при смене SSRC
// удаленной стороны.
func (jb *JitterBuffer) Reset() {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	jb.packets = make(map[uint32]*rtp.Packet)
	jb.order = jb.order[:0]
	jb.started = false
	jb.highestExt = 0
	jb.nextExt = 0
}

func (jb *JitterBuffer) insert(ext uint32, packet *rtp.Packet) {
	jb.packets[ext] = packet
	heap.Push(&jb.order, ext)
	if ext > jb.highestExt {
		jb.highestExt = ext
	}
}

// extendSeq переводит 16-битный номер в расширенный 32-битный
// относительно самого нового принятого пакета. Знаковая разность
// покрывает переход через ноль в обе стороны. Второе значение false
// означает номер до начала потока.
func (jb *JitterBuffer) extendSeq(seq uint16) (uint32, bool) {
	delta := int64(int16(seq - uint16(jb.highestExt)))
	ext := int64(jb.highestExt) + delta
	if ext < 0 {
		return 0, false
	}
	return uint32(ext), true
}
