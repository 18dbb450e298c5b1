package media

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Константы DTMF согласно RFC 4733
const (
	// DTMFPayloadTypeDefault - общепринятый динамический payload type
	// для telephone-event
	DTMFPayloadTypeDefault = 101
	// DefaultDTMFDuration - длительность нажатия по умолчанию
	DefaultDTMFDuration = 100 * time.Millisecond
	// DTMFVolumeDefault - уровень громкости события по умолчанию, dBm0
	DTMFVolumeDefault = -10
	// dtmfVolumeMax - максимальное абсолютное значение громкости
	dtmfVolumeMax = 63
	// dtmfPayloadSize - размер сериализованного события
	dtmfPayloadSize = 4
	// dtmfEndRepeats - число повторов финального пакета для надежности
	dtmfEndRepeats = 3
	// dtmfStartRepeats - число пакетов начала события
	dtmfStartRepeats = 3
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0 DTMFDigit = iota
	DTMF1
	DTMF2
	DTMF3
	DTMF4
	DTMF5
	DTMF6
	DTMF7
	DTMF8
	DTMF9
	DTMFStar  // *
	DTMFPound // #
	DTMFA
	DTMFB
	DTMFC
	DTMFD
)

const dtmfRunes = "0123456789*#ABCD"

// String возвращает символ цифры
func (d DTMFDigit) String() string {
	if int(d) < len(dtmfRunes) {
		return string(dtmfRunes[d])
	}
	return "?"
}

// IsValidDTMFDigit проверяет корректность значения цифры
func IsValidDTMFDigit(digit uint8) bool {
	return digit <= uint8(DTMFD)
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр.
// Буквы A-D принимаются в любом регистре.
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	digits := make([]DTMFDigit, 0, len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, DTMFDigit(r-'0'))
		case r == '*':
			digits = append(digits, DTMFStar)
		case r == '#':
			digits = append(digits, DTMFPound)
		case r >= 'A' && r <= 'D':
			digits = append(digits, DTMFA+DTMFDigit(r-'A'))
		case r >= 'a' && r <= 'd':
			digits = append(digits, DTMFA+DTMFDigit(r-'a'))
		default:
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
	}
	return digits, nil
}

// DTMFEvent представляет одно DTMF событие
type DTMFEvent struct {
	// Digit нажатая цифра
	Digit DTMFDigit
	// Duration длительность нажатия
	Duration time.Duration
	// Volume уровень громкости, от 0 до -63 dBm0
	Volume int8
	// Timestamp RTP метка времени начала события
	Timestamp uint32
}

// DTMFPayload - содержимое пакета telephone-event согласно RFC 4733:
// событие, флаг окончания, громкость и длительность в единицах RTP clock.
type DTMFPayload struct {
	Event    uint8
	End      bool
	Volume   uint8  // абсолютное значение, 0-63
	Duration uint16 // в единицах RTP clock
}

// Marshal сериализует payload в 4 байта провода
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, dtmfPayloadSize)
	data[0] = p.Event & 0x0F
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// ParseDTMFPayload разбирает payload пакета telephone-event
func ParseDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < dtmfPayloadSize {
		return DTMFPayload{}, fmt.Errorf("некорректный размер DTMF payload: %d байт (минимум %d)", len(data), dtmfPayloadSize)
	}
	return DTMFPayload{
		Event:    data[0] & 0x0F,
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// DTMFReceiver выделяет DTMF события из входящего RTP потока.
// Callback вызывается один раз на событие, при первом пакете нажатия.
// Повторное нажатие той же цифры различается по RTP метке времени:
// каждое событие начинается с новой метки.
type DTMFReceiver struct {
	payloadType uint8
	clockRate   uint32

	mu       sync.Mutex
	onDigit  func(DTMFEvent)
	active   bool
	activeTS uint32
}

// NewDTMFReceiver создает приемник для указанного payload type.
// Нулевой clockRate означает 8000 Гц.
func NewDTMFReceiver(payloadType uint8, clockRate uint32) *DTMFReceiver {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &DTMFReceiver{payloadType: payloadType, clockRate: clockRate}
}

// SetCallback устанавливает обработчик событий
func (dr *DTMFReceiver) SetCallback(callback func(DTMFEvent)) {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	dr.onDigit = callback
}

// ProcessPacket обрабатывает входящий RTP пакет. Возвращает true, если
// пакет принадлежит DTMF потоку и не должен попадать в аудио тракт,
// независимо от успешности разбора.
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	if packet.PayloadType != dr.payloadType {
		return false, nil
	}

	payload, err := ParseDTMFPayload(packet.Payload)
	if err != nil {
		return true, err
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	if payload.End {
		if dr.active && packet.Timestamp == dr.activeTS {
			dr.active = false
		}
		return true, nil
	}

	// Начало нового события: маркер или новая метка времени
	if dr.active && packet.Timestamp == dr.activeTS && !packet.Marker {
		return true, nil
	}
	dr.active = true
	dr.activeTS = packet.Timestamp

	if dr.onDigit != nil {
		dr.onDigit(DTMFEvent{
			Digit:     DTMFDigit(payload.Event),
			Duration:  time.Duration(payload.Duration) * time.Second / time.Duration(dr.clockRate),
			Volume:    -int8(payload.Volume),
			Timestamp: packet.Timestamp,
		})
	}
	return true, nil
}
