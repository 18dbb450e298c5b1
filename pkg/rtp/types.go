package rtp

// Direction определяет направление медиа потока в терминах SDP (RFC 3264)
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Поток неактивен
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend сообщает, разрешена ли отправка для данного направления
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive сообщает, разрешен ли прием для данного направления
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// MediaType определяет тип медиа согласно RFC 3551
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeApplication
)

// PayloadType определяет тип payload согласно RFC 3551 Table 4 & 5
type PayloadType uint8

// Статические аудио payload типы из RFC 3551, используемые в телефонии
const (
	PayloadTypePCMU     PayloadType = 0  // G.711 μ-law
	PayloadTypeGSM      PayloadType = 3  // GSM 06.10
	PayloadTypeG723     PayloadType = 4  // G.723.1
	PayloadTypeDVI4_8K  PayloadType = 5  // DVI4 8kHz
	PayloadTypeDVI4_16K PayloadType = 6  // DVI4 16kHz
	PayloadTypeLPC      PayloadType = 7  // LPC
	PayloadTypePCMA     PayloadType = 8  // G.711 A-law
	PayloadTypeG722     PayloadType = 9  // G.722
	PayloadTypeL16_2CH  PayloadType = 10 // L16 стерео
	PayloadTypeL16_1CH  PayloadType = 11 // L16 моно
	PayloadTypeQCELP    PayloadType = 12 // QCELP
	PayloadTypeCN       PayloadType = 13 // Comfort Noise
	PayloadTypeMPA      PayloadType = 14 // MPEG Audio
	PayloadTypeG728     PayloadType = 15 // G.728
	PayloadTypeG729     PayloadType = 18 // G.729
)

// DefaultClockRate возвращает стандартную частоту тактирования RTP для
// статического payload типа. Второе значение false означает, что тип
// неизвестен и частота должна быть задана явно (динамические типы 96-127).
//
// Особый случай: G.722 использует RTP clock 8000 Гц при частоте
// дискретизации 16 кГц (историческая ошибка, закрепленная RFC 3551 4.5.2).
func DefaultClockRate(pt PayloadType) (uint32, bool) {
	switch pt {
	case PayloadTypePCMU, PayloadTypePCMA, PayloadTypeGSM, PayloadTypeG723,
		PayloadTypeDVI4_8K, PayloadTypeLPC, PayloadTypeCN, PayloadTypeG728,
		PayloadTypeG729, PayloadTypeG722:
		return 8000, true
	case PayloadTypeDVI4_16K:
		return 16000, true
	case PayloadTypeL16_1CH, PayloadTypeL16_2CH:
		return 44100, true
	case PayloadTypeMPA:
		return 90000, true
	default:
		return 0, false
	}
}
