// Кодирование и разбор RTCP пакетов согласно RFC 3550 Section 6.
// Поддерживаются SR, RR, SDES и BYE, а также составные (compound)
// пакеты из их последовательности.
package rtp

import (
	"encoding/binary"
	"fmt"
	"time"
)

// RTCP Packet Type согласно RFC 3550 Section 6.1
const (
	RTCPTypeSR   uint8 = 200 // Sender Report
	RTCPTypeRR   uint8 = 201 // Receiver Report
	RTCPTypeSDES uint8 = 202 // Source Description
	RTCPTypeBYE  uint8 = 203 // Goodbye
	RTCPTypeAPP  uint8 = 204 // Application-Defined
)

// SDES Types согласно RFC 3550 Section 6.5
const (
	SDESTypeCNAME uint8 = 1
	SDESTypeName  uint8 = 2
	SDESTypeEmail uint8 = 3
	SDESTypePhone uint8 = 4
	SDESTypeLoc   uint8 = 5
	SDESTypeTool  uint8 = 6
	SDESTypeNote  uint8 = 7
	SDESTypePriv  uint8 = 8
)

// maxReceptionReports - максимум RR блоков в одном пакете (5 бит Count)
const maxReceptionReports = 31

// RTCPHeader представляет общий заголовок RTCP пакета (RFC 3550 Section 6.4)
type RTCPHeader struct {
	Version    uint8  // Версия (V): 2 бита
	Padding    bool   // Признак выравнивания (P): 1 бит
	Count      uint8  // Число RR блоков или источников (RC/SC): 5 бит
	PacketType uint8  // Тип пакета (PT): 8 бит
	Length     uint16 // Длина в 32-битных словах минус один
}

func parseRTCPHeader(data []byte) (RTCPHeader, error) {
	if len(data) < 4 {
		return RTCPHeader{}, fmt.Errorf("RTCP пакет слишком короткий: %d байт", len(data))
	}
	hdr := RTCPHeader{
		Version:    data[0] >> 6,
		Padding:    data[0]&0x20 != 0,
		Count:      data[0] & 0x1F,
		PacketType: data[1],
		Length:     binary.BigEndian.Uint16(data[2:4]),
	}
	if hdr.Version != 2 {
		return hdr, fmt.Errorf("неподдерживаемая версия RTCP: %d", hdr.Version)
	}
	if declared := (int(hdr.Length) + 1) * 4; declared > len(data) {
		return hdr, fmt.Errorf("заявленная длина %d байт превышает размер данных %d", declared, len(data))
	}
	return hdr, nil
}

// RTCPPacket - общий интерфейс для всех типов RTCP пакетов
type RTCPPacket interface {
	Header() RTCPHeader
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// ReceptionReport - блок отчета о приеме (RFC 3550 Section 6.4.1).
// Jitter передается в единицах RTP clock, CumulativeLost занимает
// 24 бита на проводе.
type ReceptionReport struct {
	SSRC             uint32
	FractionLost     uint8
	CumulativeLost   uint32
	HighestSeqNum    uint32 // Расширенный максимальный номер (cycles<<16 | seq)
	Jitter           uint32
	LastSR           uint32 // Средние 32 бита NTP последнего SR
	DelaySinceLastSR uint32 // Задержка с момента SR в единицах 1/65536 с
}

const receptionReportSize = 24

func writeReceptionReport(data []byte, rr ReceptionReport) {
	binary.BigEndian.PutUint32(data[0:4], rr.SSRC)
	lost := rr.CumulativeLost
	if lost > 0xFFFFFF {
		lost = 0xFFFFFF
	}
	data[4] = rr.FractionLost
	data[5] = byte(lost >> 16)
	data[6] = byte(lost >> 8)
	data[7] = byte(lost)
	binary.BigEndian.PutUint32(data[8:12], rr.HighestSeqNum)
	binary.BigEndian.PutUint32(data[12:16], rr.Jitter)
	binary.BigEndian.PutUint32(data[16:20], rr.LastSR)
	binary.BigEndian.PutUint32(data[20:24], rr.DelaySinceLastSR)
}

func readReceptionReport(data []byte) ReceptionReport {
	return ReceptionReport{
		SSRC:             binary.BigEndian.Uint32(data[0:4]),
		FractionLost:     data[4],
		CumulativeLost:   uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7]),
		HighestSeqNum:    binary.BigEndian.Uint32(data[8:12]),
		Jitter:           binary.BigEndian.Uint32(data[12:16]),
		LastSR:           binary.BigEndian.Uint32(data[16:20]),
		DelaySinceLastSR: binary.BigEndian.Uint32(data[20:24]),
	}
}

// SenderReport согласно RFC 3550 Section 6.4.1
type SenderReport struct {
	Hdr              RTCPHeader
	SSRC             uint32
	NTPTimestamp     uint64
	RTPTimestamp     uint32
	SenderPackets    uint32
	SenderOctets     uint32
	ReceptionReports []ReceptionReport
}

// NewSenderReport создает Sender Report без RR блоков
func NewSenderReport(ssrc uint32, ntpTime uint64, rtpTime uint32, packets, octets uint32) *SenderReport {
	return &SenderReport{
		Hdr: RTCPHeader{
			Version:    2,
			PacketType: RTCPTypeSR,
			Length:     6,
		},
		SSRC:          ssrc,
		NTPTimestamp:  ntpTime,
		RTPTimestamp:  rtpTime,
		SenderPackets: packets,
		SenderOctets:  octets,
	}
}

// AddReceptionReport добавляет блок отчета о приеме
func (sr *SenderReport) AddReceptionReport(rr ReceptionReport) {
	sr.ReceptionReports = append(sr.ReceptionReports, rr)
	sr.Hdr.Count = uint8(len(sr.ReceptionReports))
	sr.Hdr.Length = 6 + uint16(len(sr.ReceptionReports))*6
}

func (sr *SenderReport) Header() RTCPHeader { return sr.Hdr }

func (sr *SenderReport) Marshal() ([]byte, error) {
	if len(sr.ReceptionReports) > maxReceptionReports {
		return nil, fmt.Errorf("слишком много RR блоков: %d (максимум %d)", len(sr.ReceptionReports), maxReceptionReports)
	}

	length := 28 + len(sr.ReceptionReports)*receptionReportSize
	data := make([]byte, length)

	data[0] = (2 << 6) | uint8(len(sr.ReceptionReports))
	data[1] = RTCPTypeSR
	binary.BigEndian.PutUint16(data[2:4], uint16(length/4-1))

	binary.BigEndian.PutUint32(data[4:8], sr.SSRC)
	binary.BigEndian.PutUint64(data[8:16], sr.NTPTimestamp)
	binary.BigEndian.PutUint32(data[16:20], sr.RTPTimestamp)
	binary.BigEndian.PutUint32(data[20:24], sr.SenderPackets)
	binary.BigEndian.PutUint32(data[24:28], sr.SenderOctets)

	offset := 28
	for _, rr := range sr.ReceptionReports {
		writeReceptionReport(data[offset:], rr)
		offset += receptionReportSize
	}
	return data, nil
}

func (sr *SenderReport) Unmarshal(data []byte) error {
	hdr, err := parseRTCPHeader(data)
	if err != nil {
		return err
	}
	if hdr.PacketType != RTCPTypeSR {
		return fmt.Errorf("неверный тип пакета: %d (ожидается SR)", hdr.PacketType)
	}
	if len(data) < 28 {
		return fmt.Errorf("SR пакет слишком короткий: %d байт", len(data))
	}
	sr.Hdr = hdr

	sr.SSRC = binary.BigEndian.Uint32(data[4:8])
	sr.NTPTimestamp = binary.BigEndian.Uint64(data[8:16])
	sr.RTPTimestamp = binary.BigEndian.Uint32(data[16:20])
	sr.SenderPackets = binary.BigEndian.Uint32(data[20:24])
	sr.SenderOctets = binary.BigEndian.Uint32(data[24:28])

	sr.ReceptionReports = make([]ReceptionReport, hdr.Count)
	offset := 28
	for i := 0; i < int(hdr.Count); i++ {
		if offset+receptionReportSize > len(data) {
			return fmt.Errorf("недостаточно данных для RR блока %d", i)
		}
		sr.ReceptionReports[i] = readReceptionReport(data[offset:])
		offset += receptionReportSize
	}
	return nil
}

// ReceiverReport согласно RFC 3550 Section 6.4.2
type ReceiverReport struct {
	Hdr              RTCPHeader
	SSRC             uint32
	ReceptionReports []ReceptionReport
}

// NewReceiverReport создает Receiver Report без RR блоков
func NewReceiverReport(ssrc uint32) *ReceiverReport {
	return &ReceiverReport{
		Hdr: RTCPHeader{
			Version:    2,
			PacketType: RTCPTypeRR,
			Length:     1,
		},
		SSRC: ssrc,
	}
}

// AddReceptionReport добавляет блок отчета о приеме
func (rr *ReceiverReport) AddReceptionReport(report ReceptionReport) {
	rr.ReceptionReports = append(rr.ReceptionReports, report)
	rr.Hdr.Count = uint8(len(rr.ReceptionReports))
	rr.Hdr.Length = 1 + uint16(len(rr.ReceptionReports))*6
}

func (rr *ReceiverReport) Header() RTCPHeader { return rr.Hdr }

func (rr *ReceiverReport) Marshal() ([]byte, error) {
	if len(rr.ReceptionReports) > maxReceptionReports {
		return nil, fmt.Errorf("слишком много RR блоков: %d (максимум %d)", len(rr.ReceptionReports), maxReceptionReports)
	}

	length := 8 + len(rr.ReceptionReports)*receptionReportSize
	data := make([]byte, length)

	data[0] = (2 << 6) | uint8(len(rr.ReceptionReports))
	data[1] = RTCPTypeRR
	binary.BigEndian.PutUint16(data[2:4], uint16(length/4-1))
	binary.BigEndian.PutUint32(data[4:8], rr.SSRC)

	offset := 8
	for _, report := range rr.ReceptionReports {
		writeReceptionReport(data[offset:], report)
		offset += receptionReportSize
	}
	return data, nil
}

func (rr *ReceiverReport) Unmarshal(data []byte) error {
	hdr, err := parseRTCPHeader(data)
	if err != nil {
		return err
	}
	if hdr.PacketType != RTCPTypeRR {
		return fmt.Errorf("неверный тип пакета: %d (ожидается RR)", hdr.PacketType)
	}
	if len(data) < 8 {
		return fmt.Errorf("RR пакет слишком короткий: %d байт", len(data))
	}
	rr.Hdr = hdr
	rr.SSRC = binary.BigEndian.Uint32(data[4:8])

	rr.ReceptionReports = make([]ReceptionReport, hdr.Count)
	offset := 8
	for i := 0; i < int(hdr.Count); i++ {
		if offset+receptionReportSize > len(data) {
			return fmt.Errorf("недостаточно данных для RR блока %d", i)
		}
		rr.ReceptionReports[i] = readReceptionReport(data[offset:])
		offset += receptionReportSize
	}
	return nil
}

// SourceDescriptionPacket (SDES) согласно RFC 3550 Section 6.5
type SourceDescriptionPacket struct {
	Hdr    RTCPHeader
	Chunks []SDESChunk
}

// SDESChunk - описание одного источника
type SDESChunk struct {
	Source uint32
	Items  []SDESItem
}

// SDESItem - один элемент описания (CNAME, NAME, TOOL и т.д.)
type SDESItem struct {
	Type uint8
	Text []byte
}

// NewSourceDescription создает пустой SDES пакет
func NewSourceDescription() *SourceDescriptionPacket {
	return &SourceDescriptionPacket{
		Hdr: RTCPHeader{
			Version:    2,
			PacketType: RTCPTypeSDES,
		},
	}
}

// AddChunk добавляет описание источника. Длина заголовка
// рассчитывается при сериализации.
func (sdes *SourceDescriptionPacket) AddChunk(ssrc uint32, items []SDESItem) {
	sdes.Chunks = append(sdes.Chunks, SDESChunk{Source: ssrc, Items: items})
	sdes.Hdr.Count = uint8(len(sdes.Chunks))
}

// CNAMEItem строит SDES элемент CNAME
func CNAMEItem(cname string) SDESItem {
	return SDESItem{Type: SDESTypeCNAME, Text: []byte(cname)}
}

func (sdes *SourceDescriptionPacket) Header() RTCPHeader { return sdes.Hdr }

func (sdes *SourceDescriptionPacket) Marshal() ([]byte, error) {
	if len(sdes.Chunks) > maxReceptionReports {
		return nil, fmt.Errorf("слишком много SDES chunks: %d", len(sdes.Chunks))
	}

	totalSize := 4
	for _, chunk := range sdes.Chunks {
		chunkSize := 4
		for _, item := range chunk.Items {
			if len(item.Text) > 255 {
				return nil, fmt.Errorf("SDES текст длиннее 255 байт")
			}
			chunkSize += 2 + len(item.Text)
		}
		chunkSize++ // нулевой байт конца списка
		if chunkSize%4 != 0 {
			chunkSize += 4 - chunkSize%4
		}
		totalSize += chunkSize
	}

	data := make([]byte, totalSize)
	data[0] = (2 << 6) | uint8(len(sdes.Chunks))
	data[1] = RTCPTypeSDES
	binary.BigEndian.PutUint16(data[2:4], uint16(totalSize/4-1))

	offset := 4
	for _, chunk := range sdes.Chunks {
		binary.BigEndian.PutUint32(data[offset:offset+4], chunk.Source)
		offset += 4
		for _, item := range chunk.Items {
			data[offset] = item.Type
			data[offset+1] = uint8(len(item.Text))
			copy(data[offset+2:], item.Text)
			offset += 2 + len(item.Text)
		}
		offset++ // конец списка элементов
		for offset%4 != 0 {
			offset++
		}
	}
	return data, nil
}

func (sdes *SourceDescriptionPacket) Unmarshal(data []byte) error {
	hdr, err := parseRTCPHeader(data)
	if err != nil {
		return err
	}
	if hdr.PacketType != RTCPTypeSDES {
		return fmt.Errorf("неверный тип пакета: %d (ожидается SDES)", hdr.PacketType)
	}
	sdes.Hdr = hdr
	sdes.Chunks = sdes.Chunks[:0]

	offset := 4
	for i := 0; i < int(hdr.Count); i++ {
		if offset+4 > len(data) {
			return fmt.Errorf("недостаточно данных для SDES chunk %d", i)
		}
		chunk := SDESChunk{Source: binary.BigEndian.Uint32(data[offset : offset+4])}
		offset += 4

		for offset < len(data) && data[offset] != 0 {
			if offset+2 > len(data) {
				return fmt.Errorf("обрезанный SDES элемент")
			}
			itemType := data[offset]
			itemLen := int(data[offset+1])
			offset += 2
			if offset+itemLen > len(data) {
				return fmt.Errorf("обрезанный текст SDES элемента")
			}
			chunk.Items = append(chunk.Items, SDESItem{
				Type: itemType,
				Text: append([]byte(nil), data[offset:offset+itemLen]...),
			})
			offset += itemLen
		}
		offset++ // нулевой байт
		for offset%4 != 0 && offset < len(data) {
			offset++
		}
		sdes.Chunks = append(sdes.Chunks, chunk)
	}
	return nil
}

// ByePacket согласно RFC 3550 Section 6.6
type ByePacket struct {
	Hdr     RTCPHeader
	Sources []uint32
	Reason  string
}

// NewByePacket создает BYE для одного источника
func NewByePacket(ssrc uint32, reason string) *ByePacket {
	return &ByePacket{
		Hdr: RTCPHeader{
			Version:    2,
			Count:      1,
			PacketType: RTCPTypeBYE,
		},
		Sources: []uint32{ssrc},
		Reason:  reason,
	}
}

func (b *ByePacket) Header() RTCPHeader { return b.Hdr }

func (b *ByePacket) Marshal() ([]byte, error) {
	if len(b.Sources) == 0 {
		return nil, fmt.Errorf("BYE без источников")
	}
	if len(b.Sources) > maxReceptionReports {
		return nil, fmt.Errorf("слишком много источников в BYE: %d", len(b.Sources))
	}
	if len(b.Reason) > 255 {
		return nil, fmt.Errorf("причина BYE длиннее 255 байт")
	}

	totalSize := 4 + 4*len(b.Sources)
	if b.Reason != "" {
		reasonPart := 1 + len(b.Reason)
		if reasonPart%4 != 0 {
			reasonPart += 4 - reasonPart%4
		}
		totalSize += reasonPart
	}

	data := make([]byte, totalSize)
	data[0] = (2 << 6) | uint8(len(b.Sources))
	data[1] = RTCPTypeBYE
	binary.BigEndian.PutUint16(data[2:4], uint16(totalSize/4-1))

	offset := 4
	for _, src := range b.Sources {
		binary.BigEndian.PutUint32(data[offset:offset+4], src)
		offset += 4
	}
	if b.Reason != "" {
		data[offset] = uint8(len(b.Reason))
		copy(data[offset+1:], b.Reason)
	}
	return data, nil
}

func (b *ByePacket) Unmarshal(data []byte) error {
	hdr, err := parseRTCPHeader(data)
	if err != nil {
		return err
	}
	if hdr.PacketType != RTCPTypeBYE {
		return fmt.Errorf("неверный тип пакета: %d (ожидается BYE)", hdr.PacketType)
	}
	b.Hdr = hdr

	offset := 4
	b.Sources = make([]uint32, hdr.Count)
	for i := 0; i < int(hdr.Count); i++ {
		if offset+4 > len(data) {
			return fmt.Errorf("недостаточно данных для SSRC %d в BYE", i)
		}
		b.Sources[i] = binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
	}

	b.Reason = ""
	if offset < len(data) {
		reasonLen := int(data[offset])
		offset++
		if offset+reasonLen > len(data) {
			return fmt.Errorf("обрезанная причина BYE")
		}
		b.Reason = string(data[offset : offset+reasonLen])
	}
	return nil
}

// IsRTCPPacket определяет, является ли датаграмма RTCP пакетом.
// Используется для демультиплексирования RTP/RTCP на одном порту
// (RFC 5761): типы 200-204 не пересекаются с RTP payload типами.
func IsRTCPPacket(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	version := data[0] >> 6
	packetType := data[1]
	return version == 2 && packetType >= RTCPTypeSR && packetType <= RTCPTypeAPP
}

// ParseRTCPPacket разбирает одиночный RTCP пакет по его типу
func ParseRTCPPacket(data []byte) (RTCPPacket, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("пакет слишком короткий для RTCP")
	}

	switch data[1] {
	case RTCPTypeSR:
		sr := &SenderReport{}
		return sr, sr.Unmarshal(data)
	case RTCPTypeRR:
		rr := &ReceiverReport{}
		return rr, rr.Unmarshal(data)
	case RTCPTypeSDES:
		sdes := &SourceDescriptionPacket{}
		return sdes, sdes.Unmarshal(data)
	case RTCPTypeBYE:
		bye := &ByePacket{}
		return bye, bye.Unmarshal(data)
	default:
		return nil, fmt.Errorf("неподдерживаемый тип RTCP пакета: %d", data[1])
	}
}

// ParseCompoundRTCP разбирает составной RTCP пакет (RFC 3550 Section 6.1),
// используя поле длины каждого вложенного пакета. Пакеты неизвестных
// типов (например APP) пропускаются.
func ParseCompoundRTCP(data []byte) ([]RTCPPacket, error) {
	var packets []RTCPPacket

	offset := 0
	for offset+4 <= len(data) {
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		size := (length + 1) * 4
		if offset+size > len(data) {
			return packets, fmt.Errorf("некорректная длина RTCP пакета на смещении %d", offset)
		}
		if pkt, err := ParseRTCPPacket(data[offset : offset+size]); err == nil {
			packets = append(packets, pkt)
		}
		offset += size
	}

	if len(packets) == 0 {
		return nil, fmt.Errorf("нет распознанных RTCP пакетов")
	}
	return packets, nil
}

// MarshalCompound сериализует пакеты подряд в один compound пакет
func MarshalCompound(packets ...RTCPPacket) ([]byte, error) {
	var buf []byte
	for _, p := range packets {
		data, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// CalculateFractionLost вычисляет долю потерь за интервал отчетности
// согласно RFC 3550 Appendix A.3: (потеряно*256)/ожидалось
func CalculateFractionLost(expected, received uint64) uint8 {
	if expected == 0 || received >= expected {
		return 0
	}
	fraction := (expected - received) * 256 / expected
	if fraction > 255 {
		return 255
	}
	return uint8(fraction)
}

// ntpEpoch - начало эпохи NTP, 1 января 1900
var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// NTPTimestamp конвертирует время в 64-битную NTP метку
func NTPTimestamp(t time.Time) uint64 {
	d := t.Sub(ntpEpoch)
	seconds := uint64(d / time.Second)
	fraction := uint64(d%time.Second) << 32 / uint64(time.Second)
	return seconds<<32 | fraction
}

// NTPTimestampToTime конвертирует NTP метку обратно в time.Time
func NTPTimestampToTime(ntp uint64) time.Time {
	seconds := ntp >> 32
	fraction := ntp & 0xFFFFFFFF
	nanos := fraction * uint64(time.Second) >> 32
	return ntpEpoch.Add(time.Duration(seconds)*time.Second + time.Duration(nanos))
}

// NTPMiddle32 возвращает средние 32 бита NTP метки, используемые в
// полях LSR и DLSR (RFC 3550 Section 6.4.1)
func NTPMiddle32(t time.Time) uint32 {
	return uint32(NTPTimestamp(t) >> 16)
}

// DurationToDLSR конвертирует задержку в единицы 1/65536 секунды
func DurationToDLSR(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d.Seconds() * 65536)
}

// DLSRToDuration конвертирует единицы 1/65536 секунды в time.Duration
func DLSRToDuration(units uint32) time.Duration {
	return time.Duration(uint64(units) * uint64(time.Second) >> 16)
}
