package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	TypeLocalAPIC uint8 = 0 + iota
	TypeIOAPIC
	TypeInterruptSourceOverride
)

// LocalAPICEnabled marks a processor as usable in its MADT entry flags.
// Firmware lists disabled sockets with the bit clear.
const LocalAPICEnabled uint32 = 1 << 0

const (
	lapicDefaultBase = 0xfee00000
	madtFixedLen     = headerLen + 8 // header, local APIC address, flags
)

type APIC interface {
	Len() uint8
	ToBytes() ([]byte, error)
}

type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

func NewLocalAPIC(processorID, apicID uint8, enabled bool) *LocalAPIC {
	l := &LocalAPIC{
		Type:        TypeLocalAPIC,
		Length:      8,
		ProcessorID: processorID,
		APICId:      apicID,
	}

	if enabled {
		l.Flags = LocalAPICEnabled
	}

	return l
}

func (l *LocalAPIC) Len() uint8 {
	return l.Length
}

func (l *LocalAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

func NewIOAPIC(id uint8, address, gsiBase uint32) *IOAPIC {
	return &IOAPIC{
		Type:        TypeIOAPIC,
		Length:      12,
		IOAPICID:    id,
		APICAddress: address,
		GSIBase:     gsiBase,
	}
}

func (i *IOAPIC) Len() uint8 {
	return i.Length
}

func (i *IOAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type InterruptSourceOverride struct {
	Type   uint8
	Length uint8
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

func (i *InterruptSourceOverride) Len() uint8 {
	return i.Length
}

func (i *InterruptSourceOverride) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MADT is the multiple APIC description table. The interrupt controller
// records follow eight fixed bytes after the common header.
type MADT struct {
	Header
	LocalAPICAddress uint32
	Flags            uint32
	APICS            []APIC
}

func NewMADT(oemID, oemTableID string) *MADT {
	return &MADT{
		Header:           newHeader(SigAPIC, madtFixedLen, 3, oemID, oemTableID),
		LocalAPICAddress: lapicDefaultBase,
	}
}

func (m *MADT) AddAPIC(apic APIC) {
	m.APICS = append(m.APICS, apic)
}

// LocalAPICs returns the processor records, in table order.
func (m *MADT) LocalAPICs() []*LocalAPIC {
	var lapics []*LocalAPIC

	for _, apic := range m.APICS {
		if l, ok := apic.(*LocalAPIC); ok {
			lapics = append(lapics, l)
		}
	}

	return lapics
}

// ToBytes serializes the table, fixing up Length and Checksum first.
func (m *MADT) ToBytes() ([]byte, error) {
	length := uint32(madtFixedLen)
	for _, apic := range m.APICS {
		length += uint32(apic.Len())
	}

	m.Header.Length = length
	m.Header.Checksum = 0

	data, err := m.toBytes()
	if err != nil {
		return nil, err
	}

	m.Header.Checksum = checksum8(data)
	data[9] = m.Header.Checksum

	return data, nil
}

func (m *MADT) toBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, m.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.LocalAPICAddress); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.Flags); err != nil {
		return nil, err
	}

	for _, apic := range m.APICS {
		data, err := apic.ToBytes()
		if err != nil {
			return nil, err
		}

		if _, err := buf.Write(data); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// ParseMADT decodes a serialized table, validating the signature and
// checksum. Records of unknown type are skipped by their length field.
func ParseMADT(data []byte) (*MADT, error) {
	h, err := parseHeader(data, SigAPIC)
	if err != nil {
		return nil, fmt.Errorf("madt: %w", err)
	}

	if h.Length < madtFixedLen {
		return nil, fmt.Errorf("madt length %d: %w", h.Length, errTruncated)
	}

	m := &MADT{
		Header:           h,
		LocalAPICAddress: binary.LittleEndian.Uint32(data[headerLen:]),
		Flags:            binary.LittleEndian.Uint32(data[headerLen+4:]),
	}

	body := data[madtFixedLen:h.Length]

	for len(body) > 0 {
		if len(body) < 2 {
			return nil, fmt.Errorf("madt record: %w", errTruncated)
		}

		typ, length := body[0], int(body[1])
		if length < 2 || length > len(body) {
			return nil, fmt.Errorf("madt record type %d length %d: %w",
				typ, length, errTruncated)
		}

		record := body[:length]

		switch typ {
		case TypeLocalAPIC:
			l := &LocalAPIC{}
			if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, l); err != nil {
				return nil, err
			}

			m.APICS = append(m.APICS, l)
		case TypeIOAPIC:
			io := &IOAPIC{}
			if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, io); err != nil {
				return nil, err
			}

			m.APICS = append(m.APICS, io)
		case TypeInterruptSourceOverride:
			iso := &InterruptSourceOverride{}
			if err := binary.Read(bytes.NewReader(record), binary.LittleEndian, iso); err != nil {
				return nil, err
			}

			m.APICS = append(m.APICS, iso)
		}

		body = body[length:]
	}

	return m, nil
}
