package ebda

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	mpcSignature = ('P' << 24) | ('M' << 16) | ('C' << 8) | 'P'
	mpcHeaderLen = 44

	TypeProcessor uint8 = 0

	// CPUFlag bits of a processor entry.
	CPUEnabled   uint8 = 1 << 0
	CPUBootstrap uint8 = 1 << 1
)

// MPCTable is the MP configuration table header. Entries follow it
// directly; OEMCount is the number of entries, not bytes.
// https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L37-L50
type MPCTable struct {
	Signature uint32
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]byte
	ProductID [12]byte
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPICAddr uint32
	_         uint32
}

// MPCCpu is one processor entry.
// https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L52-L61
type MPCCpu struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	_           [2]uint32
}

func NewMPCCpu(apicID uint8, bootstrap bool) *MPCCpu {
	c := &MPCCpu{
		Type:    TypeProcessor,
		APICID:  apicID,
		APICVer: 0x14,
		CPUFlag: CPUEnabled,
	}

	if bootstrap {
		c.CPUFlag |= CPUBootstrap
	}

	return c
}

// MPConfig pairs the table header with its processor entries.
type MPConfig struct {
	MPCTable
	CPUs []MPCCpu
}

func NewMPConfig(oem string, lapicAddr uint32) *MPConfig {
	m := &MPConfig{}
	m.Signature = mpcSignature
	m.Spec = 4
	m.LAPICAddr = lapicAddr
	copy(m.OEM[:], oem)

	return m
}

func (m *MPConfig) AddCPU(c *MPCCpu) {
	m.CPUs = append(m.CPUs, *c)
}

// Bytes serializes the table, fixing up Length, OEMCount and CheckSum
// first.
func (m *MPConfig) Bytes() ([]byte, error) {
	m.Length = uint16(mpcHeaderLen + 20*len(m.CPUs))
	m.OEMCount = uint16(len(m.CPUs))
	m.CheckSum = 0

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m.MPCTable); err != nil {
		return []byte{}, err
	}

	for i := range m.CPUs {
		if err := binary.Write(buf, binary.LittleEndian, &m.CPUs[i]); err != nil {
			return []byte{}, err
		}
	}

	data := buf.Bytes()

	var sum uint8
	for _, b := range data {
		sum += b
	}

	m.CheckSum = -sum
	data[7] = m.CheckSum

	return data, nil
}

// ParseMPC decodes a configuration table, validating the signature and
// checksum. Only processor entries are decoded; nothing else is needed
// to enumerate a machine.
func ParseMPC(data []byte) (*MPConfig, error) {
	if len(data) < mpcHeaderLen {
		return nil, fmt.Errorf("mpc: %w", errTruncated)
	}

	if binary.LittleEndian.Uint32(data) != mpcSignature {
		return nil, fmt.Errorf("mpc: %w", errBadSig)
	}

	length := binary.LittleEndian.Uint16(data[4:])
	if int(length) > len(data) || length < mpcHeaderLen {
		return nil, fmt.Errorf("mpc length %d: %w", length, errTruncated)
	}

	var sum uint8
	for _, b := range data[:length] {
		sum += b
	}

	if sum != 0 {
		return nil, fmt.Errorf("mpc: %w", errBadChecksum)
	}

	m := &MPConfig{}

	rd := bytes.NewReader(data[:mpcHeaderLen])
	if err := binary.Read(rd, binary.LittleEndian, &m.MPCTable); err != nil {
		return nil, err
	}

	body := data[mpcHeaderLen:length]

	for i := uint16(0); i < m.OEMCount && len(body) > 0; i++ {
		// Only type 0 entries are 20 bytes; the other MP entry
		// kinds are 8.
		if body[0] != TypeProcessor {
			if len(body) < 8 {
				return nil, fmt.Errorf("mpc entry %d: %w", i, errTruncated)
			}

			body = body[8:]

			continue
		}

		if len(body) < 20 {
			return nil, fmt.Errorf("mpc entry %d: %w", i, errTruncated)
		}

		var c MPCCpu

		rd := bytes.NewReader(body[:20])
		if err := binary.Read(rd, binary.LittleEndian, &c); err != nil {
			return nil, err
		}

		m.CPUs = append(m.CPUs, c)
		body = body[20:]
	}

	return m, nil
}

// EnabledAPICIDs returns the APIC IDs of the usable processors, in
// table order.
func (m *MPConfig) EnabledAPICIDs() []uint32 {
	var ids []uint32

	for i := range m.CPUs {
		if m.CPUs[i].CPUFlag&CPUEnabled != 0 {
			ids = append(ids, uint32(m.CPUs[i].APICID))
		}
	}

	return ids
}
