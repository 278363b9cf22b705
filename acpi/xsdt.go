package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// XSDT is the extended system description table: a header followed by
// 64-bit physical addresses of the other tables.
type XSDT struct {
	Header
	Entries []uint64
}

func NewXSDT(oemID, oemTableID string) *XSDT {
	return &XSDT{Header: newHeader(SigXSDT, headerLen, 1, oemID, oemTableID)}
}

func (x *XSDT) AddEntry(entry uint64) {
	x.Entries = append(x.Entries, entry)
}

// ToBytes serializes the table, fixing up Length and Checksum first.
func (x *XSDT) ToBytes() ([]byte, error) {
	x.Header.Length = headerLen + uint32(8*len(x.Entries))
	x.Header.Checksum = 0

	data, err := x.toBytes()
	if err != nil {
		return nil, err
	}

	x.Header.Checksum = checksum8(data)
	data[9] = x.Header.Checksum

	return data, nil
}

func (x *XSDT) toBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, x.Header); err != nil {
		return nil, err
	}

	for _, addr := range x.Entries {
		if err := binary.Write(&buf, binary.LittleEndian, addr); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// ParseXSDT decodes a serialized table, validating the signature and
// checksum.
func ParseXSDT(data []byte) (*XSDT, error) {
	h, err := parseHeader(data, SigXSDT)
	if err != nil {
		return nil, fmt.Errorf("xsdt: %w", err)
	}

	if (h.Length-headerLen)%8 != 0 {
		return nil, fmt.Errorf("xsdt length %d: %w", h.Length, errTruncated)
	}

	x := &XSDT{Header: h}

	for off := uint32(headerLen); off < h.Length; off += 8 {
		x.Entries = append(x.Entries, binary.LittleEndian.Uint64(data[off:]))
	}

	return x, nil
}
