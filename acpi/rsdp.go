package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	rsdpSignature = "RSD PTR "
	rsdpLen       = 36
	rsdpV1Len     = 20
)

var ErrNoRSDP = errors.New("no RSDP in scan region")

// RSDP is the root system description pointer. Firmware places it on a
// 16-byte boundary in the BIOS read-only region so the OS can find the
// table graph by scanning.
type RSDP struct {
	Signature   [8]byte
	Checksum    uint8
	OEMId       [6]byte
	Revision    uint8
	RSDTAddress uint32
	Length      uint32
	XSDTAddress uint64
	ExtChecksum uint8
	_           [3]byte
}

func NewRSDP(oemID string, xsdtAddr uint64) RSDP {
	var sig [8]byte

	copy(sig[:], rsdpSignature)

	return RSDP{
		Signature:   sig,
		OEMId:       convertOEMID(oemID),
		Revision:    2,
		Length:      rsdpLen,
		XSDTAddress: xsdtAddr,
	}
}

// ToBytes serializes the pointer with both checksums folded in: the
// first covers the 20 ACPI 1.0 bytes, the second the whole structure.
func (r *RSDP) ToBytes() ([]byte, error) {
	r.Checksum = 0
	r.ExtChecksum = 0

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	data := buf.Bytes()

	r.Checksum = checksum8(data[:rsdpV1Len])
	data[8] = r.Checksum

	r.ExtChecksum = checksum8(data)
	data[32] = r.ExtChecksum

	return data, nil
}

// FindRSDP scans region on 16-byte boundaries for a pointer with valid
// checksums. It returns the pointer and its offset within the region.
func FindRSDP(region []byte) (RSDP, int, error) {
	for off := 0; off+rsdpLen <= len(region); off += 16 {
		if string(region[off:off+8]) != rsdpSignature {
			continue
		}

		if !verifyChecksum(region[off : off+rsdpV1Len]) {
			continue
		}

		var r RSDP

		rd := bytes.NewReader(region[off : off+rsdpLen])
		if err := binary.Read(rd, binary.LittleEndian, &r); err != nil {
			return RSDP{}, 0, err
		}

		if r.Revision >= 2 && !verifyChecksum(region[off:off+rsdpLen]) {
			return RSDP{}, 0, fmt.Errorf("offset 0x%x: extended %w",
				off, errBadChecksum)
		}

		return r, off, nil
	}

	return RSDP{}, 0, ErrNoRSDP
}
