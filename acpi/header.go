package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const headerLen = 36

var (
	errTruncated   = errors.New("acpi table shorter than its length field")
	errBadChecksum = errors.New("acpi table checksum mismatch")
	errBadSig      = errors.New("acpi table signature mismatch")
)

type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

func convertOEMID(oemID string) [6]byte {
	var id [6]byte

	for i := 0; i < 6; i++ {
		id[i] = oemID[i]
	}

	return id
}

func convertOEMTableID(oemTableID string) [8]byte {
	var id [8]byte

	for i := 0; i < 8; i++ {
		id[i] = oemTableID[i]
	}

	return id
}

func convertCreatorID(creatorID string) [4]byte {
	var id [4]byte

	for i := 0; i < 4; i++ {
		id[i] = creatorID[i]
	}

	return id
}

func newHeader(sig Signature, length uint32, rev uint8, oemID, oemTableID string) Header {
	creatorID := "GACT" // Go ACPI Tables.

	oid := convertOEMID(oemID)
	otid := convertOEMTableID(oemTableID)
	cid := convertCreatorID(creatorID)

	return Header{
		Signature:  sig.ToBytes(),
		Length:     length,
		Rev:        rev,
		OEMId:      oid,
		OEMTableID: otid,
		CreatorID:  cid,
		CreatorRev: 1,
	}
}

// checksum8 returns the value that makes the byte sum of data zero
// modulo 256.
func checksum8(data []byte) uint8 {
	var sum uint8

	for _, b := range data {
		sum += b
	}

	return -sum
}

func verifyChecksum(data []byte) bool {
	var sum uint8

	for _, b := range data {
		sum += b
	}

	return sum == 0
}

// parseHeader decodes and validates one table header against the raw
// bytes it was read from. data must hold the full table so the checksum
// over Length bytes can be verified.
func parseHeader(data []byte, want Signature) (Header, error) {
	var h Header

	if len(data) < headerLen {
		return h, fmt.Errorf("header: %w", errTruncated)
	}

	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}

	if want != "" && h.Signature != want.ToBytes() {
		return h, fmt.Errorf("%q: %w", h.Signature[:], errBadSig)
	}

	if h.Length < headerLen || int(h.Length) > len(data) {
		return h, fmt.Errorf("%q length %d: %w", h.Signature[:], h.Length, errTruncated)
	}

	if !verifyChecksum(data[:h.Length]) {
		return h, fmt.Errorf("%q: %w", h.Signature[:], errBadChecksum)
	}

	return h, nil
}
