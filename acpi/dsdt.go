package acpi

import (
	"bytes"
	"encoding/binary"
)

// dsdtAML is the definition block body, hand-assembled: one \_S5_
// package naming SLP_TYP 5 for soft-off, the least an OS expects to
// find in a DSDT.
//
//	08 5c 5f 53 35 5f    Name(\_S5_,
//	12 07 04             Package(4) {
//	0a 05                  0x05,
//	00 00 00               Zero, Zero, Zero })
var dsdtAML = []byte{
	0x08, 0x5c, 0x5f, 0x53, 0x35, 0x5f,
	0x12, 0x07, 0x04,
	0x0a, 0x05,
	0x00, 0x00, 0x00,
}

// DSDT is the differentiated system description table: a header over
// AML bytecode.
type DSDT struct {
	Header
	AML []byte
}

func NewDSDT(oemID, oemTableID string) *DSDT {
	return &DSDT{
		Header: newHeader(SigDSDT, headerLen, 6, oemID, oemTableID),
		AML:    dsdtAML,
	}
}

// ToBytes serializes the table, fixing up Length and Checksum first.
func (d *DSDT) ToBytes() ([]byte, error) {
	d.Header.Length = uint32(headerLen + len(d.AML))
	d.Header.Checksum = 0

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, d.Header); err != nil {
		return nil, err
	}

	if _, err := buf.Write(d.AML); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	d.Header.Checksum = checksum8(data)
	data[9] = d.Header.Checksum

	return data, nil
}
