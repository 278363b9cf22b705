package acpi

import (
	"bytes"
	"encoding/binary"
)

// Fixed feature flags. Only the ones the builder sets are named.
const (
	FADTWBINVD uint32 = 1 << iota
	FADTWBINVDFlush
	FADTProcC1
)

const fadtLen = 276

// FADT is the fixed ACPI description table, revision 6 layout. Most
// register block fields stay zero: the machine has no SMI handler and
// no PM register blocks, so the table mainly anchors the DSDT.
type FADT struct {
	Header
	FirmwareCtrl  uint32
	DSDTAddr      uint32
	_             uint8
	PrefPMProfile uint8
	SCIInt        uint16
	SMICmd        uint32
	ACPIEnable    uint8
	ACPIDisable   uint8
	S4BIOSReq     uint8
	PStateCnt     uint8
	PM1aEvtBlk    uint32
	PM1bEvtBlk    uint32
	PM1aCntBlk    uint32
	PM1bCntBlk    uint32
	PM2CntBlk     uint32
	PMTmrBlk      uint32
	GPE0Blk       uint32
	GPE1Blk       uint32
	PM1EvtLen     uint8
	PM1CntLen     uint8
	PM2CntLen     uint8
	PMTmrLen      uint8
	GPE0BlkLen    uint8
	GPE1BlkLen    uint8
	GPE1Base      uint8
	CstCnt        uint8
	PLvl2Lat      uint16
	PLvl3Lat      uint16
	FlushSize     uint16
	FlushStride   uint16
	DutyOffset    uint8
	DutyWidth     uint8
	DayAlarm      uint8
	MonAlarm      uint8
	Century       uint8
	IAPCBootArch  uint16
	_             uint8
	Flags         uint32
	ResetReg      [12]uint8
	ResetValue    uint8
	ARMBootArch   uint16
	MinorVersion  uint8
	XFirmwareCtrl uint64
	XDSDT         uint64
	XPM1aEvtBlk   [12]uint8
	XPM1bEvtBlk   [12]uint8
	XPM1aCntBlk   [12]uint8
	XPM1bCntBlk   [12]uint8
	XPM2CntBlk    [12]uint8
	XPMTmrBlk     [12]uint8
	XGPE0Blk      [12]uint8
	XGPE1Blk      [12]uint8
	SleepCtlReg   [12]uint8
	SleepStatReg  [12]uint8
	HypervisorID  [8]uint8
}

// NewFADT builds the fixed description table pointing at the DSDT at
// dsdt. Real firmware lists this table first in the XSDT; a topology
// parser walking the entries has to step over it to reach the MADT.
func NewFADT(oemID, oemTableID string, dsdt uint64) *FADT {
	return &FADT{
		Header:       newHeader(SigFACP, fadtLen, 6, oemID, oemTableID),
		SCIInt:       9,
		PLvl2Lat:     0xffff, // C2 not supported
		PLvl3Lat:     0xffff, // C3 not supported
		Flags:        FADTWBINVD | FADTProcC1,
		MinorVersion: 3,
		DSDTAddr:     uint32(dsdt),
		XDSDT:        dsdt,
	}
}

// ToBytes serializes the table, fixing up the Checksum first.
func (f *FADT) ToBytes() ([]byte, error) {
	f.Header.Checksum = 0

	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	f.Header.Checksum = checksum8(data)
	data[9] = f.Header.Checksum

	return data, nil
}
