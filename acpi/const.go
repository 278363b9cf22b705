package acpi

// Signature is the four-character table identifier in every ACPI
// header. Note the MADT signature is "APIC", not "MADT".
type Signature string

func (s Signature) ToBytes() [4]byte {
	var ret [4]byte

	for i := 0; i < 4; i++ {
		ret[i] = s[i]
	}

	return ret
}

const (
	SigAPIC Signature = "APIC"
	SigDSDT Signature = "DSDT"
	SigFACP Signature = "FACP"
	SigRSDT Signature = "RSDT"
	SigXSDT Signature = "XSDT"
)
