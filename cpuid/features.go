package cpuid

import "fmt"

// The list of CPU features can be found in arch/x86/kvm/cpuid.c [1]
// in Linux. Also in the same file, the relationship between CPU features and
// CPUID functions [2] are defined. The offset in the register is defined in
// arch/x86/include/asm/cpufeatures.h [3].
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L341-L414
// [2] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L427-L513
// [3] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29

// The unified interface which contains all CPU features.
type Feature interface {
	F1Edx | F1Ecx

	fmt.Stringer
}

type (
	F1Edx uint32
	F1Ecx uint32
)

const (
	FPU       F1Edx = 0  /* Onboard FPU */
	VME       F1Edx = 1  /* Virtual Mode Extensions */
	DE        F1Edx = 2  /* Debugging Extensions */
	PSE       F1Edx = 3  /* Page Size Extensions */
	TSC       F1Edx = 4  /* Time Stamp Counter */
	MSR       F1Edx = 5  /* Model-Specific Registers */
	PAE       F1Edx = 6  /* Physical Address Extensions */
	MCE       F1Edx = 7  /* Machine Check Exception */
	CX8       F1Edx = 8  /* CMPXCHG8 instruction */
	APIC      F1Edx = 9  /* Onboard APIC */
	SEP       F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR      F1Edx = 12 /* Memory Type Range Registers */
	PGE       F1Edx = 13 /* Page Global Enable */
	MCA       F1Edx = 14 /* Machine Check Architecture */
	CMOV      F1Edx = 15 /* CMOV instructions (plus FCMOVcc, FCOMI with FPU) */
	PAT       F1Edx = 16 /* Page Attribute Table */
	PSE36     F1Edx = 17 /* 36-bit PSEs */
	PN        F1Edx = 18 /* Processor serial number */
	CLFLUSH   F1Edx = 19 /* CLFLUSH instruction */
	DS        F1Edx = 21 /* "dts" Debug Store */
	ACPI      F1Edx = 22 /* ACPI via MSR */
	MMX       F1Edx = 23 /* Multimedia Extensions */
	FXSR      F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM       F1Edx = 25 /* "sse" */
	XMM2      F1Edx = 26 /* "sse2" */
	SELFSNOOP F1Edx = 27 /* "ss" CPU self snoop */
	HT        F1Edx = 28 /* Hyper-Threading */
	ACC       F1Edx = 29 /* "tm" Automatic clock control */
	IA64      F1Edx = 30 /* IA-64 processor */
	PBE       F1Edx = 31 /* Pending Break Enable */
)

const (
	XMM3    F1Ecx = 0  /* "pni" SSE-3 */
	MWAIT   F1Ecx = 3  /* "monitor" MONITOR/MWAIT */
	VMX     F1Ecx = 5  /* Hardware virtualization */
	SSSE3   F1Ecx = 9  /* Supplemental SSE-3 */
	CX16    F1Ecx = 13 /* CMPXCHG16B */
	PCID    F1Ecx = 17 /* Process Context Identifiers */
	XMM4_1  F1Ecx = 19 /* "sse4_1" SSE-4.1 */
	XMM4_2  F1Ecx = 20 /* "sse4_2" SSE-4.2 */
	X2APIC  F1Ecx = 21 /* x2APIC */
	MOVBE   F1Ecx = 22 /* MOVBE instruction */
	POPCNT  F1Ecx = 23 /* POPCNT instruction */
	AES     F1Ecx = 25 /* AES instructions */
	XSAVE   F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV */
	OSXSAVE F1Ecx = 27 /* XSAVE enabled in the OS */
	AVX     F1Ecx = 28 /* Advanced Vector Extensions */
	RDRAND  F1Ecx = 30 /* RDRAND instruction */
)

var f1EdxNames = map[F1Edx]string{
	FPU: "FPU", VME: "VME", DE: "DE", PSE: "PSE", TSC: "TSC",
	MSR: "MSR", PAE: "PAE", MCE: "MCE", CX8: "CX8", APIC: "APIC",
	SEP: "SEP", MTRR: "MTRR", PGE: "PGE", MCA: "MCA", CMOV: "CMOV",
	PAT: "PAT", PSE36: "PSE36", PN: "PN", CLFLUSH: "CLFLUSH", DS: "DS",
	ACPI: "ACPI", MMX: "MMX", FXSR: "FXSR", XMM: "XMM", XMM2: "XMM2",
	SELFSNOOP: "SELFSNOOP", HT: "HT", ACC: "ACC", IA64: "IA64", PBE: "PBE",
}

var f1EcxNames = map[F1Ecx]string{
	XMM3: "XMM3", MWAIT: "MWAIT", VMX: "VMX", SSSE3: "SSSE3",
	CX16: "CX16", PCID: "PCID", XMM4_1: "XMM4_1", XMM4_2: "XMM4_2",
	X2APIC: "X2APIC", MOVBE: "MOVBE", POPCNT: "POPCNT", AES: "AES",
	XSAVE: "XSAVE", OSXSAVE: "OSXSAVE", AVX: "AVX", RDRAND: "RDRAND",
}

func (f F1Edx) String() string {
	if s, ok := f1EdxNames[f]; ok {
		return s
	}

	return fmt.Sprintf("F1Edx(%d)", uint32(f))
}

func (f F1Ecx) String() string {
	if s, ok := f1EcxNames[f]; ok {
		return s
	}

	return fmt.Sprintf("F1Ecx(%d)", uint32(f))
}

// AllF1Edx and AllF1Ecx list the known features of each register, in bit
// order, for feature reports.
var (
	AllF1Edx = []F1Edx{
		FPU, VME, DE, PSE, TSC, MSR, PAE, MCE, CX8, APIC, SEP, MTRR,
		PGE, MCA, CMOV, PAT, PSE36, PN, CLFLUSH, DS, ACPI, MMX, FXSR,
		XMM, XMM2, SELFSNOOP, HT, ACC, IA64, PBE,
	}

	AllF1Ecx = []F1Ecx{
		XMM3, MWAIT, VMX, SSSE3, CX16, PCID, XMM4_1, XMM4_2, X2APIC,
		MOVBE, POPCNT, AES, XSAVE, OSXSAVE, AVX, RDRAND,
	}
)

// Enabled splits the known features of a register value into the present
// and absent sets.
func Enabled[T Feature](features []T, reg uint32) (enabled, disabled []T) {
	for _, f := range features {
		if reg&(1<<uint32(f)) != 0 {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	return enabled, disabled
}
