package trampoline

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disasm decodes the startup code in 16-bit mode, one line per
// instruction with its load address, stopping before the descriptor
// data. It exists for the machine's debug dump: when a core wedges
// during bring-up this is what it was supposed to run.
func Disasm(base uint64) (string, error) {
	var sb strings.Builder

	code := image[:codeEnd]

	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 16)
		if err != nil {
			return "", fmt.Errorf("decoding at +%#x: %w", pc, err)
		}

		fmt.Fprintf(&sb, "%#08x: %s\n", base+uint64(pc),
			x86asm.GNUSyntax(inst, base+uint64(pc), nil))

		pc += inst.Len
	}

	return sb.String(), nil
}
