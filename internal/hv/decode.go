package hv

// Narrow RV64 field extraction and opcode recognition, scoped to exactly
// the instructions the trap dispatcher needs to decode at a faulting
// sepc: CSR ops, sret, sfence.vma, and the load/store forms used for MMIO
// emulation.
const (
	opLoad   = 0b0000011
	opStore  = 0b0100011
	opSystem = 0b1110011
)

func decOpcode(insn uint32) uint32 { return insn & 0x7f }
func decRd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func decFunct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func decRs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func decRs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func decCSR(insn uint32) uint32    { return insn >> 20 }

func signExtend(v uint64, bits int) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func decImmI(insn uint32) int64 {
	return signExtend(uint64(insn>>20), 12)
}

func decImmS(insn uint32) int64 {
	imm := (insn >> 7) & 0x1f
	imm |= ((insn >> 25) & 0x7f) << 5
	return signExtend(uint64(imm), 12)
}

// LoadStoreWidth enumerates the memory access widths the MMIO emulator
// performs, with a Signed flag for the narrow loads.
type LoadStoreWidth struct {
	Size   int
	Signed bool
}

var loadWidths = map[uint32]LoadStoreWidth{
	0b000: {Size: 1, Signed: true},  // LB
	0b001: {Size: 2, Signed: true},  // LH
	0b010: {Size: 4, Signed: true},  // LW
	0b011: {Size: 8, Signed: false}, // LD
	0b100: {Size: 1, Signed: false}, // LBU
	0b101: {Size: 2, Signed: false}, // LHU
	0b110: {Size: 4, Signed: false}, // LWU
}

var storeWidths = map[uint32]int{
	0b000: 1, // SB
	0b001: 2, // SH
	0b010: 4, // SW
	0b011: 8, // SD
}

// DecodedLoad is a decoded load instruction targeting an MMIO address.
type DecodedLoad struct {
	Rd    uint32
	Rs1   uint32
	Imm   int64
	Width LoadStoreWidth
}

// DecodedStore is a decoded store instruction targeting an MMIO address.
type DecodedStore struct {
	Rs1  uint32
	Rs2  uint32
	Imm  int64
	Size int
}

// DecodeLoad recognizes an I-type load or a quadrant-0 C.LW/C.LD; ok is
// false for anything else.
func DecodeLoad(insn uint32) (DecodedLoad, bool) {
	if isCompressedInsn(insn) {
		return decodeCLoad(insn)
	}
	if decOpcode(insn) != opLoad {
		return DecodedLoad{}, false
	}
	width, ok := loadWidths[decFunct3(insn)]
	if !ok {
		return DecodedLoad{}, false
	}
	return DecodedLoad{Rd: decRd(insn), Rs1: decRs1(insn), Imm: decImmI(insn), Width: width}, true
}

// DecodeStore recognizes an S-type store or a quadrant-0 C.SW/C.SD; ok is
// false for anything else.
func DecodeStore(insn uint32) (DecodedStore, bool) {
	if isCompressedInsn(insn) {
		return decodeCStore(insn)
	}
	if decOpcode(insn) != opStore {
		return DecodedStore{}, false
	}
	size, ok := storeWidths[decFunct3(insn)]
	if !ok {
		return DecodedStore{}, false
	}
	return DecodedStore{Rs1: decRs1(insn), Rs2: decRs2(insn), Imm: decImmS(insn), Size: size}, true
}

// isCompressedInsn reports whether insn (as returned by Bus.FetchInstruction)
// holds a 16-bit RVC encoding rather than a full 32-bit one: RISC-V marks a
// 32-bit instruction by the low two bits of the first halfword both being
// set, so anything else is compressed.
func isCompressedInsn(insn uint32) bool {
	return insn&0x3 != 0x3
}

// decCQuadrant0Reg extracts a 3-bit compressed register field (rs1'/rd'/rs2',
// bits [n+2:n]) and maps it into the x8-x15 window RVC's quadrant-0
// load/store forms are restricted to.
func decCQuadrant0Reg(insn uint32, shift uint) uint32 {
	return ((insn >> shift) & 0x7) + 8
}

func decCFunct3(insn uint32) uint32 { return (insn >> 13) & 0x7 }

// decodeCLoad recognizes quadrant-0 C.LW and C.LD; both use the CL format
// with rs1'/rd' in bits [9:7]/[4:2].
func decodeCLoad(insn uint32) (DecodedLoad, bool) {
	if insn&0x3 != 0b00 {
		return DecodedLoad{}, false
	}
	rs1 := decCQuadrant0Reg(insn, 7)
	rd := decCQuadrant0Reg(insn, 2)

	switch decCFunct3(insn) {
	case 0b010: // C.LW
		imm6 := (insn >> 5) & 0x1
		imm2 := (insn >> 6) & 0x1
		imm53 := (insn >> 10) & 0x7
		offset := (imm6 << 6) | (imm53 << 3) | (imm2 << 2)
		return DecodedLoad{Rd: rd, Rs1: rs1, Imm: int64(offset), Width: LoadStoreWidth{Size: 4, Signed: true}}, true
	case 0b011: // C.LD
		imm76 := (insn >> 5) & 0x3
		imm53 := (insn >> 10) & 0x7
		offset := (imm76 << 6) | (imm53 << 3)
		return DecodedLoad{Rd: rd, Rs1: rs1, Imm: int64(offset), Width: LoadStoreWidth{Size: 8, Signed: false}}, true
	default:
		return DecodedLoad{}, false
	}
}

// decodeCStore recognizes quadrant-0 C.SW and C.SD; both use the CS format
// with rs1'/rs2' in bits [9:7]/[4:2].
func decodeCStore(insn uint32) (DecodedStore, bool) {
	if insn&0x3 != 0b00 {
		return DecodedStore{}, false
	}
	rs1 := decCQuadrant0Reg(insn, 7)
	rs2 := decCQuadrant0Reg(insn, 2)

	switch decCFunct3(insn) {
	case 0b110: // C.SW
		imm6 := (insn >> 5) & 0x1
		imm2 := (insn >> 6) & 0x1
		imm53 := (insn >> 10) & 0x7
		offset := (imm6 << 6) | (imm53 << 3) | (imm2 << 2)
		return DecodedStore{Rs1: rs1, Rs2: rs2, Imm: int64(offset), Size: 4}, true
	case 0b111: // C.SD
		imm76 := (insn >> 5) & 0x3
		imm53 := (insn >> 10) & 0x7
		offset := (imm76 << 6) | (imm53 << 3)
		return DecodedStore{Rs1: rs1, Rs2: rs2, Imm: int64(offset), Size: 8}, true
	default:
		return DecodedStore{}, false
	}
}

// PrivilegedOp classifies a SYSTEM-opcode instruction recognized by the
// illegal-instruction emulation table.
type PrivilegedOp int

const (
	OpNone PrivilegedOp = iota
	OpSret
	OpSfenceVMA
	OpEcall
	OpCSRRW
	OpCSRRS
	OpCSRRC
)

// DecodedCSR carries the fields a CSR read-modify-write needs.
type DecodedCSR struct {
	Rd        uint32
	CSR       uint32
	Value     uint64 // rs1's register value, or the zero-extended rs1 field for the immediate forms
	IsImm     bool
	SkipWrite bool // csrrs/csrrc with rs1==0 (or the immediate field ==0) must not perform the write half
}

const (
	sretEncoding       = 0x10200073
	sfenceVMAEncoding7 = 0b0001001 // bits [31:25] of an SFENCE.VMA
	ecallEncoding      = 0x00000073
)

// DecodePrivileged classifies a SYSTEM instruction and, for the CSR forms,
// extracts the fields needed to perform the read-modify-write.
func DecodePrivileged(insn uint32, gpr func(uint32) uint64) (PrivilegedOp, DecodedCSR) {
	if decOpcode(insn) != opSystem {
		return OpNone, DecodedCSR{}
	}

	f3 := decFunct3(insn)
	if f3 == 0 {
		switch insn {
		case ecallEncoding:
			return OpEcall, DecodedCSR{}
		case sretEncoding:
			return OpSret, DecodedCSR{}
		default:
			if insn>>25 == sfenceVMAEncoding7 {
				return OpSfenceVMA, DecodedCSR{}
			}
			return OpNone, DecodedCSR{}
		}
	}

	rs1 := decRs1(insn)
	isImm := f3 >= 5
	var value uint64
	if isImm {
		value = uint64(rs1)
	} else {
		value = gpr(rs1)
	}

	dc := DecodedCSR{Rd: decRd(insn), CSR: decCSR(insn), Value: value, IsImm: isImm, SkipWrite: rs1 == 0}

	switch f3 & 3 {
	case 1:
		return OpCSRRW, dc
	case 2:
		return OpCSRRS, dc
	case 3:
		return OpCSRRC, dc
	default:
		return OpNone, DecodedCSR{}
	}
}
