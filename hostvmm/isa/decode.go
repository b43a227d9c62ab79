// Package isa decodes the small slice of the RV32I/RV64I encoding the
// guest-page-fault path needs: enough to recognize a load or store and
// extract its width, destination/source register, and byte length.
package isa

import "fmt"

// Opcode is a decoded instruction's operation.
type Opcode int

const (
	OpUnknown Opcode = iota
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
)

// Instruction is a decoded load or store, the only classes the PLIC access
// emulator needs to act on.
type Instruction struct {
	Op     Opcode
	Rd     uint32 // valid for loads
	Rs1    uint32 // base register
	Rs2    uint32 // valid for stores (value source)
	Imm    int32
	Length uint32 // 2 for a compressed encoding, 4 otherwise
}

// IsLoad reports whether the instruction is one of the load opcodes.
func (i Instruction) IsLoad() bool {
	switch i.Op {
	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU:
		return true
	}
	return false
}

// IsStore reports whether the instruction is one of the store opcodes.
func (i Instruction) IsStore() bool {
	switch i.Op {
	case OpSB, OpSH, OpSW, OpSD:
		return true
	}
	return false
}

const (
	opcodeLoad  = 0b0000011
	opcodeStore = 0b0100011
	opcodeCMask = 0b11 // low two bits of a 16-bit compressed instruction's first halfword
)

// Decode reads a 2- or 4-byte instruction starting at data[0] and classifies
// it, reporting the RV32I/RV64I load/store it names. Compressed (16-bit)
// loads/stores are not decoded; Decode reports OpUnknown with Length=2 for
// any compressed encoding.
func Decode(data []byte) (Instruction, error) {
	if len(data) < 2 {
		return Instruction{}, fmt.Errorf("isa: need at least 2 bytes to decode, got %d", len(data))
	}
	low16 := uint32(data[0]) | uint32(data[1])<<8
	if low16&opcodeCMask != 0b11 {
		return Instruction{Op: OpUnknown, Length: 2}, nil
	}
	if len(data) < 4 {
		return Instruction{}, fmt.Errorf("isa: need 4 bytes to decode a non-compressed instruction")
	}
	word := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return decode32(word)
}

// DecodeWord classifies an instruction word supplied directly by htinst
// rather than fetched from guest memory. htinst can carry either a
// compressed or standard-width instruction, so the low bits of the word are
// checked for the compressed marker exactly as Decode does for raw bytes
// before any 32-bit field extraction is trusted.
func DecodeWord(word uint32) (Instruction, error) {
	if uint32(uint16(word))&opcodeCMask != 0b11 {
		return Instruction{Op: OpUnknown, Length: 2}, nil
	}
	return decode32(word)
}

func decode32(word uint32) (Instruction, error) {
	opcode := word & 0x7f
	rd := (word >> 7) & 0x1f
	funct3 := (word >> 12) & 0x7
	rs1 := (word >> 15) & 0x1f
	rs2 := (word >> 20) & 0x1f

	switch opcode {
	case opcodeLoad:
		imm := int32(word) >> 20
		op, ok := loadOpcode(funct3)
		if !ok {
			return Instruction{}, fmt.Errorf("isa: unrecognized load funct3 %#x", funct3)
		}
		return Instruction{Op: op, Rd: rd, Rs1: rs1, Imm: imm, Length: 4}, nil
	case opcodeStore:
		immLo := (word >> 7) & 0x1f
		immHi := (word >> 25) & 0x7f
		imm := int32(int32(immHi<<5|immLo) << 20 >> 20)
		op, ok := storeOpcode(funct3)
		if !ok {
			return Instruction{}, fmt.Errorf("isa: unrecognized store funct3 %#x", funct3)
		}
		return Instruction{Op: op, Rs1: rs1, Rs2: rs2, Imm: imm, Length: 4}, nil
	default:
		return Instruction{Op: OpUnknown, Length: 4}, nil
	}
}

func loadOpcode(funct3 uint32) (Opcode, bool) {
	switch funct3 {
	case 0b000:
		return OpLB, true
	case 0b001:
		return OpLH, true
	case 0b010:
		return OpLW, true
	case 0b011:
		return OpLD, true
	case 0b100:
		return OpLBU, true
	case 0b101:
		return OpLHU, true
	case 0b110:
		return OpLWU, true
	default:
		return OpUnknown, false
	}
}

func storeOpcode(funct3 uint32) (Opcode, bool) {
	switch funct3 {
	case 0b000:
		return OpSB, true
	case 0b001:
		return OpSH, true
	case 0b010:
		return OpSW, true
	case 0b011:
		return OpSD, true
	default:
		return OpUnknown, false
	}
}
