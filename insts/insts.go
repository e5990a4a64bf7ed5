// Package insts provides x86 macro-op decoding and micro-op cracking.
//
// This package decodes x86 machine code with golang.org/x/arch/x86/x86asm and
// cracks every instruction into a flow of micro-op templates that the timing
// model allocates, executes, and commits. It covers:
//   - Register and memory ALU forms, including load-op and read-modify-write
//   - Stack operations: PUSH, POP, CALL, RET
//   - Direct, indirect, and conditional branches
//   - String operations with and without a REP prefix
//   - Microcoded instructions (CPUID, RDTSC, ENTER, ...)
//   - Traps and serializing instructions
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	inst, err := decoder.Decode(0x401000, []byte{0x01, 0xc3}) // add ebx, eax
//	fmt.Printf("Op: %s, uops: %d\n", inst.Op, len(inst.Flow))
package insts

import "golang.org/x/arch/x86/x86asm"

// Reg names an architectural register tracked by the dependency map.
//
// General purpose registers are canonicalized to their 64-bit x86asm name so
// that AL, AX, EAX and RAX all alias. Values above the x86asm range are
// pseudo registers.
type Reg uint16

// Pseudo registers.
const (
	RegNone Reg = 0

	RegFlags Reg = 0x100 + iota
	// RegTmp0 links a load to the operation consuming it inside one flow.
	RegTmp0
	// RegTmp1 links an operation to the store data uop inside one flow.
	RegTmp1
)

// IsInt reports whether r is an integer register.
func (r Reg) IsInt() bool {
	return r >= Reg(x86asm.RAX) && r <= Reg(x86asm.R15)
}

// IsFP reports whether r is an x87, MMX, or XMM register.
func (r Reg) IsFP() bool {
	return (r >= Reg(x86asm.F0) && r <= Reg(x86asm.M7)) ||
		(r >= Reg(x86asm.X0) && r <= Reg(x86asm.X15))
}

// String returns the register name.
func (r Reg) String() string {
	switch r {
	case RegNone:
		return "-"
	case RegFlags:
		return "FLAGS"
	case RegTmp0:
		return "TMP0"
	case RegTmp1:
		return "TMP1"
	}

	if r < 0x100 {
		return x86asm.Reg(r).String()
	}

	return "?"
}

// Class identifies the functional unit a micro-op executes on.
type Class uint8

// Micro-op classes.
const (
	ClassNop Class = iota
	ClassALU
	ClassMul
	ClassDiv
	ClassFP
	ClassLoad
	ClassSTA
	ClassSTD
	ClassBranch
	ClassMicrocode
	NumClasses
)

var classNames = [NumClasses]string{
	"nop", "alu", "mul", "div", "fp", "load", "sta", "std", "branch", "ucode",
}

// String returns the class name.
func (c Class) String() string {
	if c < NumClasses {
		return classNames[c]
	}

	return "unknown"
}

// Uop slots.
const (
	MaxIdeps = 3
	MaxOdeps = 2
)

// UopTemplate describes one micro-op of a cracked flow.
type UopTemplate struct {
	Class  Class
	IsLoad bool
	IsSTA  bool
	IsSTD  bool
	IsCtrl bool

	Idep [MaxIdeps]Reg
	Odep [MaxOdeps]Reg

	// MemSlot is the index of the memory access this uop uses in the
	// instruction's access list, or -1.
	MemSlot int

	// FuseNext is set when the next uop of the flow fuses with this one.
	FuseNext bool
}

// OpFlags carries the control and ordering attributes of an instruction.
type OpFlags struct {
	Ctrl      bool
	Cond      bool
	Uncond    bool
	Call      bool
	Ret       bool
	Indir     bool
	Trap      bool
	Serialize bool
}

// Instruction is a decoded x86 macro-op and its micro-op flow.
type Instruction struct {
	PC  uint64
	Len int
	Op  string

	Flags  OpFlags
	HasRep bool

	// Target is the direct branch target when TargetKnown is set.
	Target      uint64
	TargetKnown bool

	// Microcoded is set when the flow comes from the microcode ROM
	// regardless of its length.
	Microcoded bool

	Flow []UopTemplate
}

// NumMemSlots returns how many memory accesses the flow consumes.
func (i *Instruction) NumMemSlots() int {
	n := 0
	for _, u := range i.Flow {
		if u.MemSlot+1 > n {
			n = u.MemSlot + 1
		}
	}

	return n
}
