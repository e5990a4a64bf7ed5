package insts

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var condJumps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JG: true, x86asm.JGE: true,
	x86asm.JL: true, x86asm.JLE: true, x86asm.JO: true, x86asm.JNO: true,
	x86asm.JP: true, x86asm.JNP: true, x86asm.JS: true, x86asm.JNS: true,
}

var traps = map[x86asm.Op]bool{
	x86asm.INT:      true,
	x86asm.INTO:     true,
	x86asm.SYSCALL:  true,
	x86asm.SYSENTER: true,
	x86asm.UD1:      true,
	x86asm.UD2:      true,
	x86asm.HLT:      true,
}

// Serializing instructions drain and restart the pipeline after commit.
var serializing = map[x86asm.Op]bool{
	x86asm.CPUID:  true,
	x86asm.MFENCE: true,
	x86asm.LFENCE: true,
}

type ucodeFlow struct {
	uops   int
	reads  []Reg
	writes []Reg
}

var (
	rax = Reg(x86asm.RAX)
	rbx = Reg(x86asm.RBX)
	rcx = Reg(x86asm.RCX)
	rdx = Reg(x86asm.RDX)
	rsp = Reg(x86asm.RSP)
	rbp = Reg(x86asm.RBP)
)

// microcode lists the instructions sequenced from the microcode ROM.
var microcode = map[x86asm.Op]ucodeFlow{
	x86asm.CPUID:   {uops: 24, reads: []Reg{rax, rcx}, writes: []Reg{rax, rbx, rcx, rdx}},
	x86asm.RDTSC:   {uops: 15, writes: []Reg{rax, rdx}},
	x86asm.RDTSCP:  {uops: 18, writes: []Reg{rax, rcx, rdx}},
	x86asm.ENTER:   {uops: 12, reads: []Reg{rsp, rbp}, writes: []Reg{rsp, rbp}},
	x86asm.LEAVE:   {uops: 3, reads: []Reg{rbp}, writes: []Reg{rsp, rbp}},
	x86asm.PUSHF:   {uops: 4, reads: []Reg{rsp, RegFlags}, writes: []Reg{rsp}},
	x86asm.PUSHFQ:  {uops: 4, reads: []Reg{rsp, RegFlags}, writes: []Reg{rsp}},
	x86asm.POPF:    {uops: 9, reads: []Reg{rsp}, writes: []Reg{rsp, RegFlags}},
	x86asm.POPFQ:   {uops: 9, reads: []Reg{rsp}, writes: []Reg{rsp, RegFlags}},
	x86asm.CMPXCHG: {uops: 5, reads: []Reg{rax}, writes: []Reg{rax, RegFlags}},
	x86asm.XADD:    {uops: 4, reads: []Reg{rax}, writes: []Reg{RegFlags}},
}

// noDestWrite lists operations that read their first operand only.
var noDestWrite = map[x86asm.Op]bool{
	x86asm.CMP:     true,
	x86asm.TEST:    true,
	x86asm.BT:      true,
	x86asm.UCOMISS: true,
	x86asm.UCOMISD: true,
	x86asm.COMISS:  true,
	x86asm.COMISD:  true,
}

var moves = map[x86asm.Op]bool{
	x86asm.MOV:    true,
	x86asm.MOVZX:  true,
	x86asm.MOVSX:  true,
	x86asm.MOVSXD: true,
	x86asm.LEA:    true,
	x86asm.MOVAPS: true,
	x86asm.MOVUPS: true,
	x86asm.MOVAPD: true,
	x86asm.MOVUPD: true,
	x86asm.MOVDQA: true,
	x86asm.MOVDQU: true,
	x86asm.MOVD:   true,
	x86asm.MOVQ:   true,
	x86asm.MOVSS:  true,
}

// destWriteOnly reports whether op overwrites its destination without
// reading it.
func destWriteOnly(op x86asm.Op) bool {
	return moves[op] || strings.HasPrefix(op.String(), "SET")
}

var flagWriters = map[x86asm.Op]bool{
	x86asm.ADD: true, x86asm.SUB: true, x86asm.AND: true, x86asm.OR: true,
	x86asm.XOR: true, x86asm.ADC: true, x86asm.SBB: true, x86asm.CMP: true,
	x86asm.TEST: true, x86asm.INC: true, x86asm.DEC: true, x86asm.NEG: true,
	x86asm.SHL: true, x86asm.SHR: true, x86asm.SAR: true, x86asm.ROL: true,
	x86asm.ROR: true, x86asm.IMUL: true, x86asm.BT: true,
	x86asm.UCOMISS: true, x86asm.UCOMISD: true, x86asm.COMISS: true, x86asm.COMISD: true,
}

func writesFlags(op x86asm.Op) bool {
	return flagWriters[op]
}

func readsFlags(op x86asm.Op) bool {
	if op == x86asm.ADC || op == x86asm.SBB {
		return true
	}

	name := op.String()

	return strings.HasPrefix(name, "SET") || strings.HasPrefix(name, "CMOV")
}

func isStringOp(op x86asm.Op) bool {
	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return true
	}

	return false
}

func classOf(op x86asm.Op) Class {
	switch op {
	case x86asm.IMUL, x86asm.MUL:
		return ClassMul
	case x86asm.DIV, x86asm.IDIV:
		return ClassDiv
	}

	name := op.String()
	if strings.HasPrefix(name, "F") {
		return ClassFP
	}

	for _, suffix := range []string{"SS", "SD", "PS", "PD"} {
		if strings.HasSuffix(name, suffix) && !strings.HasPrefix(name, "MOV") {
			return ClassFP
		}
	}

	return ClassALU
}
