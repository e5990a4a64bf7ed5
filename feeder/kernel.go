package feeder

import (
	"encoding/binary"
	"io"
)

// KernelConfig shapes the synthetic workload produced by Kernel.
type KernelConfig struct {
	// Iterations is the number of outer loop iterations.
	Iterations int `json:"iterations"`
	// InnerTrips is the trip count of the inner array loop.
	InnerTrips int `json:"inner_trips"`
	// RepCount is the byte count of the REP MOVSB in each outer iteration.
	// Zero produces a zero-trip REP.
	RepCount int `json:"rep_count"`
	// Serialize inserts a CPUID into every outer iteration.
	Serialize bool `json:"serialize"`
	// Syscall inserts a SYSCALL into every outer iteration.
	Syscall bool `json:"syscall"`
	// Base is the address of the first instruction.
	Base uint64 `json:"base"`
}

// DefaultKernelConfig returns a small mixed workload.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		Iterations: 100,
		InnerTrips: 16,
		RepCount:   4,
		Base:       0x401000,
	}
}

const (
	arrayBase   = 0x600000
	arrayBytes  = 64 * 1024
	counterBase = 0x700000
	srcBase     = 0x800000
	dstBase     = 0x900000
	stackTop    = 0x7ff000
)

type kernelInst struct {
	pc   uint64
	code []byte
}

// Kernel generates the handshake stream of a fixed x86 loop nest:
//
//	loop:  mov eax, [rsi+rcx*4]
//	       add ebx, eax
//	       add dword [rdi], 1
//	       mov [rdi+8], ebx
//	       inc rcx
//	       cmp rcx, rdx
//	       jne loop
//	       rep movsb
//	       call leaf
//	       [cpuid]
//	       [syscall]
//	       jmp loop
//	leaf:  push rbx
//	       pop rbx
//	       ret
type Kernel struct {
	cfg KernelConfig

	load, add, rmw, store, inc, cmp, jne kernelInst
	rep, call, cpuid, syscall, jmp       kernelInst
	push, pop, ret                       kernelInst

	outer   int
	pending []Handshake
	emitted int
}

// NewKernel lays out the program for cfg.
func NewKernel(cfg KernelConfig) *Kernel {
	if cfg.InnerTrips <= 0 {
		cfg.InnerTrips = 1
	}

	k := &Kernel{cfg: cfg}

	pc := cfg.Base
	place := func(code ...byte) kernelInst {
		in := kernelInst{pc: pc, code: code}
		pc += uint64(len(code))
		return in
	}

	k.load = place(0x8b, 0x04, 0x8e)
	k.add = place(0x01, 0xc3)
	k.rmw = place(0x83, 0x07, 0x01)
	k.store = place(0x89, 0x5f, 0x08)
	k.inc = place(0x48, 0xff, 0xc1)
	k.cmp = place(0x48, 0x39, 0xd1)
	k.jne = place(0x75, byte(int8(int64(cfg.Base)-int64(pc+2))))
	k.rep = place(0xf3, 0xa4)
	k.call = place(0xe8, 0, 0, 0, 0)
	if cfg.Serialize {
		k.cpuid = place(0x0f, 0xa2)
	}
	if cfg.Syscall {
		k.syscall = place(0x0f, 0x05)
	}
	k.jmp = place(0xe9, 0, 0, 0, 0)
	k.push = place(0x53)
	k.pop = place(0x5b)
	k.ret = place(0xc3)

	putRel32(k.call, k.push.pc)
	putRel32(k.jmp, cfg.Base)

	return k
}

func putRel32(in kernelInst, target uint64) {
	rel := int32(int64(target) - int64(in.pc+uint64(len(in.code))))
	binary.LittleEndian.PutUint32(in.code[1:], uint32(rel))
}

func (in kernelInst) ft() uint64 {
	return in.pc + uint64(len(in.code))
}

func (in kernelInst) seq(mem ...MemAccess) Handshake {
	return Handshake{
		PC:   in.pc,
		NPC:  in.ft(),
		TPC:  in.ft(),
		Code: append(Code(nil), in.code...),
		Mem:  mem,
	}
}

func (in kernelInst) branch(target uint64, taken bool, mem ...MemAccess) Handshake {
	h := in.seq(mem...)
	h.TPC = target
	h.Taken = taken
	if taken {
		h.NPC = target
	}

	return h
}

// Next implements Source.
func (k *Kernel) Next() (Handshake, error) {
	for len(k.pending) == 0 {
		if k.outer >= k.cfg.Iterations {
			return Handshake{}, io.EOF
		}
		k.pending = k.iteration(k.outer)
		k.outer++
	}

	h := k.pending[0]
	k.pending = k.pending[1:]
	if k.emitted == 0 {
		h.FirstInsn = true
	}
	k.emitted++

	return h, nil
}

func (k *Kernel) iteration(outer int) []Handshake {
	var out []Handshake

	for i := 0; i < k.cfg.InnerTrips; i++ {
		elem := uint64(outer*k.cfg.InnerTrips+i) * 4 % arrayBytes
		last := i == k.cfg.InnerTrips-1

		out = append(out,
			k.load.seq(MemAccess{Addr: arrayBase + elem, Size: 4}),
			k.add.seq(),
			k.rmw.seq(
				MemAccess{Addr: counterBase, Size: 4},
				MemAccess{Addr: counterBase, Size: 4}),
			k.store.seq(MemAccess{Addr: counterBase + 8, Size: 4}),
			k.inc.seq(),
			k.cmp.seq(),
			k.jne.branch(k.cfg.Base, !last),
		)
	}

	out = append(out, k.repIterations(outer)...)

	sp := uint64(stackTop)
	out = append(out,
		k.call.branch(k.push.pc, true, MemAccess{Addr: sp - 8, Size: 8}),
		k.push.seq(MemAccess{Addr: sp - 16, Size: 8}),
		k.pop.seq(MemAccess{Addr: sp - 16, Size: 8}),
		k.ret.branch(k.call.ft(), true, MemAccess{Addr: sp - 8, Size: 8}),
	)

	if k.cfg.Serialize {
		out = append(out, k.cpuid.seq())
	}
	if k.cfg.Syscall {
		out = append(out, k.syscall.seq())
	}

	out = append(out, k.jmp.branch(k.cfg.Base, true))

	return out
}

func (k *Kernel) repIterations(outer int) []Handshake {
	if k.cfg.RepCount == 0 {
		return []Handshake{k.rep.seq()}
	}

	var out []Handshake
	for j := 0; j < k.cfg.RepCount; j++ {
		off := uint64(outer*k.cfg.RepCount+j) % arrayBytes
		h := k.rep.seq(
			MemAccess{Addr: srcBase + off, Size: 1},
			MemAccess{Addr: dstBase + off, Size: 1})
		if j < k.cfg.RepCount-1 {
			h.NPC = k.rep.pc
		}
		out = append(out, h)
	}

	return out
}
