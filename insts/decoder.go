package insts

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithMode sets the processor mode (16, 32, or 64).
func WithMode(mode int) DecoderOption {
	return func(d *Decoder) {
		d.mode = mode
	}
}

// WithLoadOpFusion enables fusing a load with the operation consuming it.
func WithLoadOpFusion(enabled bool) DecoderOption {
	return func(d *Decoder) {
		d.fuseLoadOp = enabled
	}
}

// WithStoreFusion enables fusing store-address and store-data uops.
func WithStoreFusion(enabled bool) DecoderOption {
	return func(d *Decoder) {
		d.fuseStore = enabled
	}
}

// WithMaxFlowLength caps the number of uops in a flow.
func WithMaxFlowLength(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxFlow = n
	}
}

// Decoder decodes x86 machine code into cracked instructions.
type Decoder struct {
	mode       int
	fuseLoadOp bool
	fuseStore  bool
	maxFlow    int
}

// NewDecoder creates a 64-bit mode decoder with fusion disabled.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{mode: 64, maxFlow: 32}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// MaxFlowLength returns the longest flow the decoder produces.
func (d *Decoder) MaxFlowLength() int {
	return d.maxFlow
}

// Decode decodes the instruction at pc from code.
func (d *Decoder) Decode(pc uint64, code []byte) (*Instruction, error) {
	in, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruction at %#x: %w", pc, err)
	}
	if in.Op == 0 {
		return nil, fmt.Errorf("failed to decode instruction at %#x: unknown encoding", pc)
	}

	inst := &Instruction{
		PC:  pc,
		Len: in.Len,
		Op:  in.Op.String(),
	}

	b := &flowBuilder{}
	d.crack(in, inst, b)
	inst.Flow = b.flow

	d.fuse(inst)
	d.clamp(inst)

	return inst, nil
}

// Generic returns a single-uop instruction of the given length. It stands in
// for encodings the decoder does not know.
func (d *Decoder) Generic(pc uint64, length int) *Instruction {
	if length <= 0 {
		length = 1
	}

	return &Instruction{
		PC:   pc,
		Len:  length,
		Op:   "NOP",
		Flow: []UopTemplate{{Class: ClassNop, MemSlot: -1}},
	}
}

func (d *Decoder) fuse(inst *Instruction) {
	for i := 0; i+1 < len(inst.Flow); i++ {
		cur, next := &inst.Flow[i], &inst.Flow[i+1]

		switch {
		case d.fuseLoadOp && cur.IsLoad && reads(next, cur.Odep[0]) &&
			!next.IsLoad && !next.IsSTA && !next.IsSTD && !next.IsCtrl:
			cur.FuseNext = true
			i++
		case d.fuseStore && cur.IsSTA && next.IsSTD:
			cur.FuseNext = true
			i++
		}
	}
}

func reads(t *UopTemplate, r Reg) bool {
	if r == RegNone {
		return false
	}

	for _, in := range t.Idep {
		if in == r {
			return true
		}
	}

	return false
}

func (d *Decoder) clamp(inst *Instruction) {
	if d.maxFlow <= 0 || len(inst.Flow) <= d.maxFlow {
		return
	}

	inst.Flow = inst.Flow[:d.maxFlow]
	inst.Flow[d.maxFlow-1].FuseNext = false
}

func (d *Decoder) crack(in x86asm.Inst, inst *Instruction, b *flowBuilder) {
	op := in.Op
	ops := newOperands(in)

	switch {
	case isStringOp(op):
		inst.HasRep = hasRepPrefix(in)
		crackString(op, inst.HasRep, b)
	case op == x86asm.JMP || op == x86asm.CALL:
		crackJump(in, inst, ops, b)
	case op == x86asm.RET || op == x86asm.LRET:
		inst.Flags = OpFlags{Ctrl: true, Uncond: true, Ret: true, Indir: true}
		b.load(RegTmp0, RegNone, Reg(x86asm.RSP))
		b.alu(ClassALU, Reg(x86asm.RSP), RegNone, Reg(x86asm.RSP))
		b.branch(RegTmp0, RegNone)
	case condJumps[op]:
		inst.Flags = OpFlags{Ctrl: true, Cond: true}
		setDirectTarget(in, inst)
		b.branch(RegFlags, RegNone)
	case op == x86asm.JCXZ || op == x86asm.JECXZ || op == x86asm.JRCXZ:
		inst.Flags = OpFlags{Ctrl: true, Cond: true}
		setDirectTarget(in, inst)
		b.branch(Reg(x86asm.RCX), RegNone)
	case op == x86asm.LOOP || op == x86asm.LOOPE || op == x86asm.LOOPNE:
		inst.Flags = OpFlags{Ctrl: true, Cond: true}
		setDirectTarget(in, inst)
		b.alu(ClassALU, Reg(x86asm.RCX), RegNone, Reg(x86asm.RCX))
		b.branch(Reg(x86asm.RCX), RegFlags)
	case traps[op]:
		inst.Flags = OpFlags{Trap: true}
		inst.Microcoded = true
		b.alu(ClassMicrocode, RegNone, RegNone, RegNone)
	case microcode[op].uops > 0:
		inst.Microcoded = true
		inst.Flags.Serialize = serializing[op]
		crackMicrocode(microcode[op], b)
	case serializing[op]:
		inst.Flags.Serialize = true
		b.alu(ClassNop, RegNone, RegNone, RegNone)
	case op == x86asm.PUSH:
		crackPush(ops, b)
	case op == x86asm.POP:
		crackPop(ops, b)
	case op == x86asm.DIV || op == x86asm.IDIV:
		crackMulDiv(ClassDiv, ops, b)
	case op == x86asm.MUL || (op == x86asm.IMUL && ops.count == 1):
		crackMulDiv(ClassMul, ops, b)
	default:
		crackGeneric(op, ops, b)
	}
}

// operands summarizes the register and memory arguments of an instruction.
type operands struct {
	count  int
	mem    *x86asm.Mem
	memArg int
	regs   [4]Reg
	base   Reg
	index  Reg
}

func newOperands(in x86asm.Inst) operands {
	o := operands{memArg: -1}
	for i, a := range in.Args {
		if a == nil {
			break
		}

		o.count++

		switch v := a.(type) {
		case x86asm.Reg:
			o.regs[i] = canonical(v)
		case x86asm.Mem:
			m := v
			o.mem = &m
			o.memArg = i
			o.base = canonical(v.Base)
			o.index = canonical(v.Index)
		}
	}

	if in.Op == x86asm.LEA {
		// LEA computes an address without touching memory.
		o.regs[1] = o.base
		o.regs[2] = o.index
		o.mem = nil
		o.memArg = -1
	}

	return o
}

// srcRegs returns the register sources other than argument skip.
func (o operands) srcRegs(skip int) []Reg {
	var srcs []Reg
	for i, r := range o.regs {
		if i == skip || r == RegNone {
			continue
		}
		srcs = append(srcs, r)
	}

	return srcs
}

// canonical maps an x86asm register onto the tracked register name.
func canonical(r x86asm.Reg) Reg {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return Reg(r)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return Reg(x86asm.RAX + (r - x86asm.EAX))
	case r >= x86asm.AX && r <= x86asm.R15W:
		return Reg(x86asm.RAX + (r - x86asm.AX))
	case r >= x86asm.AL && r <= x86asm.BL:
		return Reg(x86asm.RAX + (r - x86asm.AL))
	case r >= x86asm.AH && r <= x86asm.BH:
		return Reg(x86asm.RAX + (r - x86asm.AH))
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return Reg(x86asm.RSP + (r - x86asm.SPB))
	case r >= x86asm.F0 && r <= x86asm.X15:
		return Reg(r)
	}

	return RegNone
}

func hasRepPrefix(in x86asm.Inst) bool {
	for _, p := range in.Prefix {
		if p == 0 {
			break
		}
		if p&0xFF == x86asm.PrefixREP || p&0xFF == x86asm.PrefixREPN {
			return true
		}
	}

	return false
}

func setDirectTarget(in x86asm.Inst, inst *Instruction) {
	if rel, ok := in.Args[0].(x86asm.Rel); ok {
		inst.Target = inst.PC + uint64(in.Len) + uint64(int64(rel))
		inst.TargetKnown = true
	}
}

func crackJump(in x86asm.Inst, inst *Instruction, ops operands, b *flowBuilder) {
	inst.Flags = OpFlags{Ctrl: true, Uncond: true, Call: in.Op == x86asm.CALL}
	setDirectTarget(in, inst)

	src := RegNone
	switch {
	case ops.mem != nil:
		inst.Flags.Indir = true
		b.load(RegTmp0, ops.base, ops.index)
		src = RegTmp0
	case ops.regs[0] != RegNone:
		inst.Flags.Indir = true
		src = ops.regs[0]
	}

	if inst.Flags.Call {
		b.sta(Reg(x86asm.RSP), RegNone)
		b.std(RegNone)
		b.alu(ClassALU, Reg(x86asm.RSP), RegNone, Reg(x86asm.RSP))
	}

	b.branch(src, RegNone)
}

func crackString(op x86asm.Op, rep bool, b *flowBuilder) {
	rsi, rdi := Reg(x86asm.RSI), Reg(x86asm.RDI)

	switch op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		b.load(RegTmp0, rsi, RegNone)
		b.sta(rdi, RegNone)
		b.std(RegTmp0)
		b.alu(ClassALU, rsi, RegNone, rsi)
		b.alu(ClassALU, rdi, RegNone, rdi)
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		b.sta(rdi, RegNone)
		b.std(Reg(x86asm.RAX))
		b.alu(ClassALU, rdi, RegNone, rdi)
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		b.load(Reg(x86asm.RAX), rsi, RegNone)
		b.alu(ClassALU, rsi, RegNone, rsi)
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		b.load(RegTmp0, rsi, RegNone)
		b.load(RegTmp1, rdi, RegNone)
		b.op(ClassALU, []Reg{RegTmp0, RegTmp1}, RegFlags, RegNone)
		b.alu(ClassALU, rsi, RegNone, rsi)
		b.alu(ClassALU, rdi, RegNone, rdi)
	default: // SCAS
		b.load(RegTmp0, rdi, RegNone)
		b.op(ClassALU, []Reg{RegTmp0, Reg(x86asm.RAX)}, RegFlags, RegNone)
		b.alu(ClassALU, rdi, RegNone, rdi)
	}

	if rep {
		b.alu(ClassALU, Reg(x86asm.RCX), RegNone, Reg(x86asm.RCX))
	}
}

func crackMicrocode(m ucodeFlow, b *flowBuilder) {
	for i := 0; i < m.uops; i++ {
		var srcs []Reg
		dst := [2]Reg{}

		if i == 0 {
			srcs = m.reads
		}
		if tail := m.uops - 1 - i; tail < len(m.writes) {
			dst[0] = m.writes[tail]
		}

		b.op(ClassMicrocode, srcs, dst[0], dst[1])
	}
}

func crackPush(ops operands, b *flowBuilder) {
	rsp := Reg(x86asm.RSP)

	src := ops.regs[0]
	if ops.mem != nil {
		b.load(RegTmp0, ops.base, ops.index)
		src = RegTmp0
	}

	b.sta(rsp, RegNone)
	b.std(src)
	b.alu(ClassALU, rsp, RegNone, rsp)
}

func crackPop(ops operands, b *flowBuilder) {
	rsp := Reg(x86asm.RSP)

	if ops.mem != nil {
		b.load(RegTmp0, rsp, RegNone)
		b.alu(ClassALU, rsp, RegNone, rsp)
		b.sta(ops.base, ops.index)
		b.std(RegTmp0)

		return
	}

	b.load(ops.regs[0], rsp, RegNone)
	b.alu(ClassALU, rsp, RegNone, rsp)
}

func crackMulDiv(class Class, ops operands, b *flowBuilder) {
	rax, rdx := Reg(x86asm.RAX), Reg(x86asm.RDX)

	src := ops.regs[0]
	if ops.mem != nil {
		b.load(RegTmp0, ops.base, ops.index)
		src = RegTmp0
	}

	b.op(class, []Reg{rax, rdx, src}, rax, rdx)
}

func crackGeneric(op x86asm.Op, ops operands, b *flowBuilder) {
	class := classOf(op)

	if op == x86asm.NOP || strings.HasPrefix(op.String(), "PREFETCH") {
		b.alu(ClassNop, RegNone, RegNone, RegNone)
		return
	}

	flagsOut := RegNone
	if writesFlags(op) {
		flagsOut = RegFlags
	}

	var extra []Reg
	if readsFlags(op) {
		extra = append(extra, RegFlags)
	}

	switch {
	case ops.mem == nil:
		dst := RegNone
		srcs := ops.srcRegs(0)
		if !noDestWrite[op] {
			dst = ops.regs[0]
		}
		if !destWriteOnly(op) && ops.regs[0] != RegNone {
			srcs = append([]Reg{ops.regs[0]}, srcs...)
		}
		b.op(class, append(srcs, extra...), dst, flagsOut)

	case ops.memArg == 0 && destWriteOnly(op):
		b.sta(ops.base, ops.index)
		b.std(firstOr(ops.srcRegs(0), RegNone))

	case ops.memArg == 0 && noDestWrite[op]:
		b.load(RegTmp0, ops.base, ops.index)
		b.op(class, append(append([]Reg{RegTmp0}, ops.srcRegs(0)...), extra...), RegNone, flagsOut)

	case ops.memArg == 0:
		b.load(RegTmp0, ops.base, ops.index)
		b.op(class, append(append([]Reg{RegTmp0}, ops.srcRegs(0)...), extra...), RegTmp1, flagsOut)
		b.sta(ops.base, ops.index)
		b.std(RegTmp1)

	case destWriteOnly(op) && len(extra) == 0:
		b.load(ops.regs[0], ops.base, ops.index)

	default:
		dst := ops.regs[0]
		srcs := []Reg{RegTmp0}
		if !destWriteOnly(op) && dst != RegNone {
			srcs = append(srcs, dst)
		}
		srcs = append(srcs, ops.srcRegs(ops.memArg)...)
		if noDestWrite[op] {
			dst = RegNone
		}
		b.load(RegTmp0, ops.base, ops.index)
		b.op(class, append(srcs, extra...), dst, flagsOut)
	}
}

func firstOr(regs []Reg, def Reg) Reg {
	if len(regs) > 0 {
		return regs[0]
	}

	return def
}

// flowBuilder appends uop templates and hands out memory slots in order.
type flowBuilder struct {
	flow    []UopTemplate
	memSlot int
}

func (b *flowBuilder) add(t UopTemplate) {
	b.flow = append(b.flow, t)
}

func (b *flowBuilder) nextMemSlot() int {
	s := b.memSlot
	b.memSlot++

	return s
}

func (b *flowBuilder) load(dst, base, index Reg) {
	b.add(UopTemplate{
		Class:   ClassLoad,
		IsLoad:  true,
		Idep:    [MaxIdeps]Reg{base, index},
		Odep:    [MaxOdeps]Reg{dst},
		MemSlot: b.nextMemSlot(),
	})
}

func (b *flowBuilder) sta(base, index Reg) {
	b.add(UopTemplate{
		Class:   ClassSTA,
		IsSTA:   true,
		Idep:    [MaxIdeps]Reg{base, index},
		MemSlot: b.nextMemSlot(),
	})
}

func (b *flowBuilder) std(src Reg) {
	b.add(UopTemplate{
		Class:   ClassSTD,
		IsSTD:   true,
		Idep:    [MaxIdeps]Reg{src},
		MemSlot: -1,
	})
}

func (b *flowBuilder) branch(src0, src1 Reg) {
	b.add(UopTemplate{
		Class:   ClassBranch,
		IsCtrl:  true,
		Idep:    [MaxIdeps]Reg{src0, src1},
		MemSlot: -1,
	})
}

func (b *flowBuilder) alu(class Class, src0, src1, dst Reg) {
	b.add(UopTemplate{
		Class:   class,
		Idep:    [MaxIdeps]Reg{src0, src1},
		Odep:    [MaxOdeps]Reg{dst},
		MemSlot: -1,
	})
}

func (b *flowBuilder) op(class Class, srcs []Reg, dst0, dst1 Reg) {
	t := UopTemplate{
		Class:   class,
		Odep:    [MaxOdeps]Reg{dst0, dst1},
		MemSlot: -1,
	}

	n := 0
	for _, r := range srcs {
		if r == RegNone || n == MaxIdeps {
			continue
		}
		t.Idep[n] = r
		n++
	}

	b.add(t)
}
