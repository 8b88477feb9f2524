package interp

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/vm"
	"github.com/wippyai/wasm-engine/wasm"
)

type frame struct {
	fn   *Func
	pc   int
	base int
}

// machine holds the state of one Invoke. Guest-to-guest calls within the
// same context run on the machine's own stack; calls that leave the context
// go through vm.Func.Call and get a fresh machine if they re-enter.
type machine struct {
	ctx     *vm.Context
	fn      *Func
	shared  *memory.Memory
	stack   []uint64
	frames  []frame
	mem     []byte
	scratch []uint64
	tmp     [8]byte
}

var machines = sync.Pool{
	New: func() any { return &machine{stack: make([]uint64, 1024)} },
}

var _ vm.Body = (*Func)(nil)

// Invoke runs the function in ctx.
func (f *Func) Invoke(ctx *vm.Context, params, results []uint64) {
	m := machines.Get().(*machine)
	depth := ctx.Depth
	defer func() {
		ctx.Depth = depth
		if r := recover(); r != nil {
			if t, ok := r.(*errors.Trap); ok {
				m.backtrace(t)
			}
			m.release()
			panic(r)
		}
		m.release()
	}()

	m.ctx = ctx
	m.fn = f
	ctx.Enter()
	m.syncMemory()
	m.ensure(int(f.NumLocals + f.MaxHeight))
	copy(m.stack, params[:f.NumParams])
	clear(m.stack[f.NumParams:f.NumLocals])
	m.run(f)
	copy(results, m.stack[:f.NumResults])
}

func (m *machine) release() {
	m.ctx = nil
	m.fn = nil
	m.shared = nil
	m.mem = nil
	m.frames = m.frames[:0]
	machines.Put(m)
}

func (m *machine) backtrace(t *errors.Trap) {
	t.Frames = append(t.Frames, funcName(m.fn))
	for i := len(m.frames) - 1; i >= 0; i-- {
		t.Frames = append(t.Frames, funcName(m.frames[i].fn))
	}
}

func funcName(f *Func) string {
	if f == nil {
		return "<unknown>"
	}
	if f.Name != "" {
		return f.Name
	}
	return fmt.Sprintf("func[%d]", f.Index)
}

func (m *machine) ensure(n int) {
	if n <= len(m.stack) {
		return
	}
	size := 2 * len(m.stack)
	for size < n {
		size *= 2
	}
	grown := make([]uint64, size)
	copy(grown, m.stack)
	m.stack = grown
}

// syncMemory refreshes the cached memory view. It runs at entry, after
// memory.grow and after every call that left this machine.
func (m *machine) syncMemory() {
	if mem := m.ctx.Memory(); mem != nil && mem.Shared() {
		m.shared = mem
		m.mem = nil
		return
	}
	m.mem = m.ctx.SyncMemory()
}

func memTrap(ea, n uint64, size int) *errors.Trap {
	return errors.NewTrap(errors.TrapMemoryOutOfBounds,
		"access [%d, %d) exceeds memory size %d", ea, ea+n, size)
}

func (m *machine) load(ea, n uint64) uint64 {
	var b []byte
	if m.shared != nil {
		b = m.tmp[:n]
		if err := m.shared.ReadAt(b, ea); err != nil {
			panic(err)
		}
	} else {
		if ea+n > uint64(len(m.mem)) {
			panic(memTrap(ea, n, len(m.mem)))
		}
		b = m.mem[ea : ea+n]
	}
	switch n {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func (m *machine) store(ea, n, v uint64) {
	var b []byte
	if m.shared != nil {
		b = m.tmp[:n]
	} else {
		if ea+n > uint64(len(m.mem)) {
			panic(memTrap(ea, n, len(m.mem)))
		}
		b = m.mem[ea : ea+n]
	}
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	if m.shared != nil {
		if err := m.shared.WriteAt(b, ea); err != nil {
			panic(err)
		}
	}
}

// call dispatches to f with its arguments on top of the stack and leaves
// the results in their place. It returns the new stack pointer.
func (m *machine) call(f vm.Func, sp int) int {
	ft := f.Type()
	np, nr := len(ft.Params), len(ft.Results)
	if cap(m.scratch) < nr {
		m.scratch = make([]uint64, nr)
	}
	results := m.scratch[:nr]
	f.Call(m.ctx, m.stack[sp-np:sp], results)
	sp -= np
	m.ensure(sp + nr)
	copy(m.stack[sp:], results)
	m.syncMemory()
	return sp + nr
}

// local returns the callee when f can run as a frame on this machine.
func (m *machine) local(f vm.Func) *Func {
	bf, ok := f.(*vm.BoundFunc)
	if !ok || bf.Ctx != m.ctx {
		return nil
	}
	body, _ := bf.Body.(*Func)
	return body
}

func (m *machine) run(fn *Func) {
	ctx := m.ctx
	m.fn = fn
	s := m.stack
	code := fn.Code
	base := 0
	ops := int(fn.NumLocals)
	sp := ops
	pc := 0

	for {
		op := &code[pc]
		pc++
		if ctx.Fuel != nil {
			ctx.Fuel.Consume(1)
		}

		switch op.Kind {
		case Kind(wasm.OpUnreachable):
			panic(errors.NewTrap(errors.TrapUnreachable, ""))

		case kindJump:
			pc = int(op.Target.PC)

		case kindBrIfNot:
			sp--
			if uint32(s[sp]) == 0 {
				pc = int(op.Target.PC)
			}

		case Kind(wasm.OpBr):
			sp = branch(s, ops, sp, op.Target)
			pc = int(op.Target.PC)

		case Kind(wasm.OpBrIf):
			sp--
			if uint32(s[sp]) != 0 {
				sp = branch(s, ops, sp, op.Target)
				pc = int(op.Target.PC)
			}

		case kindBrIfEqz:
			sp--
			if uint32(s[sp]) == 0 {
				sp = branch(s, ops, sp, op.Target)
				pc = int(op.Target.PC)
			}

		case Kind(wasm.OpBrTable):
			sp--
			i := uint64(uint32(s[sp]))
			if last := uint64(len(op.Table) - 1); i > last {
				i = last
			}
			t := op.Table[i]
			sp = branch(s, ops, sp, t)
			pc = int(t.PC)

		case Kind(wasm.OpReturn):
			nr := int(fn.NumResults)
			copy(s[base:base+nr], s[sp-nr:sp])
			sp = base + nr
			if len(m.frames) == 0 {
				return
			}
			fr := m.frames[len(m.frames)-1]
			m.frames = m.frames[:len(m.frames)-1]
			fn, pc, base = fr.fn, fr.pc, fr.base
			m.fn = fn
			code = fn.Code
			ops = base + int(fn.NumLocals)
			ctx.Leave()

		case Kind(wasm.OpCall), Kind(wasm.OpCallIndirect):
			var callee vm.Func
			if op.Kind == Kind(wasm.OpCall) {
				callee = ctx.Funcs[op.Idx]
			} else {
				sp--
				callee = m.indirect(uint32(op.Imm), op.Idx, uint32(s[sp]))
			}
			next := m.local(callee)
			if next == nil {
				sp = m.call(callee, sp)
				s = m.stack
				continue
			}
			ctx.Enter()
			m.frames = append(m.frames, frame{fn: fn, pc: pc, base: base})
			base = sp - int(next.NumParams)
			m.ensure(base + int(next.NumLocals+next.MaxHeight))
			s = m.stack
			clear(s[sp : base+int(next.NumLocals)])
			fn, code, pc = next, next.Code, 0
			m.fn = fn
			ops = base + int(fn.NumLocals)
			sp = ops

		case Kind(wasm.OpDrop):
			sp--

		case Kind(wasm.OpSelect):
			sp -= 2
			if uint32(s[sp+1]) == 0 {
				s[sp-1] = s[sp]
			}

		case Kind(wasm.OpLocalGet):
			s[sp] = s[base+int(op.Idx)]
			sp++
		case Kind(wasm.OpLocalSet):
			sp--
			s[base+int(op.Idx)] = s[sp]
		case Kind(wasm.OpLocalTee):
			s[base+int(op.Idx)] = s[sp-1]
		case kindLocalCopy:
			s[base+int(op.Idx)] = s[base+int(op.Imm)]

		case Kind(wasm.OpGlobalGet):
			s[sp] = ctx.Globals[op.Idx].Value
			sp++
		case Kind(wasm.OpGlobalSet):
			sp--
			ctx.Globals[op.Idx].Value = s[sp]
		case kindGlobalGetRef:
			s[sp] = ctx.Refs.Handle(ctx.Globals[op.Idx].Ref)
			sp++
		case kindGlobalSetRef:
			sp--
			ctx.Globals[op.Idx].Ref = ctx.Refs.Ref(s[sp])

		case Kind(wasm.OpTableGet):
			ref, err := ctx.Tables[op.Idx].Get(uint32(s[sp-1]))
			if err != nil {
				panic(err)
			}
			s[sp-1] = ctx.Refs.Handle(ref)
		case Kind(wasm.OpTableSet):
			sp -= 2
			if err := ctx.Tables[op.Idx].Set(uint32(s[sp]), ctx.Refs.Ref(s[sp+1])); err != nil {
				panic(err)
			}

		case Kind(wasm.OpMemorySize):
			s[sp] = uint64(ctx.Memory().Pages())
			sp++
		case Kind(wasm.OpMemoryGrow):
			s[sp-1] = uint64(uint32(ctx.GrowMemory(uint32(s[sp-1]))))
			m.syncMemory()

		case Kind(wasm.OpI32Load):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 4)
		case Kind(wasm.OpI64Load):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 8)
		case Kind(wasm.OpF32Load):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 4)
		case Kind(wasm.OpF64Load):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 8)
		case Kind(wasm.OpI32Load8S):
			s[sp-1] = uint64(uint32(int32(int8(m.load(uint64(uint32(s[sp-1]))+op.Imm, 1)))))
		case Kind(wasm.OpI32Load8U):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 1)
		case Kind(wasm.OpI32Load16S):
			s[sp-1] = uint64(uint32(int32(int16(m.load(uint64(uint32(s[sp-1]))+op.Imm, 2)))))
		case Kind(wasm.OpI32Load16U):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 2)
		case Kind(wasm.OpI64Load8S):
			s[sp-1] = uint64(int64(int8(m.load(uint64(uint32(s[sp-1]))+op.Imm, 1))))
		case Kind(wasm.OpI64Load8U):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 1)
		case Kind(wasm.OpI64Load16S):
			s[sp-1] = uint64(int64(int16(m.load(uint64(uint32(s[sp-1]))+op.Imm, 2))))
		case Kind(wasm.OpI64Load16U):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 2)
		case Kind(wasm.OpI64Load32S):
			s[sp-1] = uint64(int64(int32(m.load(uint64(uint32(s[sp-1]))+op.Imm, 4))))
		case Kind(wasm.OpI64Load32U):
			s[sp-1] = m.load(uint64(uint32(s[sp-1]))+op.Imm, 4)

		case Kind(wasm.OpI32Store), Kind(wasm.OpF32Store), Kind(wasm.OpI64Store32):
			sp -= 2
			m.store(uint64(uint32(s[sp]))+op.Imm, 4, s[sp+1])
		case Kind(wasm.OpI64Store), Kind(wasm.OpF64Store):
			sp -= 2
			m.store(uint64(uint32(s[sp]))+op.Imm, 8, s[sp+1])
		case Kind(wasm.OpI32Store8), Kind(wasm.OpI64Store8):
			sp -= 2
			m.store(uint64(uint32(s[sp]))+op.Imm, 1, s[sp+1])
		case Kind(wasm.OpI32Store16), Kind(wasm.OpI64Store16):
			sp -= 2
			m.store(uint64(uint32(s[sp]))+op.Imm, 2, s[sp+1])

		case Kind(wasm.OpI32Const), Kind(wasm.OpI64Const), Kind(wasm.OpF32Const), Kind(wasm.OpF64Const):
			s[sp] = op.Imm
			sp++

		case Kind(wasm.OpRefNull):
			s[sp] = 0
			sp++
		case Kind(wasm.OpRefIsNull):
			s[sp-1] = b2u(s[sp-1] == 0)
		case Kind(wasm.OpRefFunc):
			s[sp] = ctx.Refs.Handle(ctx.Funcs[op.Idx])
			sp++

		default:
			switch k := op.Kind; {
			case k < 0x100:
				switch numArity[k] {
				case 1:
					s[sp-1] = unary(byte(k), s[sp-1])
				case 2:
					sp--
					s[sp-1] = binop(byte(k), s[sp-1], s[sp])
				default:
					panic(fmt.Sprintf("interp: unexpected opcode 0x%02x", k))
				}
			case k >= kindStackConst:
				s[sp-1] = intBinary(byte(k), s[sp-1], op.Imm)
			case k >= kindLocalConst:
				s[sp] = intBinary(byte(k), s[base+int(op.Idx)], op.Imm)
				sp++
			case k >= kindLocalLocal:
				s[sp] = intBinary(byte(k), s[base+int(op.Idx)], s[base+int(op.Imm)])
				sp++
			case k >= kindMisc:
				sp = m.misc(op, sp)
				s = m.stack
			default:
				panic(fmt.Sprintf("interp: unexpected op kind 0x%x", k))
			}
		}
	}
}

// branch moves the target's arity values down to its height.
func branch(s []uint64, ops, sp int, t Target) int {
	dst := ops + int(t.Height)
	n := int(t.Arity)
	if dst != sp-n {
		copy(s[dst:dst+n], s[sp-n:sp])
	}
	return dst + n
}

func (m *machine) indirect(tableIdx, typeIdx, elem uint32) vm.Func {
	ref, err := m.ctx.Tables[tableIdx].Lookup(elem, m.ctx.Types[typeIdx])
	if err != nil {
		panic(err)
	}
	f, ok := ref.(vm.Func)
	if !ok {
		panic(errors.NewTrap(errors.TrapIndirectCallTypeMismatch, "table element %d is not callable", elem))
	}
	return f
}

func (m *machine) misc(op *Op, sp int) int {
	ctx := m.ctx
	s := m.stack
	sub := uint32(op.Kind - kindMisc)
	switch sub {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U,
		wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U,
		wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U,
		wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
		s[sp-1] = truncSat(sub, s[sp-1])

	case wasm.MiscMemoryInit:
		sp -= 3
		d, src, n := uint64(uint32(s[sp])), uint64(uint32(s[sp+1])), uint64(uint32(s[sp+2]))
		data := ctx.Data[op.Idx]
		if src+n > uint64(len(data)) {
			panic(errors.NewTrap(errors.TrapMemoryOutOfBounds,
				"data segment %d: [%d, %d) exceeds length %d", op.Idx, src, src+n, len(data)))
		}
		if err := ctx.Memory().WriteAt(data[src:src+n], d); err != nil {
			panic(err)
		}
	case wasm.MiscDataDrop:
		ctx.DropData(op.Idx)
	case wasm.MiscMemoryCopy:
		sp -= 3
		if err := ctx.Memory().Copy(uint64(uint32(s[sp])), uint64(uint32(s[sp+1])), uint64(uint32(s[sp+2]))); err != nil {
			panic(err)
		}
	case wasm.MiscMemoryFill:
		sp -= 3
		if err := ctx.Memory().Fill(uint64(uint32(s[sp])), uint64(uint32(s[sp+2])), byte(s[sp+1])); err != nil {
			panic(err)
		}

	case wasm.MiscTableInit:
		sp -= 3
		d, src, n := uint32(s[sp]), uint64(uint32(s[sp+1])), uint64(uint32(s[sp+2]))
		elems := ctx.Elems[op.Idx]
		if src+n > uint64(len(elems)) {
			panic(errors.NewTrap(errors.TrapTableOutOfBounds,
				"element segment %d: [%d, %d) exceeds length %d", op.Idx, src, src+n, len(elems)))
		}
		if err := ctx.Tables[op.Imm].Init(d, elems[src:src+n]); err != nil {
			panic(err)
		}
	case wasm.MiscElemDrop:
		ctx.DropElem(op.Idx)
	case wasm.MiscTableCopy:
		sp -= 3
		if err := ctx.Tables[op.Idx].Copy(uint32(s[sp]), ctx.Tables[op.Imm], uint32(s[sp+1]), uint32(s[sp+2])); err != nil {
			panic(err)
		}
	case wasm.MiscTableGrow:
		sp--
		s[sp-1] = uint64(uint32(ctx.GrowTable(op.Idx, uint32(s[sp]), ctx.Refs.Ref(s[sp-1]))))
	case wasm.MiscTableSize:
		s[sp] = uint64(ctx.Tables[op.Idx].Size())
		sp++
	case wasm.MiscTableFill:
		sp -= 3
		if err := ctx.Tables[op.Idx].Fill(uint32(s[sp]), uint32(s[sp+2]), ctx.Refs.Ref(s[sp+1])); err != nil {
			panic(err)
		}
	default:
		panic(fmt.Sprintf("interp: unexpected misc opcode %d", sub))
	}
	return sp
}
