package wasm

import (
	"slices"

	"github.com/wippyai/wasm-engine/wasm/internal/binary"
)

const (
	nameSubsectionModule   = 0
	nameSubsectionFunction = 1
)

// Names holds the debug names carried in the "name" custom section.
type Names struct {
	Funcs  map[uint32]string
	Module string
}

// Names decodes the "name" custom section. A missing or damaged section
// yields empty names; debug info never fails a load.
func (m *Module) Names() Names {
	names := Names{Funcs: map[uint32]string{}}
	data, ok := m.CustomSection("name")
	if !ok {
		return names
	}

	r := binary.NewReader(data)
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return names
		}
		size, err := r.ReadU32()
		if err != nil || uint64(size) > uint64(r.Len()) {
			return names
		}
		sub, err := r.Sub(int(size))
		if err != nil {
			return names
		}
		switch id {
		case nameSubsectionModule:
			if s, err := sub.ReadName(); err == nil {
				names.Module = s
			}
		case nameSubsectionFunction:
			count, err := sub.ReadU32()
			if err != nil {
				continue
			}
			for i := uint32(0); i < count; i++ {
				idx, err := sub.ReadU32()
				if err != nil {
					break
				}
				s, err := sub.ReadName()
				if err != nil {
					break
				}
				names.Funcs[idx] = s
			}
		}
	}
	return names
}

// EncodeNames builds a "name" custom section payload.
func EncodeNames(n Names) []byte {
	w := binary.NewWriter()
	if n.Module != "" {
		sub := binary.NewWriter()
		sub.WriteName(n.Module)
		w.Byte(nameSubsectionModule)
		w.WriteU32(uint32(sub.Len()))
		w.WriteBytes(sub.Bytes())
	}
	if len(n.Funcs) > 0 {
		idxs := make([]uint32, 0, len(n.Funcs))
		for idx := range n.Funcs {
			idxs = append(idxs, idx)
		}
		slices.Sort(idxs)
		sub := binary.NewWriter()
		sub.WriteU32(uint32(len(idxs)))
		for _, idx := range idxs {
			sub.WriteU32(idx)
			sub.WriteName(n.Funcs[idx])
		}
		w.Byte(nameSubsectionFunction)
		w.WriteU32(uint32(sub.Len()))
		w.WriteBytes(sub.Bytes())
	}
	return w.Bytes()
}
