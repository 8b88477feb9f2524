package vm

import "github.com/wippyai/wasm-engine/errors"

// Meter counts down execution fuel. Once it runs dry every further
// consumption traps until fuel is added.
type Meter struct {
	remaining uint64
	exhausted bool
}

// NewMeter creates a meter holding fuel units.
func NewMeter(fuel uint64) *Meter {
	return &Meter{remaining: fuel}
}

// Remaining returns the unused fuel.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Exhausted reports whether the meter has run dry.
func (m *Meter) Exhausted() bool {
	return m.exhausted
}

// Add refuels the meter and clears the exhausted state.
func (m *Meter) Add(n uint64) {
	m.remaining += n
	if m.remaining > 0 {
		m.exhausted = false
	}
}

// Consume takes n units, trapping with host_requested when not enough is
// left.
func (m *Meter) Consume(n uint64) {
	if m.exhausted || m.remaining < n {
		m.remaining = 0
		m.exhausted = true
		panic(errors.NewTrap(errors.TrapHostRequested, "fuel exhausted"))
	}
	m.remaining -= n
}
